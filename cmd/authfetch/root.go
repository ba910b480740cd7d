package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/guarzo/authfetch/common/model"
	"github.com/guarzo/authfetch/config"
	"github.com/guarzo/authfetch/modules/authfetch"
	"github.com/guarzo/authfetch/modules/session"
)

type rootOptions struct {
	configDir   string
	showMetrics bool
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:           "authfetch",
		Short:         "Call a bearer-token API, refreshing the token from the session cookie when it goes stale",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	cmd.PersistentFlags().StringVar(&opts.configDir, "config", ".", "directory holding config.yml")
	cmd.PersistentFlags().BoolVar(&opts.showMetrics, "metrics", false, "print request counters when the command ends")

	cmd.AddCommand(
		newRegisterCommand(opts),
		newVerifyCommand(opts),
		newResendCodeCommand(opts),
		newLoginCommand(opts),
		newStatusCommand(opts),
		newCheckCommand(opts),
		newFetchCommand(opts),
		newHomeCommand(opts),
		newLogoutCommand(opts),
	)
	return cmd
}

// run loads config, wires the app and hands it to fn with a signal-aware context.
func run(cmd *cobra.Command, opts *rootOptions, fn func(ctx context.Context, a *app) error) error {
	cfg, err := config.LoadConfig(opts.configDir)
	if err != nil {
		return err
	}
	a, err := newApp(cfg, cmd.OutOrStdout())
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err = fn(ctx, a)
	if opts.showMetrics {
		if mErr := a.writeMetrics(cmd.ErrOrStderr()); mErr != nil {
			a.log.Warnf("write metrics: %v", mErr)
		}
	}
	return err
}

func newLoginCommand(opts *rootOptions) *cobra.Command {
	var email, password string
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Log in and store the access token",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if password == "" {
				password = os.Getenv(config.EnvPrefix + "_PASSWORD")
			}
			return run(cmd, opts, func(ctx context.Context, a *app) error {
				return a.portal.Login(ctx, email, password)
			})
		},
	}
	cmd.Flags().StringVar(&email, "email", "", "account email")
	cmd.Flags().StringVar(&password, "password", "", "account password (or AUTHFETCH_PASSWORD)")
	_ = cmd.MarkFlagRequired("email")
	return cmd
}

func newRegisterCommand(opts *rootOptions) *cobra.Command {
	var req model.RegisterRequest
	cmd := &cobra.Command{
		Use:   "register",
		Short: "Create an account; a verification code is mailed to the address",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if req.Password == "" {
				req.Password = os.Getenv(config.EnvPrefix + "_PASSWORD")
			}
			if req.ConfirmPassword == "" {
				req.ConfirmPassword = req.Password
			}
			return run(cmd, opts, func(ctx context.Context, a *app) error {
				out, err := a.auth.Register(ctx, req)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), out.Message)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&req.Email, "email", "", "account email")
	cmd.Flags().StringVar(&req.FullName, "name", "", "full name")
	cmd.Flags().StringVar(&req.Password, "password", "", "account password (or AUTHFETCH_PASSWORD)")
	cmd.Flags().StringVar(&req.ConfirmPassword, "confirm-password", "", "defaults to --password")
	_ = cmd.MarkFlagRequired("email")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func newVerifyCommand(opts *rootOptions) *cobra.Command {
	var email string
	cmd := &cobra.Command{
		Use:   "verify CODE",
		Short: "Confirm the account email with the mailed code",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, opts, func(ctx context.Context, a *app) error {
				msg, err := a.auth.VerifyEmail(ctx, email, args[0])
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), msg)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&email, "email", "", "account email")
	_ = cmd.MarkFlagRequired("email")
	return cmd
}

func newResendCodeCommand(opts *rootOptions) *cobra.Command {
	var email string
	cmd := &cobra.Command{
		Use:   "resend-code",
		Short: "Mail a fresh verification code",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd, opts, func(ctx context.Context, a *app) error {
				msg, err := a.auth.ResendCode(ctx, email)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), msg)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&email, "email", "", "account email")
	_ = cmd.MarkFlagRequired("email")
	return cmd
}

// newStatusCommand reports the stored token without touching the network.
func newStatusCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show whether an access token is stored and when it expires",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd, opts, func(_ context.Context, a *app) error {
				out := cmd.OutOrStdout()
				if !a.tokens.HasToken() {
					fmt.Fprintln(out, "no access token")
					return nil
				}
				info := session.Describe(a.tokens.AccessToken())
				switch {
				case !info.IsJWT || info.ExpiresAt.IsZero():
					fmt.Fprintln(out, "access token stored")
				case info.Expired(time.Now()):
					fmt.Fprintf(out, "access token for %s expired at %s; the next request refreshes it\n", info.Subject, info.ExpiresAt.Format(time.RFC3339))
				default:
					fmt.Fprintf(out, "access token for %s valid until %s\n", info.Subject, info.ExpiresAt.Format(time.RFC3339))
				}
				return nil
			})
		},
	}
}

func newCheckCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Run the public-page guard: move on if a session is still alive",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd, opts, func(ctx context.Context, a *app) error {
				if !a.portal.CheckLoggedIn(ctx) {
					fmt.Fprintln(cmd.OutOrStdout(), "not logged in")
				}
				return nil
			})
		},
	}
}

func newFetchCommand(opts *rootOptions) *cobra.Command {
	var data string
	var headers []string
	cmd := &cobra.Command{
		Use:   "fetch METHOD URL",
		Short: "Send an authenticated request and print the response body",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			header := http.Header{}
			for _, h := range headers {
				k, v, ok := strings.Cut(h, ":")
				if !ok {
					return fmt.Errorf("bad header %q, want Name: value", h)
				}
				header.Add(strings.TrimSpace(k), strings.TrimSpace(v))
			}
			var body []byte
			if data != "" {
				body = []byte(data)
			}
			return run(cmd, opts, func(ctx context.Context, a *app) error {
				resp, err := a.portal.Fetch(ctx, strings.ToUpper(args[0]), args[1], body, header)
				if errors.Is(err, authfetch.ErrAuthExpired) {
					return errors.New("session expired, log in again")
				}
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.ErrOrStderr(), "%d %s\n", resp.StatusCode, http.StatusText(resp.StatusCode))
				_, err = cmd.OutOrStdout().Write(resp.Body)
				return err
			})
		},
	}
	cmd.Flags().StringVarP(&data, "data", "d", "", "JSON request body")
	cmd.Flags().StringArrayVarP(&headers, "header", "H", nil, "extra header, repeatable")
	return cmd
}

func newHomeCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "home",
		Short: "Print the welcome message of the protected home endpoint",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd, opts, func(ctx context.Context, a *app) error {
				msg, err := a.portal.Home(ctx)
				if errors.Is(err, authfetch.ErrAuthExpired) {
					return errors.New("session expired, log in again")
				}
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), msg)
				return nil
			})
		},
	}
}

func newLogoutCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Revoke the session and forget the stored token",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd, opts, func(ctx context.Context, a *app) error {
				return a.portal.Logout(ctx)
			})
		},
	}
}
