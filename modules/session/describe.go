package session

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Info is what can be read off a token without verifying it. It is only used
// for log lines; nothing branches on it.
type Info struct {
	IsJWT     bool
	Subject   string
	ExpiresAt time.Time
}

// Describe peeks at a token's claims without checking the signature. Non-JWT
// tokens yield an empty Info.
func Describe(token string) Info {
	if token == "" {
		return Info{}
	}
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return Info{}
	}

	info := Info{IsJWT: true}
	if sub, err := claims.GetSubject(); err == nil {
		info.Subject = sub
	}
	if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
		info.ExpiresAt = exp.Time
	}
	return info
}

// Expired reports whether the peeked expiry is in the past. Unknown expiry is
// never expired.
func (i Info) Expired(now time.Time) bool {
	return !i.ExpiresAt.IsZero() && now.After(i.ExpiresAt)
}
