package auth

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrInvalidToken is returned when a token cannot be decoded as a JWT.
var ErrInvalidToken = errors.New("invalid token")

// Claims holds the claims the client reads from the backend's token.
// The signature is not verified: the client only uses them to retire expired tokens early.
type Claims struct {
	jwt.RegisteredClaims
}

// InspectToken decodes a JWT without verifying it.
func InspectToken(tokenString string) (*Claims, error) {
	claims := &Claims{}
	_, _, err := jwt.NewParser().ParseUnverified(tokenString, claims)
	if err != nil {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// Expired reports whether the token carries an exp claim that lies before now.
// Tokens that are not JWTs, or carry no exp, never expire here; the backend decides.
func Expired(tokenString string, now time.Time) bool {
	claims, err := InspectToken(tokenString)
	if err != nil {
		return false
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return false
	}
	return !now.Before(exp.Time)
}
