// Package auth enforces the security constraints of import requests.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"preserve-go/internal/config"
	"preserve-go/internal/model"
	"preserve-go/internal/pv"
)

var ErrInvalidToken = errors.New("invalid token")

// Verifier checks an explicit token expiry and, when a secret is set,
// validates the bearer token as an HMAC-signed JWT.
type Verifier struct {
	secret []byte
}

var _ pv.TokenVerifier = (*Verifier)(nil)

// NewVerifier returns a Verifier. An empty secret disables JWT validation;
// tokens are then passed on to the delivery target unchecked.
func NewVerifier(secret []byte) *Verifier {
	return &Verifier{secret: secret}
}

func NewVerifierFromConfig(cfg config.ImportConfig) *Verifier {
	return NewVerifier([]byte(cfg.TokenSecret))
}

func (v *Verifier) Verify(sec *model.Security, now time.Time) error {
	if sec == nil {
		return nil
	}
	if sec.TokenExpiry != nil && !now.Before(*sec.TokenExpiry) {
		return fmt.Errorf("%w: token expired at %s", pv.ErrValidation, sec.TokenExpiry.UTC().Format(time.RFC3339))
	}
	if len(v.secret) == 0 || sec.Token == "" {
		return nil
	}
	if _, err := v.parse(sec.Token, now); err != nil {
		return fmt.Errorf("%w: %w: %v", pv.ErrValidation, ErrInvalidToken, err)
	}
	return nil
}

func (v *Verifier) parse(token string, now time.Time) (*jwt.RegisteredClaims, error) {
	claims := &jwt.RegisteredClaims{}
	t, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return v.secret, nil
	}, jwt.WithTimeFunc(func() time.Time { return now }), jwt.WithExpirationRequired())
	if err != nil {
		return nil, err
	}
	if !t.Valid {
		return nil, errors.New("token not valid")
	}
	return claims, nil
}
