// Package granttoken issues and redeems signed, time-boxed credit top-up
// instructions. Tokens are stateless: single-use is enforced by the redeeming
// caller using the grant identifier as an idempotency key on the ledger
// credit call.
package granttoken

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Error values returned by the signer.
var (
	ErrInvalidToken        = errors.New("invalid grant token")
	ErrInvalidGrantInput   = errors.New("invalid grant input")
	ErrInvalidSignerConfig = errors.New("invalid signer config")
)

// DefaultTTL bounds how long an issued token stays redeemable.
const DefaultTTL = 15 * time.Minute

// Grant is the redeemed payload of a valid token.
type Grant struct {
	Identifier   string
	CreditAmount int64
}

type grantClaims struct {
	CreditAmount int64 `json:"credit_amount"`
	jwt.RegisteredClaims
}

// Signer issues and redeems HS256-signed grant tokens. Signature verification
// is a constant-time keyed-hash comparison inside the jwt library.
type Signer struct {
	secret []byte
	ttl    time.Duration
	nowFn  func() time.Time
}

// New wires a Signer. The secret is a deployment-time configuration value;
// callers decide how hard to fail when it is absent.
func New(secret []byte, ttl time.Duration, now func() time.Time) (*Signer, error) {
	if len(secret) == 0 {
		return nil, fmt.Errorf("%w: signing secret is required", ErrInvalidSignerConfig)
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if now == nil {
		now = time.Now
	}
	return &Signer{secret: secret, ttl: ttl, nowFn: now}, nil
}

// Issue builds a token carrying {identifier, creditAmount, expiry} and returns
// its opaque compact encoding.
func (signer *Signer) Issue(identifier string, creditAmount int64) (string, error) {
	trimmed := strings.TrimSpace(identifier)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty identifier", ErrInvalidGrantInput)
	}
	if creditAmount <= 0 {
		return "", fmt.Errorf("%w: credit amount must be greater than zero", ErrInvalidGrantInput)
	}
	issuedAt := signer.nowFn().UTC()
	claims := grantClaims{
		CreditAmount: creditAmount,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   trimmed,
			IssuedAt:  jwt.NewNumericDate(issuedAt),
			ExpiresAt: jwt.NewNumericDate(issuedAt.Add(signer.ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(signer.secret)
}

// Redeem decodes and verifies raw, returning the grant payload. Every parse,
// signature, and expiry failure collapses to ErrInvalidToken; the caller
// branches on the value and nothing panics.
func (signer *Signer) Redeem(raw string) (Grant, error) {
	claims := &grantClaims{}
	token, err := jwt.ParseWithClaims(
		raw,
		claims,
		func(*jwt.Token) (interface{}, error) { return signer.secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(signer.nowFn),
		jwt.WithExpirationRequired(),
	)
	if err != nil || !token.Valid {
		return Grant{}, ErrInvalidToken
	}
	if strings.TrimSpace(claims.Subject) == "" || claims.CreditAmount <= 0 {
		return Grant{}, ErrInvalidToken
	}
	return Grant{Identifier: claims.Subject, CreditAmount: claims.CreditAmount}, nil
}
