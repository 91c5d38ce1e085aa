// Package auth implements the identity verifier. Tokens are issued by an
// external identity provider; this package only validates them and extracts
// the subject. Verification failures are terminal 401-class errors and are
// never retried.
package auth

import (
	"crypto/rsa"
	"os"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	serrors "github.com/stridehq/stride/internal/errors"
)

// Subject is the identity a valid credential resolves to.
type Subject struct {
	ID     string
	Claims map[string]interface{}
}

// Verifier validates a bearer credential.
type Verifier interface {
	Verify(credential string) (Subject, error)
}

// JWTVerifier validates RS256 tokens against the issuer's public key.
type JWTVerifier struct {
	publicKey *rsa.PublicKey
	issuer    string
	audience  string
}

var _ Verifier = (*JWTVerifier)(nil)

// NewJWTVerifier builds a verifier. Issuer and audience checks are skipped
// when the respective value is empty.
func NewJWTVerifier(publicKey *rsa.PublicKey, issuer, audience string) *JWTVerifier {
	return &JWTVerifier{publicKey: publicKey, issuer: issuer, audience: audience}
}

// NewJWTVerifierFromFile reads a PEM-encoded RSA public key.
func NewJWTVerifierFromFile(path, issuer, audience string) (*JWTVerifier, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	key, err := jwt.ParseRSAPublicKeyFromPEM(data)
	if err != nil {
		return nil, err
	}
	return NewJWTVerifier(key, issuer, audience), nil
}

// Verify parses and validates the token, returning the subject identity.
func (v *JWTVerifier) Verify(credential string) (Subject, error) {
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{"RS256"})}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}
	if v.audience != "" {
		opts = append(opts, jwt.WithAudience(v.audience))
	}

	claims := jwt.MapClaims{}
	token, err := jwt.ParseWithClaims(credential, claims, func(token *jwt.Token) (interface{}, error) {
		return v.publicKey, nil
	}, opts...)
	if err != nil {
		return Subject{}, serrors.Unauthorized("invalid token").WithCause(err)
	}
	if !token.Valid {
		return Subject{}, serrors.Unauthorized("invalid token")
	}

	sub, _ := claims.GetSubject()
	if sub == "" {
		return Subject{}, serrors.Unauthorized("token has no subject")
	}
	return Subject{ID: sub, Claims: claims}, nil
}

// StaticVerifier accepts a fixed set of tokens. Test and local-dev escape
// hatch; never used in production wiring.
type StaticVerifier struct {
	tokens map[string]string // token -> subject id
}

var _ Verifier = (*StaticVerifier)(nil)

// NewStaticVerifier maps tokens to subject IDs.
func NewStaticVerifier(tokens map[string]string) *StaticVerifier {
	cloned := make(map[string]string, len(tokens))
	for token, sub := range tokens {
		cloned[token] = sub
	}
	return &StaticVerifier{tokens: cloned}
}

func (v *StaticVerifier) Verify(credential string) (Subject, error) {
	sub, ok := v.tokens[strings.TrimSpace(credential)]
	if !ok {
		return Subject{}, serrors.Unauthorized("invalid token")
	}
	return Subject{ID: sub}, nil
}
