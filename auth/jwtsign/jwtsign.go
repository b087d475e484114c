// Package jwtsign implements the JWT signing collaborator. The execution
// core treats the signer as opaque: it signs claim sets, verifies compact
// tokens, and checks detached signatures against PEM public keys.
package jwtsign

import (
	"crypto"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

type (
	// Claims is the claim set carried by Ratio tokens.
	Claims struct {
		// Entity is the subject entity id.
		Entity string `json:"sub"`
		// AuthorizedGroups lists the groups the entity belongs to.
		AuthorizedGroups []string `json:"authorized_groups,omitempty"`
		// PrimaryGroup is the entity's primary group.
		PrimaryGroup string `json:"primary_group,omitempty"`
		// Home is the entity's home directory in the storage service.
		Home string `json:"home,omitempty"`
		// IsAdmin marks administrative entities.
		IsAdmin bool `json:"is_admin,omitempty"`
		// Expiration and IssuedAt are Unix timestamps.
		Expiration int64 `json:"exp"`
		IssuedAt   int64 `json:"iat"`
		// CustomClaims carries free-form claims such as the execution
		// token markers.
		CustomClaims map[string]any `json:"custom_claims,omitempty"`
	}

	// Signer signs and verifies Ratio tokens.
	Signer interface {
		// Sign produces a compact token for the claim set.
		Sign(claims *Claims) (string, error)
		// Verify parses and validates a compact token, including expiry.
		Verify(token string) (*Claims, error)
		// VerifyExpired parses a compact token and checks its signature
		// but tolerates an expired claim set. Used by the token refresh
		// grace window.
		VerifyExpired(token string) (*Claims, error)
		// VerifyWithPublicKey checks a detached SHA-256 RSA signature
		// against a PEM-encoded public key.
		VerifyWithPublicKey(data, signature []byte, publicKeyPEM string) (bool, error)
	}

	hmacSigner struct {
		secret []byte
	}

	jwtClaims struct {
		AuthorizedGroups []string       `json:"authorized_groups,omitempty"`
		PrimaryGroup     string         `json:"primary_group,omitempty"`
		Home             string         `json:"home,omitempty"`
		IsAdmin          bool           `json:"is_admin,omitempty"`
		CustomClaims     map[string]any `json:"custom_claims,omitempty"`
		jwt.RegisteredClaims
	}
)

// ErrTokenExpired is returned by Verify for structurally valid but expired
// tokens.
var ErrTokenExpired = errors.New("token expired")

// NewHMAC returns a Signer using HMAC-SHA256 with the given secret.
func NewHMAC(secret []byte) (Signer, error) {
	if len(secret) == 0 {
		return nil, errors.New("signing secret is required")
	}
	return &hmacSigner{secret: secret}, nil
}

func (s *hmacSigner) Sign(claims *Claims) (string, error) {
	if claims == nil {
		return "", errors.New("claims are required")
	}
	if claims.Entity == "" {
		return "", errors.New("entity is required")
	}
	jc := jwtClaims{
		AuthorizedGroups: claims.AuthorizedGroups,
		PrimaryGroup:     claims.PrimaryGroup,
		Home:             claims.Home,
		IsAdmin:          claims.IsAdmin,
		CustomClaims:     claims.CustomClaims,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   claims.Entity,
			ExpiresAt: jwt.NewNumericDate(time.Unix(claims.Expiration, 0)),
			IssuedAt:  jwt.NewNumericDate(time.Unix(claims.IssuedAt, 0)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jc)
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

func (s *hmacSigner) Verify(token string) (*Claims, error) {
	claims, err := s.parse(token, true)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, err
	}
	return claims, nil
}

func (s *hmacSigner) VerifyExpired(token string) (*Claims, error) {
	return s.parse(token, false)
}

func (s *hmacSigner) parse(token string, validateClaims bool) (*Claims, error) {
	var jc jwtClaims
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if !validateClaims {
		opts = append(opts, jwt.WithoutClaimsValidation())
	}
	parsed, err := jwt.ParseWithClaims(token, &jc, func(t *jwt.Token) (any, error) {
		return s.secret, nil
	}, opts...)
	if err != nil {
		return nil, fmt.Errorf("verify token: %w", err)
	}
	if !parsed.Valid && validateClaims {
		return nil, errors.New("invalid token")
	}
	out := &Claims{
		Entity:           jc.Subject,
		AuthorizedGroups: jc.AuthorizedGroups,
		PrimaryGroup:     jc.PrimaryGroup,
		Home:             jc.Home,
		IsAdmin:          jc.IsAdmin,
		CustomClaims:     jc.CustomClaims,
	}
	if jc.ExpiresAt != nil {
		out.Expiration = jc.ExpiresAt.Unix()
	}
	if jc.IssuedAt != nil {
		out.IssuedAt = jc.IssuedAt.Unix()
	}
	return out, nil
}

func (s *hmacSigner) VerifyWithPublicKey(data, signature []byte, publicKeyPEM string) (bool, error) {
	block, _ := pem.Decode([]byte(publicKeyPEM))
	if block == nil {
		return false, errors.New("no PEM block in public key")
	}
	parsed, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return false, fmt.Errorf("parse public key: %w", err)
	}
	rsaKey, ok := parsed.(*rsa.PublicKey)
	if !ok {
		return false, fmt.Errorf("unsupported public key type %T", parsed)
	}
	digest := sha256.Sum256(data)
	if err := rsa.VerifyPKCS1v15(rsaKey, crypto.SHA256, digest[:], signature); err != nil {
		return false, nil
	}
	return true, nil
}
