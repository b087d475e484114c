// Package token issues and refreshes the short-lived execution tokens that
// travel through event bodies. Handlers refresh the token at entry so long
// storage calls never outlive it.
package token

import (
	"errors"
	"fmt"
	"time"

	"goa.design/ratio/auth/jwtsign"
)

// Execution token lifetimes.
const (
	// TTL is the lifetime of a freshly minted execution token.
	TTL = 15 * time.Minute
	// RefreshThreshold triggers a refresh when remaining lifetime drops
	// at or below it.
	RefreshThreshold = 5 * time.Minute
	// ExpiredGrace still refreshes tokens that expired no longer than
	// this ago.
	ExpiredGrace = time.Hour
)

// Custom claim keys stamped on execution tokens.
const (
	ClaimTokenType        = "token_type"
	ClaimCreatedFrom      = "created_from"
	ClaimExecutionCreated = "execution_created_at"
	TokenTypeExecution    = "execution"
)

// ErrTokenTooOld is returned when a token expired beyond the grace window.
var ErrTokenTooOld = errors.New("token expired beyond refresh grace")

// Service mints and refreshes execution tokens against the JWT signer.
type Service struct {
	signer jwtsign.Signer
	now    func() time.Time
}

// New builds a token service. The signer is required.
func New(signer jwtsign.Signer) (*Service, error) {
	if signer == nil {
		return nil, errors.New("signer is required")
	}
	return &Service{signer: signer, now: time.Now}, nil
}

// SetClock overrides the time source for tests.
func (s *Service) SetClock(now func() time.Time) { s.now = now }

// Mint verifies the caller's token and derives a fresh execution token
// carrying the same entity, groups, home, and admin flag.
func (s *Service) Mint(callerToken string) (string, error) {
	claims, err := s.signer.Verify(callerToken)
	if err != nil {
		return "", fmt.Errorf("mint execution token: %w", err)
	}
	return s.issue(claims, callerToken)
}

// CheckAndRefresh verifies the token and re-signs it when its remaining
// lifetime is at or below RefreshThreshold. Tokens expired within
// ExpiredGrace are still refreshed; older tokens are rejected.
func (s *Service) CheckAndRefresh(token string) (string, error) {
	now := s.now()
	claims, err := s.signer.Verify(token)
	if err != nil {
		if !errors.Is(err, jwtsign.ErrTokenExpired) {
			return "", err
		}
		expired, verr := s.signer.VerifyExpired(token)
		if verr != nil {
			return "", verr
		}
		if now.Sub(time.Unix(expired.Expiration, 0)) > ExpiredGrace {
			return "", ErrTokenTooOld
		}
		return s.issue(expired, token)
	}
	if time.Unix(claims.Expiration, 0).Sub(now) > RefreshThreshold {
		return token, nil
	}
	return s.issue(claims, token)
}

func (s *Service) issue(claims *jwtsign.Claims, sourceToken string) (string, error) {
	now := s.now()
	custom := make(map[string]any, len(claims.CustomClaims)+3)
	for k, v := range claims.CustomClaims {
		custom[k] = v
	}
	custom[ClaimTokenType] = TokenTypeExecution
	if _, ok := custom[ClaimCreatedFrom]; !ok {
		custom[ClaimCreatedFrom] = claims.Entity
	}
	if _, ok := custom[ClaimExecutionCreated]; !ok {
		custom[ClaimExecutionCreated] = now.UTC().Format(time.RFC3339)
	}
	fresh := &jwtsign.Claims{
		Entity:           claims.Entity,
		AuthorizedGroups: claims.AuthorizedGroups,
		PrimaryGroup:     claims.PrimaryGroup,
		Home:             claims.Home,
		IsAdmin:          claims.IsAdmin,
		Expiration:       now.Add(TTL).Unix(),
		IssuedAt:         now.Unix(),
		CustomClaims:     custom,
	}
	signed, err := s.signer.Sign(fresh)
	if err != nil {
		return "", fmt.Errorf("issue execution token: %w", err)
	}
	return signed, nil
}
