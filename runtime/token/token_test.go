package token

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"goa.design/ratio/auth/jwtsign"
)

func newService(t *testing.T, now time.Time) (*Service, jwtsign.Signer) {
	t.Helper()
	signer, err := jwtsign.NewHMAC([]byte("secret"))
	require.NoError(t, err)
	svc, err := New(signer)
	require.NoError(t, err)
	svc.SetClock(func() time.Time { return now })
	return svc, signer
}

func callerToken(t *testing.T, signer jwtsign.Signer, now time.Time, ttl time.Duration) string {
	t.Helper()
	tok, err := signer.Sign(&jwtsign.Claims{
		Entity:           "alice",
		AuthorizedGroups: []string{"ops"},
		Home:             "/home/alice",
		Expiration:       now.Add(ttl).Unix(),
		IssuedAt:         now.Unix(),
	})
	require.NoError(t, err)
	return tok
}

func TestMintStampsExecutionClaims(t *testing.T) {
	now := time.Now()
	svc, signer := newService(t, now)
	caller := callerToken(t, signer, now, time.Hour)

	minted, err := svc.Mint(caller)
	require.NoError(t, err)

	claims, err := signer.Verify(minted)
	require.NoError(t, err)
	require.Equal(t, "alice", claims.Entity)
	require.Equal(t, []string{"ops"}, claims.AuthorizedGroups)
	require.Equal(t, "/home/alice", claims.Home)
	require.Equal(t, TokenTypeExecution, claims.CustomClaims[ClaimTokenType])
	require.Equal(t, "alice", claims.CustomClaims[ClaimCreatedFrom])
	require.NotEmpty(t, claims.CustomClaims[ClaimExecutionCreated])
	require.Equal(t, now.Add(TTL).Unix(), claims.Expiration)
}

func TestMintRejectsInvalidToken(t *testing.T) {
	svc, _ := newService(t, time.Now())
	_, err := svc.Mint("garbage")
	require.Error(t, err)
}

func TestCheckAndRefreshPassesFreshToken(t *testing.T) {
	now := time.Now()
	svc, signer := newService(t, now)
	fresh := callerToken(t, signer, now, TTL)

	got, err := svc.CheckAndRefresh(fresh)
	require.NoError(t, err)
	require.Equal(t, fresh, got, "tokens above the refresh threshold pass through")
}

func TestCheckAndRefreshRefreshesNearExpiry(t *testing.T) {
	now := time.Now()
	svc, signer := newService(t, now)
	near := callerToken(t, signer, now, RefreshThreshold-time.Minute)

	got, err := svc.CheckAndRefresh(near)
	require.NoError(t, err)
	require.NotEqual(t, near, got)
	claims, err := signer.Verify(got)
	require.NoError(t, err)
	require.Equal(t, now.Add(TTL).Unix(), claims.Expiration)
	require.Equal(t, TokenTypeExecution, claims.CustomClaims[ClaimTokenType])
}

func TestCheckAndRefreshGraceWindow(t *testing.T) {
	now := time.Now()
	svc, signer := newService(t, now)

	recentlyExpired := callerToken(t, signer, now.Add(-30*time.Minute), time.Minute)
	got, err := svc.CheckAndRefresh(recentlyExpired)
	require.NoError(t, err, "tokens expired within the grace window refresh")
	claims, err := signer.Verify(got)
	require.NoError(t, err)
	require.Equal(t, "alice", claims.Entity)

	longExpired := callerToken(t, signer, now.Add(-3*time.Hour), time.Minute)
	_, err = svc.CheckAndRefresh(longExpired)
	require.ErrorIs(t, err, ErrTokenTooOld)
}

func TestRefreshPreservesCreatedFrom(t *testing.T) {
	now := time.Now()
	svc, signer := newService(t, now)
	caller := callerToken(t, signer, now, time.Hour)
	minted, err := svc.Mint(caller)
	require.NoError(t, err)

	// Advance past the refresh threshold and refresh the minted token.
	later := now.Add(TTL - time.Minute)
	svc.SetClock(func() time.Time { return later })
	refreshed, err := svc.CheckAndRefresh(minted)
	require.NoError(t, err)
	require.NotEqual(t, minted, refreshed)

	claims, err := signer.Verify(refreshed)
	require.NoError(t, err)
	require.Equal(t, "alice", claims.CustomClaims[ClaimCreatedFrom])
	mintedClaims, err := signer.VerifyExpired(minted)
	require.NoError(t, err)
	require.Equal(t, mintedClaims.CustomClaims[ClaimExecutionCreated], claims.CustomClaims[ClaimExecutionCreated],
		"execution creation time survives refreshes")
}
