package jwtsign

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/pem"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSignVerifyRoundTrip(t *testing.T) {
	signer, err := NewHMAC([]byte("secret"))
	require.NoError(t, err)
	now := time.Now()
	claims := &Claims{
		Entity:           "alice",
		AuthorizedGroups: []string{"ops"},
		PrimaryGroup:     "ops",
		Home:             "/home/alice",
		IsAdmin:          true,
		Expiration:       now.Add(time.Hour).Unix(),
		IssuedAt:         now.Unix(),
		CustomClaims:     map[string]any{"token_type": "execution"},
	}
	tok, err := signer.Sign(claims)
	require.NoError(t, err)

	got, err := signer.Verify(tok)
	require.NoError(t, err)
	require.Equal(t, "alice", got.Entity)
	require.Equal(t, []string{"ops"}, got.AuthorizedGroups)
	require.Equal(t, "/home/alice", got.Home)
	require.True(t, got.IsAdmin)
	require.Equal(t, claims.Expiration, got.Expiration)
	require.Equal(t, "execution", got.CustomClaims["token_type"])
}

func TestVerifyRejectsWrongSecret(t *testing.T) {
	signer, err := NewHMAC([]byte("secret"))
	require.NoError(t, err)
	other, err := NewHMAC([]byte("other"))
	require.NoError(t, err)
	tok, err := signer.Sign(&Claims{
		Entity:     "alice",
		Expiration: time.Now().Add(time.Hour).Unix(),
		IssuedAt:   time.Now().Unix(),
	})
	require.NoError(t, err)
	_, err = other.Verify(tok)
	require.Error(t, err)
}

func TestVerifyExpired(t *testing.T) {
	signer, err := NewHMAC([]byte("secret"))
	require.NoError(t, err)
	tok, err := signer.Sign(&Claims{
		Entity:     "alice",
		Expiration: time.Now().Add(-time.Minute).Unix(),
		IssuedAt:   time.Now().Add(-time.Hour).Unix(),
	})
	require.NoError(t, err)

	_, err = signer.Verify(tok)
	require.ErrorIs(t, err, ErrTokenExpired)

	got, err := signer.VerifyExpired(tok)
	require.NoError(t, err, "expired tokens still parse for the refresh grace window")
	require.Equal(t, "alice", got.Entity)
}

func TestSignRequiresEntity(t *testing.T) {
	signer, err := NewHMAC([]byte("secret"))
	require.NoError(t, err)
	_, err = signer.Sign(&Claims{})
	require.Error(t, err)
	_, err = signer.Sign(nil)
	require.Error(t, err)
}

func TestNewHMACRequiresSecret(t *testing.T) {
	_, err := NewHMAC(nil)
	require.Error(t, err)
}

func TestVerifyWithPublicKey(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	pub, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	require.NoError(t, err)
	pubPEM := string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pub}))

	data := []byte("payload")
	digest := sha256.Sum256(data)
	sig, err := rsa.SignPKCS1v15(rand.Reader, key, crypto.SHA256, digest[:])
	require.NoError(t, err)

	signer, err := NewHMAC([]byte("secret"))
	require.NoError(t, err)

	ok, err := signer.VerifyWithPublicKey(data, sig, pubPEM)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = signer.VerifyWithPublicKey([]byte("tampered"), sig, pubPEM)
	require.NoError(t, err)
	require.False(t, ok)

	_, err = signer.VerifyWithPublicKey(data, sig, "not pem")
	require.Error(t, err)
}
