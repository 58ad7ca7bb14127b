package services

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIssueAndVerifyToken(t *testing.T) {
	hash, err := HashEnrollSecret("store-secret")
	require.NoError(t, err)
	auth := NewAuthService("signing-key", time.Hour, hash)

	token, err := auth.IssueToken("pos-1", "store-secret")
	require.NoError(t, err)
	require.NotEmpty(t, token)

	deviceID, err := auth.VerifyToken(token)
	require.NoError(t, err)
	assert.Equal(t, "pos-1", deviceID)
}

func TestIssueTokenRejectsWrongEnrollSecret(t *testing.T) {
	hash, err := HashEnrollSecret("store-secret")
	require.NoError(t, err)
	auth := NewAuthService("signing-key", time.Hour, hash)

	_, err = auth.IssueToken("pos-1", "wrong-secret")
	require.True(t, errors.Is(err, ErrInvalidCredentials))
}

func TestIssueTokenRequiresDeviceID(t *testing.T) {
	auth := NewAuthService("signing-key", time.Hour, "")

	_, err := auth.IssueToken("", "anything")
	require.Error(t, err)
	assert.True(t, IsValidation(err))
}

func TestVerifyTokenRejectsForeignSignature(t *testing.T) {
	issuer := NewAuthService("signing-key-a", time.Hour, "")
	verifier := NewAuthService("signing-key-b", time.Hour, "")

	token, err := issuer.IssueToken("pos-1", "")
	require.NoError(t, err)

	_, err = verifier.VerifyToken(token)
	require.True(t, errors.Is(err, ErrInvalidCredentials))
}

func TestVerifyTokenRejectsExpiredToken(t *testing.T) {
	auth := NewAuthService("signing-key", time.Hour, "")
	auth.now = func() time.Time { return time.Now().Add(-2 * time.Hour) }

	token, err := auth.IssueToken("pos-1", "")
	require.NoError(t, err)

	_, err = auth.VerifyToken(token)
	require.True(t, errors.Is(err, ErrInvalidCredentials))
}

func TestVerifyTokenRejectsGarbage(t *testing.T) {
	auth := NewAuthService("signing-key", time.Hour, "")

	_, err := auth.VerifyToken("not.a.token")
	require.True(t, errors.Is(err, ErrInvalidCredentials))
}
