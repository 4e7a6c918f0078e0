package auth

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CL-j-nc/xinhexin-api/internal/model"
)

func TestOperatorTokenRoundTrip(t *testing.T) {
	svc := NewJWTService("test-secret-at-least-32-characters!!")

	token, err := svc.SignOperatorToken("op-l3", "Zhou Min", model.RoleL3)
	require.NoError(t, err)
	require.NotEmpty(t, token)

	claims, err := svc.VerifyToken(token)
	require.NoError(t, err)
	assert.Equal(t, "op-l3", claims.OperatorID)
	assert.Equal(t, "Zhou Min", claims.OperatorName)
	assert.Equal(t, model.RoleL3, claims.Role)

	op := claims.Operator()
	assert.Equal(t, 3, op.Role.Tier())
}

func TestVerifyTokenRejectsWrongSecret(t *testing.T) {
	signer := NewJWTService("secret-one-at-least-32-characters!!")
	verifier := NewJWTService("secret-two-at-least-32-characters!!")

	token, err := signer.SignOperatorToken("op-l1", "Zhao Jun", model.RoleL1)
	require.NoError(t, err)

	_, err = verifier.VerifyToken(token)
	assert.Error(t, err)
}

func TestVerifyTokenRejectsGarbage(t *testing.T) {
	svc := NewJWTService("test-secret-at-least-32-characters!!")
	_, err := svc.VerifyToken("not.a.token")
	assert.Error(t, err)
}
