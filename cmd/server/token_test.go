package main

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	jwttoken "consentflow/internal/jwt_token"
)

func TestTokenCommandIssuesValidToken(t *testing.T) {
	t.Setenv("JWT_SIGNING_KEY", "test-signing-key")
	t.Setenv("JWT_ISSUER", "consentflow-test")
	t.Setenv("JWT_AUDIENCE", "consentflow-api")

	cmd := tokenCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"--subject", "eligible-party", "--scope", "permissions:read"})
	require.NoError(t, cmd.Execute())

	svc := jwttoken.NewJWTService("test-signing-key", "consentflow-test", "consentflow-api")
	claims, err := svc.ValidateToken(strings.TrimSpace(out.String()))
	require.NoError(t, err)
	assert.Equal(t, "eligible-party", claims.Subject)
	assert.Equal(t, []string{"permissions:read"}, claims.Scopes())
}

func TestTokenCommandRequiresSubject(t *testing.T) {
	t.Setenv("JWT_SIGNING_KEY", "test-signing-key")

	cmd := tokenCmd()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{})
	assert.Error(t, cmd.Execute())
}
