package main

import (
	"bytes"
	"context"
	"path/filepath"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iudanet/edgesync/internal/config"
	"github.com/iudanet/edgesync/internal/server/handlers"
)

const testSecret = "test-secret-0123456789"

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCommand()
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(append([]string{"--env-file", "", "--log-level", "error"}, args...))
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestToken(t *testing.T) {
	t.Setenv("EDGESYNC_JWT_SECRET", testSecret)

	out, err := execute(t, "token", "--subject", "tech-1", "--tenant", "acme", "--ttl", "1h")
	require.NoError(t, err)

	claims, err := handlers.ValidateAccessToken(handlers.JWTConfig{Secret: []byte(testSecret)}, strings.TrimSpace(out))
	require.NoError(t, err)
	assert.Equal(t, "tech-1", claims.Subject)
	assert.Equal(t, "acme", claims.TenantID)
	assert.WithinDuration(t, time.Now().Add(time.Hour), claims.ExpiresAt.Time, time.Minute)
}

func TestToken_RequiresTenant(t *testing.T) {
	t.Setenv("EDGESYNC_JWT_SECRET", testSecret)

	_, err := execute(t, "token", "--subject", "tech-1")
	assert.ErrorContains(t, err, "tenant")
}

func TestMigrate(t *testing.T) {
	t.Setenv("EDGESYNC_JWT_SECRET", testSecret)
	db := filepath.Join(t.TempDir(), "authority.db")

	out, err := execute(t, "migrate", "--db", db)
	require.NoError(t, err)
	assert.Regexp(t, regexp.MustCompile(`at schema version [1-9]\d*`), out)

	// повторный запуск идемпотентен
	again, err := execute(t, "migrate", "--db", db)
	require.NoError(t, err)
	assert.Equal(t, out, again)
}

func TestConflicts_Empty(t *testing.T) {
	t.Setenv("EDGESYNC_JWT_SECRET", testSecret)
	db := filepath.Join(t.TempDir(), "authority.db")

	out, err := execute(t, "conflicts", "--db", db, "--tenant", "acme")
	require.NoError(t, err)
	assert.Contains(t, out, "No pending conflicts.")
}

func TestMissingSecret(t *testing.T) {
	t.Setenv("EDGESYNC_JWT_SECRET", "")

	_, err := execute(t, "serve", "--db", filepath.Join(t.TempDir(), "authority.db"))
	assert.ErrorIs(t, err, config.ErrInvalidConfig)
}
