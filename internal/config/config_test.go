package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// clearEnv unsets every variable New reads so ambient shell state cannot
// leak into assertions. t.Setenv first so the original values come back
// after the test.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		"PORT", "ENVIRONMENT", "LOG_LEVEL",
		"DB_ADAPTER", "SQLITE_FILE", "JWT_SECRET",
		"ACCESS_TOKEN_TTL", "REFRESH_TOKEN_TTL", "REFRESH_TOKEN_ROTATION",
		"ADMIN_USERS", "HASH_WORKERS", "BCRYPT_COST",
		"POSTGRES_DSN", "POSTGRES_HOST", "POSTGRES_PORT", "POSTGRES_USER",
		"POSTGRES_PASSWORD", "POSTGRES_DB", "POSTGRES_SSLMODE",
	} {
		t.Setenv(k, "")
		os.Unsetenv(k)
	}
}

func TestDefaults(t *testing.T) {
	clearEnv(t)
	t.Setenv("DB_ADAPTER", "memory")

	c, err := New()
	require.NoError(t, err)
	assert.Equal(t, "8080", c.Port)
	assert.Equal(t, "development", c.Environment)
	assert.Equal(t, "info", c.LogLevel)
	assert.Equal(t, 30*time.Minute, c.AccessTokenTTL)
	assert.Equal(t, 2160*time.Hour, c.RefreshTokenTTL)
	assert.True(t, c.RotateRefreshTokens)
	assert.Empty(t, c.AdminUsers)
	assert.Equal(t, 10, c.BcryptCost)
	assert.False(t, c.IsProduction())
}

func TestPostgresDSNAssembly(t *testing.T) {
	clearEnv(t)
	t.Setenv("DB_ADAPTER", "postgres")
	t.Setenv("POSTGRES_HOST", "db.internal")
	t.Setenv("POSTGRES_PORT", "5433")
	t.Setenv("POSTGRES_USER", "svc")
	t.Setenv("POSTGRES_PASSWORD", "hunter2")
	t.Setenv("POSTGRES_DB", "tokens")
	t.Setenv("POSTGRES_SSLMODE", "require")

	c, err := New()
	require.NoError(t, err)
	assert.Equal(t, "host=db.internal port=5433 user=svc dbname=tokens sslmode=require password=hunter2", c.PostgresDSN)
}

func TestExplicitDSNWins(t *testing.T) {
	clearEnv(t)
	t.Setenv("DB_ADAPTER", "postgres")
	t.Setenv("POSTGRES_DSN", "postgres://u:p@elsewhere/db")
	t.Setenv("POSTGRES_HOST", "ignored")

	c, err := New()
	require.NoError(t, err)
	assert.Equal(t, "postgres://u:p@elsewhere/db", c.PostgresDSN)
}

func TestBuildPostgresDSNValidation(t *testing.T) {
	cases := []struct {
		name string
		cfg  Config
	}{
		{"missing host", Config{PostgresUser: "u", PostgresDB: "d"}},
		{"missing user", Config{PostgresHost: "h", PostgresDB: "d"}},
		{"missing database", Config{PostgresHost: "h", PostgresUser: "u"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := tc.cfg.BuildPostgresDSN()
			assert.Error(t, err)
		})
	}
}

func TestUnsupportedAdapter(t *testing.T) {
	clearEnv(t)
	t.Setenv("DB_ADAPTER", "oracle")

	_, err := New()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported DB_ADAPTER")
}

func TestSQLiteRequiresFile(t *testing.T) {
	clearEnv(t)
	t.Setenv("DB_ADAPTER", "sqlite")

	_, err := New()
	assert.Error(t, err)

	t.Setenv("SQLITE_FILE", "./data/authd.db")
	c, err := New()
	require.NoError(t, err)
	assert.Equal(t, "./data/authd.db", c.SQLiteFile)
}

func TestProductionRequiresJWTSecret(t *testing.T) {
	clearEnv(t)
	t.Setenv("DB_ADAPTER", "memory")
	t.Setenv("ENVIRONMENT", "production")

	_, err := New()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "JWT_SECRET")

	t.Setenv("JWT_SECRET", "a-real-secret")
	c, err := New()
	require.NoError(t, err)
	assert.True(t, c.IsProduction())
}

func TestTTLsMustBePositive(t *testing.T) {
	clearEnv(t)
	t.Setenv("DB_ADAPTER", "memory")
	t.Setenv("ACCESS_TOKEN_TTL", "-5m")

	_, err := New()
	assert.Error(t, err)
}

func TestAdminUsersList(t *testing.T) {
	clearEnv(t)
	t.Setenv("DB_ADAPTER", "memory")
	t.Setenv("ADMIN_USERS", "ops@example.com,support@example.com")

	c, err := New()
	require.NoError(t, err)
	assert.Equal(t, []string{"ops@example.com", "support@example.com"}, c.AdminUsers)
}

func TestRotationCanBeDisabled(t *testing.T) {
	clearEnv(t)
	t.Setenv("DB_ADAPTER", "memory")
	t.Setenv("REFRESH_TOKEN_ROTATION", "false")

	c, err := New()
	require.NoError(t, err)
	assert.False(t, c.RotateRefreshTokens)
}
