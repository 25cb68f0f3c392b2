package config

import (
	"testing"
	"time"

	"github.com/schoolgate/apiserver/types"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigDefaults(t *testing.T) {
	t.Setenv("ENV", "test")
	cfg := LoadConfig()

	require.Equal(t, 8080, cfg.ServerPort)
	require.Equal(t, "postgres", cfg.Store.Driver)
	require.Equal(t, 24*time.Hour, cfg.Auth.TokenTTL)
	require.Equal(t, 10, cfg.Auth.BcryptCost)
	require.Equal(t, []types.Role{types.RoleAdmin}, cfg.Auth.AutoApproveRoles)
	require.Equal(t, "schoolgate_db", cfg.Database.DBName)
	require.Equal(t, "applications", cfg.MQ.Channel)
}

func TestLoadConfigOverrides(t *testing.T) {
	t.Setenv("ENV", "test")
	t.Setenv("SERVER_PORT", "9000")
	t.Setenv("STORE_DRIVER", "FILE")
	t.Setenv("STORE_FILE", "/tmp/users.json")
	t.Setenv("TOKEN_TTL", "90m")
	t.Setenv("BCRYPT_COST", "12")
	t.Setenv("AUTO_APPROVE_ROLES", "admin, Principal,bogus,")
	t.Setenv("DB_USE_SSL", "true")
	t.Setenv("MINIO_USE_SSL", "maybe")
	t.Setenv("JWT_SECRET", "  shh  ")

	cfg := LoadConfig()
	require.Equal(t, 9000, cfg.ServerPort)
	require.Equal(t, "file", cfg.Store.Driver)
	require.Equal(t, "/tmp/users.json", cfg.Store.FilePath)
	require.Equal(t, 90*time.Minute, cfg.Auth.TokenTTL)
	require.Equal(t, 12, cfg.Auth.BcryptCost)
	require.Equal(t, []types.Role{types.RoleAdmin, types.RolePrincipal}, cfg.Auth.AutoApproveRoles)
	require.True(t, cfg.Database.UseSSL)
	require.False(t, cfg.Storage.Minio.UseSSL)
	require.Equal(t, "shh", cfg.Auth.JWTSecret)
}

func TestGetEnvIntInvalidFallsBack(t *testing.T) {
	t.Setenv("SOME_INT", "abc")
	require.Equal(t, 5, getEnvInt("SOME_INT", 5))
}

func TestAuthConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     AuthConfig
		wantErr string
	}{
		{"valid", AuthConfig{JWTSecret: "s", BcryptCost: 10}, ""},
		{"min cost", AuthConfig{JWTSecret: "s", BcryptCost: 4}, ""},
		{"missing secret", AuthConfig{BcryptCost: 10}, "JWT_SECRET is required"},
		{"cost too high", AuthConfig{JWTSecret: "s", BcryptCost: 40}, "BCRYPT_COST must be between 4 and 31, got 40"},
		{"cost too low", AuthConfig{JWTSecret: "s", BcryptCost: 0}, "BCRYPT_COST must be between"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.cfg.Validate()
			if tc.wantErr == "" {
				require.NoError(t, err)
				return
			}
			require.ErrorContains(t, err, tc.wantErr)
		})
	}
}
