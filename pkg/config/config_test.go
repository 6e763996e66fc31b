package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "garrison.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestDefault(t *testing.T) {
	cfg := Default()

	assert.Equal(t, "/var/lib/garrison", cfg.DataDir)
	assert.Equal(t, time.Hour, cfg.Enrollment.DefaultTokenValidity.Std())
	assert.Equal(t, 3*time.Minute, cfg.Heartbeat.StaleAfter.Std())
	assert.Equal(t, 90.0, cfg.Heartbeat.DegradedCPUPercent)
	assert.Equal(t, 90*24*time.Hour, cfg.Certificates.NodeCertValidity.Std())
}

func TestLoadOverlaysDefaults(t *testing.T) {
	path := writeConfig(t, `
data_dir: /tmp/garrison-test
enrollment:
  default_token_validity: 30m
  token_digest_key: test-key
heartbeat:
  stale_after: 5m
identity:
  static_tokens:
    dev-token:
      subject: dev@example.com
      org_id: org-dev
      claims: [fleet.admin]
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "/tmp/garrison-test", cfg.DataDir)
	assert.Equal(t, 30*time.Minute, cfg.Enrollment.DefaultTokenValidity.Std())
	assert.Equal(t, 5*time.Minute, cfg.Heartbeat.StaleAfter.Std())
	// Untouched sections keep their defaults.
	assert.Equal(t, 30*time.Second, cfg.Heartbeat.SweepInterval.Std())
	assert.Equal(t, 90.0, cfg.Heartbeat.DegradedCPUPercent)

	p, ok := cfg.Identity.StaticTokens["dev-token"]
	require.True(t, ok)
	assert.Equal(t, "dev@example.com", p.Subject)
	assert.Equal(t, "org-dev", p.OrgID)
	assert.Equal(t, []string{"fleet.admin"}, p.Claims)
}

func TestLoadRejectsBadValues(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{
			name: "bad duration",
			content: `
heartbeat:
  stale_after: soon
`,
		},
		{
			name: "cpu threshold out of range",
			content: `
heartbeat:
  degraded_cpu_percent: 150
`,
		},
		{
			name: "zero token validity",
			content: `
enrollment:
  default_token_validity: 0s
`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.content))
			assert.Error(t, err)
		})
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("GARRISON_KEYSTORE_PASSPHRASE", "from-env")
	t.Setenv("GARRISON_TOKEN_DIGEST_KEY", "digest-from-env")

	path := writeConfig(t, `
security:
  keystore_passphrase: from-file
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.Security.KeystorePassphrase)
	assert.Equal(t, "digest-from-env", cfg.Enrollment.TokenDigestKey)
}
