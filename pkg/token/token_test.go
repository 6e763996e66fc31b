package token

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/garrisonhq/garrison/pkg/errdefs"
	"github.com/garrisonhq/garrison/pkg/identity"
	"github.com/garrisonhq/garrison/pkg/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var operator = identity.Principal{Subject: "ops@example.com", OrgID: "org-a"}

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return NewManager(store, []byte("test-digest-key"), time.Hour)
}

func TestCreateToken(t *testing.T) {
	m := newTestManager(t)

	tok, secret, err := m.CreateToken(context.Background(), operator, "org-a", "rack-12 batch", 0)
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(secret, "gt_"))
	assert.Equal(t, "org-a", tok.OrgID)
	assert.Equal(t, "rack-12 batch", tok.Label)
	assert.Equal(t, "ops@example.com", tok.CreatedBy)
	assert.Equal(t, tok.CreatedAt.Add(time.Hour), tok.ExpiresAt)
	// Only the digest is persisted, never the secret itself.
	assert.NotEqual(t, secret, tok.SecretDigest)
	assert.NotContains(t, tok.SecretDigest, secret)
}

func TestCreateTokenCrossOrgForbidden(t *testing.T) {
	m := newTestManager(t)

	_, _, err := m.CreateToken(context.Background(), operator, "org-b", "", 0)
	assert.True(t, errdefs.IsForbidden(err))
}

func TestConsumeTokenSingleUse(t *testing.T) {
	m := newTestManager(t)

	_, secret, err := m.CreateToken(context.Background(), operator, "org-a", "", 0)
	require.NoError(t, err)

	consumed, err := m.ConsumeToken(context.Background(), secret, "node-1")
	require.NoError(t, err)
	assert.Equal(t, "node-1", consumed.ConsumedByNodeID)
	require.NotNil(t, consumed.ConsumedAt)

	// The second consumer must lose, even with the correct secret.
	_, err = m.ConsumeToken(context.Background(), secret, "node-2")
	assert.True(t, errdefs.IsUnauthorized(err))
}

func TestConsumeTokenExpiry(t *testing.T) {
	m := newTestManager(t)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	now := base
	m.SetClock(func() time.Time { return now })

	_, fresh, err := m.CreateToken(context.Background(), operator, "org-a", "", time.Hour)
	require.NoError(t, err)
	_, stale, err := m.CreateToken(context.Background(), operator, "org-a", "", time.Hour)
	require.NoError(t, err)

	now = base.Add(30 * time.Minute)
	_, err = m.ConsumeToken(context.Background(), fresh, "node-1")
	assert.NoError(t, err)

	now = base.Add(61 * time.Minute)
	_, err = m.ConsumeToken(context.Background(), stale, "node-2")
	assert.True(t, errdefs.IsUnauthorized(err))
}

func TestConsumeTokenRevoked(t *testing.T) {
	m := newTestManager(t)

	tok, secret, err := m.CreateToken(context.Background(), operator, "org-a", "", 0)
	require.NoError(t, err)
	require.NoError(t, m.RevokeToken(context.Background(), operator, "org-a", tok.ID))

	_, err = m.ConsumeToken(context.Background(), secret, "node-1")
	assert.True(t, errdefs.IsUnauthorized(err))
}

func TestConsumeTokenUnknownSecret(t *testing.T) {
	m := newTestManager(t)

	_, err := m.ConsumeToken(context.Background(), "gt_deadbeef", "node-1")
	require.Error(t, err)
	assert.True(t, errdefs.IsUnauthorized(err))
	// A wrong secret must be indistinguishable from a burnt token.
	assert.Contains(t, err.Error(), "invalid enrollment token")
}

func TestRevokeTokenIdempotent(t *testing.T) {
	m := newTestManager(t)

	tok, _, err := m.CreateToken(context.Background(), operator, "org-a", "", 0)
	require.NoError(t, err)

	assert.NoError(t, m.RevokeToken(context.Background(), operator, "org-a", tok.ID))
	assert.NoError(t, m.RevokeToken(context.Background(), operator, "org-a", tok.ID))
}

func TestRevokeTokenCrossOrg(t *testing.T) {
	m := newTestManager(t)
	other := identity.Principal{Subject: "ops@rival.com", OrgID: "org-b"}

	tok, _, err := m.CreateToken(context.Background(), operator, "org-a", "", 0)
	require.NoError(t, err)

	// Direct mismatch between principal and requested org is Forbidden.
	err = m.RevokeToken(context.Background(), other, "org-a", tok.ID)
	assert.True(t, errdefs.IsForbidden(err))

	// A token that belongs to another org reads as absent, not forbidden.
	err = m.RevokeToken(context.Background(), other, "org-b", tok.ID)
	assert.True(t, errdefs.IsNotFound(err))
}

func TestListActiveTokens(t *testing.T) {
	m := newTestManager(t)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	now := base
	m.SetClock(func() time.Time { return now })

	older, _, err := m.CreateToken(context.Background(), operator, "org-a", "older", 2*time.Hour)
	require.NoError(t, err)
	consumed, consumedSecret, err := m.CreateToken(context.Background(), operator, "org-a", "consumed", 2*time.Hour)
	require.NoError(t, err)
	revoked, _, err := m.CreateToken(context.Background(), operator, "org-a", "revoked", 2*time.Hour)
	require.NoError(t, err)
	expired, _, err := m.CreateToken(context.Background(), operator, "org-a", "expired", time.Minute)
	require.NoError(t, err)

	now = base.Add(time.Minute)
	newer, _, err := m.CreateToken(context.Background(), operator, "org-a", "newer", 2*time.Hour)
	require.NoError(t, err)

	_, err = m.ConsumeToken(context.Background(), consumedSecret, "node-1")
	require.NoError(t, err)
	require.NoError(t, m.RevokeToken(context.Background(), operator, "org-a", revoked.ID))

	now = base.Add(2 * time.Minute)
	active, err := m.ListActiveTokens(context.Background(), operator, "org-a")
	require.NoError(t, err)
	require.Len(t, active, 2)
	assert.Equal(t, newer.ID, active[0].ID)
	assert.Equal(t, older.ID, active[1].ID)
	for _, tok := range active {
		assert.NotEqual(t, consumed.ID, tok.ID)
		assert.NotEqual(t, expired.ID, tok.ID)
	}
}
