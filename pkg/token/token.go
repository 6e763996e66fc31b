// Package token manages single-use enrollment tokens.
//
// A token's plaintext secret is generated once and returned to the operator;
// the store keeps only an HMAC-SHA256 digest. Consumption is an atomic
// check-and-mark against the store, so two concurrent enrollment attempts
// with the same token cannot both succeed.
package token

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"time"

	"github.com/garrisonhq/garrison/pkg/errdefs"
	"github.com/garrisonhq/garrison/pkg/identity"
	"github.com/garrisonhq/garrison/pkg/metrics"
	"github.com/garrisonhq/garrison/pkg/storage"
	"github.com/garrisonhq/garrison/pkg/types"
	"github.com/google/uuid"
)

// secretPrefix makes leaked tokens greppable by secret scanners.
const secretPrefix = "gt_"

// Manager issues, consumes, revokes and lists enrollment tokens.
type Manager struct {
	store           storage.Store
	digestKey       []byte
	defaultValidity time.Duration

	now func() time.Time
}

// NewManager creates a token manager. digestKey salts the stored digests;
// defaultValidity applies when CreateToken is called without one.
func NewManager(store storage.Store, digestKey []byte, defaultValidity time.Duration) *Manager {
	return &Manager{
		store:           store,
		digestKey:       append([]byte(nil), digestKey...),
		defaultValidity: defaultValidity,
		now:             time.Now,
	}
}

// SetClock overrides the manager's clock. Tests only.
func (m *Manager) SetClock(now func() time.Time) { m.now = now }

// CreateToken mints a new token for the organization and returns the record
// together with the plaintext secret. The secret is not recoverable later.
func (m *Manager) CreateToken(ctx context.Context, principal identity.Principal, orgID, label string, validity time.Duration) (*types.EnrollmentToken, string, error) {
	if err := ctx.Err(); err != nil {
		return nil, "", err
	}
	if err := principal.AuthorizeOrg(orgID); err != nil {
		return nil, "", err
	}
	if validity <= 0 {
		validity = m.defaultValidity
	}

	secretBytes := make([]byte, 32)
	if _, err := rand.Read(secretBytes); err != nil {
		return nil, "", errdefs.Internal(err)
	}
	secret := secretPrefix + hex.EncodeToString(secretBytes)

	now := m.now()
	tok := &types.EnrollmentToken{
		ID:           uuid.New().String(),
		OrgID:        orgID,
		Label:        label,
		SecretDigest: m.digest(secret),
		CreatedAt:    now,
		CreatedBy:    principal.Subject,
		ExpiresAt:    now.Add(validity),
	}

	if err := m.store.CreateToken(tok); err != nil {
		return nil, "", errdefs.Internal(err)
	}

	metrics.TokensIssued.Inc()
	return tok, secret, nil
}

// ConsumeToken validates the plaintext secret and atomically marks the token
// consumed by nodeID. Every failure mode surfaces as Unauthorized: the caller
// must not be able to distinguish a wrong secret from a burnt token.
func (m *Manager) ConsumeToken(ctx context.Context, secret, nodeID string) (*types.EnrollmentToken, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	tok, err := m.store.GetTokenByDigest(m.digest(secret))
	if err != nil {
		if errdefs.IsNotFound(err) {
			return nil, errdefs.Unauthorizedf("invalid enrollment token")
		}
		return nil, errdefs.Internal(err)
	}

	consumed, err := m.store.ConsumeToken(tok.ID, nodeID, m.now())
	if err != nil {
		if errdefs.IsUnauthorized(err) {
			return nil, err
		}
		return nil, errdefs.Internal(err)
	}

	metrics.TokensConsumed.Inc()
	return consumed, nil
}

// RevokeToken marks the token unusable. Idempotent: revoking twice succeeds.
func (m *Manager) RevokeToken(ctx context.Context, principal identity.Principal, orgID, tokenID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := principal.AuthorizeOrg(orgID); err != nil {
		return err
	}

	tok, err := m.store.GetToken(tokenID)
	if err != nil {
		return err
	}
	if tok.OrgID != orgID {
		// Indirect cross-org reference reads as absence.
		return errdefs.NotFoundf("enrollment token %s", tokenID)
	}

	if _, err := m.store.RevokeToken(tokenID, m.now()); err != nil {
		return errdefs.Internal(err)
	}
	return nil
}

// ListActiveTokens returns the organization's non-revoked, non-expired,
// unconsumed tokens, most recently created first.
func (m *Manager) ListActiveTokens(ctx context.Context, principal identity.Principal, orgID string) ([]*types.EnrollmentToken, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := principal.AuthorizeOrg(orgID); err != nil {
		return nil, err
	}

	all, err := m.store.ListTokensByOrg(orgID)
	if err != nil {
		return nil, errdefs.Internal(err)
	}

	now := m.now()
	var active []*types.EnrollmentToken
	for _, tok := range all {
		if tok.Active(now) {
			active = append(active, tok)
		}
	}
	sort.Slice(active, func(i, j int) bool {
		return active[i].CreatedAt.After(active[j].CreatedAt)
	})
	return active, nil
}

func (m *Manager) digest(secret string) string {
	mac := hmac.New(sha256.New, m.digestKey)
	mac.Write([]byte(secret))
	return hex.EncodeToString(mac.Sum(nil))
}
