// Package identity defines the contract with the external identity provider.
//
// The engine never validates operator credentials itself; it receives a
// bearer token, hands it to a Verifier, and works with the resulting
// Principal. Agent identity comes from mTLS client certificates instead and
// bypasses this package entirely.
package identity

import (
	"context"

	"github.com/garrisonhq/garrison/pkg/errdefs"
)

// Principal is an authenticated operator or scheduler client.
type Principal struct {
	Subject string
	OrgID   string
	Claims  []string
}

// HasClaim reports whether the principal carries the named permission claim.
func (p Principal) HasClaim(claim string) bool {
	for _, c := range p.Claims {
		if c == claim {
			return true
		}
	}
	return false
}

// AuthorizeOrg enforces the tenant isolation policy: a principal may only
// target the organization it is authenticated to. Anything else is Forbidden,
// regardless of whether the target exists.
func (p Principal) AuthorizeOrg(orgID string) error {
	if p.OrgID != orgID {
		return errdefs.Forbiddenf("principal belongs to a different organization")
	}
	return nil
}

// Verifier validates operator bearer credentials. Implemented by the external
// identity provider client.
type Verifier interface {
	VerifyBearer(ctx context.Context, token string) (Principal, error)
}

// StaticVerifier resolves bearer tokens against a fixed table. Used for
// development deployments and tests; production wires the identity provider
// client instead.
type StaticVerifier map[string]Principal

// VerifyBearer implements Verifier.
func (v StaticVerifier) VerifyBearer(_ context.Context, token string) (Principal, error) {
	p, ok := v[token]
	if !ok {
		return Principal{}, errdefs.Unauthorizedf("invalid bearer token")
	}
	return p, nil
}
