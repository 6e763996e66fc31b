package storage

import (
	"time"

	"github.com/garrisonhq/garrison/pkg/types"
)

// Store defines the interface for fleet state storage.
//
// Besides plain CRUD it exposes the conditional-update primitives the engine
// relies on for correctness under concurrency: token consumption, certificate
// supersession, capacity accounting, and reservation state transitions each
// run as a single transaction that re-checks its precondition against the
// stored row.
type Store interface {
	// Enrollment tokens. Tokens are never deleted; consumed and revoked rows
	// are kept for audit.
	CreateToken(token *types.EnrollmentToken) error
	GetToken(id string) (*types.EnrollmentToken, error)
	GetTokenByDigest(digest string) (*types.EnrollmentToken, error)
	ListTokensByOrg(orgID string) ([]*types.EnrollmentToken, error)
	// ConsumeToken atomically checks the token is neither revoked, consumed,
	// nor expired at now, and marks it consumed by nodeID. Exactly one of two
	// concurrent consumers can succeed.
	ConsumeToken(id, nodeID string, now time.Time) (*types.EnrollmentToken, error)
	// RevokeToken marks the token revoked. Revoking an already revoked token
	// is a no-op and reports changed=false.
	RevokeToken(id string, now time.Time) (changed bool, err error)

	// Nodes
	CreateNode(node *types.Node) error
	GetNode(id string) (*types.Node, error)
	ListNodes() ([]*types.Node, error)
	ListNodesByOrg(orgID string) ([]*types.Node, error)
	// CreateEnrollment persists a node together with its hardware inventory,
	// capacity record, and first certificate in one transaction. A failed
	// enrollment leaves no rows behind.
	CreateEnrollment(node *types.Node, inv *types.HardwareInventory, nc *types.NodeCapacity, cert *types.AgentCertificate) error
	// MutateNode loads the node and applies fn to it inside a single write
	// transaction. fn sees the stored row, not a caller-side copy, so state
	// checks made in fn cannot be invalidated by a concurrent writer. fn
	// returning false skips the write; an error aborts the transaction.
	MutateNode(id string, fn func(node *types.Node) (write bool, err error)) (*types.Node, error)
	// MarkNodeOffline transitions the node to offline only if it is online or
	// degraded and its last heartbeat is older than staleBefore. Reports
	// whether the row changed, so redundant sweep runs are harmless.
	MarkNodeOffline(id string, staleBefore time.Time) (changed bool, err error)

	// Hardware inventory (1:1 with node)
	PutInventory(inv *types.HardwareInventory) error
	GetInventory(nodeID string) (*types.HardwareInventory, error)

	// Agent certificates
	CreateCertificate(cert *types.AgentCertificate) error
	GetCertificate(id string) (*types.AgentCertificate, error)
	ListCertificatesByNode(nodeID string) ([]*types.AgentCertificate, error)
	// ActiveCertificate returns the node's single non-revoked certificate.
	ActiveCertificate(nodeID string) (*types.AgentCertificate, error)
	// SwapCertificate installs replacement and revokes the node's current
	// active certificate in one transaction. The active certificate must
	// still carry oldThumbprint when the transaction runs; otherwise nothing
	// is written and the renewal must be retried.
	SwapCertificate(nodeID, oldThumbprint string, replacement *types.AgentCertificate, reason string, now time.Time) error
	// RevokeActiveCertificate revokes the node's active certificate, if any.
	RevokeActiveCertificate(nodeID, reason string, now time.Time) (*types.AgentCertificate, error)

	// Capacity
	PutCapacity(nc *types.NodeCapacity) error
	GetCapacity(nodeID string) (*types.NodeCapacity, error)
	// UpdateWorkloadCount records the agent-reported workload count.
	UpdateWorkloadCount(nodeID string, count int, now time.Time) error

	// Reservations. CreateReservation checks and decrements available
	// capacity and persists the reservation row in one transaction, so a
	// failed insert can never leave capacity decremented.
	CreateReservation(res *types.Reservation) error
	GetReservation(token string) (*types.Reservation, error)
	ListReservationsByNode(nodeID string) ([]*types.Reservation, error)
	ClaimReservation(token, workloadID string, now time.Time) (*types.Reservation, error)
	// ReleaseReservation transitions a pending or claimed reservation to
	// released and returns its resources to the node pool. Releasing an
	// already terminal reservation reports changed=false.
	ReleaseReservation(token, reason string, now time.Time) (res *types.Reservation, changed bool, err error)
	// ExpireReservations transitions pending reservations past their expiry
	// to expired and returns their held resources. Safe to run redundantly.
	ExpireReservations(now time.Time) ([]*types.Reservation, error)

	// Keystore holds opaque encrypted material for the certificate authority.
	PutKeystoreEntry(name string, data []byte) error
	GetKeystoreEntry(name string) ([]byte, error)

	Close() error
}
