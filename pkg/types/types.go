package types

import (
	"time"
)

// EnrollmentToken is a single-use, expiring secret that authorizes one node
// to join an organization's fleet. The plaintext secret is returned exactly
// once at creation time; only its digest is persisted. Tokens are never
// deleted, so consumed and revoked rows remain for audit.
type EnrollmentToken struct {
	ID               string
	OrgID            string
	Label            string
	SecretDigest     string // HMAC-SHA256 of the plaintext secret
	CreatedAt        time.Time
	CreatedBy        string
	ExpiresAt        time.Time
	RevokedAt        *time.Time
	ConsumedAt       *time.Time
	ConsumedByNodeID string
}

// Active reports whether the token can still be consumed at the given instant.
func (t *EnrollmentToken) Active(now time.Time) bool {
	return t.RevokedAt == nil && t.ConsumedAt == nil && now.Before(t.ExpiresAt)
}

// Platform identifies a node's operating system family.
type Platform string

const (
	PlatformLinux   Platform = "linux"
	PlatformWindows Platform = "windows"
)

// Valid reports whether p is a supported platform.
func (p Platform) Valid() bool {
	return p == PlatformLinux || p == PlatformWindows
}

// NodeStatus represents the current state of a node.
type NodeStatus string

const (
	NodeStatusOnline         NodeStatus = "online"
	NodeStatusOffline        NodeStatus = "offline"
	NodeStatusDegraded       NodeStatus = "degraded"
	NodeStatusMaintenance    NodeStatus = "maintenance"
	NodeStatusDecommissioned NodeStatus = "decommissioned" // terminal
)

// Node is the canonical record of a worker machine in the fleet.
type Node struct {
	ID               string
	OrgID            string
	Name             string
	DisplayName      string
	Platform         Platform
	Status           NodeStatus
	AgentVersion     string
	CPUPercent       float64
	MemoryPercent    float64
	DiskPercent      float64
	HealthIssues     []string
	LastHeartbeatAt  time.Time
	CreatedAt        time.Time
	UpdatedAt        time.Time
	DecommissionedAt *time.Time
}

// HardwareInventory is the hardware profile reported by the agent at
// enrollment and optionally refreshed by later heartbeats.
type HardwareInventory struct {
	NodeID            string
	Hostname          string
	OSVersion         string
	CPUCores          int
	MemoryBytes       int64
	DiskBytes         int64
	NetworkInterfaces []string
	CollectedAt       time.Time
}

// AgentCertificate is a leaf certificate issued to a node for mTLS agent
// authentication. Among the certificates belonging to a node at most one is
// non-revoked at any externally observable instant.
type AgentCertificate struct {
	ID               string
	NodeID           string
	Thumbprint       string // SHA-256 of the DER encoding, lowercase hex
	SerialNumber     string
	NotBefore        time.Time
	NotAfter         time.Time
	IssuedAt         time.Time
	IsRevoked        bool
	RevokedAt        *time.Time
	RevocationReason string
}

// NodeCapacity tracks a node's allocatable resources. Available figures are
// total minus the provisional holds of Pending and Claimed reservations.
type NodeCapacity struct {
	NodeID               string
	MaxWorkloadSlots     int
	CurrentWorkloadCount int
	TotalMemoryBytes     int64
	TotalDiskBytes       int64
	AvailableMemoryBytes int64
	AvailableDiskBytes   int64
	UpdatedAt            time.Time
}

// ReservationStatus represents the state of a capacity reservation.
type ReservationStatus string

const (
	ReservationPending  ReservationStatus = "pending"
	ReservationClaimed  ReservationStatus = "claimed"
	ReservationReleased ReservationStatus = "released"
	ReservationExpired  ReservationStatus = "expired"
)

// Active reports whether the reservation currently holds resources.
func (s ReservationStatus) Active() bool {
	return s == ReservationPending || s == ReservationClaimed
}

// Reservation is a time-bounded hold on a node's capacity, identified by an
// opaque token and progressing Pending -> Claimed | Released | Expired.
type Reservation struct {
	Token         string // primary external handle
	NodeID        string
	OrgID         string
	MemoryMB      int64
	DiskMB        int64
	CPUMillicores int64
	Status        ReservationStatus
	RequestedBy   string
	WorkloadID    string // set on claim
	CreatedAt     time.Time
	ExpiresAt     time.Time
	ClaimedAt     *time.Time
	ReleasedAt    *time.Time
	ReleaseReason string
}
