// Package registry owns the canonical node records and their status state
// machine. Enrollment consumes a single-use token, issues the node's first
// certificate, and creates the node, inventory, and capacity rows; heartbeats
// and the staleness sweep drive status transitions afterwards.
package registry

import (
	"context"
	"time"

	"github.com/garrisonhq/garrison/pkg/errdefs"
	"github.com/garrisonhq/garrison/pkg/events"
	"github.com/garrisonhq/garrison/pkg/identity"
	"github.com/garrisonhq/garrison/pkg/log"
	"github.com/garrisonhq/garrison/pkg/metrics"
	"github.com/garrisonhq/garrison/pkg/security"
	"github.com/garrisonhq/garrison/pkg/storage"
	"github.com/garrisonhq/garrison/pkg/token"
	"github.com/garrisonhq/garrison/pkg/types"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ReasonNodeDecommissioned is recorded on certificates revoked because their
// node left the fleet.
const ReasonNodeDecommissioned = "node decommissioned"

// CertIssuer is the slice of the certificate authority the registry needs.
// SignCertificate must not persist anything: the registry commits the
// certificate record together with the node rows.
type CertIssuer interface {
	SignCertificate(ctx context.Context, node *types.Node) (*security.IssuedCertificate, error)
	RevokeCertificate(ctx context.Context, nodeID, reason string) error
}

// Options configures the registry's heartbeat handling and staleness sweep.
type Options struct {
	// StaleAfter is how long a node may go silent before the sweep marks it
	// offline.
	StaleAfter time.Duration
	// SweepInterval is the cadence of the staleness sweep.
	SweepInterval time.Duration
	// DegradedCPUPercent is the utilization above which a heartbeat degrades
	// the node.
	DegradedCPUPercent float64
}

// Registry is the canonical record of the fleet's nodes.
type Registry struct {
	store  storage.Store
	tokens *token.Manager
	ca     CertIssuer
	broker events.Publisher
	opts   Options

	now    func() time.Time
	logger zerolog.Logger
	stopCh chan struct{}
}

// NewRegistry creates a node registry.
func NewRegistry(store storage.Store, tokens *token.Manager, ca CertIssuer, broker events.Publisher, opts Options) *Registry {
	return &Registry{
		store:  store,
		tokens: tokens,
		ca:     ca,
		broker: broker,
		opts:   opts,
		now:    time.Now,
		logger: log.WithComponent("registry"),
		stopCh: make(chan struct{}),
	}
}

// SetClock overrides the registry's clock. Tests only.
func (r *Registry) SetClock(now func() time.Time) { r.now = now }

// EnrollRequest is what an agent submits to join the fleet. It is
// authenticated solely by the enrollment token; the agent has no certificate
// yet.
type EnrollRequest struct {
	TokenSecret  string
	Platform     types.Platform
	AgentVersion string
	Inventory    *types.HardwareInventory
}

// EnrollResult carries the new node record and its first certificate.
type EnrollResult struct {
	Node        *types.Node
	Certificate *security.IssuedCertificate
}

// EnrollNode consumes the enrollment token, signs the node's first
// certificate, and commits the node, its hardware inventory, its capacity
// record, and the certificate record in one transaction. A failure after the
// token is consumed leaves no node rows behind; the token is burnt and the
// operator mints a new one.
func (r *Registry) EnrollNode(ctx context.Context, req EnrollRequest) (*EnrollResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !req.Platform.Valid() {
		return nil, errdefs.InvalidRequestf("unsupported platform %q", req.Platform)
	}
	if req.Inventory == nil {
		return nil, errdefs.InvalidRequestf("hardware inventory is required")
	}

	nodeID := uuid.New().String()
	tok, err := r.tokens.ConsumeToken(ctx, req.TokenSecret, nodeID)
	if err != nil {
		return nil, err
	}

	now := r.now()
	node := &types.Node{
		ID:              nodeID,
		OrgID:           tok.OrgID,
		Name:            req.Inventory.Hostname,
		DisplayName:     req.Inventory.Hostname,
		Platform:        req.Platform,
		Status:          types.NodeStatusOnline,
		AgentVersion:    req.AgentVersion,
		LastHeartbeatAt: now,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	inv := *req.Inventory
	inv.NodeID = nodeID
	if inv.CollectedAt.IsZero() {
		inv.CollectedAt = now
	}

	nc := &types.NodeCapacity{
		NodeID:               nodeID,
		MaxWorkloadSlots:     inv.CPUCores,
		TotalMemoryBytes:     inv.MemoryBytes,
		TotalDiskBytes:       inv.DiskBytes,
		AvailableMemoryBytes: inv.MemoryBytes,
		AvailableDiskBytes:   inv.DiskBytes,
		UpdatedAt:            now,
	}

	// Sign before writing: a signing failure must not leave an online node
	// with zero certificates.
	cert, err := r.ca.SignCertificate(ctx, node)
	if err != nil {
		return nil, err
	}

	if err := r.store.CreateEnrollment(node, &inv, nc, cert.Record); err != nil {
		return nil, errdefs.Internal(err)
	}

	r.publishCertIssued(node, cert.Record)
	metrics.CertificatesIssued.Inc()
	r.publish(events.EventNodeEnrolled, node, "node enrolled")
	metrics.NodesEnrolled.Inc()
	r.logger.Info().Str("node_id", nodeID).Str("org_id", tok.OrgID).Msg("node enrolled")

	return &EnrollResult{Node: node, Certificate: cert}, nil
}

// GetNode returns a node in the caller's organization. Decommissioned nodes
// read as absent.
func (r *Registry) GetNode(ctx context.Context, principal identity.Principal, orgID, nodeID string) (*types.Node, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := principal.AuthorizeOrg(orgID); err != nil {
		return nil, err
	}
	return r.scopedNode(orgID, nodeID)
}

// ListNodes returns the organization's nodes, excluding decommissioned ones.
func (r *Registry) ListNodes(ctx context.Context, principal identity.Principal, orgID string) ([]*types.Node, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := principal.AuthorizeOrg(orgID); err != nil {
		return nil, err
	}

	all, err := r.store.ListNodesByOrg(orgID)
	if err != nil {
		return nil, errdefs.Internal(err)
	}
	var nodes []*types.Node
	for _, node := range all {
		if node.Status != types.NodeStatusDecommissioned {
			nodes = append(nodes, node)
		}
	}
	return nodes, nil
}

// GetInventory returns the node's hardware inventory.
func (r *Registry) GetInventory(ctx context.Context, principal identity.Principal, orgID, nodeID string) (*types.HardwareInventory, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := principal.AuthorizeOrg(orgID); err != nil {
		return nil, err
	}
	if _, err := r.scopedNode(orgID, nodeID); err != nil {
		return nil, err
	}
	return r.store.GetInventory(nodeID)
}

// UpdateNode applies a partial update to the node's name and display name.
func (r *Registry) UpdateNode(ctx context.Context, principal identity.Principal, orgID, nodeID string, name, displayName *string) (*types.Node, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := principal.AuthorizeOrg(orgID); err != nil {
		return nil, err
	}

	return r.store.MutateNode(nodeID, func(node *types.Node) (bool, error) {
		if node.OrgID != orgID || node.Status == types.NodeStatusDecommissioned {
			return false, errdefs.NotFoundf("node %s", nodeID)
		}
		if name != nil {
			node.Name = *name
		}
		if displayName != nil {
			node.DisplayName = *displayName
		}
		node.UpdatedAt = r.now()
		return true, nil
	})
}

// Decommission soft-deletes the node and revokes its active certificate.
// Idempotent: decommissioning an already decommissioned node succeeds.
func (r *Registry) Decommission(ctx context.Context, principal identity.Principal, orgID, nodeID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := principal.AuthorizeOrg(orgID); err != nil {
		return err
	}

	changed := false
	if _, err := r.store.MutateNode(nodeID, func(node *types.Node) (bool, error) {
		if node.OrgID != orgID {
			return false, errdefs.NotFoundf("node %s", nodeID)
		}
		if node.Status == types.NodeStatusDecommissioned {
			return false, nil
		}
		now := r.now()
		node.Status = types.NodeStatusDecommissioned
		node.DecommissionedAt = &now
		node.UpdatedAt = now
		changed = true
		return true, nil
	}); err != nil {
		return err
	}
	if !changed {
		return nil
	}

	if err := r.ca.RevokeCertificate(ctx, nodeID, ReasonNodeDecommissioned); err != nil && !errdefs.IsNotFound(err) {
		return err
	}
	r.logger.Info().Str("node_id", nodeID).Msg("node decommissioned")
	return nil
}

// EnterMaintenance moves the node into operator-driven maintenance.
func (r *Registry) EnterMaintenance(ctx context.Context, principal identity.Principal, orgID, nodeID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := principal.AuthorizeOrg(orgID); err != nil {
		return err
	}

	_, err := r.store.MutateNode(nodeID, func(node *types.Node) (bool, error) {
		if node.OrgID != orgID || node.Status == types.NodeStatusDecommissioned {
			return false, errdefs.NotFoundf("node %s", nodeID)
		}
		if node.Status == types.NodeStatusMaintenance {
			return false, errdefs.InvalidStatef("node %s is already in maintenance", nodeID)
		}
		node.Status = types.NodeStatusMaintenance
		node.UpdatedAt = r.now()
		return true, nil
	})
	return err
}

// ExitMaintenance returns the node to online; the next heartbeat or sweep
// settles its real status.
func (r *Registry) ExitMaintenance(ctx context.Context, principal identity.Principal, orgID, nodeID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := principal.AuthorizeOrg(orgID); err != nil {
		return err
	}

	_, err := r.store.MutateNode(nodeID, func(node *types.Node) (bool, error) {
		if node.OrgID != orgID || node.Status == types.NodeStatusDecommissioned {
			return false, errdefs.NotFoundf("node %s", nodeID)
		}
		if node.Status != types.NodeStatusMaintenance {
			return false, errdefs.InvalidStatef("node %s is not in maintenance", nodeID)
		}
		node.Status = types.NodeStatusOnline
		node.UpdatedAt = r.now()
		return true, nil
	})
	return err
}

// scopedNode loads a node in the given organization, treating decommissioned
// and cross-org nodes as absent.
func (r *Registry) scopedNode(orgID, nodeID string) (*types.Node, error) {
	node, err := r.orgNode(orgID, nodeID)
	if err != nil {
		return nil, err
	}
	if node.Status == types.NodeStatusDecommissioned {
		return nil, errdefs.NotFoundf("node %s", nodeID)
	}
	return node, nil
}

// orgNode loads a node in the given organization, including decommissioned
// ones. A node in a different organization reads as absent, never forbidden.
func (r *Registry) orgNode(orgID, nodeID string) (*types.Node, error) {
	node, err := r.store.GetNode(nodeID)
	if err != nil {
		return nil, err
	}
	if node.OrgID != orgID {
		return nil, errdefs.NotFoundf("node %s", nodeID)
	}
	return node, nil
}

func (r *Registry) publishCertIssued(node *types.Node, cert *types.AgentCertificate) {
	if r.broker == nil {
		return
	}
	r.broker.Publish(&events.Event{
		ID:        uuid.New().String(),
		Type:      events.EventCertificateIssued,
		OrgID:     node.OrgID,
		NodeID:    node.ID,
		Timestamp: r.now(),
		Message:   "agent certificate issued",
		Metadata: map[string]string{
			"thumbprint": cert.Thumbprint,
			"serial":     cert.SerialNumber,
		},
	})
}

func (r *Registry) publish(t events.EventType, node *types.Node, msg string) {
	if r.broker == nil {
		return
	}
	r.broker.Publish(&events.Event{
		ID:        uuid.New().String(),
		Type:      t,
		OrgID:     node.OrgID,
		NodeID:    node.ID,
		Timestamp: r.now(),
		Message:   msg,
	})
}
