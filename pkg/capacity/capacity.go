// Package capacity manages time-bounded holds on node resources. A
// reservation pins memory, disk, and CPU on a node for its TTL; the caller
// either claims it for a workload or it expires and the hold returns to the
// pool. Resources are conserved: every decrement of available capacity is
// paired with exactly one later increment.
package capacity

import (
	"context"
	"sort"
	"time"

	"github.com/garrisonhq/garrison/pkg/errdefs"
	"github.com/garrisonhq/garrison/pkg/events"
	"github.com/garrisonhq/garrison/pkg/identity"
	"github.com/garrisonhq/garrison/pkg/log"
	"github.com/garrisonhq/garrison/pkg/metrics"
	"github.com/garrisonhq/garrison/pkg/storage"
	"github.com/garrisonhq/garrison/pkg/types"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// DefaultReservationTTL bounds how long a pending reservation holds resources
// when the caller does not ask for a specific window.
const DefaultReservationTTL = 5 * time.Minute

// ReasonExpired is recorded on reservations the sweep times out.
const ReasonExpired = "reservation ttl elapsed"

// Manager owns capacity reservations and their expiry sweep.
type Manager struct {
	store         storage.Store
	broker        events.Publisher
	sweepInterval time.Duration

	now    func() time.Time
	logger zerolog.Logger
	stopCh chan struct{}
}

// NewManager creates a capacity reservation manager.
func NewManager(store storage.Store, broker events.Publisher, sweepInterval time.Duration) *Manager {
	return &Manager{
		store:         store,
		broker:        broker,
		sweepInterval: sweepInterval,
		now:           time.Now,
		logger:        log.WithComponent("capacity"),
		stopCh:        make(chan struct{}),
	}
}

// SetClock overrides the manager's clock. Tests only.
func (m *Manager) SetClock(now func() time.Time) { m.now = now }

// ReserveRequest describes the resources a caller wants held on a node.
type ReserveRequest struct {
	NodeID        string
	MemoryMB      int64
	DiskMB        int64
	CPUMillicores int64
	TTL           time.Duration
}

// Reserve places a hold on the node's capacity and returns the pending
// reservation. The check against available capacity and the decrement happen
// in one transaction, so concurrent reservations can never oversubscribe the
// node. Fails with ResourceExhausted when the node cannot cover the request.
func (m *Manager) Reserve(ctx context.Context, principal identity.Principal, orgID string, req ReserveRequest) (*types.Reservation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := principal.AuthorizeOrg(orgID); err != nil {
		return nil, err
	}
	if req.MemoryMB <= 0 {
		return nil, errdefs.InvalidRequestf("reservation must request a positive amount of memory")
	}
	if req.DiskMB < 0 || req.CPUMillicores < 0 {
		return nil, errdefs.InvalidRequestf("reservation resources cannot be negative")
	}

	node, err := m.reservableNode(orgID, req.NodeID)
	if err != nil {
		return nil, err
	}

	ttl := req.TTL
	if ttl <= 0 {
		ttl = DefaultReservationTTL
	}
	now := m.now()
	res := &types.Reservation{
		Token:         uuid.New().String(),
		NodeID:        node.ID,
		OrgID:         orgID,
		MemoryMB:      req.MemoryMB,
		DiskMB:        req.DiskMB,
		CPUMillicores: req.CPUMillicores,
		Status:        types.ReservationPending,
		RequestedBy:   principal.Subject,
		CreatedAt:     now,
		ExpiresAt:     now.Add(ttl),
	}
	if err := m.store.CreateReservation(res); err != nil {
		if errdefs.IsResourceExhausted(err) {
			metrics.ReservationsRejected.Inc()
		}
		return nil, err
	}

	metrics.ReservationsTotal.WithLabelValues(string(types.ReservationPending)).Inc()
	m.logger.Info().
		Str("reservation", res.Token).
		Str("node_id", node.ID).
		Int64("memory_mb", req.MemoryMB).
		Int64("disk_mb", req.DiskMB).
		Msg("capacity reserved")
	return res, nil
}

// Claim binds a pending reservation to a workload. A reservation that has
// passed its expiry reads as absent even if the sweep has not run yet; an
// already claimed or released reservation fails with InvalidState.
func (m *Manager) Claim(ctx context.Context, principal identity.Principal, orgID, token, workloadID string) (*types.Reservation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := principal.AuthorizeOrg(orgID); err != nil {
		return nil, err
	}
	if workloadID == "" {
		return nil, errdefs.InvalidRequestf("workload id is required")
	}
	if _, err := m.scopedReservation(orgID, token); err != nil {
		return nil, err
	}

	res, err := m.store.ClaimReservation(token, workloadID, m.now())
	if err != nil {
		return nil, err
	}
	metrics.ReservationsTotal.WithLabelValues(string(types.ReservationPending)).Dec()
	metrics.ReservationsTotal.WithLabelValues(string(types.ReservationClaimed)).Inc()
	m.logger.Info().
		Str("reservation", token).
		Str("workload_id", workloadID).
		Msg("reservation claimed")
	return res, nil
}

// Release returns a reservation's resources to the node pool. Idempotent:
// releasing an already released or expired reservation succeeds without
// touching capacity.
func (m *Manager) Release(ctx context.Context, principal identity.Principal, orgID, token, reason string) (*types.Reservation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := principal.AuthorizeOrg(orgID); err != nil {
		return nil, err
	}
	prev, err := m.scopedReservation(orgID, token)
	if err != nil {
		return nil, err
	}

	res, changed, err := m.store.ReleaseReservation(token, reason, m.now())
	if err != nil {
		return nil, err
	}
	if changed {
		metrics.ReservationsTotal.WithLabelValues(string(prev.Status)).Dec()
		metrics.ReservationsTotal.WithLabelValues(string(types.ReservationReleased)).Inc()
		m.logger.Info().
			Str("reservation", token).
			Str("reason", reason).
			Msg("reservation released")
	}
	return res, nil
}

// GetReservation returns a reservation in the caller's organization.
func (m *Manager) GetReservation(ctx context.Context, principal identity.Principal, orgID, token string) (*types.Reservation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := principal.AuthorizeOrg(orgID); err != nil {
		return nil, err
	}
	return m.scopedReservation(orgID, token)
}

// ListReservations returns the node's reservations, newest first.
func (m *Manager) ListReservations(ctx context.Context, principal identity.Principal, orgID, nodeID string) ([]*types.Reservation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := principal.AuthorizeOrg(orgID); err != nil {
		return nil, err
	}
	if _, err := m.reservableNode(orgID, nodeID); err != nil && !errdefs.IsInvalidState(err) {
		return nil, err
	}

	all, err := m.store.ListReservationsByNode(nodeID)
	if err != nil {
		return nil, errdefs.Internal(err)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].CreatedAt.After(all[j].CreatedAt) })
	return all, nil
}

// AvailableCapacity returns the node's capacity record with current holds
// applied.
func (m *Manager) AvailableCapacity(ctx context.Context, principal identity.Principal, orgID, nodeID string) (*types.NodeCapacity, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := principal.AuthorizeOrg(orgID); err != nil {
		return nil, err
	}
	if _, err := m.reservableNode(orgID, nodeID); err != nil && !errdefs.IsInvalidState(err) {
		return nil, err
	}
	return m.store.GetCapacity(nodeID)
}

// reservableNode loads a node in the caller's organization and checks it can
// host new holds. Cross-org and decommissioned nodes read as absent; a node
// in maintenance is present but not reservable.
func (m *Manager) reservableNode(orgID, nodeID string) (*types.Node, error) {
	node, err := m.store.GetNode(nodeID)
	if err != nil {
		return nil, err
	}
	if node.OrgID != orgID || node.Status == types.NodeStatusDecommissioned {
		return nil, errdefs.NotFoundf("node %s", nodeID)
	}
	if node.Status == types.NodeStatusMaintenance {
		return nil, errdefs.InvalidStatef("node %s is in maintenance", nodeID)
	}
	return node, nil
}

// scopedReservation loads a reservation, treating cross-org rows as absent.
func (m *Manager) scopedReservation(orgID, token string) (*types.Reservation, error) {
	res, err := m.store.GetReservation(token)
	if err != nil {
		return nil, err
	}
	if res.OrgID != orgID {
		return nil, errdefs.NotFoundf("reservation %s", token)
	}
	return res, nil
}

// Start launches the expiry sweep loop.
func (m *Manager) Start() {
	go m.sweepLoop()
	m.logger.Info().Dur("interval", m.sweepInterval).Msg("reservation expiry sweep started")
}

// Stop terminates the expiry sweep loop.
func (m *Manager) Stop() {
	close(m.stopCh)
}

func (m *Manager) sweepLoop() {
	ticker := time.NewTicker(m.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.SweepExpired()
		case <-m.stopCh:
			return
		}
	}
}

// SweepExpired expires pending reservations past their TTL and returns their
// resources to the pool. Each expiry runs as a conditional transition, so
// redundant sweeps cannot double-return capacity.
func (m *Manager) SweepExpired() {
	expired, err := m.store.ExpireReservations(m.now())
	if err != nil {
		m.logger.Error().Err(err).Msg("reservation expiry sweep")
		return
	}
	for _, res := range expired {
		metrics.ReservationsTotal.WithLabelValues(string(types.ReservationPending)).Dec()
		metrics.ReservationsTotal.WithLabelValues(string(types.ReservationExpired)).Inc()
		metrics.ReservationsExpired.Inc()
		if m.broker != nil {
			m.broker.Publish(&events.Event{
				ID:        uuid.New().String(),
				Type:      events.EventReservationExpired,
				OrgID:     res.OrgID,
				NodeID:    res.NodeID,
				Timestamp: m.now(),
				Message:   "reservation expired",
				Metadata:  map[string]string{"reservation": res.Token},
			})
		}
		m.logger.Info().
			Str("reservation", res.Token).
			Str("node_id", res.NodeID).
			Msg("reservation expired")
	}
}
