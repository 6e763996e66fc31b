package registry

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/garrisonhq/garrison/pkg/errdefs"
	"github.com/garrisonhq/garrison/pkg/events"
	"github.com/garrisonhq/garrison/pkg/identity"
	"github.com/garrisonhq/garrison/pkg/metrics"
	"github.com/garrisonhq/garrison/pkg/security"
	"github.com/garrisonhq/garrison/pkg/storage"
	"github.com/garrisonhq/garrison/pkg/token"
	"github.com/garrisonhq/garrison/pkg/types"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var operator = identity.Principal{Subject: "ops@example.com", OrgID: "org-a"}

// fakeIssuer satisfies CertIssuer without the cost of real key generation.
type fakeIssuer struct {
	store storage.Store
}

func (f *fakeIssuer) SignCertificate(_ context.Context, node *types.Node) (*security.IssuedCertificate, error) {
	rec := &types.AgentCertificate{
		ID:         uuid.New().String(),
		NodeID:     node.ID,
		Thumbprint: uuid.New().String(),
	}
	return &security.IssuedCertificate{Record: rec}, nil
}

func (f *fakeIssuer) RevokeCertificate(_ context.Context, nodeID, reason string) error {
	_, err := f.store.RevokeActiveCertificate(nodeID, reason, time.Now())
	return err
}

// failingIssuer rejects every signing request.
type failingIssuer struct{}

func (failingIssuer) SignCertificate(context.Context, *types.Node) (*security.IssuedCertificate, error) {
	return nil, errdefs.Internalf("signing key unavailable")
}

func (failingIssuer) RevokeCertificate(context.Context, string, string) error { return nil }

type capturePublisher struct {
	mu     sync.Mutex
	events []*events.Event
}

func (c *capturePublisher) Publish(e *events.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, e)
}

func (c *capturePublisher) byType(t events.EventType) []*events.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []*events.Event
	for _, e := range c.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

type testFixture struct {
	reg    *Registry
	store  storage.Store
	tokens *token.Manager
	pub    *capturePublisher
	now    time.Time
}

func newFixture(t *testing.T) *testFixture {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	pub := &capturePublisher{}
	tokens := token.NewManager(store, []byte("test-digest-key"), time.Hour)
	reg := NewRegistry(store, tokens, &fakeIssuer{store: store}, pub, Options{
		StaleAfter:         3 * time.Minute,
		SweepInterval:      30 * time.Second,
		DegradedCPUPercent: 90,
	})

	f := &testFixture{
		reg:    reg,
		store:  store,
		tokens: tokens,
		pub:    pub,
		now:    time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	clock := func() time.Time { return f.now }
	reg.SetClock(clock)
	tokens.SetClock(clock)
	return f
}

func (f *testFixture) enroll(t *testing.T) *types.Node {
	t.Helper()
	_, secret, err := f.tokens.CreateToken(context.Background(), operator, "org-a", "", 0)
	require.NoError(t, err)

	result, err := f.reg.EnrollNode(context.Background(), EnrollRequest{
		TokenSecret:  secret,
		Platform:     types.PlatformLinux,
		AgentVersion: "1.4.0",
		Inventory: &types.HardwareInventory{
			Hostname:    "rack12-blade3",
			OSVersion:   "Ubuntu 24.04",
			CPUCores:    16,
			MemoryBytes: 64 << 30,
			DiskBytes:   1 << 40,
		},
	})
	require.NoError(t, err)
	return result.Node
}

func TestEnrollNode(t *testing.T) {
	f := newFixture(t)
	_, secret, err := f.tokens.CreateToken(context.Background(), operator, "org-a", "", 0)
	require.NoError(t, err)

	result, err := f.reg.EnrollNode(context.Background(), EnrollRequest{
		TokenSecret:  secret,
		Platform:     types.PlatformLinux,
		AgentVersion: "1.4.0",
		Inventory: &types.HardwareInventory{
			Hostname:    "rack12-blade3",
			CPUCores:    16,
			MemoryBytes: 64 << 30,
			DiskBytes:   1 << 40,
		},
	})
	require.NoError(t, err)

	node := result.Node
	assert.Equal(t, "org-a", node.OrgID)
	assert.Equal(t, types.NodeStatusOnline, node.Status)
	assert.Equal(t, "rack12-blade3", node.Name)
	require.NotNil(t, result.Certificate)

	// Capacity is seeded from the reported hardware.
	nc, err := f.store.GetCapacity(node.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(64<<30), nc.TotalMemoryBytes)
	assert.Equal(t, nc.TotalMemoryBytes, nc.AvailableMemoryBytes)
	assert.Equal(t, 16, nc.MaxWorkloadSlots)

	inv, err := f.store.GetInventory(node.ID)
	require.NoError(t, err)
	assert.Equal(t, "rack12-blade3", inv.Hostname)

	assert.Len(t, f.pub.byType(events.EventNodeEnrolled), 1)

	// The token is burnt: a second agent cannot reuse it.
	_, err = f.reg.EnrollNode(context.Background(), EnrollRequest{
		TokenSecret: secret,
		Platform:    types.PlatformLinux,
		Inventory:   &types.HardwareInventory{Hostname: "imposter"},
	})
	assert.True(t, errdefs.IsUnauthorized(err))
}

func TestEnrollNodeSigningFailureLeavesNoRows(t *testing.T) {
	f := newFixture(t)
	reg := NewRegistry(f.store, f.tokens, failingIssuer{}, f.pub, Options{
		StaleAfter:         3 * time.Minute,
		SweepInterval:      30 * time.Second,
		DegradedCPUPercent: 90,
	})
	reg.SetClock(func() time.Time { return f.now })

	_, secret, err := f.tokens.CreateToken(context.Background(), operator, "org-a", "", 0)
	require.NoError(t, err)

	result, err := reg.EnrollNode(context.Background(), EnrollRequest{
		TokenSecret:  secret,
		Platform:     types.PlatformLinux,
		AgentVersion: "1.4.0",
		Inventory: &types.HardwareInventory{
			Hostname:    "rack12-blade3",
			CPUCores:    16,
			MemoryBytes: 64 << 30,
			DiskBytes:   1 << 40,
		},
	})
	require.Error(t, err)
	assert.Nil(t, result)

	// A node that never got a certificate must not exist in any form: no node
	// row, no inventory, no capacity, no enrolled event.
	nodes, err := f.store.ListNodes()
	require.NoError(t, err)
	assert.Empty(t, nodes)
	assert.Empty(t, f.pub.byType(events.EventNodeEnrolled))
}

func TestEnrollNodeValidation(t *testing.T) {
	f := newFixture(t)
	_, secret, err := f.tokens.CreateToken(context.Background(), operator, "org-a", "", 0)
	require.NoError(t, err)

	_, err = f.reg.EnrollNode(context.Background(), EnrollRequest{
		TokenSecret: secret,
		Platform:    "plan9",
		Inventory:   &types.HardwareInventory{Hostname: "h"},
	})
	assert.True(t, errdefs.IsInvalidRequest(err))

	_, err = f.reg.EnrollNode(context.Background(), EnrollRequest{
		TokenSecret: secret,
		Platform:    types.PlatformLinux,
	})
	assert.True(t, errdefs.IsInvalidRequest(err))

	// Neither failure consumed the token.
	_, err = f.reg.EnrollNode(context.Background(), EnrollRequest{
		TokenSecret: secret,
		Platform:    types.PlatformLinux,
		Inventory:   &types.HardwareInventory{Hostname: "h", CPUCores: 4},
	})
	assert.NoError(t, err)
}

func TestHeartbeatDegradedOnce(t *testing.T) {
	f := newFixture(t)
	node := f.enroll(t)

	updated, err := f.reg.RecordHeartbeat(context.Background(), node.ID, Heartbeat{CPUPercent: 95})
	require.NoError(t, err)
	assert.Equal(t, types.NodeStatusDegraded, updated.Status)

	// A second hot heartbeat does not re-announce the degradation.
	_, err = f.reg.RecordHeartbeat(context.Background(), node.ID, Heartbeat{CPUPercent: 97})
	require.NoError(t, err)
	assert.Len(t, f.pub.byType(events.EventNodeDegraded), 1)

	// A healthy heartbeat recovers the node quietly.
	updated, err = f.reg.RecordHeartbeat(context.Background(), node.ID, Heartbeat{CPUPercent: 40})
	require.NoError(t, err)
	assert.Equal(t, types.NodeStatusOnline, updated.Status)
	assert.Empty(t, f.pub.byType(events.EventNodeOnline))
}

func TestHeartbeatHealthIssuesDegrade(t *testing.T) {
	f := newFixture(t)
	node := f.enroll(t)

	updated, err := f.reg.RecordHeartbeat(context.Background(), node.ID, Heartbeat{
		CPUPercent:   20,
		HealthIssues: []string{"disk smart warning"},
	})
	require.NoError(t, err)
	assert.Equal(t, types.NodeStatusDegraded, updated.Status)
}

func TestHeartbeatRevivesOfflineNode(t *testing.T) {
	f := newFixture(t)
	node := f.enroll(t)

	f.now = f.now.Add(10 * time.Minute)
	f.reg.SweepStale()
	got, err := f.store.GetNode(node.ID)
	require.NoError(t, err)
	require.Equal(t, types.NodeStatusOffline, got.Status)
	assert.Len(t, f.pub.byType(events.EventNodeOffline), 1)

	updated, err := f.reg.RecordHeartbeat(context.Background(), node.ID, Heartbeat{CPUPercent: 10})
	require.NoError(t, err)
	assert.Equal(t, types.NodeStatusOnline, updated.Status)
	assert.Len(t, f.pub.byType(events.EventNodeOnline), 1)
}

func TestHeartbeatMaintenanceSticky(t *testing.T) {
	f := newFixture(t)
	node := f.enroll(t)
	require.NoError(t, f.reg.EnterMaintenance(context.Background(), operator, "org-a", node.ID))

	// Even a hot heartbeat does not move a node out of maintenance, but its
	// metrics are still recorded.
	updated, err := f.reg.RecordHeartbeat(context.Background(), node.ID, Heartbeat{CPUPercent: 99})
	require.NoError(t, err)
	assert.Equal(t, types.NodeStatusMaintenance, updated.Status)
	assert.Equal(t, 99.0, updated.CPUPercent)
	assert.Empty(t, f.pub.byType(events.EventNodeDegraded))
}

func TestHeartbeatRejections(t *testing.T) {
	f := newFixture(t)
	node := f.enroll(t)
	require.NoError(t, f.reg.Decommission(context.Background(), operator, "org-a", node.ID))

	_, err := f.reg.RecordHeartbeat(context.Background(), node.ID, Heartbeat{})
	assert.True(t, errdefs.IsInvalidState(err))

	// The rejected heartbeat wrote nothing: the node stays decommissioned.
	got, err := f.store.GetNode(node.ID)
	require.NoError(t, err)
	assert.Equal(t, types.NodeStatusDecommissioned, got.Status)
	require.NotNil(t, got.DecommissionedAt)

	_, err = f.reg.RecordHeartbeat(context.Background(), "ghost", Heartbeat{})
	assert.True(t, errdefs.IsNotFound(err))
}

func TestHeartbeatUpdatesWorkloadCount(t *testing.T) {
	f := newFixture(t)
	node := f.enroll(t)

	_, err := f.reg.RecordHeartbeat(context.Background(), node.ID, Heartbeat{ActiveWorkloads: 7})
	require.NoError(t, err)

	nc, err := f.store.GetCapacity(node.ID)
	require.NoError(t, err)
	assert.Equal(t, 7, nc.CurrentWorkloadCount)
}

func TestDecommission(t *testing.T) {
	f := newFixture(t)
	node := f.enroll(t)

	require.NoError(t, f.reg.Decommission(context.Background(), operator, "org-a", node.ID))

	// Certificate revoked alongside.
	certs, err := f.store.ListCertificatesByNode(node.ID)
	require.NoError(t, err)
	require.Len(t, certs, 1)
	assert.True(t, certs[0].IsRevoked)
	assert.Equal(t, ReasonNodeDecommissioned, certs[0].RevocationReason)

	// Decommissioned nodes read as absent.
	_, err = f.reg.GetNode(context.Background(), operator, "org-a", node.ID)
	assert.True(t, errdefs.IsNotFound(err))
	nodes, err := f.reg.ListNodes(context.Background(), operator, "org-a")
	require.NoError(t, err)
	assert.Empty(t, nodes)

	// Idempotent, including when the certificate is already gone.
	assert.NoError(t, f.reg.Decommission(context.Background(), operator, "org-a", node.ID))
}

func TestMaintenanceTransitions(t *testing.T) {
	f := newFixture(t)
	node := f.enroll(t)

	err := f.reg.ExitMaintenance(context.Background(), operator, "org-a", node.ID)
	assert.True(t, errdefs.IsInvalidState(err))

	require.NoError(t, f.reg.EnterMaintenance(context.Background(), operator, "org-a", node.ID))
	err = f.reg.EnterMaintenance(context.Background(), operator, "org-a", node.ID)
	assert.True(t, errdefs.IsInvalidState(err))

	require.NoError(t, f.reg.ExitMaintenance(context.Background(), operator, "org-a", node.ID))
	got, err := f.reg.GetNode(context.Background(), operator, "org-a", node.ID)
	require.NoError(t, err)
	assert.Equal(t, types.NodeStatusOnline, got.Status)
}

func TestTenantIsolation(t *testing.T) {
	f := newFixture(t)
	node := f.enroll(t)
	rival := identity.Principal{Subject: "ops@rival.com", OrgID: "org-b"}

	// Direct mismatch is Forbidden.
	_, err := f.reg.GetNode(context.Background(), rival, "org-a", node.ID)
	assert.True(t, errdefs.IsForbidden(err))

	// A node of another organization reads as absent, not forbidden.
	_, err = f.reg.GetNode(context.Background(), rival, "org-b", node.ID)
	assert.True(t, errdefs.IsNotFound(err))

	nodes, err := f.reg.ListNodes(context.Background(), rival, "org-b")
	require.NoError(t, err)
	assert.Empty(t, nodes)
}

func TestSweepStale(t *testing.T) {
	f := newFixture(t)
	stale := f.enroll(t)

	f.now = f.now.Add(2 * time.Minute)
	fresh := f.enroll(t)

	// Advance so the first node's heartbeat is outside the window and the
	// second node's is inside it.
	_, err := f.reg.RecordHeartbeat(context.Background(), fresh.ID, Heartbeat{})
	require.NoError(t, err)
	f.now = f.now.Add(2*time.Minute + 30*time.Second)

	f.reg.SweepStale()

	got, err := f.store.GetNode(stale.ID)
	require.NoError(t, err)
	assert.Equal(t, types.NodeStatusOffline, got.Status)
	got, err = f.store.GetNode(fresh.ID)
	require.NoError(t, err)
	assert.Equal(t, types.NodeStatusOnline, got.Status)

	// The sweep refreshes the per-status gauge.
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.NodesTotal.WithLabelValues(string(types.NodeStatusOffline))))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.NodesTotal.WithLabelValues(string(types.NodeStatusOnline))))

	// Redundant sweep emits nothing new.
	f.reg.SweepStale()
	assert.Len(t, f.pub.byType(events.EventNodeOffline), 1)
}

func TestUpdateNode(t *testing.T) {
	f := newFixture(t)
	node := f.enroll(t)

	name := "blade3"
	display := "Rack 12 / Blade 3"
	updated, err := f.reg.UpdateNode(context.Background(), operator, "org-a", node.ID, &name, &display)
	require.NoError(t, err)
	assert.Equal(t, "blade3", updated.Name)
	assert.Equal(t, "Rack 12 / Blade 3", updated.DisplayName)

	// Partial update leaves the other field alone.
	display2 := "Blade 3"
	updated, err = f.reg.UpdateNode(context.Background(), operator, "org-a", node.ID, nil, &display2)
	require.NoError(t, err)
	assert.Equal(t, "blade3", updated.Name)
	assert.Equal(t, "Blade 3", updated.DisplayName)
}
