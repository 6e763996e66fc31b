package security

import (
	"context"
	"crypto/x509"
	"encoding/pem"
	"sync"
	"testing"
	"time"

	"github.com/garrisonhq/garrison/pkg/errdefs"
	"github.com/garrisonhq/garrison/pkg/events"
	"github.com/garrisonhq/garrison/pkg/storage"
	"github.com/garrisonhq/garrison/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// capturePublisher records published events for assertions.
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

func newTestCA(t *testing.T) (*CertAuthority, storage.Store, *capturePublisher) {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	keys, err := NewEncryptedKeystore(store, DeriveKeystoreKey("test-passphrase"))
	require.NoError(t, err)

	pub := &capturePublisher{}
	ca := NewCertAuthority(store, keys, pub, 90*24*time.Hour)
	require.NoError(t, ca.EnsureInitialized(context.Background()))
	return ca, store, pub
}

func testNode(id string) *types.Node {
	return &types.Node{ID: id, OrgID: "org-a", Status: types.NodeStatusOnline}
}

// issueFor signs a leaf for the node and persists its record, the way
// enrollment does.
func issueFor(t *testing.T, ca *CertAuthority, store storage.Store, node *types.Node) *IssuedCertificate {
	t.Helper()
	issued, err := ca.SignCertificate(context.Background(), node)
	require.NoError(t, err)
	require.NoError(t, store.CreateCertificate(issued.Record))
	return issued
}

func TestEnsureInitializedPersistsRoot(t *testing.T) {
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	defer store.Close()

	keys, err := NewEncryptedKeystore(store, DeriveKeystoreKey("test-passphrase"))
	require.NoError(t, err)

	first := NewCertAuthority(store, keys, nil, 90*24*time.Hour)
	require.NoError(t, first.EnsureInitialized(context.Background()))
	require.True(t, first.IsInitialized())

	// A second authority over the same keystore loads the same root instead
	// of minting a new one.
	second := NewCertAuthority(store, keys, nil, 90*24*time.Hour)
	require.NoError(t, second.EnsureInitialized(context.Background()))
	assert.Equal(t, first.CACertificatePEM(), second.CACertificatePEM())
}

func TestSignCertificate(t *testing.T) {
	ca, store, pub := newTestCA(t)
	node := testNode("node-1")
	require.NoError(t, store.CreateNode(node))

	issued, err := ca.SignCertificate(context.Background(), node)
	require.NoError(t, err)

	rec := issued.Record
	assert.Equal(t, "node-1", rec.NodeID)
	assert.Len(t, rec.Thumbprint, 64)
	assert.False(t, rec.IsRevoked)
	assert.NotEmpty(t, issued.CertificatePEM)
	assert.NotEmpty(t, issued.PrivateKeyPEM)
	assert.NotEmpty(t, issued.PKCS12Bundle)
	assert.NotEmpty(t, issued.PKCS12Password)

	// The leaf binds the node identity and chains to the root.
	block, _ := pem.Decode(issued.CertificatePEM)
	require.NotNil(t, block)
	leaf, err := x509.ParseCertificate(block.Bytes)
	require.NoError(t, err)
	assert.Equal(t, "node-1", leaf.Subject.CommonName)
	assert.Equal(t, []string{"org-a"}, leaf.Subject.Organization)
	assert.NoError(t, ca.VerifyCertificate(leaf))

	// Signing alone persists and publishes nothing; enrollment commits the
	// record with the node rows.
	_, err = store.ActiveCertificate("node-1")
	assert.True(t, errdefs.IsNotFound(err))
	assert.Empty(t, pub.byType(events.EventCertificateIssued))
}

func TestServerTLSCertificate(t *testing.T) {
	ca, _, _ := newTestCA(t)

	cert, err := ca.ServerTLSCertificate([]string{"garrison.example.com", "127.0.0.1"})
	require.NoError(t, err)
	require.NotNil(t, cert.Leaf)

	assert.Equal(t, "garrison-api", cert.Leaf.Subject.CommonName)
	assert.Contains(t, cert.Leaf.DNSNames, "garrison.example.com")
	require.Len(t, cert.Leaf.IPAddresses, 1)
	assert.Equal(t, "127.0.0.1", cert.Leaf.IPAddresses[0].String())

	// The serving certificate chains to the fleet root.
	_, err = cert.Leaf.Verify(x509.VerifyOptions{
		Roots:     ca.RootCertPool(),
		DNSName:   "garrison.example.com",
		KeyUsages: []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	})
	assert.NoError(t, err)
}

func TestRenewCertificate(t *testing.T) {
	ca, store, pub := newTestCA(t)
	node := testNode("node-1")
	require.NoError(t, store.CreateNode(node))

	initial := issueFor(t, ca, store, node)

	renewed, err := ca.RenewCertificate(context.Background(), "node-1", "node-1", initial.Record.Thumbprint)
	require.NoError(t, err)
	assert.NotEqual(t, initial.Record.Thumbprint, renewed.Record.Thumbprint)

	// Exactly one active certificate, and it is the replacement.
	active, err := store.ActiveCertificate("node-1")
	require.NoError(t, err)
	assert.Equal(t, renewed.Record.ID, active.ID)

	old, err := store.GetCertificate(initial.Record.ID)
	require.NoError(t, err)
	assert.True(t, old.IsRevoked)
	assert.Equal(t, ReasonSupersededByRenewal, old.RevocationReason)

	// One issuance, one revocation, one renewal marker, all from the renewal.
	assert.Len(t, pub.byType(events.EventCertificateIssued), 1)
	assert.Len(t, pub.byType(events.EventCertificateRevoked), 1)
	assert.Len(t, pub.byType(events.EventCertificateRenewed), 1)
}

func TestRenewCertificateRejections(t *testing.T) {
	ca, store, _ := newTestCA(t)
	node := testNode("node-1")
	require.NoError(t, store.CreateNode(node))

	issued := issueFor(t, ca, store, node)

	t.Run("caller must be the node itself", func(t *testing.T) {
		_, err := ca.RenewCertificate(context.Background(), "node-2", "node-1", issued.Record.Thumbprint)
		assert.True(t, errdefs.IsForbidden(err))
	})

	t.Run("stale thumbprint", func(t *testing.T) {
		_, err := ca.RenewCertificate(context.Background(), "node-1", "node-1", "ffff")
		assert.True(t, errdefs.IsUnauthorized(err))
	})

	t.Run("unknown node", func(t *testing.T) {
		_, err := ca.RenewCertificate(context.Background(), "ghost", "ghost", issued.Record.Thumbprint)
		assert.True(t, errdefs.IsNotFound(err))
	})

	t.Run("no active certificate", func(t *testing.T) {
		bare := testNode("node-bare")
		require.NoError(t, store.CreateNode(bare))
		_, err := ca.RenewCertificate(context.Background(), "node-bare", "node-bare", "aaaa")
		assert.True(t, errdefs.IsUnauthorized(err))
	})
}

func TestRevokeCertificate(t *testing.T) {
	ca, store, pub := newTestCA(t)
	node := testNode("node-1")
	require.NoError(t, store.CreateNode(node))

	issued := issueFor(t, ca, store, node)

	require.NoError(t, ca.RevokeCertificate(context.Background(), "node-1", "node decommissioned"))

	rec, err := store.GetCertificate(issued.Record.ID)
	require.NoError(t, err)
	assert.True(t, rec.IsRevoked)
	assert.Equal(t, "node decommissioned", rec.RevocationReason)
	assert.Len(t, pub.byType(events.EventCertificateRevoked), 1)

	// Nothing left to revoke.
	err = ca.RevokeCertificate(context.Background(), "node-1", "node decommissioned")
	assert.True(t, errdefs.IsNotFound(err))
}

func TestEncryptedKeystoreRoundTrip(t *testing.T) {
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	defer store.Close()

	keys, err := NewEncryptedKeystore(store, DeriveKeystoreKey("test-passphrase"))
	require.NoError(t, err)

	plaintext := []byte("signing key material")
	require.NoError(t, keys.Put(context.Background(), "entry", plaintext))

	got, err := keys.Get(context.Background(), "entry")
	require.NoError(t, err)
	assert.Equal(t, plaintext, got)

	// The stored bytes are ciphertext, not the plaintext.
	raw, err := store.GetKeystoreEntry("entry")
	require.NoError(t, err)
	assert.NotEqual(t, plaintext, raw)

	// A keystore with the wrong passphrase cannot read the entry.
	wrong, err := NewEncryptedKeystore(store, DeriveKeystoreKey("other-passphrase"))
	require.NoError(t, err)
	_, err = wrong.Get(context.Background(), "entry")
	assert.Error(t, err)
}
