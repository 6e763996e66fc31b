package security

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/hex"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"math/big"
	"net"
	"sync"
	"time"

	"github.com/garrisonhq/garrison/pkg/errdefs"
	"github.com/garrisonhq/garrison/pkg/events"
	"github.com/garrisonhq/garrison/pkg/metrics"
	"github.com/garrisonhq/garrison/pkg/storage"
	"github.com/garrisonhq/garrison/pkg/types"
	"github.com/google/uuid"
	pkcs12 "software.sslmate.com/src/go-pkcs12"
)

const (
	// Root CA validity: 10 years
	rootCAValidity = 10 * 365 * 24 * time.Hour
	// Root CA key size: 4096 bits (long-lived, high security)
	rootKeySize = 4096
	// Node key size: 2048 bits (shorter-lived, faster)
	nodeKeySize = 2048

	// Keystore entry holding the serialized root material.
	keystoreEntryCA = "ca_signing_key"
)

// ReasonSupersededByRenewal is recorded on a certificate revoked because the
// node renewed it.
const ReasonSupersededByRenewal = "superseded by renewal"

// CertAuthority issues and revokes per-node leaf certificates. The signing
// key lives in the keystore; certificate records live in the store.
type CertAuthority struct {
	store  storage.Store
	keys   Keystore
	broker events.Publisher

	nodeCertValidity time.Duration
	now              func() time.Time

	mu       sync.RWMutex
	rootCert *x509.Certificate
	rootKey  *rsa.PrivateKey

	// renewMu serializes renewals per node so that a node can never end up
	// with zero or two valid certificates.
	renewMu   sync.Mutex
	nodeLocks map[string]*sync.Mutex
}

// caData is the keystore serialization of the root material.
type caData struct {
	RootCertDER []byte
	RootKeyDER  []byte
}

// IssuedCertificate is what an agent receives when a certificate is issued or
// renewed: the record, PEM material, and an installable PKCS12 bundle with a
// one-time password.
type IssuedCertificate struct {
	Record         *types.AgentCertificate
	CertificatePEM []byte
	PrivateKeyPEM  []byte
	PKCS12Bundle   []byte
	PKCS12Password string
}

// NewCertAuthority creates a certificate authority.
func NewCertAuthority(store storage.Store, keys Keystore, broker events.Publisher, nodeCertValidity time.Duration) *CertAuthority {
	return &CertAuthority{
		store:            store,
		keys:             keys,
		broker:           broker,
		nodeCertValidity: nodeCertValidity,
		now:              time.Now,
		nodeLocks:        make(map[string]*sync.Mutex),
	}
}

// SetClock overrides the authority's clock. Tests only.
func (ca *CertAuthority) SetClock(now func() time.Time) { ca.now = now }

// EnsureInitialized loads the root material from the keystore, generating and
// persisting a fresh root CA on first run.
func (ca *CertAuthority) EnsureInitialized(ctx context.Context) error {
	if err := ca.Load(ctx); err == nil {
		return nil
	} else if !errdefs.IsNotFound(err) {
		return err
	}
	if err := ca.Initialize(); err != nil {
		return err
	}
	return ca.Save(ctx)
}

// Initialize generates a new root CA certificate
func (ca *CertAuthority) Initialize() error {
	ca.mu.Lock()
	defer ca.mu.Unlock()

	rootKey, err := rsa.GenerateKey(rand.Reader, rootKeySize)
	if err != nil {
		return fmt.Errorf("failed to generate root key: %w", err)
	}

	serialNumber, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return fmt.Errorf("failed to generate serial number: %w", err)
	}

	now := ca.now()
	template := &x509.Certificate{
		SerialNumber: serialNumber,
		Subject: pkix.Name{
			Organization: []string{"Garrison Fleet"},
			CommonName:   "Garrison Root CA",
		},
		NotBefore:             now,
		NotAfter:              now.Add(rootCAValidity),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
		IsCA:                  true,
		BasicConstraintsValid: true,
		MaxPathLen:            1,
		MaxPathLenZero:        false,
	}

	certDER, err := x509.CreateCertificate(rand.Reader, template, template, &rootKey.PublicKey, rootKey)
	if err != nil {
		return fmt.Errorf("failed to create root certificate: %w", err)
	}

	rootCert, err := x509.ParseCertificate(certDER)
	if err != nil {
		return fmt.Errorf("failed to parse root certificate: %w", err)
	}

	ca.rootCert = rootCert
	ca.rootKey = rootKey
	return nil
}

// Load restores the root material from the keystore.
func (ca *CertAuthority) Load(ctx context.Context) error {
	ca.mu.Lock()
	defer ca.mu.Unlock()

	data, err := ca.keys.Get(ctx, keystoreEntryCA)
	if err != nil {
		return err
	}

	var cd caData
	if err := json.Unmarshal(data, &cd); err != nil {
		return fmt.Errorf("failed to unmarshal CA data: %w", err)
	}

	rootCert, err := x509.ParseCertificate(cd.RootCertDER)
	if err != nil {
		return fmt.Errorf("failed to parse root certificate: %w", err)
	}
	rootKey, err := x509.ParsePKCS1PrivateKey(cd.RootKeyDER)
	if err != nil {
		return fmt.Errorf("failed to parse root key: %w", err)
	}

	ca.rootCert = rootCert
	ca.rootKey = rootKey
	return nil
}

// Save persists the root material to the keystore.
func (ca *CertAuthority) Save(ctx context.Context) error {
	ca.mu.RLock()
	defer ca.mu.RUnlock()

	if ca.rootCert == nil || ca.rootKey == nil {
		return fmt.Errorf("CA not initialized")
	}

	data, err := json.Marshal(caData{
		RootCertDER: ca.rootCert.Raw,
		RootKeyDER:  x509.MarshalPKCS1PrivateKey(ca.rootKey),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal CA data: %w", err)
	}
	return ca.keys.Put(ctx, keystoreEntryCA, data)
}

// IsInitialized returns true if the CA holds root material.
func (ca *CertAuthority) IsInitialized() bool {
	ca.mu.RLock()
	defer ca.mu.RUnlock()
	return ca.rootCert != nil && ca.rootKey != nil
}

// CACertificatePEM returns the CA's own certificate so agents can pin it.
// Public, no authentication required.
func (ca *CertAuthority) CACertificatePEM() []byte {
	ca.mu.RLock()
	defer ca.mu.RUnlock()

	if ca.rootCert == nil {
		return nil
	}
	return pem.EncodeToMemory(&pem.Block{
		Type:  "CERTIFICATE",
		Bytes: ca.rootCert.Raw,
	})
}

// SignCertificate generates a key pair and signs the initial leaf certificate
// for a node during enrollment. Nothing is persisted or published here: the
// registry commits the record together with the node rows in one transaction,
// so a failed enrollment leaves no certificate behind.
func (ca *CertAuthority) SignCertificate(ctx context.Context, node *types.Node) (*IssuedCertificate, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return ca.newLeaf(node)
}

// RenewCertificate rotates a node's leaf certificate. The caller must be
// authenticated as exactly nodeID and present the thumbprint of its active
// certificate. The old certificate stays valid until the replacement is
// durably issued; the swap itself is a single transaction.
func (ca *CertAuthority) RenewCertificate(ctx context.Context, callerNodeID, nodeID, presentedThumbprint string) (*IssuedCertificate, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if callerNodeID != nodeID {
		return nil, errdefs.Forbiddenf("certificate identity %s does not match node %s", callerNodeID, nodeID)
	}

	node, err := ca.store.GetNode(nodeID)
	if err != nil {
		return nil, err
	}

	lock := ca.lockFor(nodeID)
	lock.Lock()
	defer lock.Unlock()

	active, err := ca.store.ActiveCertificate(nodeID)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return nil, errdefs.Unauthorizedf("node %s has no active certificate", nodeID)
		}
		return nil, errdefs.Internal(err)
	}
	if active.Thumbprint != presentedThumbprint {
		return nil, errdefs.Unauthorizedf("certificate thumbprint mismatch")
	}

	issued, err := ca.newLeaf(node)
	if err != nil {
		return nil, err
	}
	// Issue-then-revoke in one committed unit. A failure here leaves the old
	// certificate fully valid and the caller retries the whole renewal.
	if err := ca.store.SwapCertificate(nodeID, presentedThumbprint, issued.Record, ReasonSupersededByRenewal, ca.now()); err != nil {
		if errdefs.IsUnauthorized(err) || errdefs.IsNotFound(err) {
			return nil, err
		}
		return nil, errdefs.Internal(err)
	}

	ca.publish(events.EventCertificateIssued, node, issued.Record, "agent certificate issued")
	ca.publish(events.EventCertificateRevoked, node, active, ReasonSupersededByRenewal)
	ca.publish(events.EventCertificateRenewed, node, issued.Record, "agent certificate renewed")
	metrics.CertificatesIssued.Inc()
	metrics.CertificatesRevoked.Inc()
	metrics.CertificatesRenewed.Inc()
	return issued, nil
}

// RevokeCertificate revokes a node's active certificate outside the renewal
// path, e.g. on decommissioning.
func (ca *CertAuthority) RevokeCertificate(ctx context.Context, nodeID, reason string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	node, err := ca.store.GetNode(nodeID)
	if err != nil {
		return err
	}

	revoked, err := ca.store.RevokeActiveCertificate(nodeID, reason, ca.now())
	if err != nil {
		if errdefs.IsNotFound(err) {
			return err
		}
		return errdefs.Internal(err)
	}

	ca.publish(events.EventCertificateRevoked, node, revoked, reason)
	metrics.CertificatesRevoked.Inc()
	return nil
}

// ListCertificates returns all certificate records for a node, for audit.
func (ca *CertAuthority) ListCertificates(ctx context.Context, nodeID string) ([]*types.AgentCertificate, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return ca.store.ListCertificatesByNode(nodeID)
}

// newLeaf generates a key pair and signs a leaf certificate binding the node
// identity. Nothing is persisted or published here.
func (ca *CertAuthority) newLeaf(node *types.Node) (*IssuedCertificate, error) {
	ca.mu.RLock()
	defer ca.mu.RUnlock()

	if ca.rootCert == nil || ca.rootKey == nil {
		return nil, errdefs.Internalf("CA not initialized")
	}

	nodeKey, err := rsa.GenerateKey(rand.Reader, nodeKeySize)
	if err != nil {
		return nil, errdefs.Internalf("failed to generate node key: %v", err)
	}

	serialNumber, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, errdefs.Internalf("failed to generate serial number: %v", err)
	}

	now := ca.now()
	template := &x509.Certificate{
		SerialNumber: serialNumber,
		Subject: pkix.Name{
			Organization: []string{node.OrgID},
			CommonName:   node.ID,
		},
		NotBefore:   now,
		NotAfter:    now.Add(ca.nodeCertValidity),
		KeyUsage:    x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage: []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
	}

	certDER, err := x509.CreateCertificate(rand.Reader, template, ca.rootCert, &nodeKey.PublicKey, ca.rootKey)
	if err != nil {
		return nil, errdefs.Internalf("failed to create node certificate: %v", err)
	}

	leaf, err := x509.ParseCertificate(certDER)
	if err != nil {
		return nil, errdefs.Internalf("failed to parse node certificate: %v", err)
	}

	thumb := sha256.Sum256(certDER)

	password, err := oneTimePassword()
	if err != nil {
		return nil, errdefs.Internal(err)
	}
	bundle, err := pkcs12.Modern.Encode(nodeKey, leaf, []*x509.Certificate{ca.rootCert}, password)
	if err != nil {
		return nil, errdefs.Internalf("failed to build PKCS12 bundle: %v", err)
	}

	record := &types.AgentCertificate{
		ID:           uuid.New().String(),
		NodeID:       node.ID,
		Thumbprint:   hex.EncodeToString(thumb[:]),
		SerialNumber: serialNumber.String(),
		NotBefore:    leaf.NotBefore,
		NotAfter:     leaf.NotAfter,
		IssuedAt:     now,
	}

	return &IssuedCertificate{
		Record: record,
		CertificatePEM: pem.EncodeToMemory(&pem.Block{
			Type:  "CERTIFICATE",
			Bytes: certDER,
		}),
		PrivateKeyPEM: pem.EncodeToMemory(&pem.Block{
			Type:  "RSA PRIVATE KEY",
			Bytes: x509.MarshalPKCS1PrivateKey(nodeKey),
		}),
		PKCS12Bundle:   bundle,
		PKCS12Password: password,
	}, nil
}

// VerifyCertificate verifies a presented client certificate against the root.
func (ca *CertAuthority) VerifyCertificate(cert *x509.Certificate) error {
	ca.mu.RLock()
	defer ca.mu.RUnlock()

	if ca.rootCert == nil {
		return fmt.Errorf("CA not initialized")
	}

	roots := x509.NewCertPool()
	roots.AddCert(ca.rootCert)

	opts := x509.VerifyOptions{
		Roots:     roots,
		KeyUsages: []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
	}
	if _, err := cert.Verify(opts); err != nil {
		return fmt.Errorf("certificate verification failed: %w", err)
	}
	return nil
}

// ServerTLSCertificate issues a serving certificate for the API listener,
// signed by the fleet root, so enrolled agents can verify the control plane
// against the pinned CA certificate. hosts lists the DNS names and IP
// addresses the listener answers on.
func (ca *CertAuthority) ServerTLSCertificate(hosts []string) (tls.Certificate, error) {
	ca.mu.RLock()
	defer ca.mu.RUnlock()

	if ca.rootCert == nil || ca.rootKey == nil {
		return tls.Certificate{}, errdefs.Internalf("CA not initialized")
	}

	key, err := rsa.GenerateKey(rand.Reader, nodeKeySize)
	if err != nil {
		return tls.Certificate{}, errdefs.Internalf("failed to generate server key: %v", err)
	}

	serialNumber, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return tls.Certificate{}, errdefs.Internalf("failed to generate serial number: %v", err)
	}

	now := ca.now()
	template := &x509.Certificate{
		SerialNumber: serialNumber,
		Subject: pkix.Name{
			Organization: []string{"Garrison Fleet"},
			CommonName:   "garrison-api",
		},
		NotBefore:   now,
		NotAfter:    now.Add(ca.nodeCertValidity),
		KeyUsage:    x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage: []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	for _, h := range hosts {
		if ip := net.ParseIP(h); ip != nil {
			template.IPAddresses = append(template.IPAddresses, ip)
		} else if h != "" {
			template.DNSNames = append(template.DNSNames, h)
		}
	}

	certDER, err := x509.CreateCertificate(rand.Reader, template, ca.rootCert, &key.PublicKey, ca.rootKey)
	if err != nil {
		return tls.Certificate{}, errdefs.Internalf("failed to create server certificate: %v", err)
	}
	leaf, err := x509.ParseCertificate(certDER)
	if err != nil {
		return tls.Certificate{}, errdefs.Internalf("failed to parse server certificate: %v", err)
	}

	return tls.Certificate{
		Certificate: [][]byte{certDER},
		PrivateKey:  key,
		Leaf:        leaf,
	}, nil
}

// RootCertPool returns a pool containing the root certificate, for mTLS
// listener configuration.
func (ca *CertAuthority) RootCertPool() *x509.CertPool {
	ca.mu.RLock()
	defer ca.mu.RUnlock()

	pool := x509.NewCertPool()
	if ca.rootCert != nil {
		pool.AddCert(ca.rootCert)
	}
	return pool
}

func (ca *CertAuthority) lockFor(nodeID string) *sync.Mutex {
	ca.renewMu.Lock()
	defer ca.renewMu.Unlock()

	lock, ok := ca.nodeLocks[nodeID]
	if !ok {
		lock = &sync.Mutex{}
		ca.nodeLocks[nodeID] = lock
	}
	return lock
}

func (ca *CertAuthority) publish(t events.EventType, node *types.Node, cert *types.AgentCertificate, msg string) {
	if ca.broker == nil {
		return
	}
	ca.broker.Publish(&events.Event{
		ID:        uuid.New().String(),
		Type:      t,
		OrgID:     node.OrgID,
		NodeID:    node.ID,
		Timestamp: ca.now(),
		Message:   msg,
		Metadata: map[string]string{
			"thumbprint": cert.Thumbprint,
			"serial":     cert.SerialNumber,
		},
	})
}

func oneTimePassword() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate bundle password: %w", err)
	}
	return hex.EncodeToString(buf), nil
}
