package storage

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	"github.com/garrisonhq/garrison/pkg/errdefs"
	"github.com/garrisonhq/garrison/pkg/types"
	bolt "go.etcd.io/bbolt"
)

var (
	// Bucket names
	bucketTokens       = []byte("enrollment_tokens")
	bucketTokenDigests = []byte("enrollment_token_digests")
	bucketNodes        = []byte("nodes")
	bucketInventories  = []byte("hardware_inventories")
	bucketCertificates = []byte("agent_certificates")
	bucketCapacities   = []byte("node_capacities")
	bucketReservations = []byte("reservations")
	bucketKeystore     = []byte("keystore")
)

const mib = int64(1 << 20)

// BoltStore implements Store using BoltDB. Bolt serializes write
// transactions, which is what makes the conditional-update methods atomic:
// the precondition check and the mutation commit together or not at all.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore creates a new BoltDB-backed store
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "garrison.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		buckets := [][]byte{
			bucketTokens,
			bucketTokenDigests,
			bucketNodes,
			bucketInventories,
			bucketCertificates,
			bucketCapacities,
			bucketReservations,
			bucketKeystore,
		}

		for _, bucket := range buckets {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})

	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

// Close closes the database
func (s *BoltStore) Close() error {
	return s.db.Close()
}

func putJSON(b *bolt.Bucket, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return b.Put([]byte(key), data)
}

// Enrollment token operations

func (s *BoltStore) CreateToken(token *types.EnrollmentToken) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := putJSON(tx.Bucket(bucketTokens), token.ID, token); err != nil {
			return err
		}
		// Digest index lets consumption look the token up without scanning.
		return tx.Bucket(bucketTokenDigests).Put([]byte(token.SecretDigest), []byte(token.ID))
	})
}

func (s *BoltStore) GetToken(id string) (*types.EnrollmentToken, error) {
	var token types.EnrollmentToken
	err := s.db.View(func(tx *bolt.Tx) error {
		return getToken(tx, id, &token)
	})
	if err != nil {
		return nil, err
	}
	return &token, nil
}

func getToken(tx *bolt.Tx, id string, token *types.EnrollmentToken) error {
	data := tx.Bucket(bucketTokens).Get([]byte(id))
	if data == nil {
		return errdefs.NotFoundf("enrollment token %s", id)
	}
	return json.Unmarshal(data, token)
}

func (s *BoltStore) GetTokenByDigest(digest string) (*types.EnrollmentToken, error) {
	var token types.EnrollmentToken
	err := s.db.View(func(tx *bolt.Tx) error {
		id := tx.Bucket(bucketTokenDigests).Get([]byte(digest))
		if id == nil {
			return errdefs.NotFoundf("enrollment token")
		}
		return getToken(tx, string(id), &token)
	})
	if err != nil {
		return nil, err
	}
	return &token, nil
}

func (s *BoltStore) ListTokensByOrg(orgID string) ([]*types.EnrollmentToken, error) {
	var tokens []*types.EnrollmentToken
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketTokens).ForEach(func(k, v []byte) error {
			var token types.EnrollmentToken
			if err := json.Unmarshal(v, &token); err != nil {
				return err
			}
			if token.OrgID == orgID {
				tokens = append(tokens, &token)
			}
			return nil
		})
	})
	return tokens, err
}

func (s *BoltStore) ConsumeToken(id, nodeID string, now time.Time) (*types.EnrollmentToken, error) {
	var token types.EnrollmentToken
	err := s.db.Update(func(tx *bolt.Tx) error {
		if err := getToken(tx, id, &token); err != nil {
			return err
		}
		switch {
		case token.RevokedAt != nil:
			return errdefs.Unauthorizedf("enrollment token revoked")
		case token.ConsumedAt != nil:
			return errdefs.Unauthorizedf("enrollment token already consumed")
		case !now.Before(token.ExpiresAt):
			return errdefs.Unauthorizedf("enrollment token expired")
		}
		consumed := now
		token.ConsumedAt = &consumed
		token.ConsumedByNodeID = nodeID
		return putJSON(tx.Bucket(bucketTokens), token.ID, &token)
	})
	if err != nil {
		return nil, err
	}
	return &token, nil
}

func (s *BoltStore) RevokeToken(id string, now time.Time) (bool, error) {
	changed := false
	err := s.db.Update(func(tx *bolt.Tx) error {
		var token types.EnrollmentToken
		if err := getToken(tx, id, &token); err != nil {
			return err
		}
		if token.RevokedAt != nil {
			return nil
		}
		revoked := now
		token.RevokedAt = &revoked
		changed = true
		return putJSON(tx.Bucket(bucketTokens), token.ID, &token)
	})
	return changed, err
}

// Node operations

func (s *BoltStore) CreateNode(node *types.Node) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return putJSON(tx.Bucket(bucketNodes), node.ID, node)
	})
}

func (s *BoltStore) GetNode(id string) (*types.Node, error) {
	var node types.Node
	err := s.db.View(func(tx *bolt.Tx) error {
		return getNode(tx, id, &node)
	})
	if err != nil {
		return nil, err
	}
	return &node, nil
}

func getNode(tx *bolt.Tx, id string, node *types.Node) error {
	data := tx.Bucket(bucketNodes).Get([]byte(id))
	if data == nil {
		return errdefs.NotFoundf("node %s", id)
	}
	return json.Unmarshal(data, node)
}

func (s *BoltStore) ListNodes() ([]*types.Node, error) {
	var nodes []*types.Node
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketNodes).ForEach(func(k, v []byte) error {
			var node types.Node
			if err := json.Unmarshal(v, &node); err != nil {
				return err
			}
			nodes = append(nodes, &node)
			return nil
		})
	})
	return nodes, err
}

func (s *BoltStore) ListNodesByOrg(orgID string) ([]*types.Node, error) {
	nodes, err := s.ListNodes()
	if err != nil {
		return nil, err
	}

	var filtered []*types.Node
	for _, node := range nodes {
		if node.OrgID == orgID {
			filtered = append(filtered, node)
		}
	}
	return filtered, nil
}

func (s *BoltStore) CreateEnrollment(node *types.Node, inv *types.HardwareInventory, nc *types.NodeCapacity, cert *types.AgentCertificate) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := putJSON(tx.Bucket(bucketNodes), node.ID, node); err != nil {
			return err
		}
		if err := putJSON(tx.Bucket(bucketInventories), inv.NodeID, inv); err != nil {
			return err
		}
		if err := putJSON(tx.Bucket(bucketCapacities), nc.NodeID, nc); err != nil {
			return err
		}
		return putJSON(tx.Bucket(bucketCertificates), cert.ID, cert)
	})
}

func (s *BoltStore) MutateNode(id string, fn func(node *types.Node) (bool, error)) (*types.Node, error) {
	var node types.Node
	err := s.db.Update(func(tx *bolt.Tx) error {
		if err := getNode(tx, id, &node); err != nil {
			return err
		}
		write, err := fn(&node)
		if err != nil || !write {
			return err
		}
		return putJSON(tx.Bucket(bucketNodes), node.ID, &node)
	})
	if err != nil {
		return nil, err
	}
	return &node, nil
}

func (s *BoltStore) MarkNodeOffline(id string, staleBefore time.Time) (bool, error) {
	changed := false
	err := s.db.Update(func(tx *bolt.Tx) error {
		var node types.Node
		if err := getNode(tx, id, &node); err != nil {
			return err
		}
		if node.Status != types.NodeStatusOnline && node.Status != types.NodeStatusDegraded {
			return nil
		}
		if !node.LastHeartbeatAt.Before(staleBefore) {
			return nil
		}
		node.Status = types.NodeStatusOffline
		node.UpdatedAt = staleBefore
		changed = true
		return putJSON(tx.Bucket(bucketNodes), node.ID, &node)
	})
	return changed, err
}

// Hardware inventory operations

func (s *BoltStore) PutInventory(inv *types.HardwareInventory) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return putJSON(tx.Bucket(bucketInventories), inv.NodeID, inv)
	})
}

func (s *BoltStore) GetInventory(nodeID string) (*types.HardwareInventory, error) {
	var inv types.HardwareInventory
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketInventories).Get([]byte(nodeID))
		if data == nil {
			return errdefs.NotFoundf("hardware inventory for node %s", nodeID)
		}
		return json.Unmarshal(data, &inv)
	})
	if err != nil {
		return nil, err
	}
	return &inv, nil
}

// Agent certificate operations

func (s *BoltStore) CreateCertificate(cert *types.AgentCertificate) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return putJSON(tx.Bucket(bucketCertificates), cert.ID, cert)
	})
}

func (s *BoltStore) GetCertificate(id string) (*types.AgentCertificate, error) {
	var cert types.AgentCertificate
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketCertificates).Get([]byte(id))
		if data == nil {
			return errdefs.NotFoundf("certificate %s", id)
		}
		return json.Unmarshal(data, &cert)
	})
	if err != nil {
		return nil, err
	}
	return &cert, nil
}

func (s *BoltStore) ListCertificatesByNode(nodeID string) ([]*types.AgentCertificate, error) {
	var certs []*types.AgentCertificate
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketCertificates).ForEach(func(k, v []byte) error {
			var cert types.AgentCertificate
			if err := json.Unmarshal(v, &cert); err != nil {
				return err
			}
			if cert.NodeID == nodeID {
				certs = append(certs, &cert)
			}
			return nil
		})
	})
	return certs, err
}

func (s *BoltStore) ActiveCertificate(nodeID string) (*types.AgentCertificate, error) {
	var active *types.AgentCertificate
	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		active, err = activeCertificate(tx, nodeID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return active, nil
}

func activeCertificate(tx *bolt.Tx, nodeID string) (*types.AgentCertificate, error) {
	var active *types.AgentCertificate
	err := tx.Bucket(bucketCertificates).ForEach(func(k, v []byte) error {
		var cert types.AgentCertificate
		if err := json.Unmarshal(v, &cert); err != nil {
			return err
		}
		if cert.NodeID == nodeID && !cert.IsRevoked {
			active = &cert
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if active == nil {
		return nil, errdefs.NotFoundf("active certificate for node %s", nodeID)
	}
	return active, nil
}

func (s *BoltStore) SwapCertificate(nodeID, oldThumbprint string, replacement *types.AgentCertificate, reason string, now time.Time) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		active, err := activeCertificate(tx, nodeID)
		if err != nil {
			return err
		}
		if active.Thumbprint != oldThumbprint {
			// A concurrent renewal won; this caller retries with the new
			// thumbprint. No row is written.
			return errdefs.Unauthorizedf("certificate thumbprint mismatch")
		}
		b := tx.Bucket(bucketCertificates)
		if err := putJSON(b, replacement.ID, replacement); err != nil {
			return err
		}
		revoked := now
		active.IsRevoked = true
		active.RevokedAt = &revoked
		active.RevocationReason = reason
		return putJSON(b, active.ID, active)
	})
}

func (s *BoltStore) RevokeActiveCertificate(nodeID, reason string, now time.Time) (*types.AgentCertificate, error) {
	var revokedCert *types.AgentCertificate
	err := s.db.Update(func(tx *bolt.Tx) error {
		active, err := activeCertificate(tx, nodeID)
		if err != nil {
			return err
		}
		revoked := now
		active.IsRevoked = true
		active.RevokedAt = &revoked
		active.RevocationReason = reason
		revokedCert = active
		return putJSON(tx.Bucket(bucketCertificates), active.ID, active)
	})
	if err != nil {
		return nil, err
	}
	return revokedCert, nil
}

// Capacity operations

func (s *BoltStore) PutCapacity(nc *types.NodeCapacity) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return putJSON(tx.Bucket(bucketCapacities), nc.NodeID, nc)
	})
}

func (s *BoltStore) GetCapacity(nodeID string) (*types.NodeCapacity, error) {
	var nc types.NodeCapacity
	err := s.db.View(func(tx *bolt.Tx) error {
		return getCapacity(tx, nodeID, &nc)
	})
	if err != nil {
		return nil, err
	}
	return &nc, nil
}

func getCapacity(tx *bolt.Tx, nodeID string, nc *types.NodeCapacity) error {
	data := tx.Bucket(bucketCapacities).Get([]byte(nodeID))
	if data == nil {
		return errdefs.NotFoundf("capacity for node %s", nodeID)
	}
	return json.Unmarshal(data, nc)
}

func (s *BoltStore) UpdateWorkloadCount(nodeID string, count int, now time.Time) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		var nc types.NodeCapacity
		if err := getCapacity(tx, nodeID, &nc); err != nil {
			return err
		}
		nc.CurrentWorkloadCount = count
		nc.UpdatedAt = now
		return putJSON(tx.Bucket(bucketCapacities), nc.NodeID, &nc)
	})
}

// Reservation operations

func (s *BoltStore) CreateReservation(res *types.Reservation) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		var nc types.NodeCapacity
		if err := getCapacity(tx, res.NodeID, &nc); err != nil {
			return err
		}
		memBytes := res.MemoryMB * mib
		diskBytes := res.DiskMB * mib
		if memBytes > nc.AvailableMemoryBytes || diskBytes > nc.AvailableDiskBytes {
			return errdefs.ResourceExhaustedf(
				"node %s: requested %d MB memory / %d MB disk, available %d MB / %d MB",
				res.NodeID, res.MemoryMB, res.DiskMB,
				nc.AvailableMemoryBytes/mib, nc.AvailableDiskBytes/mib)
		}
		nc.AvailableMemoryBytes -= memBytes
		nc.AvailableDiskBytes -= diskBytes
		nc.UpdatedAt = res.CreatedAt
		if err := putJSON(tx.Bucket(bucketCapacities), nc.NodeID, &nc); err != nil {
			return err
		}
		return putJSON(tx.Bucket(bucketReservations), res.Token, res)
	})
}

func (s *BoltStore) GetReservation(token string) (*types.Reservation, error) {
	var res types.Reservation
	err := s.db.View(func(tx *bolt.Tx) error {
		return getReservation(tx, token, &res)
	})
	if err != nil {
		return nil, err
	}
	return &res, nil
}

func getReservation(tx *bolt.Tx, token string, res *types.Reservation) error {
	data := tx.Bucket(bucketReservations).Get([]byte(token))
	if data == nil {
		return errdefs.NotFoundf("reservation %s", token)
	}
	return json.Unmarshal(data, res)
}

func (s *BoltStore) ListReservationsByNode(nodeID string) ([]*types.Reservation, error) {
	var reservations []*types.Reservation
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketReservations).ForEach(func(k, v []byte) error {
			var res types.Reservation
			if err := json.Unmarshal(v, &res); err != nil {
				return err
			}
			if res.NodeID == nodeID {
				reservations = append(reservations, &res)
			}
			return nil
		})
	})
	return reservations, err
}

func (s *BoltStore) ClaimReservation(token, workloadID string, now time.Time) (*types.Reservation, error) {
	var res types.Reservation
	err := s.db.Update(func(tx *bolt.Tx) error {
		if err := getReservation(tx, token, &res); err != nil {
			return err
		}
		switch res.Status {
		case types.ReservationPending:
			if !now.Before(res.ExpiresAt) {
				// An expired pending reservation is indistinguishable from an
				// unknown one to the scheduler; the sweep collects it.
				return errdefs.NotFoundf("reservation %s expired", token)
			}
		case types.ReservationExpired:
			return errdefs.NotFoundf("reservation %s expired", token)
		default:
			return errdefs.InvalidStatef("reservation %s already %s", token, res.Status)
		}
		claimed := now
		res.Status = types.ReservationClaimed
		res.WorkloadID = workloadID
		res.ClaimedAt = &claimed
		return putJSON(tx.Bucket(bucketReservations), res.Token, &res)
	})
	if err != nil {
		return nil, err
	}
	return &res, nil
}

func (s *BoltStore) ReleaseReservation(token, reason string, now time.Time) (*types.Reservation, bool, error) {
	var res types.Reservation
	changed := false
	err := s.db.Update(func(tx *bolt.Tx) error {
		if err := getReservation(tx, token, &res); err != nil {
			return err
		}
		if !res.Status.Active() {
			return nil // already terminal, resources already returned
		}
		released := now
		res.Status = types.ReservationReleased
		res.ReleasedAt = &released
		res.ReleaseReason = reason
		if err := putJSON(tx.Bucket(bucketReservations), res.Token, &res); err != nil {
			return err
		}
		changed = true
		return returnCapacity(tx, &res, now)
	})
	if err != nil {
		return nil, false, err
	}
	return &res, changed, nil
}

func (s *BoltStore) ExpireReservations(now time.Time) ([]*types.Reservation, error) {
	var expired []*types.Reservation
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketReservations)
		var pending []*types.Reservation
		err := b.ForEach(func(k, v []byte) error {
			var res types.Reservation
			if err := json.Unmarshal(v, &res); err != nil {
				return err
			}
			if res.Status == types.ReservationPending && !now.Before(res.ExpiresAt) {
				pending = append(pending, &res)
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, res := range pending {
			res.Status = types.ReservationExpired
			released := now
			res.ReleasedAt = &released
			if err := putJSON(b, res.Token, res); err != nil {
				return err
			}
			if err := returnCapacity(tx, res, now); err != nil {
				return err
			}
			expired = append(expired, res)
		}
		return nil
	})
	return expired, err
}

// returnCapacity adds a reservation's held resources back to the node pool.
func returnCapacity(tx *bolt.Tx, res *types.Reservation, now time.Time) error {
	var nc types.NodeCapacity
	if err := getCapacity(tx, res.NodeID, &nc); err != nil {
		return err
	}
	nc.AvailableMemoryBytes += res.MemoryMB * mib
	nc.AvailableDiskBytes += res.DiskMB * mib
	nc.UpdatedAt = now
	return putJSON(tx.Bucket(bucketCapacities), nc.NodeID, &nc)
}

// Keystore operations

func (s *BoltStore) PutKeystoreEntry(name string, data []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketKeystore).Put([]byte(name), data)
	})
}

func (s *BoltStore) GetKeystoreEntry(name string) ([]byte, error) {
	var data []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketKeystore).Get([]byte(name))
		if v == nil {
			return errdefs.NotFoundf("keystore entry %s", name)
		}
		// Copy out; bolt data is only valid during the transaction.
		data = append([]byte(nil), v...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return data, nil
}
