package nodeagent

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	bucketIdentity    = []byte("identity")
	bucketAssignments = []byte("assignments")
)

// Identity is the node's enrollment record, persisted so a restarted
// agent reuses its node id and overlay address instead of re-enrolling
// (spec.md §4.10: enrollment assigns node_id and overlay address once).
type Identity struct {
	NodeID        string    `json:"nodeId"`
	OverlayIPv6   string    `json:"overlayIpv6"`
	ClusterCACert []byte    `json:"clusterCaCert"`
	EnrolledAt    time.Time `json:"enrolledAt"`
}

// AssignmentRecord is the last-known local state for one plan
// assignment, keyed by instance id — what reconcile diffs the incoming
// plan against so it only acts on what actually changed.
type AssignmentRecord struct {
	InstanceID   string `json:"instanceId"`
	SpecHash     string `json:"specHash"`
	ContainerID  string `json:"containerId"`
	DesiredState string `json:"desiredState"`
	LastStatus   string `json:"lastStatus"`
	BootID       string `json:"bootId"`
}

// LocalStore is this agent's on-disk state, grounded on the teacher's
// pkg/storage.BoltStore bucket-per-entity layout, scoped down to the two
// things a node agent must survive a restart with: its own identity and
// what it last converged each instance to.
type LocalStore struct {
	db *bolt.DB
}

func NewLocalStore(dataDir string) (*LocalStore, error) {
	db, err := bolt.Open(filepath.Join(dataDir, "nodeagent.db"), 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("open local store: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketIdentity, bucketAssignments} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &LocalStore{db: db}, nil
}

func (s *LocalStore) Close() error { return s.db.Close() }

const identityKey = "self"

func (s *LocalStore) SaveIdentity(id Identity) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(id)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketIdentity).Put([]byte(identityKey), data)
	})
}

func (s *LocalStore) LoadIdentity() (Identity, bool, error) {
	var id Identity
	var found bool
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketIdentity).Get([]byte(identityKey))
		if data == nil {
			return nil
		}
		found = true
		return json.Unmarshal(data, &id)
	})
	return id, found, err
}

func (s *LocalStore) SaveAssignment(rec AssignmentRecord) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketAssignments).Put([]byte(rec.InstanceID), data)
	})
}

func (s *LocalStore) DeleteAssignment(instanceID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketAssignments).Delete([]byte(instanceID))
	})
}

func (s *LocalStore) ListAssignments() ([]AssignmentRecord, error) {
	var out []AssignmentRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketAssignments).ForEach(func(k, v []byte) error {
			var rec AssignmentRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			out = append(out, rec)
			return nil
		})
	})
	return out, err
}

func (s *LocalStore) GetAssignment(instanceID string) (AssignmentRecord, bool, error) {
	var rec AssignmentRecord
	var found bool
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketAssignments).Get([]byte(instanceID))
		if data == nil {
			return nil
		}
		found = true
		return json.Unmarshal(data, &rec)
	})
	return rec, found, err
}
