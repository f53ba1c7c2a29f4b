package presence

import (
	"encoding/json"
	"time"

	bolt "go.etcd.io/bbolt"
)

var identityBucket = []byte("identities")

// SavedIdentity is what a peer persists locally so it can rejoin a room as
// the same logical player after a restart.
type SavedIdentity struct {
	PlayerID  string `json:"playerId"`
	AuthToken string `json:"authToken"`
	Nickname  string `json:"nickname,omitempty"`
}

// Store is a small bbolt-backed keyspace: room id -> SavedIdentity.
type Store struct {
	db *bolt.DB
}

func OpenStore(path string) (*Store, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, err
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(identityBucket)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

func (s *Store) Save(roomID string, id SavedIdentity) error {
	b, err := json.Marshal(id)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(identityBucket).Put([]byte(roomID), b)
	})
}

func (s *Store) Load(roomID string) (SavedIdentity, bool, error) {
	var id SavedIdentity
	found := false
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(identityBucket).Get([]byte(roomID))
		if raw == nil {
			return nil
		}
		found = true
		return json.Unmarshal(raw, &id)
	})
	return id, found, err
}

// Delete forgets the saved identity for a room, used on explicit leave.
func (s *Store) Delete(roomID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(identityBucket).Delete([]byte(roomID))
	})
}

func (s *Store) Close() error { return s.db.Close() }
