package blob

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.etcd.io/bbolt"
)

const blobBucket = "blobs"

var _ Store = (*BoltStore)(nil)

// BoltStore persists blobs in a container-local bbolt file. It backs local
// runs where no remote blob service is reachable.
type BoltStore struct {
	db *bbolt.DB
}

func NewBoltStore(path string) (*BoltStore, error) {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{
		Timeout: 5 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("opening blob db: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(blobBucket))
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating blob bucket: %w", err)
	}

	return &BoltStore{db: db}, nil
}

func (s *BoltStore) Upload(_ context.Context, data []byte) (string, error) {
	id := "bl-" + uuid.NewString()
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(blobBucket))
		if b == nil {
			return fmt.Errorf("blob bucket not found")
		}
		return b.Put([]byte(id), data)
	})
	if err != nil {
		return "", err
	}
	return id, nil
}

func (s *BoltStore) Download(_ context.Context, id string) ([]byte, error) {
	var data []byte
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(blobBucket))
		if b == nil {
			return fmt.Errorf("blob bucket not found")
		}
		v := b.Get([]byte(id))
		if v == nil {
			return ErrNotFound
		}
		data = make([]byte, len(v))
		copy(data, v)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return data, nil
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}
