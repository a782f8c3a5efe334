package transcript

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"time"

	bolt "go.etcd.io/bbolt"
)

var historyBucket = []byte("chat_history")

// BoltStore keeps every transcript as a JSON value in one bbolt file.
type BoltStore struct {
	db     *bolt.DB
	logger *log.Logger
}

// OpenBoltStore opens (or creates) the bbolt file at path.
func OpenBoltStore(path string, logger *log.Logger) (*BoltStore, error) {
	if logger == nil {
		logger = log.Default()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create bolt directory: %w", err)
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open bolt store at %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(historyBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create bolt bucket: %w", err)
	}
	return &BoltStore{db: db, logger: logger}, nil
}

// Close releases the bbolt file lock.
func (s *BoltStore) Close() error {
	return s.db.Close()
}

func boltKey(conversationID int64) []byte {
	return []byte(strconv.FormatInt(conversationID, 10))
}

func (s *BoltStore) Load(ctx context.Context, conversationID int64) (Transcript, error) {
	var data []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket(historyBucket).Get(boltKey(conversationID)); v != nil {
			data = append([]byte(nil), v...)
		}
		return nil
	})
	if err != nil {
		s.logger.Printf("[transcript] bolt read failed conversation_id=%d: %v; starting with empty history", conversationID, err)
		return Transcript{}, nil
	}
	t, err := Decode(data)
	if err != nil {
		s.logger.Printf("[transcript] corrupted history conversation_id=%d: %v; starting with empty history", conversationID, err)
		return Transcript{}, nil
	}
	return t, nil
}

func (s *BoltStore) Save(ctx context.Context, conversationID int64, t Transcript) error {
	data, err := Encode(t)
	if err != nil {
		return err
	}
	err = s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(historyBucket).Put(boltKey(conversationID), data)
	})
	if err != nil {
		return fmt.Errorf("save transcript conversation_id=%d: %w", conversationID, err)
	}
	return nil
}

func (s *BoltStore) Clear(ctx context.Context, conversationID int64) error {
	found := false
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(historyBucket)
		key := boltKey(conversationID)
		if b.Get(key) == nil {
			return nil
		}
		found = true
		return b.Delete(key)
	})
	if err != nil {
		return fmt.Errorf("clear transcript conversation_id=%d: %w", conversationID, err)
	}
	if !found {
		return ErrNotFound
	}
	return nil
}
