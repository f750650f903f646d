package database

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/fxamacker/cbor/v2"
	bolt "go.etcd.io/bbolt"

	"sessionchat/internal/models"
	"sessionchat/internal/security"
)

var cborEnc, _ = cbor.EncOptions{Time: cbor.TimeRFC3339Nano}.EncMode()

// BoltStore keeps records in a bbolt file, one bucket per collection, with
// each record CBOR-encoded in its versioned envelope.
type BoltStore struct {
	db        *bolt.DB
	encryptor *encryptor
}

func NewBolt(path string, opts Options) (*BoltStore, error) {
	if err := security.ValidateFilePath(path); err != nil {
		return nil, fmt.Errorf("invalid database path: %w", err)
	}

	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open bolt database: %w", err)
	}

	enc, err := NewEncryptor(opts.Encrypt)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize encryptor: %w", err)
	}

	return &BoltStore{db: db, encryptor: enc}, nil
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}

func (s *BoltStore) AppendOrUpdate(_ context.Context, rec models.StoredRecord) error {
	if rec.Collection == "" || rec.ID == "" {
		return fmt.Errorf("record collection and id are required")
	}
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = time.Now()
	}
	rec.UpdatedAt = rec.UpdatedAt.UTC()

	body, err := s.encryptor.Encrypt(rec.Body)
	if err != nil {
		return fmt.Errorf("failed to encrypt record body: %w", err)
	}
	rec.Body = body

	raw, err := cborEnc.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to encode record: %w", err)
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		bkt, err := tx.CreateBucketIfNotExists([]byte(rec.Collection))
		if err != nil {
			return err
		}
		return bkt.Put([]byte(rec.ID), raw)
	})
}

func (s *BoltStore) Get(_ context.Context, collection, id string) (*models.StoredRecord, error) {
	var out *models.StoredRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		bkt := tx.Bucket([]byte(collection))
		if bkt == nil {
			return nil
		}
		raw := bkt.Get([]byte(id))
		if raw == nil {
			return nil
		}
		rec, err := s.decode(raw)
		if err != nil {
			return err
		}
		out = rec
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get record: %w", err)
	}
	return out, nil
}

func (s *BoltStore) LoadAll(_ context.Context, collection string) ([]models.StoredRecord, error) {
	var out []models.StoredRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		bkt := tx.Bucket([]byte(collection))
		if bkt == nil {
			return nil
		}
		return bkt.ForEach(func(_, v []byte) error {
			rec, err := s.decode(v)
			if err != nil {
				return err
			}
			out = append(out, *rec)
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load records: %w", err)
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].UpdatedAt.Before(out[j].UpdatedAt)
	})
	return out, nil
}

func (s *BoltStore) Delete(_ context.Context, collection, id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket([]byte(collection))
		if bkt == nil {
			return nil
		}
		return bkt.Delete([]byte(id))
	})
}

func (s *BoltStore) DeleteOlderThan(_ context.Context, collection string, cutoff time.Time) (int64, error) {
	var deleted int64
	err := s.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket([]byte(collection))
		if bkt == nil {
			return nil
		}
		var stale [][]byte
		if err := bkt.ForEach(func(k, v []byte) error {
			var rec models.StoredRecord
			if err := cbor.Unmarshal(v, &rec); err != nil {
				return err
			}
			if rec.UpdatedAt.Before(cutoff) {
				stale = append(stale, append([]byte(nil), k...))
			}
			return nil
		}); err != nil {
			return err
		}
		for _, k := range stale {
			if err := bkt.Delete(k); err != nil {
				return err
			}
			deleted++
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to cleanup records: %w", err)
	}
	return deleted, nil
}

func (s *BoltStore) decode(raw []byte) (*models.StoredRecord, error) {
	var rec models.StoredRecord
	if err := cbor.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("failed to decode record: %w", err)
	}
	body, err := s.encryptor.Decrypt(rec.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt record %s/%s: %w", rec.Collection, rec.ID, err)
	}
	rec.Body = body
	return &rec, nil
}
