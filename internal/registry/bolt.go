package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	bolt "go.etcd.io/bbolt"
)

var bindingsBucket = []byte("bindings")

// BoltStore persists registry bindings in a bbolt file so registrations
// survive registry restarts. TTL deadlines are stored with each record
// and enforced on read.
type BoltStore struct {
	db  *bolt.DB
	clk clock.Clock
}

type boltRecord struct {
	Address      string `json:"address"`
	Identity     string `json:"identity"`
	RegisteredAt int64  `json:"registered_at_ms"`
	TTLMS        int64  `json:"ttl_ms"`
}

func OpenBoltStore(path string) (*BoltStore, error) {
	return OpenBoltStoreWithClock(path, clock.New())
}

func OpenBoltStoreWithClock(path string, clk clock.Clock) (*BoltStore, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %v", ErrUnavailable, path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bindingsBucket)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("%w: init buckets: %v", ErrUnavailable, err)
	}
	return &BoltStore{db: db, clk: clk}, nil
}

func (s *BoltStore) Put(_ context.Context, topic string, ep Endpoint, ttl time.Duration) error {
	now := s.clk.Now()
	rec := boltRecord{
		Address:      ep.Address,
		Identity:     ep.Identity,
		RegisteredAt: now.UnixMilli(),
		TTLMS:        ttl.Milliseconds(),
	}
	raw, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	err = s.db.Update(func(tx *bolt.Tx) error {
		topics := tx.Bucket(bindingsBucket)
		b, err := topics.CreateBucketIfNotExists([]byte(topic))
		if err != nil {
			return err
		}
		// opportunistic prune of this topic's dead records
		c := b.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var old boltRecord
			if json.Unmarshal(v, &old) != nil || old.toEndpoint().expired(now) {
				if err := c.Delete(); err != nil {
					return err
				}
			}
		}
		return b.Put([]byte(ep.Identity), raw)
	})
	if err != nil {
		return fmt.Errorf("%w: put: %v", ErrUnavailable, err)
	}
	return nil
}

func (s *BoltStore) Get(_ context.Context, topic string) ([]Endpoint, error) {
	now := s.clk.Now()
	out := make([]Endpoint, 0)
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bindingsBucket).Bucket([]byte(topic))
		if b == nil {
			return nil
		}
		return b.ForEach(func(_, v []byte) error {
			var rec boltRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return nil // skip unreadable record
			}
			ep := rec.toEndpoint()
			if !ep.expired(now) {
				out = append(out, ep)
			}
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("%w: get: %v", ErrUnavailable, err)
	}
	return out, nil
}

func (s *BoltStore) Delete(_ context.Context, topic string, ep Endpoint) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bindingsBucket).Bucket([]byte(topic))
		if b == nil {
			return nil
		}
		return b.Delete([]byte(ep.Identity))
	})
	if err != nil {
		return fmt.Errorf("%w: delete: %v", ErrUnavailable, err)
	}
	return nil
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}

func (r boltRecord) toEndpoint() Endpoint {
	return Endpoint{
		Address:      r.Address,
		Identity:     r.Identity,
		RegisteredAt: time.UnixMilli(r.RegisteredAt),
		TTL:          time.Duration(r.TTLMS) * time.Millisecond,
	}
}
