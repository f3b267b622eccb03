// Package history keeps a local record of finished transfers in a bbolt
// database. It is consumed by the demo application; the protocol engine
// never touches it.
package history

import (
	"fmt"
	"sort"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"
)

const bucketTransfers = "transfers"

// Direction of a recorded transfer, from this device's point of view
type Direction string

const (
	DirectionSent     Direction = "sent"
	DirectionReceived Direction = "received"
)

// Record describes one finished (or failed) transfer
type Record struct {
	ID         string        `cbor:"id"`
	Direction  Direction     `cbor:"direction"`
	Size       uint32        `cbor:"size"`
	Chunks     uint32        `cbor:"chunks"`
	MTU        int           `cbor:"mtu"`
	StartedAt  time.Time     `cbor:"started_at"`
	Elapsed    time.Duration `cbor:"elapsed"`
	Throughput float64       `cbor:"throughput"` // bytes per second
	Status     string        `cbor:"status"`     // "complete" or "error"
	ErrorCode  uint32        `cbor:"error_code,omitempty"`
}

// Store is a bbolt-backed transfer log
type Store struct {
	db *bolt.DB
}

// Open creates or opens the history database at path
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("history: open %s: %w", path, err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(bucketTransfers))
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("history: init bucket: %w", err)
	}

	return &Store{db: db}, nil
}

// Close releases the database
func (s *Store) Close() error {
	return s.db.Close()
}

// Append stores a record. An empty ID gets a fresh UUID; the assigned ID is
// returned.
func (s *Store) Append(rec Record) (string, error) {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}

	data, err := cbor.Marshal(rec)
	if err != nil {
		return "", fmt.Errorf("history: encode record: %w", err)
	}

	err = s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketTransfers)).Put([]byte(rec.ID), data)
	})
	if err != nil {
		return "", fmt.Errorf("history: store record: %w", err)
	}
	return rec.ID, nil
}

// List returns all records, newest first
func (s *Store) List() ([]Record, error) {
	var records []Record

	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketTransfers)).ForEach(func(k, v []byte) error {
			var rec Record
			if err := cbor.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("history: decode record %s: %w", k, err)
			}
			records = append(records, rec)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(records, func(i, j int) bool {
		return records[i].StartedAt.After(records[j].StartedAt)
	})
	return records, nil
}
