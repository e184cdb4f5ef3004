// Package kvstore persists transaction records and reconciliation watermarks
// in a bbolt database file.
package kvstore

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/tranvictor/txkeeper/internal/reconcile"
	"github.com/tranvictor/txkeeper/txstore"
)

var (
	// recordsBucket holds one JSON encoded record per record id
	recordsBucket = []byte("tx-records")

	// watermarksBucket maps a reconciliation key to the last fetched block
	watermarksBucket = []byte("last-fetched-blocks")

	// ErrCorruptWatermark is returned when a stored watermark has the wrong size
	ErrCorruptWatermark = fmt.Errorf("stored watermark is corrupt")

	byteOrder = binary.BigEndian
)

var (
	_ txstore.Backend          = (*DB)(nil)
	_ reconcile.WatermarkStore = (*DB)(nil)
)

// DB is a bbolt backed record and watermark store
type DB struct {
	db *bolt.DB
}

// Open opens or creates the database at path
func Open(path string) (*DB, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("couldn't open database %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{recordsBucket, watermarksBucket} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("couldn't create buckets: %w", err)
	}
	return &DB{db: db}, nil
}

// Close releases the database file
func (d *DB) Close() error {
	return d.db.Close()
}

// LoadRecords returns every stored record
func (d *DB) LoadRecords() ([]*txstore.Record, error) {
	var records []*txstore.Record
	err := d.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(recordsBucket).ForEach(func(k, v []byte) error {
			r := &txstore.Record{}
			if err := json.Unmarshal(v, r); err != nil {
				return fmt.Errorf("couldn't decode record %s: %w", k, err)
			}
			records = append(records, r)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return records, nil
}

// PutRecord creates or replaces the record under its id
func (d *DB) PutRecord(r *txstore.Record) error {
	raw, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("couldn't encode record %s: %w", r.ID, err)
	}
	return d.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(recordsBucket).Put([]byte(r.ID), raw)
	})
}

// DeleteRecord removes the record with the given id if present
func (d *DB) DeleteRecord(id string) error {
	return d.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(recordsBucket).Delete([]byte(id))
	})
}

// Watermark returns the last fetched block stored under key
func (d *DB) Watermark(key string) (uint64, bool, error) {
	var (
		block uint64
		found bool
	)
	err := d.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(watermarksBucket).Get([]byte(key))
		if v == nil {
			return nil
		}
		if len(v) != 8 {
			return fmt.Errorf("%w: key %s has %d bytes", ErrCorruptWatermark, key, len(v))
		}
		block = byteOrder.Uint64(v)
		found = true
		return nil
	})
	return block, found, err
}

// SetWatermark stores blockNumber under key
func (d *DB) SetWatermark(key string, blockNumber uint64) error {
	var v [8]byte
	byteOrder.PutUint64(v[:], blockNumber)
	return d.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(watermarksBucket).Put([]byte(key), v[:])
	})
}

// Watermarks returns every stored watermark
func (d *DB) Watermarks() (map[string]uint64, error) {
	out := make(map[string]uint64)
	err := d.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(watermarksBucket).ForEach(func(k, v []byte) error {
			if len(v) != 8 {
				return fmt.Errorf("%w: key %s has %d bytes", ErrCorruptWatermark, k, len(v))
			}
			out[string(k)] = byteOrder.Uint64(v)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
