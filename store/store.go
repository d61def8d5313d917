// Package store persists two pieces of state locally, across process
// restarts, using go.etcd.io/bbolt: the image-table mirror a successful
// image download adds to and a firmware-upgrade progress checkpoint.
package store

import (
	"encoding/json"
	"fmt"

	"go.etcd.io/bbolt"

	"github.com/isomet/ims-sdk/uuidtag"
)

var (
	bucketImages             = []byte("images")
	bucketFirmwareCheckpoint = []byte("firmware_checkpoints")
)

// ImageRecord mirrors one on-device image-table entry.
type ImageRecord struct {
	UUID  string `json:"uuid"`
	Index uint16 `json:"index"`
	Addr  uint32 `json:"addr"`
}

// FirmwareCheckpoint records how far a firmware upgrade has progressed,
// so a crashed or interrupted upgrade can be detected after a restart.
// The upgrade itself does not resume from it; it starts again from byte
// zero.
type FirmwareCheckpoint struct {
	DeviceIdent string `json:"device_ident"`
	BytesSent   int    `json:"bytes_sent"`
	Done        bool   `json:"done"`
}

// Store wraps a bbolt database holding both buckets.
type Store struct {
	db *bbolt.DB
}

// Open opens (creating if absent) the database at path and ensures both
// buckets exist.
func Open(path string) (*Store, error) {
	db, err := bbolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketImages); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(bucketFirmwareCheckpoint)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("store: create buckets: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// PutImage records a successful image download.
func (s *Store) PutImage(id uuidtag.Tag, index uint16, addr uint32) error {
	rec := ImageRecord{UUID: uuidtag.UUIDToStr(id), Index: index, Addr: addr}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("store: marshal image record: %w", err)
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketImages).Put([]byte(rec.UUID), data)
	})
}

// GetImage looks up a previously stored image record by uuid.
func (s *Store) GetImage(id uuidtag.Tag) (*ImageRecord, bool, error) {
	key := uuidtag.UUIDToStr(id)
	var rec *ImageRecord
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketImages).Get([]byte(key))
		if data == nil {
			return nil
		}
		rec = &ImageRecord{}
		return json.Unmarshal(data, rec)
	})
	if err != nil {
		return nil, false, err
	}
	return rec, rec != nil, nil
}

// ListImages returns every stored image record.
func (s *Store) ListImages() ([]ImageRecord, error) {
	var recs []ImageRecord
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketImages).ForEach(func(k, v []byte) error {
			var rec ImageRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			recs = append(recs, rec)
			return nil
		})
	})
	return recs, err
}

// DeleteImage removes id from the image table.
func (s *Store) DeleteImage(id uuidtag.Tag) error {
	key := uuidtag.UUIDToStr(id)
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketImages).Delete([]byte(key))
	})
}

// SaveFirmwareCheckpoint records progress for a firmware upgrade keyed by
// device identity, overwriting any previous checkpoint for that device.
func (s *Store) SaveFirmwareCheckpoint(cp FirmwareCheckpoint) error {
	data, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("store: marshal firmware checkpoint: %w", err)
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketFirmwareCheckpoint).Put([]byte(cp.DeviceIdent), data)
	})
}

// LoadFirmwareCheckpoint returns the checkpoint for deviceIdent, if any.
func (s *Store) LoadFirmwareCheckpoint(deviceIdent string) (*FirmwareCheckpoint, bool, error) {
	var cp *FirmwareCheckpoint
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketFirmwareCheckpoint).Get([]byte(deviceIdent))
		if data == nil {
			return nil
		}
		cp = &FirmwareCheckpoint{}
		return json.Unmarshal(data, cp)
	})
	if err != nil {
		return nil, false, err
	}
	return cp, cp != nil, nil
}

// ClearFirmwareCheckpoint removes a completed or abandoned checkpoint.
func (s *Store) ClearFirmwareCheckpoint(deviceIdent string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketFirmwareCheckpoint).Delete([]byte(deviceIdent))
	})
}
