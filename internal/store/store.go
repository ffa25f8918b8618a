// Package store persists warehouse operational data in bbolt: pick
// tasks, inventory counts, settings, and per-device sync tokens. It is
// the default implementation of the persistence contract the payload
// endpoints are constructed with.
package store

import (
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/AndreySavastyuk/MES-v1.0-sub000/internal/models"
	bolt "go.etcd.io/bbolt"
)

const (
	// dirPerm is the permission mode for the data directory.
	dirPerm = fs.FileMode(0o700)

	// filePerm is the permission mode for the database file.
	filePerm = fs.FileMode(0o600)

	// openTimeout is the maximum time to wait for the bolt file lock.
	openTimeout = 5 * time.Second
)

var (
	tasksBucket     = []byte("tasks")
	inventoryBucket = []byte("inventory")
	settingsBucket  = []byte("settings")
	tokensBucket    = []byte("sync_tokens")
)

// Store wraps a bbolt database holding all synchronized entities.
type Store struct {
	db *bolt.DB
}

// Open opens (creating if needed) the database at dir/warehouse.db and
// ensures all buckets exist.
func Open(dir string) (*Store, error) {
	return OpenAt(filepath.Join(dir, "warehouse.db"))
}

// OpenAt opens a database at the given path. Useful for tests that
// need an isolated database.
func OpenAt(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), dirPerm); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}

	db, err := bolt.Open(path, filePerm, &bolt.Options{Timeout: openTimeout})
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{tasksBucket, inventoryBucket, settingsBucket, tokensBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}

		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing store: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Task returns the pick task with the given ID, or nil if not found.
func (s *Store) Task(id string) (*models.PickTask, error) {
	var task *models.PickTask

	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(tasksBucket).Get([]byte(id))
		if v == nil {
			return nil
		}

		task = &models.PickTask{}

		return json.Unmarshal(v, task)
	})

	return task, err
}

// PutTask persists a pick task, stamping UpdatedAt if unset.
func (s *Store) PutTask(task models.PickTask) error {
	if task.ID == "" {
		return fmt.Errorf("task id is required")
	}

	if task.UpdatedAt.IsZero() {
		task.UpdatedAt = time.Now()
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(task)
		if err != nil {
			return err
		}

		return tx.Bucket(tasksBucket).Put([]byte(task.ID), data)
	})
}

// TasksUpdatedSince returns all tasks updated strictly after the given
// time. A zero time returns everything.
func (s *Store) TasksUpdatedSince(since time.Time) ([]models.PickTask, error) {
	var tasks []models.PickTask

	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(tasksBucket).ForEach(func(_, v []byte) error {
			var task models.PickTask
			if err := json.Unmarshal(v, &task); err != nil {
				return err
			}

			if task.UpdatedAt.After(since) {
				tasks = append(tasks, task)
			}

			return nil
		})
	})

	return tasks, err
}

// InventoryItem returns the record for a SKU, or nil if not found.
func (s *Store) InventoryItem(sku string) (*models.InventoryRecord, error) {
	var rec *models.InventoryRecord

	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(inventoryBucket).Get([]byte(sku))
		if v == nil {
			return nil
		}

		rec = &models.InventoryRecord{}

		return json.Unmarshal(v, rec)
	})

	return rec, err
}

// PutInventoryItem persists an inventory record keyed by SKU.
func (s *Store) PutInventoryItem(rec models.InventoryRecord) error {
	if rec.SKU == "" {
		return fmt.Errorf("inventory sku is required")
	}

	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = time.Now()
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(rec)
		if err != nil {
			return err
		}

		return tx.Bucket(inventoryBucket).Put([]byte(rec.SKU), data)
	})
}

// InventoryUpdatedSince returns records updated strictly after since.
func (s *Store) InventoryUpdatedSince(since time.Time) ([]models.InventoryRecord, error) {
	var recs []models.InventoryRecord

	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(inventoryBucket).ForEach(func(_, v []byte) error {
			var rec models.InventoryRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}

			if rec.UpdatedAt.After(since) {
				recs = append(recs, rec)
			}

			return nil
		})
	})

	return recs, err
}

// Setting returns the setting for a key, or nil if not found.
func (s *Store) Setting(key string) (*models.Setting, error) {
	var setting *models.Setting

	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(settingsBucket).Get([]byte(key))
		if v == nil {
			return nil
		}

		setting = &models.Setting{}

		return json.Unmarshal(v, setting)
	})

	return setting, err
}

// PutSetting persists a setting.
func (s *Store) PutSetting(setting models.Setting) error {
	if setting.Key == "" {
		return fmt.Errorf("setting key is required")
	}

	if setting.UpdatedAt.IsZero() {
		setting.UpdatedAt = time.Now()
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(setting)
		if err != nil {
			return err
		}

		return tx.Bucket(settingsBucket).Put([]byte(setting.Key), data)
	})
}

// SettingsUpdatedSince returns settings updated strictly after since.
func (s *Store) SettingsUpdatedSince(since time.Time) ([]models.Setting, error) {
	var settings []models.Setting

	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(settingsBucket).ForEach(func(_, v []byte) error {
			var setting models.Setting
			if err := json.Unmarshal(v, &setting); err != nil {
				return err
			}

			if setting.UpdatedAt.After(since) {
				settings = append(settings, setting)
			}

			return nil
		})
	})

	return settings, err
}

func tokenKey(deviceID, dataType string) []byte {
	return []byte(deviceID + "|" + dataType)
}

// SyncToken returns the stored watermark for a device/dataType pair,
// or empty string when none exists.
func (s *Store) SyncToken(deviceID, dataType string) (string, error) {
	var token string

	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(tokensBucket).Get(tokenKey(deviceID, dataType))
		if v != nil {
			token = string(v)
		}

		return nil
	})

	return token, err
}

// PutSyncToken persists the watermark for a device/dataType pair.
func (s *Store) PutSyncToken(deviceID, dataType, token string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(tokensBucket).Put(tokenKey(deviceID, dataType), []byte(token))
	})
}
