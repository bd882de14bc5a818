package store

import (
	"encoding/binary"
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/downfa11-org/segclean/pkg/types"
	"github.com/pkg/errors"
	bolt "go.etcd.io/bbolt"
)

const databaseFileName = "gc_history.db"

var (
	passesBucketName = []byte("passes")   // <seq>=<pass record>
	passIDBucketName = []byte("pass_ids") // <pass id>=<seq>
)

// ErrNotFound is returned when a pass id is unknown.
var ErrNotFound = errors.New("pass not found")

// Database keeps the GC pass history across restarts.
type Database struct {
	db *bolt.DB
}

// NewDatabase creates or opens the history database under rootDir.
func NewDatabase(rootDir string) (*Database, error) {
	if err := os.MkdirAll(rootDir, 0700); err != nil {
		return nil, errors.Wrapf(err, "failed to create %s", rootDir)
	}

	db, err := bolt.Open(filepath.Join(rootDir, databaseFileName), 0600, nil)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open history database")
	}
	d := &Database{db: db}
	if err := d.initDatabase(); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "failed to initialize database")
	}
	return d, nil
}

func (d *Database) initDatabase() error {
	return d.db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(passesBucketName); err != nil {
			return err
		}
		if _, err := tx.CreateBucketIfNotExists(passIDBucketName); err != nil {
			return err
		}
		return nil
	})
}

func (d *Database) Close() error {
	return d.db.Close()
}

func seqKey(seq uint64) []byte {
	k := make([]byte, 8)
	binary.BigEndian.PutUint64(k, seq)
	return k
}

// RecordPass appends rec to the history.
func (d *Database) RecordPass(rec types.PassRecord) error {
	if rec.ID == "" {
		return errors.New("pass record without id")
	}

	return d.db.Update(func(tx *bolt.Tx) error {
		passes := tx.Bucket(passesBucketName)
		ids := tx.Bucket(passIDBucketName)

		if ids.Get([]byte(rec.ID)) != nil {
			return errors.Errorf("pass %q already recorded", rec.ID)
		}

		seq, err := passes.NextSequence()
		if err != nil {
			return errors.Wrap(err, "failed to allocate sequence")
		}
		value, err := json.Marshal(rec)
		if err != nil {
			return errors.Wrapf(err, "failed to marshal pass %q", rec.ID)
		}

		key := seqKey(seq)
		if err := passes.Put(key, value); err != nil {
			return errors.Wrapf(err, "failed to insert pass %q", rec.ID)
		}
		return ids.Put([]byte(rec.ID), key)
	})
}

// GetPass looks a pass up by id.
func (d *Database) GetPass(id string) (types.PassRecord, error) {
	var rec types.PassRecord
	err := d.db.View(func(tx *bolt.Tx) error {
		key := tx.Bucket(passIDBucketName).Get([]byte(id))
		if key == nil {
			return ErrNotFound
		}
		value := tx.Bucket(passesBucketName).Get(key)
		if value == nil {
			return errors.Wrapf(ErrNotFound, "dangling id %q", id)
		}
		return errors.Wrapf(json.Unmarshal(value, &rec), "failed to unmarshal pass %q", id)
	})
	return rec, err
}

// WalkPasses calls cb on every pass, oldest first.
func (d *Database) WalkPasses(cb func(rec types.PassRecord) error) error {
	return d.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(passesBucketName).ForEach(func(key, value []byte) error {
			var rec types.PassRecord
			if err := json.Unmarshal(value, &rec); err != nil {
				return errors.Wrapf(err, "failed to unmarshal pass at %x", key)
			}
			return cb(rec)
		})
	})
}

// ListPasses returns up to limit passes, newest first. A limit of 0
// returns everything.
func (d *Database) ListPasses(limit int) ([]types.PassRecord, error) {
	var out []types.PassRecord
	err := d.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(passesBucketName).Cursor()
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			if limit > 0 && len(out) >= limit {
				break
			}
			var rec types.PassRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return errors.Wrapf(err, "failed to unmarshal pass at %x", k)
			}
			out = append(out, rec)
		}
		return nil
	})
	return out, err
}

// Prune drops all but the newest keep passes and reports how many went.
func (d *Database) Prune(keep int) (int, error) {
	var dropped int
	err := d.db.Update(func(tx *bolt.Tx) error {
		passes := tx.Bucket(passesBucketName)
		ids := tx.Bucket(passIDBucketName)

		excess := passes.Stats().KeyN - keep
		if excess <= 0 {
			return nil
		}

		var stale [][]byte
		c := passes.Cursor()
		for k, v := c.First(); k != nil && len(stale) < excess; k, v = c.Next() {
			var rec types.PassRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return errors.Wrapf(err, "failed to unmarshal pass at %x", k)
			}
			if err := ids.Delete([]byte(rec.ID)); err != nil {
				return err
			}
			stale = append(stale, append([]byte(nil), k...))
		}
		for _, k := range stale {
			if err := passes.Delete(k); err != nil {
				return errors.Wrapf(err, "failed to delete pass at %x", k)
			}
		}
		dropped = len(stale)
		return nil
	})
	return dropped, err
}
