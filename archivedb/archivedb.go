// Package archivedb is coldstow's local run-history store. It generalizes
// the teacher's builddb package (bbolt-backed BuildRecord keyed by uuid,
// plus a CRC-based skip-unchanged index) from port build bookkeeping to
// archive operations: every freeze/check/unfreeze invocation gets a Run
// record, and check's per-entry byte comparison is memoized in a
// verification-cache bucket keyed on (image, entry id, live mtime,
// archived mtime) so an unchanged tree doesn't pay for a re-read on the
// next check.
package archivedb

import (
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"coldstow/cerrors"
)

const (
	bucketRuns        = "runs"
	bucketVerifyCache = "verify_cache"
)

// Operation identifies which of the three process-surface verbs a Run
// recorded.
type Operation string

const (
	OpFreeze   Operation = "freeze"
	OpCheck    Operation = "check"
	OpUnfreeze Operation = "unfreeze"
)

// Outcome is the terminal state of a recorded run.
type Outcome string

const (
	OutcomeRunning Outcome = "running"
	OutcomeSuccess Outcome = "success"
	OutcomeFailed  Outcome = "failed"
)

// Run is a single freeze/check/unfreeze invocation.
type Run struct {
	UUID       string    `json:"uuid"`
	Operation  Operation `json:"operation"`
	ImagePath  string    `json:"image_path"`
	Outcome    Outcome   `json:"outcome"`
	StartTime  time.Time `json:"start_time"`
	EndTime    time.Time `json:"end_time"`
	EntryCount int       `json:"entry_count"`
	Error      string    `json:"error,omitempty"`
}

// DB is the bbolt-backed run-history and verification-cache store.
type DB struct {
	db *bolt.DB
}

// Open opens (creating if necessary) the database at path and ensures its
// buckets exist.
func Open(path string) (*DB, error) {
	bdb, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, cerrors.Wrap(cerrors.IoError, path, err)
	}

	err = bdb.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists([]byte(bucketRuns)); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists([]byte(bucketVerifyCache))
		return err
	})
	if err != nil {
		bdb.Close()
		return nil, cerrors.Wrap(cerrors.IoError, "create buckets", err)
	}

	return &DB{db: bdb}, nil
}

// Close releases the underlying bbolt handle.
func (d *DB) Close() error {
	if d.db == nil {
		return nil
	}
	return d.db.Close()
}

// SaveRun inserts or overwrites a Run, keyed by its UUID.
func (d *DB) SaveRun(r *Run) error {
	if r.UUID == "" {
		return cerrors.New(cerrors.InvalidInput, "run.UUID must not be empty")
	}

	data, err := json.Marshal(r)
	if err != nil {
		return cerrors.Wrap(cerrors.IoError, "marshal run "+r.UUID, err)
	}

	err = d.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketRuns)).Put([]byte(r.UUID), data)
	})
	if err != nil {
		return cerrors.Wrap(cerrors.IoError, "save run "+r.UUID, err)
	}
	return nil
}

// FinishRun reads back the run, sets outcome/end time/error and saves it
// in one transaction; this is the read-modify-write path a freeze/check/
// unfreeze caller hits when a run completes or fails.
func (d *DB) FinishRun(uuid string, outcome Outcome, end time.Time, entryCount int, runErr error) error {
	var rec Run
	err := d.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(bucketRuns))
		data := bucket.Get([]byte(uuid))
		if data == nil {
			return cerrors.New(cerrors.InvalidInput, "no run recorded with uuid "+uuid)
		}
		if err := json.Unmarshal(data, &rec); err != nil {
			return err
		}
		rec.Outcome = outcome
		rec.EndTime = end
		rec.EntryCount = entryCount
		if runErr != nil {
			rec.Error = runErr.Error()
		}
		updated, err := json.Marshal(&rec)
		if err != nil {
			return err
		}
		return bucket.Put([]byte(uuid), updated)
	})
	if err != nil {
		return cerrors.Wrap(cerrors.IoError, "finish run "+uuid, err)
	}
	return nil
}

// GetRun retrieves a single Run by uuid.
func (d *DB) GetRun(uuid string) (*Run, error) {
	var rec Run
	err := d.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket([]byte(bucketRuns)).Get([]byte(uuid))
		if data == nil {
			return cerrors.New(cerrors.InvalidInput, "no run recorded with uuid "+uuid)
		}
		return json.Unmarshal(data, &rec)
	})
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// History returns the most recent runs, newest first, capped at limit (0
// means unlimited). Ordering is by StartTime since bbolt's byte-ordered
// keys are uuids, not timestamps.
func (d *DB) History(limit int) ([]Run, error) {
	var runs []Run
	err := d.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketRuns)).ForEach(func(_, data []byte) error {
			var rec Run
			if err := json.Unmarshal(data, &rec); err != nil {
				return err
			}
			runs = append(runs, rec)
			return nil
		})
	})
	if err != nil {
		return nil, cerrors.Wrap(cerrors.IoError, "list runs", err)
	}

	for i := 0; i < len(runs); i++ {
		for j := i + 1; j < len(runs); j++ {
			if runs[j].StartTime.After(runs[i].StartTime) {
				runs[i], runs[j] = runs[j], runs[i]
			}
		}
	}

	if limit > 0 && len(runs) > limit {
		runs = runs[:limit]
	}
	return runs, nil
}

// VerifyKey identifies one memoized comparison result: a specific entry
// inside a specific archive, qualified by both sides' mtimes so any
// change on either side invalidates the memo.
type VerifyKey struct {
	Image        string
	EntryID      int
	LiveMtime    int64
	ArchiveMtime int64
}

func (k VerifyKey) bytes() []byte {
	return []byte(fmt.Sprintf("%s\x00%d\x00%d\x00%d", k.Image, k.EntryID, k.LiveMtime, k.ArchiveMtime))
}

// PutVerify memoizes whether the two sides matched for this key.
func (d *DB) PutVerify(key VerifyKey, matched bool) error {
	val := []byte{0}
	if matched {
		val[0] = 1
	}
	return d.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketVerifyCache)).Put(key.bytes(), val)
	})
}

// LookupVerify returns the memoized result for key, if present.
func (d *DB) LookupVerify(key VerifyKey) (matched bool, found bool) {
	d.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket([]byte(bucketVerifyCache)).Get(key.bytes())
		if v != nil {
			found = true
			matched = len(v) > 0 && v[0] == 1
		}
		return nil
	})
	return matched, found
}

// InvalidateImage drops every verification-cache entry for a given image,
// used when an image path is reused for a different archive (e.g. an
// overwrite) so stale memoized comparisons never leak across archives.
func (d *DB) InvalidateImage(image string) error {
	prefix := []byte(image + "\x00")
	return d.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(bucketVerifyCache))
		c := bucket.Cursor()
		var toDelete [][]byte
		for k, _ := c.Seek(prefix); k != nil; k, _ = c.Next() {
			if len(k) < len(prefix) || string(k[:len(prefix)]) != string(prefix) {
				break
			}
			toDelete = append(toDelete, append([]byte{}, k...))
		}
		for _, k := range toDelete {
			if err := bucket.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}
