package state

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/codalab/worker-agent/pkg/log"
	"github.com/codalab/worker-agent/pkg/types"
)

var (
	bucketRuns       = []byte("runs")
	bucketQuarantine = []byte("quarantine")
)

// Store is the worker's durable table of live types.Run records, one
// JSON value per run UUID. bbolt's own transaction commit gives each
// write the atomic replace save_state would otherwise need to fake with
// write-temp-then-rename.
type Store struct {
	db *bolt.DB
}

// Open opens (or creates) the state database under dataDir.
func Open(dataDir string) (*Store, error) {
	dbPath := filepath.Join(dataDir, "worker-state.db")

	db, err := bolt.Open(dbPath, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("state: open %s: %w", dbPath, err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketRuns); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(bucketQuarantine)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("state: create buckets: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// SaveRun upserts run's current record. Doubles as add_run for a
// previously-unseen UUID.
func (s *Store) SaveRun(run *types.Run) error {
	data, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("state: marshal run %s: %w", run.UUID, err)
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketRuns).Put([]byte(run.UUID), data)
	})
}

// FinishRun removes a run's record once it has reached a terminal state
// and been fully released.
func (s *Store) FinishRun(uuid string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketRuns).Delete([]byte(uuid))
	})
}

// ResumePreviousRuns enumerates every persisted run record and invokes
// factory on each successfully-decoded one, so the caller can hand each
// back to run.Resume. A record that fails to parse is moved into the
// quarantine bucket and logged rather than aborting the whole resume —
// the worker continues with every other run it can reconstruct.
func (s *Store) ResumePreviousRuns(factory func(types.Run) error) error {
	var quarantined [][]byte

	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRuns)
		return b.ForEach(func(k, v []byte) error {
			var run types.Run
			if err := json.Unmarshal(v, &run); err != nil {
				log.WithComponent("state").Error().Err(err).Str("run_id", string(k)).
					Msg("quarantining unparseable run record")
				quarantined = append(quarantined, append([]byte(nil), k...))
				return nil
			}
			return factory(run)
		})
	})
	if err != nil {
		return fmt.Errorf("state: resume previous runs: %w", err)
	}

	if len(quarantined) == 0 {
		return nil
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		runs := tx.Bucket(bucketRuns)
		quarantine := tx.Bucket(bucketQuarantine)
		for _, key := range quarantined {
			data := runs.Get(key)
			if data != nil {
				if err := quarantine.Put(key, append([]byte(nil), data...)); err != nil {
					return err
				}
			}
			if err := runs.Delete(key); err != nil {
				return err
			}
		}
		return nil
	})
}

// MapRuns calls fn with every currently-persisted run record, in no
// particular order, inside one read-only transaction rather than under a
// long-lived lock.
func (s *Store) MapRuns(fn func(types.Run) error) error {
	return s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRuns)
		return b.ForEach(func(k, v []byte) error {
			var run types.Run
			if err := json.Unmarshal(v, &run); err != nil {
				log.WithComponent("state").Warn().Err(err).Str("run_id", string(k)).
					Msg("skipping unparseable run record during map")
				return nil
			}
			return fn(run)
		})
	})
}

// Count returns the number of persisted run records.
func (s *Store) Count() (int, error) {
	var n int
	err := s.db.View(func(tx *bolt.Tx) error {
		n = tx.Bucket(bucketRuns).Stats().KeyN
		return nil
	})
	return n, err
}
