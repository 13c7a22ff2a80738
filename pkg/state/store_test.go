package state

import (
	"testing"

	bolt "go.etcd.io/bbolt"

	"github.com/codalab/worker-agent/pkg/types"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	store, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestSaveRunThenMapRuns_ReturnsPersistedRecord(t *testing.T) {
	store := openTestStore(t)

	run := types.Run{UUID: "run-1", State: types.RunStateStaging}
	if err := store.SaveRun(&run); err != nil {
		t.Fatalf("SaveRun: %v", err)
	}

	var seen []types.Run
	if err := store.MapRuns(func(r types.Run) error {
		seen = append(seen, r)
		return nil
	}); err != nil {
		t.Fatalf("MapRuns: %v", err)
	}

	if len(seen) != 1 || seen[0].UUID != "run-1" || seen[0].State != types.RunStateStaging {
		t.Fatalf("unexpected records: %+v", seen)
	}
}

func TestFinishRun_RemovesRecord(t *testing.T) {
	store := openTestStore(t)

	run := types.Run{UUID: "run-1", State: types.RunStateRunning}
	if err := store.SaveRun(&run); err != nil {
		t.Fatalf("SaveRun: %v", err)
	}
	if err := store.FinishRun("run-1"); err != nil {
		t.Fatalf("FinishRun: %v", err)
	}

	count, err := store.Count()
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if count != 0 {
		t.Fatalf("expected 0 records after FinishRun, got %d", count)
	}
}

func TestResumePreviousRuns_InvokesFactoryForEachRecord(t *testing.T) {
	store := openTestStore(t)

	for _, uuid := range []string{"run-a", "run-b", "run-c"} {
		run := types.Run{UUID: uuid, State: types.RunStateRunning}
		if err := store.SaveRun(&run); err != nil {
			t.Fatalf("SaveRun(%s): %v", uuid, err)
		}
	}

	resumed := map[string]bool{}
	if err := store.ResumePreviousRuns(func(r types.Run) error {
		resumed[r.UUID] = true
		return nil
	}); err != nil {
		t.Fatalf("ResumePreviousRuns: %v", err)
	}

	for _, uuid := range []string{"run-a", "run-b", "run-c"} {
		if !resumed[uuid] {
			t.Fatalf("expected %s to be resumed", uuid)
		}
	}
}

func TestResumePreviousRuns_QuarantinesUnparseableRecordAndContinues(t *testing.T) {
	store := openTestStore(t)

	good := types.Run{UUID: "run-good", State: types.RunStateRunning}
	if err := store.SaveRun(&good); err != nil {
		t.Fatalf("SaveRun: %v", err)
	}

	if err := store.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketRuns).Put([]byte("run-corrupt"), []byte("{not json"))
	}); err != nil {
		t.Fatalf("inject corrupt record: %v", err)
	}

	resumed := map[string]bool{}
	if err := store.ResumePreviousRuns(func(r types.Run) error {
		resumed[r.UUID] = true
		return nil
	}); err != nil {
		t.Fatalf("ResumePreviousRuns: %v", err)
	}

	if !resumed["run-good"] {
		t.Fatalf("expected the valid record to still be resumed")
	}
	if resumed["run-corrupt"] {
		t.Fatalf("corrupt record should not have reached the factory")
	}

	var quarantinedKeys []string
	if err := store.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketQuarantine).ForEach(func(k, v []byte) error {
			quarantinedKeys = append(quarantinedKeys, string(k))
			return nil
		})
	}); err != nil {
		t.Fatalf("inspect quarantine bucket: %v", err)
	}
	if len(quarantinedKeys) != 1 || quarantinedKeys[0] != "run-corrupt" {
		t.Fatalf("expected run-corrupt to be quarantined, got %v", quarantinedKeys)
	}

	count, err := store.Count()
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected quarantined record removed from the live bucket, count=%d", count)
	}
}
