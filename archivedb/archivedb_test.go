package archivedb

import (
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "history.db")
	db, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestSaveAndGetRun(t *testing.T) {
	db := openTestDB(t)
	run := &Run{UUID: "abc-123", Operation: OpFreeze, ImagePath: "/tmp/out.sqfs", Outcome: OutcomeRunning, StartTime: time.Unix(1000, 0)}

	if err := db.SaveRun(run); err != nil {
		t.Fatalf("SaveRun: %v", err)
	}

	got, err := db.GetRun("abc-123")
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if got.ImagePath != "/tmp/out.sqfs" || got.Operation != OpFreeze {
		t.Errorf("got %+v", got)
	}
}

func TestSaveRunRejectsEmptyUUID(t *testing.T) {
	db := openTestDB(t)
	if err := db.SaveRun(&Run{}); err == nil {
		t.Errorf("expected rejection of a run with no uuid")
	}
}

func TestFinishRunUpdatesOutcomeAndError(t *testing.T) {
	db := openTestDB(t)
	run := &Run{UUID: "id-1", Operation: OpCheck, ImagePath: "/tmp/a.sqfs", Outcome: OutcomeRunning, StartTime: time.Unix(1000, 0)}
	if err := db.SaveRun(run); err != nil {
		t.Fatalf("SaveRun: %v", err)
	}

	end := time.Unix(2000, 0)
	if err := db.FinishRun("id-1", OutcomeFailed, end, 7, errors.New("boom")); err != nil {
		t.Fatalf("FinishRun: %v", err)
	}

	got, err := db.GetRun("id-1")
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if got.Outcome != OutcomeFailed || got.EntryCount != 7 || got.Error != "boom" {
		t.Errorf("got %+v", got)
	}
	if !got.EndTime.Equal(end) {
		t.Errorf("EndTime = %v, want %v", got.EndTime, end)
	}
}

func TestFinishRunRejectsUnknownUUID(t *testing.T) {
	db := openTestDB(t)
	if err := db.FinishRun("does-not-exist", OutcomeSuccess, time.Unix(1, 0), 0, nil); err == nil {
		t.Errorf("expected error finishing a run that was never saved")
	}
}

func TestHistoryOrdersNewestFirstAndRespectsLimit(t *testing.T) {
	db := openTestDB(t)
	db.SaveRun(&Run{UUID: "r1", Operation: OpFreeze, StartTime: time.Unix(100, 0)})
	db.SaveRun(&Run{UUID: "r2", Operation: OpFreeze, StartTime: time.Unix(300, 0)})
	db.SaveRun(&Run{UUID: "r3", Operation: OpFreeze, StartTime: time.Unix(200, 0)})

	all, err := db.History(0)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(all) != 3 || all[0].UUID != "r2" || all[1].UUID != "r3" || all[2].UUID != "r1" {
		t.Fatalf("unexpected order: %+v", all)
	}

	limited, err := db.History(2)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(limited) != 2 {
		t.Fatalf("len(limited) = %d, want 2", len(limited))
	}
}

func TestVerifyCacheRoundTrip(t *testing.T) {
	db := openTestDB(t)
	key := VerifyKey{Image: "/tmp/a.sqfs", EntryID: 3, LiveMtime: 111, ArchiveMtime: 111}

	if _, found := db.LookupVerify(key); found {
		t.Errorf("expected no memoized entry before PutVerify")
	}

	if err := db.PutVerify(key, true); err != nil {
		t.Fatalf("PutVerify: %v", err)
	}

	matched, found := db.LookupVerify(key)
	if !found || !matched {
		t.Errorf("matched=%v found=%v, want true,true", matched, found)
	}
}

func TestVerifyCacheKeyIsSensitiveToMtimes(t *testing.T) {
	db := openTestDB(t)
	key1 := VerifyKey{Image: "/tmp/a.sqfs", EntryID: 3, LiveMtime: 111, ArchiveMtime: 111}
	key2 := VerifyKey{Image: "/tmp/a.sqfs", EntryID: 3, LiveMtime: 222, ArchiveMtime: 111}

	db.PutVerify(key1, true)
	if _, found := db.LookupVerify(key2); found {
		t.Errorf("a changed live mtime must not hit the stale memo")
	}
}

func TestInvalidateImageRemovesOnlyThatImagesEntries(t *testing.T) {
	db := openTestDB(t)
	keyA := VerifyKey{Image: "/tmp/a.sqfs", EntryID: 1, LiveMtime: 1, ArchiveMtime: 1}
	keyB := VerifyKey{Image: "/tmp/b.sqfs", EntryID: 1, LiveMtime: 1, ArchiveMtime: 1}

	db.PutVerify(keyA, true)
	db.PutVerify(keyB, true)

	if err := db.InvalidateImage("/tmp/a.sqfs"); err != nil {
		t.Fatalf("InvalidateImage: %v", err)
	}

	if _, found := db.LookupVerify(keyA); found {
		t.Errorf("expected keyA to be invalidated")
	}
	if _, found := db.LookupVerify(keyB); !found {
		t.Errorf("expected keyB to survive invalidating a different image")
	}
}
