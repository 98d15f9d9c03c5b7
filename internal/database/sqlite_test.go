package database

import (
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"cbak-go/internal/model"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type seqIDs struct{ n int }

func (g *seqIDs) New() string {
	g.n++
	return fmt.Sprintf("id-%d", g.n)
}

// newTestIndex creates a migrated in-memory index with a controllable clock.
func newTestIndex(t *testing.T) (*SQLiteIndex, *fakeClock) {
	t.Helper()

	clock := &fakeClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	idx, err := NewSQLiteIndex(":memory:", clock, &seqIDs{})
	if err != nil {
		t.Fatalf("NewSQLiteIndex() error = %v", err)
	}
	t.Cleanup(func() { idx.Close() })
	return idx, clock
}

func testSource(id int64, providers ...string) *model.SourceLocation {
	return &model.SourceLocation{
		ID:              id,
		Path:            fmt.Sprintf("/data/src%d", id),
		FileMatchFilter: "*.*",
		Exclusions:      []string{`\.tmp$`},
		Priority:        model.PriorityMedium,
		RevisionCount:   1,
		Providers:       providers,
	}
}

func newTestFile(t *testing.T, idx *SQLiteIndex, source *model.SourceLocation, path string, size int64) *model.BackupFile {
	t.Helper()

	dir, err := idx.GetOrCreateDirectory(filepath.Dir(path))
	if err != nil {
		t.Fatalf("GetOrCreateDirectory() error = %v", err)
	}
	f := &model.BackupFile{
		ID:               "file-" + filepath.Base(path),
		FullSourcePath:   path,
		FileName:         filepath.Base(path),
		DirectoryID:      dir.ID,
		SourceLocationID: source.ID,
		LastScanned:      idx.clock.Now(),
		Priority:         source.Priority,
		RevisionCount:    source.RevisionCount,
	}
	f.SetMetadata(size, idx.clock.Now().Add(-time.Hour), 4)
	f.ResetCopyState(source.Providers)
	if err := idx.CreateFile(f); err != nil {
		t.Fatalf("CreateFile() error = %v", err)
	}
	return f
}

func TestSQLiteIndex_SourceLocations(t *testing.T) {
	t.Run("save and get round trip", func(t *testing.T) {
		idx, _ := newTestIndex(t)
		src := testSource(1, "mem", "disk")
		if err := idx.SaveSourceLocation(src); err != nil {
			t.Fatalf("SaveSourceLocation() error = %v", err)
		}

		got, err := idx.GetSourceLocation(1)
		if err != nil {
			t.Fatalf("GetSourceLocation() error = %v", err)
		}
		if diff := cmp.Diff(src, got); diff != "" {
			t.Errorf("GetSourceLocation() mismatch (-want +got):\n%s", diff)
		}
	})

	t.Run("returns nil when not found", func(t *testing.T) {
		idx, _ := newTestIndex(t)
		got, err := idx.GetSourceLocation(42)
		if err != nil || got != nil {
			t.Errorf("GetSourceLocation() = %v, %v; want nil, nil", got, err)
		}
	})

	t.Run("save keeps scan history", func(t *testing.T) {
		idx, clock := newTestIndex(t)
		src := testSource(1, "mem")
		idx.SaveSourceLocation(src)
		if err := idx.CompleteSourceScan(1, clock.Now(), clock.Now()); err != nil {
			t.Fatalf("CompleteSourceScan() error = %v", err)
		}

		src.Path = "/elsewhere"
		if err := idx.SaveSourceLocation(src); err != nil {
			t.Fatalf("SaveSourceLocation() error = %v", err)
		}
		got, _ := idx.GetSourceLocation(1)
		if got.Path != "/elsewhere" || !got.LastCompletedScan.Equal(clock.Now()) {
			t.Errorf("GetSourceLocation() = %+v", got)
		}
	})
}

func TestSQLiteIndex_ClaimSourceForScan(t *testing.T) {
	const interval, lease = time.Hour, 10 * time.Minute

	t.Run("never scanned source is due and claimed once", func(t *testing.T) {
		idx, clock := newTestIndex(t)
		idx.SaveSourceLocation(testSource(1, "mem"))

		got, err := idx.ClaimSourceForScan("a", clock.Now(), interval, lease)
		if err != nil || got == nil || got.ID != 1 {
			t.Fatalf("ClaimSourceForScan(a) = %v, %v", got, err)
		}
		other, err := idx.ClaimSourceForScan("b", clock.Now(), interval, lease)
		if err != nil || other != nil {
			t.Errorf("ClaimSourceForScan(b) = %v, %v; want nil while claimed", other, err)
		}
	})

	t.Run("expired claim can be taken over", func(t *testing.T) {
		idx, clock := newTestIndex(t)
		idx.SaveSourceLocation(testSource(1, "mem"))
		idx.ClaimSourceForScan("a", clock.Now(), interval, lease)

		clock.Advance(lease)
		got, err := idx.ClaimSourceForScan("b", clock.Now(), interval, lease)
		if err != nil || got == nil {
			t.Errorf("ClaimSourceForScan(b) after lease = %v, %v", got, err)
		}
	})

	t.Run("recently scanned source is not due until rescan requested", func(t *testing.T) {
		idx, clock := newTestIndex(t)
		idx.SaveSourceLocation(testSource(1, "mem"))
		idx.ClaimSourceForScan("a", clock.Now(), interval, lease)
		idx.CompleteSourceScan(1, clock.Now(), clock.Now())

		clock.Advance(time.Minute)
		if got, _ := idx.ClaimSourceForScan("a", clock.Now(), interval, lease); got != nil {
			t.Fatalf("ClaimSourceForScan() = %v, want nil for fresh source", got)
		}
		if err := idx.RequestRescan(1); err != nil {
			t.Fatalf("RequestRescan() error = %v", err)
		}
		if got, _ := idx.ClaimSourceForScan("a", clock.Now(), interval, lease); got == nil {
			t.Error("ClaimSourceForScan() = nil after RequestRescan")
		}
	})

	t.Run("rescan requested during a scan survives its completion", func(t *testing.T) {
		idx, clock := newTestIndex(t)
		idx.SaveSourceLocation(testSource(1, "mem"))
		started := clock.Now()
		idx.ClaimSourceForScan("a", started, interval, lease)

		clock.Advance(time.Second)
		if err := idx.RequestRescan(1); err != nil {
			t.Fatalf("RequestRescan() error = %v", err)
		}
		clock.Advance(time.Second)
		if err := idx.CompleteSourceScan(1, started, clock.Now()); err != nil {
			t.Fatalf("CompleteSourceScan() error = %v", err)
		}
		if got, _ := idx.ClaimSourceForScan("a", clock.Now(), interval, lease); got == nil {
			t.Fatal("ClaimSourceForScan() = nil, want the rescan requested mid-scan")
		}

		idx.CompleteSourceScan(1, clock.Now(), clock.Now())
		if got, _ := idx.ClaimSourceForScan("a", clock.Now(), interval, lease); got != nil {
			t.Errorf("ClaimSourceForScan() = %+v after the rescan ran, want nil", got)
		}
	})

	t.Run("released claim is claimable again", func(t *testing.T) {
		idx, clock := newTestIndex(t)
		idx.SaveSourceLocation(testSource(1, "mem"))
		idx.ClaimSourceForScan("a", clock.Now(), interval, lease)
		if err := idx.ReleaseSourceClaim(1); err != nil {
			t.Fatalf("ReleaseSourceClaim() error = %v", err)
		}
		if got, _ := idx.ClaimSourceForScan("b", clock.Now(), interval, lease); got == nil {
			t.Error("ClaimSourceForScan() = nil after release")
		}
	})
}

func TestSQLiteIndex_GetOrCreateDirectory(t *testing.T) {
	idx, _ := newTestIndex(t)

	a, err := idx.GetOrCreateDirectory("/data/docs")
	if err != nil {
		t.Fatalf("GetOrCreateDirectory() error = %v", err)
	}
	b, err := idx.GetOrCreateDirectory("/data/docs")
	if err != nil {
		t.Fatalf("GetOrCreateDirectory() error = %v", err)
	}
	if a.ID != b.ID {
		t.Errorf("directory IDs differ: %s vs %s", a.ID, b.ID)
	}

	// Bypass the cache to prove the row is stable.
	idx.dirsByID.Purge()
	got, err := idx.GetDirectory(a.ID)
	if err != nil || got == nil || got.Path != "/data/docs" {
		t.Errorf("GetDirectory() = %v, %v", got, err)
	}

	missing, err := idx.GetDirectory("nope")
	if err != nil || missing != nil {
		t.Errorf("GetDirectory(nope) = %v, %v; want nil, nil", missing, err)
	}
}

func TestSQLiteIndex_Files(t *testing.T) {
	t.Run("create stores copy state and queues", func(t *testing.T) {
		idx, _ := newTestIndex(t)
		src := testSource(1, "mem", "disk")
		idx.SaveSourceLocation(src)
		f := newTestFile(t, idx, src, "/data/src1/a.txt", 10)

		got, err := idx.FindFileByPath("/data/src1/a.txt")
		if err != nil || got == nil {
			t.Fatalf("FindFileByPath() = %v, %v", got, err)
		}
		if diff := cmp.Diff(f, got); diff != "" {
			t.Errorf("FindFileByPath() mismatch (-want +got):\n%s", diff)
		}
		if queued, _ := idx.IsQueued(f.ID); !queued {
			t.Error("new file is not queued")
		}
	})

	t.Run("find returns nil for unknown path", func(t *testing.T) {
		idx, _ := newTestIndex(t)
		got, err := idx.FindFileByPath("/nope")
		if err != nil || got != nil {
			t.Errorf("FindFileByPath() = %v, %v; want nil, nil", got, err)
		}
	})

	t.Run("copy state updates persist", func(t *testing.T) {
		idx, _ := newTestIndex(t)
		src := testSource(1, "mem")
		idx.SaveSourceLocation(src)
		f := newTestFile(t, idx, src, "/data/src1/a.txt", 10)

		st := model.NewProviderCopyState()
		st.SyncStatus = model.InProgress
		st.LastCompletedFileBlockIndex = 1
		st.Metadata = map[string]string{model.MetaSyncStatus: "InProgress"}
		if err := idx.UpdateCopyState(f.ID, "mem", st); err != nil {
			t.Fatalf("UpdateCopyState() error = %v", err)
		}

		got, _ := idx.GetFile(f.ID)
		if diff := cmp.Diff(st, got.CopyState["mem"]); diff != "" {
			t.Errorf("copy state mismatch (-want +got):\n%s", diff)
		}
	})

	t.Run("set failure marks unfinished providers", func(t *testing.T) {
		idx, _ := newTestIndex(t)
		src := testSource(1, "done", "pending")
		idx.SaveSourceLocation(src)
		f := newTestFile(t, idx, src, "/data/src1/a.txt", 4)

		synced := model.StateAfter(model.Block{Index: 0, TotalBlocks: 1})
		idx.UpdateCopyState(f.ID, "done", synced)
		if err := idx.SetFailure(f.ID, "disk on fire"); err != nil {
			t.Fatalf("SetFailure() error = %v", err)
		}

		got, _ := idx.GetFile(f.ID)
		if got.LastError != "disk on fire" {
			t.Errorf("LastError = %q", got.LastError)
		}
		if got.CopyState["done"].SyncStatus != model.Synced {
			t.Errorf("synced provider changed to %v", got.CopyState["done"].SyncStatus)
		}
		if got.CopyState["pending"].SyncStatus != model.ProviderError {
			t.Errorf("pending provider = %v, want ProviderError", got.CopyState["pending"].SyncStatus)
		}
	})

	t.Run("reset re-arms failed file", func(t *testing.T) {
		idx, clock := newTestIndex(t)
		src := testSource(1, "mem")
		idx.SaveSourceLocation(src)
		f := newTestFile(t, idx, src, "/data/src1/a.txt", 4)
		idx.SetFailure(f.ID, "boom")
		idx.DequeueBackup(f.ID)

		if err := idx.ResetCopyState(f.ID, clock.Now()); err != nil {
			t.Fatalf("ResetCopyState() error = %v", err)
		}
		got, _ := idx.GetFile(f.ID)
		if got.LastError != "" || got.CopyState["mem"].SyncStatus != model.Unsynced {
			t.Errorf("file after reset = %+v", got)
		}
		if queued, _ := idx.IsQueued(f.ID); !queued {
			t.Error("reset file is not queued")
		}
	})

	t.Run("update metadata clears hash", func(t *testing.T) {
		idx, _ := newTestIndex(t)
		src := testSource(1, "mem")
		idx.SaveSourceLocation(src)
		f := newTestFile(t, idx, src, "/data/src1/a.txt", 4)
		idx.SetFileHash(f.ID, []byte{1, 2}, model.HashSHA256)

		f.SetMetadata(9, f.LastModified.Add(time.Minute), 3)
		f.ResetCopyState(src.Providers)
		if err := idx.UpdateFileMetadata(f); err != nil {
			t.Fatalf("UpdateFileMetadata() error = %v", err)
		}
		got, _ := idx.GetFile(f.ID)
		if got.FileSizeBytes != 9 || got.TotalFileBlocks != 3 || got.BlockSizeBytes != 3 {
			t.Errorf("size/blocks/block size = %d/%d/%d, want 9/3/3", got.FileSizeBytes, got.TotalFileBlocks, got.BlockSizeBytes)
		}
		if len(got.FileHash) != 0 || got.HashAlgorithm != model.HashNone {
			t.Errorf("hash not cleared: %x %v", got.FileHash, got.HashAlgorithm)
		}
	})

	t.Run("delete removes queue entry", func(t *testing.T) {
		idx, _ := newTestIndex(t)
		src := testSource(1, "mem")
		idx.SaveSourceLocation(src)
		f := newTestFile(t, idx, src, "/data/src1/a.txt", 4)

		if err := idx.DeleteFile(f.ID); err != nil {
			t.Fatalf("DeleteFile() error = %v", err)
		}
		if got, _ := idx.GetFile(f.ID); got != nil {
			t.Error("file still present")
		}
		if n, _ := idx.QueueLength(); n != 0 {
			t.Errorf("QueueLength() = %d, want 0", n)
		}
	})
}

func TestSQLiteIndex_MarkMissingDeleted(t *testing.T) {
	idx, clock := newTestIndex(t)
	src := testSource(1, "mem")
	idx.SaveSourceLocation(src)
	kept := newTestFile(t, idx, src, "/data/src1/kept.txt", 4)
	gone := newTestFile(t, idx, src, "/data/src1/gone.txt", 4)

	clock.Advance(time.Minute)
	scanStart := clock.Now()
	idx.SetLastScanned(kept.ID, clock.Now())

	n, err := idx.MarkMissingDeleted(src.ID, scanStart)
	if err != nil {
		t.Fatalf("MarkMissingDeleted() error = %v", err)
	}
	if n != 1 {
		t.Errorf("MarkMissingDeleted() = %d, want 1", n)
	}

	got, _ := idx.GetFile(gone.ID)
	if !got.Deleted {
		t.Error("missing file not flagged deleted")
	}
	if queued, _ := idx.IsQueued(gone.ID); queued {
		t.Error("deleted file still in backup queue")
	}
	cleanup, _ := idx.CleanupQueue()
	if diff := cmp.Diff([]string{gone.ID}, cleanup); diff != "" {
		t.Errorf("CleanupQueue() mismatch (-want +got):\n%s", diff)
	}

	// Flagging is not repeated.
	if n, _ := idx.MarkMissingDeleted(src.ID, scanStart); n != 0 {
		t.Errorf("second MarkMissingDeleted() = %d, want 0", n)
	}
}

func TestSQLiteIndex_ClaimNextBackupFile(t *testing.T) {
	const lease = 10 * time.Minute

	t.Run("highest priority first then oldest", func(t *testing.T) {
		idx, clock := newTestIndex(t)
		low := testSource(1, "mem")
		low.Priority = model.PriorityLow
		high := testSource(2, "mem")
		high.Priority = model.PriorityHigh
		idx.SaveSourceLocation(low)
		idx.SaveSourceLocation(high)

		a := newTestFile(t, idx, low, "/data/src1/a.txt", 4)
		clock.Advance(time.Second)
		b := newTestFile(t, idx, high, "/data/src2/b.txt", 4)
		clock.Advance(time.Second)
		c := newTestFile(t, idx, low, "/data/src1/c.txt", 4)

		var order []string
		for i := 0; i < 3; i++ {
			f, err := idx.ClaimNextBackupFile("a", clock.Now(), lease)
			if err != nil || f == nil {
				t.Fatalf("ClaimNextBackupFile() = %v, %v", f, err)
			}
			order = append(order, f.ID)
		}
		if diff := cmp.Diff([]string{b.ID, a.ID, c.ID}, order); diff != "" {
			t.Errorf("claim order mismatch (-want +got):\n%s", diff)
		}
		if f, _ := idx.ClaimNextBackupFile("b", clock.Now(), lease); f != nil {
			t.Errorf("ClaimNextBackupFile() = %v, want nil when all claimed", f.ID)
		}
	})

	t.Run("released and expired claims are reclaimable", func(t *testing.T) {
		idx, clock := newTestIndex(t)
		src := testSource(1, "mem")
		idx.SaveSourceLocation(src)
		f := newTestFile(t, idx, src, "/data/src1/a.txt", 4)

		idx.ClaimNextBackupFile("a", clock.Now(), lease)
		if err := idx.ReleaseBackupClaim(f.ID); err != nil {
			t.Fatalf("ReleaseBackupClaim() error = %v", err)
		}
		if got, _ := idx.ClaimNextBackupFile("b", clock.Now(), lease); got == nil {
			t.Fatal("released file not reclaimable")
		}

		clock.Advance(lease)
		if got, _ := idx.ClaimNextBackupFile("c", clock.Now(), lease); got == nil {
			t.Error("expired claim not reclaimable")
		}
	})

	t.Run("enqueue twice is a no-op", func(t *testing.T) {
		idx, _ := newTestIndex(t)
		src := testSource(1, "mem")
		idx.SaveSourceLocation(src)
		f := newTestFile(t, idx, src, "/data/src1/a.txt", 4)

		if err := idx.EnqueueBackup(f.ID); err != nil {
			t.Fatalf("EnqueueBackup() error = %v", err)
		}
		if n, _ := idx.QueueLength(); n != 1 {
			t.Errorf("QueueLength() = %d, want 1", n)
		}
	})
}

func TestSQLiteIndex_Operations(t *testing.T) {
	idx, clock := newTestIndex(t)

	first, err := idx.CreateOperation("scan", "source=1")
	if err != nil {
		t.Fatalf("CreateOperation() error = %v", err)
	}
	clock.Advance(time.Minute)
	if err := idx.FinishOperation(first.ID, model.OperationSucceeded); err != nil {
		t.Fatalf("FinishOperation() error = %v", err)
	}
	second, _ := idx.CreateOperation("transfer", "")

	ops, err := idx.ListOperations(10)
	if err != nil {
		t.Fatalf("ListOperations() error = %v", err)
	}
	if len(ops) != 2 || ops[0].ID != second.ID {
		t.Fatalf("ListOperations() = %+v, want newest first", ops)
	}
	if ops[1].Status != model.OperationSucceeded || ops[1].FinishedAt == nil {
		t.Errorf("finished operation = %+v", ops[1])
	}
	if ops[0].FinishedAt != nil {
		t.Errorf("running operation has FinishedAt")
	}
}

func TestSQLiteIndex_BackupTo(t *testing.T) {
	idx, clock := newTestIndex(t)
	idx.SaveSourceLocation(testSource(1, "mem"))

	dest := filepath.Join(t.TempDir(), "copy.db")
	if err := idx.BackupTo(dest); err != nil {
		t.Fatalf("BackupTo() error = %v", err)
	}
	if err := idx.RecordIndexBackup("Full", dest, clock.Now()); err != nil {
		t.Fatalf("RecordIndexBackup() error = %v", err)
	}

	copied, err := NewSQLiteIndex(dest, nil, nil)
	if err != nil {
		t.Fatalf("opening backup: %v", err)
	}
	defer copied.Close()
	if src, _ := copied.GetSourceLocation(1); src == nil {
		t.Error("backup is missing source location")
	}

	last, err := idx.LastIndexBackups()
	if err != nil {
		t.Fatalf("LastIndexBackups() error = %v", err)
	}
	if !last["Full"].Equal(clock.Now()) {
		t.Errorf("LastIndexBackups()[Full] = %v, want %v", last["Full"], clock.Now())
	}
}
