package cbak_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"cbak-go/internal/cbak"
	"cbak-go/internal/model"
)

func TestScanner_ClassifiesAgainstFilter(t *testing.T) {
	h := newHarness(t, "primary", "secondary")
	h.source.FileMatchFilter = "*.dll"
	h.fs.AddFile("/src/empty.dll", nil, mtime)
	h.fs.AddFile("/src/lib.dll", []byte("0123456789"), mtime)
	h.fs.AddFile("/src/readme.txt", []byte("not matched"), mtime)

	res := h.scan()

	want := cbak.ScanResult{
		DirectoriesScanned: 1,
		FilesFound:         2,
		NewFiles:           1,
		NewBytes:           10,
		UnsupportedFiles:   1,
	}
	if diff := cmp.Diff(want, res); diff != "" {
		t.Errorf("Scan() mismatch (-want +got):\n%s", diff)
	}

	f := h.file("/src/lib.dll")
	if f.TotalFileBlocks != 3 {
		t.Errorf("TotalFileBlocks = %d, want 3", f.TotalFileBlocks)
	}
	wantState := map[string]model.ProviderCopyState{
		"primary":   model.NewProviderCopyState(),
		"secondary": model.NewProviderCopyState(),
	}
	if diff := cmp.Diff(wantState, f.CopyState); diff != "" {
		t.Errorf("CopyState mismatch (-want +got):\n%s", diff)
	}
	if !h.queued(f.ID) {
		t.Error("new file not queued")
	}
	for _, p := range []string{"/src/empty.dll", "/src/readme.txt"} {
		if got, _ := h.index.FindFileByPath(p); got != nil {
			t.Errorf("%s should not be tracked", p)
		}
	}
}

func TestScanner_RescanIsIdempotent(t *testing.T) {
	h := newHarness(t)
	h.fs.AddFile("/src/a.txt", []byte("hello"), mtime)
	h.fs.AddFile("/src/sub/b.txt", []byte("world"), mtime)

	first := h.scan()
	if first.NewFiles != 2 || first.DirectoriesScanned != 2 {
		t.Fatalf("first scan = %+v, want 2 new files in 2 directories", first)
	}
	before := h.file("/src/sub/b.txt")

	h.clock.Advance(time.Minute)
	second := h.scan()
	if second.NewFiles != 0 || second.UpdatedFiles != 0 || second.ExistingFiles != 2 || second.MarkedDeleted != 0 {
		t.Errorf("second scan = %+v, want 2 existing only", second)
	}

	after := h.file("/src/sub/b.txt")
	if after.ID != before.ID || after.DirectoryID != before.DirectoryID {
		t.Errorf("identity changed: %s/%s -> %s/%s", before.ID, before.DirectoryID, after.ID, after.DirectoryID)
	}
	if !after.LastScanned.Equal(h.clock.Now()) {
		t.Errorf("LastScanned = %v, want %v", after.LastScanned, h.clock.Now())
	}
	if n, _ := h.index.QueueLength(); n != 2 {
		t.Errorf("QueueLength() = %d, want 2", n)
	}
}

func TestScanner_UpdatedFileResetsState(t *testing.T) {
	h := newHarness(t)
	h.fs.AddFile("/src/a.txt", []byte("abcd"), mtime)
	h.scan()
	if got := h.transfer(context.Background(), "/src/a.txt"); got != cbak.OutcomeCompleted {
		t.Fatalf("Transfer() = %v, want completed", got)
	}

	h.fs.AddFile("/src/a.txt", []byte("abcdefghij"), mtime.Add(time.Hour))
	h.clock.Advance(time.Minute)
	res := h.scan()
	if res.UpdatedFiles != 1 || res.UpdatedBytes != 10 {
		t.Errorf("Scan() = %+v, want one updated file of 10 bytes", res)
	}

	f := h.file("/src/a.txt")
	if f.FileSizeBytes != 10 || f.TotalFileBlocks != 3 || !f.LastModified.Equal(mtime.Add(time.Hour)) {
		t.Errorf("metadata not refreshed: %+v", f)
	}
	if f.FileHash != nil || f.HashAlgorithm != model.HashNone {
		t.Errorf("hash not cleared: %x %v", f.FileHash, f.HashAlgorithm)
	}
	if diff := cmp.Diff(model.NewProviderCopyState(), f.CopyState["primary"]); diff != "" {
		t.Errorf("copy state not reset (-want +got):\n%s", diff)
	}
	if !h.queued(f.ID) {
		t.Error("updated file not queued")
	}
}

func TestScanner_ExistingSyncedFileIsNotQueued(t *testing.T) {
	h := newHarness(t)
	h.fs.AddFile("/src/a.txt", []byte("abc"), mtime)
	h.scan()
	h.transfer(context.Background(), "/src/a.txt")

	h.clock.Advance(time.Minute)
	h.scan()
	if h.queued(h.file("/src/a.txt").ID) {
		t.Error("synced file queued again by an unchanged rescan")
	}
}

func TestScanner_ProviderErrorIsRearmed(t *testing.T) {
	h := newHarness(t)
	h.fs.AddFile("/src/a.txt", []byte("abc"), mtime)
	h.scan()
	f := h.file("/src/a.txt")
	if err := h.index.SetFailure(f.ID, "upload failed"); err != nil {
		t.Fatal(err)
	}
	if err := h.index.DequeueBackup(f.ID); err != nil {
		t.Fatal(err)
	}

	h.clock.Advance(time.Minute)
	res := h.scan()
	if res.ExistingFiles != 1 {
		t.Errorf("Scan() = %+v, want one existing file", res)
	}
	f = h.file("/src/a.txt")
	if f.OverallState() != model.OverallUnsynced || f.LastError != "" {
		t.Errorf("file not re-armed: state %v, error %q", f.OverallState(), f.LastError)
	}
	if !h.queued(f.ID) {
		t.Error("re-armed file not queued")
	}
}

func TestScanner_Exclusions(t *testing.T) {
	h := newHarness(t)
	h.fs.AddFile("/src/~$budget.xlsx", []byte("lock"), mtime)
	h.fs.AddFile("/src/build.tmp", []byte("temp"), mtime)
	h.fs.AddFile("/src/budget.xlsx", []byte("data"), mtime)

	exclusions, err := cbak.CompileExclusions([]string{`^~\$`, `\.tmp$`, "  "})
	if err != nil {
		t.Fatalf("CompileExclusions() error = %v", err)
	}
	res, err := h.scanner.Scan(context.Background(), h.source, exclusions)
	if err != nil {
		t.Fatalf("Scan() error = %v", err)
	}
	if res.FilesFound != 1 || res.NewFiles != 1 {
		t.Errorf("Scan() = %+v, want only budget.xlsx", res)
	}
	if _, err := cbak.CompileExclusions([]string{"("}); err == nil {
		t.Error("CompileExclusions() expected error for bad pattern")
	}
}

func TestScanner_PathLength(t *testing.T) {
	h := newHarness(t)
	h.opts.MaxPathLength = 20
	h.rebuild()
	h.fs.AddFile("/src/short.txt", []byte("ok"), mtime)
	h.fs.AddFile("/src/"+strings.Repeat("é", 15), []byte("x"), mtime)

	res := h.scan()
	if res.NewFiles != 1 || res.UnsupportedFiles != 1 || res.UnsupportedBytes != 1 {
		t.Errorf("Scan() = %+v, want one new and one unsupported", res)
	}
}

func TestScanner_Cancellation(t *testing.T) {
	h := newHarness(t)
	h.fs.AddFile("/src/a.txt", []byte("abc"), mtime)
	h.scan()
	h.fs.Remove("/src/a.txt")
	h.clock.Advance(time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res, err := h.scanner.Scan(ctx, h.source, nil)
	if err != nil {
		t.Fatalf("Scan() error = %v", err)
	}
	if !res.Cancelled || res.DirectoriesScanned != 0 {
		t.Errorf("Scan() = %+v, want cancelled before any directory", res)
	}
	if f := h.file("/src/a.txt"); f.Deleted {
		t.Error("cancelled scan flagged a file as deleted")
	}
}

func TestScanner_MarksVanishedFilesDeleted(t *testing.T) {
	h := newHarness(t)
	h.fs.AddFile("/src/keep.txt", []byte("keep"), mtime)
	h.fs.AddFile("/src/gone.txt", []byte("gone"), mtime)
	h.scan()

	h.fs.Remove("/src/gone.txt")
	h.clock.Advance(time.Minute)
	res := h.scan()
	if res.MarkedDeleted != 1 {
		t.Errorf("MarkedDeleted = %d, want 1", res.MarkedDeleted)
	}
	gone := h.file("/src/gone.txt")
	if !gone.Deleted || h.queued(gone.ID) {
		t.Errorf("vanished file: deleted=%v queued=%v, want deleted and not queued", gone.Deleted, h.queued(gone.ID))
	}
	cleanup, err := h.index.CleanupQueue()
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]string{gone.ID}, cleanup); diff != "" {
		t.Errorf("CleanupQueue() mismatch (-want +got):\n%s", diff)
	}

	// The file comes back unchanged: the flag clears and it is queued again.
	h.fs.AddFile("/src/gone.txt", []byte("gone"), mtime)
	h.clock.Advance(time.Minute)
	res = h.scan()
	if res.ExistingFiles != 2 || res.MarkedDeleted != 0 {
		t.Errorf("Scan() = %+v, want two existing", res)
	}
	back := h.file("/src/gone.txt")
	if back.Deleted || !h.queued(back.ID) {
		t.Errorf("returned file: deleted=%v queued=%v", back.Deleted, h.queued(back.ID))
	}
	if cleanup, _ := h.index.CleanupQueue(); len(cleanup) != 0 {
		t.Errorf("CleanupQueue() = %v, want empty", cleanup)
	}
}

func TestScanner_UnreadableDirectories(t *testing.T) {
	h := newHarness(t)
	h.fs.AddFile("/src/a.txt", []byte("abc"), mtime)
	h.fs.AddFile("/src/locked/b.txt", []byte("abc"), mtime)
	h.scan()
	h.clock.Advance(time.Minute)

	t.Run("subdirectory is skipped", func(t *testing.T) {
		h.fs.FailReadDir("/src/locked", errors.New("permission denied"))
		defer h.fs.FailReadDir("/src/locked", nil)
		res := h.scan()
		if res.DirectoryErrors != 1 || res.ExistingFiles != 1 || res.MarkedDeleted != 0 {
			t.Errorf("Scan() = %+v, want one directory error, one existing file, no deletions", res)
		}
		if h.file("/src/locked/b.txt").Deleted {
			t.Error("file behind an unreadable directory flagged deleted")
		}
	})

	t.Run("unreadable root flags nothing", func(t *testing.T) {
		h.clock.Advance(time.Minute)
		h.fs.FailReadDir("/src", errors.New("network path not found"))
		defer h.fs.FailReadDir("/src", nil)
		res := h.scan()
		if res.DirectoryErrors != 1 || res.MarkedDeleted != 0 {
			t.Errorf("Scan() = %+v, want root error and no deletions", res)
		}
		if h.file("/src/a.txt").Deleted {
			t.Error("file flagged deleted while the root was unreachable")
		}
	})
}

func TestScanner_UnreadableFileInfoFlagsNothing(t *testing.T) {
	h := newHarness(t)
	h.fs.AddFile("/src/a.txt", []byte("abc"), mtime)
	h.fs.AddFile("/src/b.txt", []byte("abc"), mtime)
	h.scan()
	h.clock.Advance(time.Minute)

	h.fs.FailInfo("/src/b.txt", errors.New("access denied"))
	res := h.scan()
	if res.FileErrors != 1 || res.ExistingFiles != 1 || res.MarkedDeleted != 0 {
		t.Errorf("Scan() = %+v, want one file error, one existing file, no deletions", res)
	}
	if h.file("/src/b.txt").Deleted {
		t.Error("file with unreadable info flagged deleted")
	}

	h.fs.FailInfo("/src/b.txt", nil)
	h.fs.Remove("/src/b.txt")
	h.clock.Advance(time.Minute)
	if res := h.scan(); res.MarkedDeleted != 1 {
		t.Errorf("MarkedDeleted = %d after a clean walk, want 1", res.MarkedDeleted)
	}
}

func TestClassification_String(t *testing.T) {
	tests := map[cbak.Classification]string{
		cbak.ClassNew:          "new",
		cbak.ClassUpdated:      "updated",
		cbak.ClassExisting:     "existing",
		cbak.ClassUnsupported:  "unsupported",
		cbak.ClassExcluded:     "excluded",
		cbak.Classification(9): "Classification(9)",
	}
	for c, want := range tests {
		if got := c.String(); got != want {
			t.Errorf("String() = %q, want %q", got, want)
		}
	}
}
