package cbak_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"cbak-go/internal/cbak"
	"cbak-go/internal/database"
	"cbak-go/internal/model"
	"cbak-go/internal/provider"
	"cbak-go/internal/testutil"
)

// testBlockSize keeps multi-block files small.
const testBlockSize = 4

var mtime = time.Date(2025, 2, 1, 12, 0, 0, 0, time.UTC)

type harness struct {
	t         *testing.T
	clock     *testutil.StubClock
	index     *database.SQLiteIndex
	fs        *testutil.MockFilesystemManager
	providers cbak.Providers
	stores    map[string]*provider.MemoryStore
	source    *model.SourceLocation
	opts      cbak.Options
	fileIDs   *testutil.StubIDGenerator
	scanner   *cbak.Scanner
	sender    *cbak.Sender

	mu     sync.Mutex
	staged map[string][]string // provider -> staged block IDs in order
}

func newHarness(t *testing.T, providerNames ...string) *harness {
	t.Helper()
	if len(providerNames) == 0 {
		providerNames = []string{"primary"}
	}
	clock := testutil.FixedClock()
	ids := testutil.NewStubIDGenerator()
	h := &harness{
		t:       t,
		clock:   clock,
		index:   testutil.NewTestIndex(t, clock, ids),
		fs:      testutil.NewMockFilesystemManager(),
		fileIDs: testutil.NewStubIDGenerator(),
		opts:    cbak.Options{BlockSizeBytes: testBlockSize, IdleInterval: time.Millisecond},
		staged:  make(map[string][]string),
	}
	h.providers, h.stores = testutil.TestProviders(providerNames...)
	for _, name := range providerNames {
		h.watch(name, nil)
	}

	h.source = &model.SourceLocation{
		ID:              1,
		Path:            "/src",
		FileMatchFilter: "*.*",
		Priority:        model.PriorityMedium,
		RevisionCount:   1,
		Providers:       providerNames,
	}
	if err := h.index.SaveSourceLocation(h.source); err != nil {
		t.Fatalf("SaveSourceLocation() error = %v", err)
	}
	h.fs.AddDirectory("/src")
	h.rebuild()
	return h
}

// rebuild recreates the engine after options or providers change.
func (h *harness) rebuild() {
	logger := cbak.NewNopLogger()
	h.scanner = cbak.NewScanner(h.index, h.fs, logger, h.clock, h.fileIDs, nil, h.opts)
	h.sender = cbak.NewSender(h.index, h.providers, h.fs, logger, nil, h.opts)
}

// watch records staged block IDs for a provider and consults fail, when set,
// before every store call.
func (h *harness) watch(name string, fail func(provider.Op) error) {
	h.stores[name].SetFailure(func(op provider.Op) error {
		if fail != nil {
			if err := fail(op); err != nil {
				return err
			}
		}
		if op.Kind == provider.OpStageBlock {
			h.mu.Lock()
			h.staged[name] = append(h.staged[name], op.BlockID)
			h.mu.Unlock()
		}
		return nil
	})
}

func (h *harness) stagedBlocks(name string) []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.staged[name]...)
}

func (h *harness) scan() cbak.ScanResult {
	h.t.Helper()
	res, err := h.scanner.Scan(context.Background(), h.source, nil)
	if err != nil {
		h.t.Fatalf("Scan() error = %v", err)
	}
	return res
}

func (h *harness) file(path string) *model.BackupFile {
	h.t.Helper()
	f, err := h.index.FindFileByPath(path)
	if err != nil {
		h.t.Fatalf("FindFileByPath(%s) error = %v", path, err)
	}
	if f == nil {
		h.t.Fatalf("file %s not in index", path)
	}
	return f
}

func (h *harness) queued(id string) bool {
	h.t.Helper()
	q, err := h.index.IsQueued(id)
	if err != nil {
		h.t.Fatalf("IsQueued() error = %v", err)
	}
	return q
}

// claim returns the next queued file, failing the test when the queue is empty.
func (h *harness) claim() model.BackupFile {
	h.t.Helper()
	f, err := h.index.ClaimNextBackupFile("test", h.clock.Now(), time.Hour)
	if err != nil {
		h.t.Fatalf("ClaimNextBackupFile() error = %v", err)
	}
	if f == nil {
		h.t.Fatal("backup queue is empty")
	}
	return *f
}

func (h *harness) transfer(ctx context.Context, path string) cbak.TransferOutcome {
	h.t.Helper()
	f := h.claim()
	if f.FullSourcePath != path {
		h.t.Fatalf("claimed %s, want %s", f.FullSourcePath, path)
	}
	outcome, err := h.sender.Transfer(ctx, f, h.source)
	if err != nil {
		h.t.Fatalf("Transfer() error = %v", err)
	}
	return outcome
}

func (h *harness) remoteContent(name string, f *model.BackupFile) string {
	h.t.Helper()
	obj, ok := h.stores[name].Object(model.ContainerName(f.DirectoryID), model.ObjectName(f.ID))
	if !ok {
		return ""
	}
	return string(obj.Content)
}
