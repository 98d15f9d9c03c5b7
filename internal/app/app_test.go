package app

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"cbak-go/internal/config"
	"cbak-go/internal/database"
	"cbak-go/internal/dbbackup"
	"cbak-go/internal/model"
)

// testConfig returns a config with an in-memory index, one memory provider,
// one filesystem provider and a single source rooted in a temp directory.
func testConfig(t *testing.T) (*config.Config, string) {
	t.Helper()
	base := t.TempDir()
	src := filepath.Join(base, "src")
	if err := os.MkdirAll(filepath.Join(src, "nested"), 0o755); err != nil {
		t.Fatal(err)
	}

	cfg := config.NewConfig("host-test", base)
	cfg.Database = config.DatabaseConfig{Type: "memory"}
	cfg.Engine.BlockSizeBytes = 4
	cfg.Engine.IdleInterval = config.Duration{Duration: 10 * time.Millisecond}
	cfg.Providers = []config.ProviderConfig{
		{Type: "memory", Name: "mem"},
		{Type: "filesystem", Name: "disk", FSRoot: filepath.Join(base, "remote")},
	}
	cfg.Sources = []config.SourceConfig{
		{ID: 1, Path: src, FileMatchFilter: "*.*", Priority: "High", Providers: []string{"mem", "disk"}},
	}
	return cfg, src
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func newTestApp(t *testing.T, cfg *config.Config, operation string) *App {
	t.Helper()
	a, err := New(context.Background(), cfg, operation, nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() { a.Close() })
	return a
}

func TestApp_DrainBacksUpSource(t *testing.T) {
	cfg, src := testConfig(t)
	writeFile(t, filepath.Join(src, "a.txt"), "0123456789")
	writeFile(t, filepath.Join(src, "nested", "b.txt"), "hello")
	writeFile(t, filepath.Join(src, "scratch.tmp"), "junk")
	writeFile(t, filepath.Join(src, ".cbakignore"), "# editor leftovers\n\\.tmp$\n")

	a := newTestApp(t, cfg, "Drain")
	n, err := a.Drain(context.Background())
	if err != nil {
		t.Fatalf("Drain() error = %v", err)
	}
	if n != 3 {
		t.Errorf("Drain() = %d steps, want scan plus two transfers", n)
	}

	st, err := a.Status(0)
	if err != nil {
		t.Fatalf("Status() error = %v", err)
	}
	if len(st.Files) != 2 {
		t.Fatalf("Status() tracks %d files, want 2", len(st.Files))
	}
	if st.ByState[model.OverallSynced] != 2 || st.QueueLength != 0 {
		t.Errorf("Status() = %+v, want two synced files and an empty queue", st)
	}
	for _, f := range st.Files {
		if f.HashAlgorithm != model.HashSHA512 {
			t.Errorf("%s hashed with %v, want SHA512 for high priority", f.FullSourcePath, f.HashAlgorithm)
		}
	}

	ops, err := a.History(10)
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	if len(ops) != 1 || ops[0].Operation != "Drain" || ops[0].Status != model.OperationRunning {
		t.Errorf("History() = %+v, want one running Drain", ops)
	}
}

func TestApp_ScanAllSources(t *testing.T) {
	cfg, src := testConfig(t)
	other := filepath.Join(filepath.Dir(src), "other")
	if err := os.Mkdir(other, 0o755); err != nil {
		t.Fatal(err)
	}
	cfg.Sources = append(cfg.Sources, config.SourceConfig{ID: 2, Path: other, Providers: []string{"mem"}})
	writeFile(t, filepath.Join(src, "a.txt"), "abc")
	writeFile(t, filepath.Join(other, "b.txt"), "abc")
	writeFile(t, filepath.Join(other, "empty.txt"), "")

	a := newTestApp(t, cfg, "Scan")
	scans, err := a.Scan(context.Background(), 0)
	if err != nil {
		t.Fatalf("Scan() error = %v", err)
	}
	if len(scans) != 2 {
		t.Fatalf("Scan() returned %d results, want 2", len(scans))
	}
	if scans[0].Result.NewFiles != 1 || scans[1].Result.NewFiles != 1 || scans[1].Result.UnsupportedFiles != 1 {
		t.Errorf("Scan() = %+v", scans)
	}

	st, err := a.Status(2)
	if err != nil {
		t.Fatal(err)
	}
	if len(st.Files) != 1 || st.QueueLength != 2 {
		t.Errorf("Status(2) = %d files, queue %d", len(st.Files), st.QueueLength)
	}
}

func TestApp_RunUntilCancelled(t *testing.T) {
	cfg, src := testConfig(t)
	cfg.Engine.Instances = 2
	cfg.Watch.Enabled = true
	cfg.Watch.Debounce = config.Duration{Duration: 10 * time.Millisecond}
	for _, name := range []string{"a.txt", "b.txt", "c.txt"} {
		writeFile(t, filepath.Join(src, name), "some content")
	}

	a := newTestApp(t, cfg, "Run")
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	if err := a.Run(ctx); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	st, err := a.Status(0)
	if err != nil {
		t.Fatal(err)
	}
	if st.ByState[model.OverallSynced] != 3 {
		t.Errorf("synced files = %d, want 3 (states %v)", st.ByState[model.OverallSynced], st.ByState)
	}
}

func TestApp_RunSetupFailureStartsNothing(t *testing.T) {
	cfg, _ := testConfig(t)
	cfg.Database = config.DatabaseConfig{Type: "sqlite", DataDir: t.TempDir()}
	cfg.Engine.Instances = 3
	cfg.Watch.Enabled = true
	a := newTestApp(t, cfg, "Run")

	raw, err := database.OpenConnection(a.index.Path())
	if err != nil {
		t.Fatal(err)
	}
	defer raw.Close()
	if _, err := raw.Exec(`UPDATE source_locations SET providers = 'not a list'`); err != nil {
		t.Fatal(err)
	}

	before := runtime.NumGoroutine()
	if err := a.Run(context.Background()); err == nil {
		t.Fatal("Run() expected error for unreadable sources")
	}
	if after := runtime.NumGoroutine(); after > before {
		t.Errorf("goroutines = %d after failed Run, want at most %d", after, before)
	}
	if a.op.Status != model.OperationFailed {
		t.Errorf("operation status = %v, want failed", a.op.Status)
	}
}

func TestApp_IndexSnapshots(t *testing.T) {
	cfg, _ := testConfig(t)
	a := newTestApp(t, cfg, "IndexSnapshot")

	next, err := a.NextIndexBackup()
	if err != nil {
		t.Fatalf("NextIndexBackup() error = %v", err)
	}
	if next != dbbackup.Full {
		t.Fatalf("NextIndexBackup() = %v, want full before any snapshot", next)
	}

	dir := filepath.Join(t.TempDir(), "snapshots")
	path, err := a.SnapshotIndex(dir, dbbackup.Full)
	if err != nil {
		t.Fatalf("SnapshotIndex() error = %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Errorf("snapshot not written: %v", err)
	}

	if next, _ := a.NextIndexBackup(); next != dbbackup.None {
		t.Errorf("NextIndexBackup() = %v after a full snapshot, want none", next)
	}
	if _, err := a.SnapshotIndex(dir, dbbackup.None); err == nil {
		t.Error("SnapshotIndex(None) expected error")
	}
}

func TestNew_Errors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *config.Config)
	}{
		{"invalid config", func(c *config.Config) { c.Sources[0].Providers = []string{"ghost"} }},
		{"bad log level", func(c *config.Config) { c.Log.Level = "chatty" }},
		{"bad ignore pattern", func(c *config.Config) { c.Sources[0].Exclusions = []string{"("} }},
		{"encrypted provider without keys", func(c *config.Config) { c.Providers[0].Encrypt = true }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, _ := testConfig(t)
			tt.mutate(cfg)
			if a, err := New(context.Background(), cfg, "Test", nil); err == nil {
				a.Close()
				t.Error("New() expected error")
			}
		})
	}
}

func TestInitKeys(t *testing.T) {
	cfg, _ := testConfig(t)
	if err := InitKeys(cfg, "correct horse"); err != nil {
		t.Fatalf("InitKeys() error = %v", err)
	}
	if _, err := os.Stat(cfg.Encryption.PublicKeyPath); err != nil {
		t.Errorf("public key not written: %v", err)
	}
	if err := InitKeys(cfg, "correct horse"); err == nil {
		t.Error("second InitKeys() expected error")
	}

	// With keys in place an encrypted provider can be built.
	cfg.Providers[0].Encrypt = true
	a := newTestApp(t, cfg, "Test")
	if len(a.providers) != 2 {
		t.Errorf("providers = %d, want 2", len(a.providers))
	}
}
