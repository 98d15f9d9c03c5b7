package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"cbak-go/internal/app"
	"cbak-go/internal/config"
	"cbak-go/internal/dbbackup"
	"cbak-go/internal/model"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func readConfig() (*config.Config, string, error) {
	defaults, err := app.GetDefaults()
	if err != nil {
		return nil, "", fmt.Errorf("getting defaults: %w", err)
	}
	cfg, err := config.ReadFromFile(defaults["config_path"])
	if err != nil {
		return nil, "", fmt.Errorf("reading config: %w", err)
	}
	return cfg, defaults["config_path"], nil
}

// newApp reads the config and creates an App. The caller must defer a.Close().
// operation identifies the CLI command being run (e.g. "Scan", "Run").
func newApp(cmd *cobra.Command, operation string) (*app.App, error) {
	cfg, _, err := readConfig()
	if err != nil {
		return nil, err
	}
	a, err := app.New(cmd.Context(), cfg, operation, os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("initializing app: %w", err)
	}
	return a, nil
}

var rootCmd = &cobra.Command{
	Use:          "cbak",
	Short:        "Continuous block-level backup agent",
	SilenceUsage: true,
}

// config command
var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage configuration",
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		defaults, err := app.GetDefaults()
		if err != nil {
			return fmt.Errorf("failed to get defaults: %w", err)
		}

		hostID := uuid.New().String()
		cfg := config.NewConfig(hostID, defaults["base_dir"])
		if err := config.Init(defaults["config_path"], cfg); err != nil {
			return fmt.Errorf("failed to initialize config: %w", err)
		}

		fmt.Printf("Configuration initialized at %s\n", defaults["config_path"])
		fmt.Printf("Host ID: %s\n", hostID)
		fmt.Printf("Base Dir: %s\n", defaults["base_dir"])
		fmt.Println("Add [[providers]] and [[sources]] sections before running.")
		return nil
	},
}

var configListCmd = &cobra.Command{
	Use:   "list",
	Short: "View configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, path, err := readConfig()
		if err != nil {
			return err
		}

		fmt.Printf("Configuration from %s:\n\n", path)
		fmt.Printf("Host ID:    %s\n", cfg.HostID)
		fmt.Printf("Base Dir:   %s\n", cfg.BaseDir)
		fmt.Printf("Log Dir:    %s\n", cfg.Log.Dir)
		fmt.Printf("Database:   %s %s\n", cfg.Database.Type, cfg.Database.DataDir)
		fmt.Printf("Block size: %d\n", cfg.Engine.BlockSizeBytes)
		fmt.Printf("Instances:  %d\n", cfg.Engine.Instances)
		for _, p := range cfg.Providers {
			fmt.Printf("Provider:   %s (%s, encrypt=%t)\n", p.Name, p.Type, p.Encrypt)
		}
		for _, s := range cfg.Sources {
			fmt.Printf("Source:     #%d %s -> %s\n", s.ID, s.Path, strings.Join(s.Providers, ","))
		}
		if err := cfg.Validate(); err != nil {
			fmt.Printf("\nConfiguration is invalid:\n%v\n", err)
		}
		return nil
	},
}

// keys command
var keysCmd = &cobra.Command{
	Use:   "keys",
	Short: "Manage encryption keys",
}

var keysInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Generate the block encryption key pair",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, _, err := readConfig()
		if err != nil {
			return err
		}

		passphrase, err := promptPassphrase("Passphrase: ")
		if err != nil {
			return err
		}
		confirm, err := promptPassphrase("Repeat passphrase: ")
		if err != nil {
			return err
		}
		if passphrase != confirm {
			return fmt.Errorf("passphrases do not match")
		}
		if passphrase == "" {
			return fmt.Errorf("passphrase must not be empty")
		}

		if err := app.InitKeys(cfg, passphrase); err != nil {
			return fmt.Errorf("initializing keys: %w", err)
		}
		fmt.Printf("Public key written to %s\n", cfg.Encryption.PublicKeyPath)
		return nil
	},
}

func promptPassphrase(prompt string) (string, error) {
	fmt.Fprint(os.Stderr, prompt)
	b, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("reading passphrase: %w", err)
	}
	return string(b), nil
}

// source command
var sourceCmd = &cobra.Command{
	Use:   "source",
	Short: "Inspect source locations",
}

var sourceListCmd = &cobra.Command{
	Use:   "list",
	Short: "List source locations",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd, "ListSources")
		if err != nil {
			return err
		}
		defer a.Close()

		sources, err := a.Sources()
		if err != nil {
			return err
		}
		for _, s := range sources {
			last := "never"
			if !s.LastCompletedScan.IsZero() {
				last = s.LastCompletedScan.Local().Format("2006-01-02 15:04:05")
			}
			fmt.Printf("#%d  %-8s  %s  filter=%s  providers=%s  last scan: %s\n",
				s.ID, s.Priority, s.Path, s.FileMatchFilter, strings.Join(s.Providers, ","), last)
		}
		return nil
	},
}

// scan command
var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Scan source locations now",
	RunE: func(cmd *cobra.Command, args []string) error {
		sourceID, _ := cmd.Flags().GetInt64("source")

		a, err := newApp(cmd, "Scan")
		if err != nil {
			return err
		}
		defer a.Close()

		scans, err := a.Scan(cmd.Context(), sourceID)
		for _, s := range scans {
			r := s.Result
			fmt.Printf("#%d  found %d  new %d  updated %d  existing %d  unsupported %d  deleted %d  dir errors %d\n",
				s.SourceID, r.FilesFound, r.NewFiles, r.UpdatedFiles, r.ExistingFiles, r.UnsupportedFiles, r.MarkedDeleted, r.DirectoryErrors)
		}
		return err
	},
}

// transfer command
var transferCmd = &cobra.Command{
	Use:   "transfer",
	Short: "Process due scans and queued transfers, then exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd, "Transfer")
		if err != nil {
			return err
		}
		defer a.Close()

		n, err := a.Drain(cmd.Context())
		if err != nil {
			return fmt.Errorf("transfer failed: %w", err)
		}
		fmt.Printf("Completed %d step(s)\n", n)
		return nil
	},
}

// run command
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the backup engine until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd, "Run")
		if err != nil {
			return err
		}
		defer a.Close()
		return a.Run(cmd.Context())
	},
}

// status command
var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "View backup status of tracked files",
	RunE: func(cmd *cobra.Command, args []string) error {
		sourceID, _ := cmd.Flags().GetInt64("source")
		verbose, _ := cmd.Flags().GetBool("verbose")

		a, err := newApp(cmd, "Status")
		if err != nil {
			return err
		}
		defer a.Close()

		st, err := a.Status(sourceID)
		if err != nil {
			return err
		}
		if len(st.Files) == 0 {
			fmt.Println("No files tracked.")
			return nil
		}

		for _, f := range st.Files {
			marker := ""
			if f.Deleted {
				marker = "  [deleted]"
			}
			fmt.Printf("%-13s %s%s\n", f.OverallState(), f.FullSourcePath, marker)
			if !verbose {
				continue
			}
			names := make([]string, 0, len(f.CopyState))
			for name := range f.CopyState {
				names = append(names, name)
			}
			sort.Strings(names)
			for _, name := range names {
				cs := f.CopyState[name]
				fmt.Printf("    %-12s %-13s %d/%d blocks\n", name, cs.SyncStatus, cs.LastCompletedFileBlockIndex+1, f.TotalFileBlocks)
			}
			if f.LastError != "" {
				fmt.Printf("    error: %s\n", f.LastError)
			}
		}

		fmt.Printf("\n%d file(s): %d synced, %d in progress, %d unsynced, %d failed; %d queued\n",
			len(st.Files),
			st.ByState[model.OverallSynced],
			st.ByState[model.OverallInProgress],
			st.ByState[model.OverallUnsynced],
			st.ByState[model.OverallProviderError],
			st.QueueLength,
		)
		return nil
	},
}

// history command
var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "View operation history",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")

		a, err := newApp(cmd, "History")
		if err != nil {
			return err
		}
		defer a.Close()

		ops, err := a.History(limit)
		if err != nil {
			return err
		}
		if len(ops) == 0 {
			fmt.Println("No operations recorded.")
			return nil
		}

		for _, op := range ops {
			duration := ""
			if op.FinishedAt != nil {
				duration = op.FinishedAt.Sub(op.StartedAt).Truncate(time.Millisecond).String()
			}
			fmt.Printf("#%d  %-15s  %s  %-10s  %-10s  %s\n",
				op.ID,
				op.Operation,
				op.StartedAt.Local().Format("2006-01-02 15:04:05"),
				op.Status,
				duration,
				op.Parameters,
			)
		}
		return nil
	},
}

// index command
var indexCmd = &cobra.Command{
	Use:   "index",
	Short: "Back up the file index",
}

var indexSnapshotCmd = &cobra.Command{
	Use:   "snapshot",
	Short: "Write a copy of the index",
	RunE: func(cmd *cobra.Command, args []string) error {
		kindName, _ := cmd.Flags().GetString("kind")
		dir, _ := cmd.Flags().GetString("dir")
		kind, err := dbbackup.ParseKind(kindName)
		if err != nil {
			return err
		}

		a, err := newApp(cmd, "IndexSnapshot")
		if err != nil {
			return err
		}
		defer a.Close()

		path, err := a.SnapshotIndex(dir, kind)
		if err != nil {
			return err
		}
		fmt.Printf("Index snapshot written to %s\n", path)
		return nil
	},
}

var indexNextCmd = &cobra.Command{
	Use:   "next",
	Short: "Show which index backup is due",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd, "IndexNext")
		if err != nil {
			return err
		}
		defer a.Close()

		kind, err := a.NextIndexBackup()
		if err != nil {
			return err
		}
		fmt.Println(kind)
		return nil
	},
}

func init() {
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configListCmd)

	keysCmd.AddCommand(keysInitCmd)

	sourceCmd.AddCommand(sourceListCmd)

	indexCmd.AddCommand(indexSnapshotCmd)
	indexSnapshotCmd.Flags().String("kind", dbbackup.Full.String(), "Backup kind to record (full, differential, transaction_log)")
	indexSnapshotCmd.Flags().String("dir", "", "Snapshot directory (default: database.snapshot_dir)")
	indexCmd.AddCommand(indexNextCmd)

	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(keysCmd)
	rootCmd.AddCommand(sourceCmd)
	rootCmd.AddCommand(scanCmd)
	scanCmd.Flags().Int64P("source", "s", 0, "Source location ID (default: all)")
	rootCmd.AddCommand(transferCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(statusCmd)
	statusCmd.Flags().Int64P("source", "s", 0, "Source location ID (default: all)")
	statusCmd.Flags().BoolP("verbose", "v", false, "Show per-provider progress")
	rootCmd.AddCommand(historyCmd)
	historyCmd.Flags().IntP("limit", "n", 50, "Maximum number of operations to show")
	rootCmd.AddCommand(indexCmd)
}
