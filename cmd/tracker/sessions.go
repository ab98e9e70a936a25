package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/goodtune/tracker/internal/config"
	"github.com/goodtune/tracker/internal/remote"
	"github.com/goodtune/tracker/internal/session"
	"github.com/goodtune/tracker/internal/storage"
	"github.com/spf13/cobra"
)

var (
	sessionsRemote bool
)

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "List captured sessions",
	Long: `List session directories waiting in the data directory together with their
ledger status, or with --remote the archives already in object storage.`,
	Args: cobra.NoArgs,
	RunE: runSessions,
}

var deleteRemoteCmd = &cobra.Command{
	Use:   "delete-remote KEY",
	Short: "Delete an uploaded session archive",
	Long:  `Delete one archive from object storage, e.g. a duplicate left by an interrupted upload.`,
	Args:  cobra.ExactArgs(1),
	RunE:  runDeleteRemote,
}

func init() {
	sessionsCmd.Flags().BoolVar(&sessionsRemote, "remote", false, "List archives in remote storage instead of local sessions")
	sessionsCmd.AddCommand(deleteRemoteCmd)
	rootCmd.AddCommand(sessionsCmd)
}

func runSessions(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	if sessionsRemote {
		return listRemote(cmd.Context(), cfg)
	}
	return listLocal(cmd.Context(), cfg)
}

func listLocal(ctx context.Context, cfg *config.Config) error {
	if ctx == nil {
		ctx = context.Background()
	}

	ids, err := session.Scan(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("failed to scan %s: %w", cfg.DataDir, err)
	}

	ledger := storage.Discard.Sessions()
	store, err := openStorage(cfg.Storage)
	if err != nil {
		color.New(color.FgYellow).Fprintf(os.Stderr, "⚠️  Session ledger unavailable: %v\n", err)
	} else {
		defer store.Close()
		ledger = store.Sessions()
	}

	if len(ids) == 0 {
		fmt.Fprintf(os.Stdout, "No sessions in %s\n", cfg.DataDir)
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "SESSION\tCREATED\tSIZE\tSTATUS\tATTEMPTS\tERROR")

	var total int64
	for _, id := range ids {
		created, _ := session.ParseID(id)
		size, err := session.DirSize(filepath.Join(cfg.DataDir, id))
		if err != nil {
			size = 0
		}
		total += size

		status, attempts, lastErr := "-", "-", ""
		rec, err := ledger.Get(ctx, id)
		switch {
		case err == nil:
			status = string(rec.Status)
			attempts = fmt.Sprint(rec.Attempts)
			lastErr = rec.Error
		case !errors.Is(err, storage.ErrNotFound):
			status = "?"
		}

		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			id, humanize.Time(created), humanize.Bytes(uint64(size)), status, attempts, lastErr)
	}
	if err := w.Flush(); err != nil {
		return err
	}

	fmt.Fprintf(os.Stdout, "\n%d session(s), %s on disk\n", len(ids), humanize.Bytes(uint64(total)))
	return nil
}

func listRemote(ctx context.Context, cfg *config.Config) error {
	ctx, cancel := remoteContext(ctx)
	defer cancel()

	store, err := remote.New(ctx, cfg.Upload)
	if err != nil {
		return fmt.Errorf("failed to configure remote storage: %w", err)
	}

	objects, err := store.List(ctx, cfg.Upload.Prefix)
	if err != nil {
		return err
	}

	sessions := objects[:0]
	for _, obj := range objects {
		if id, ok := remote.SessionID(cfg.Upload.Prefix, obj.Key); ok && session.IsID(id) {
			sessions = append(sessions, obj)
		}
	}
	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].LastModified.After(sessions[j].LastModified)
	})

	if len(sessions) == 0 {
		fmt.Fprintln(os.Stdout, "No uploaded sessions found")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "KEY\tSIZE\tUPLOADED")
	var total int64
	for _, obj := range sessions {
		total += obj.Size
		fmt.Fprintf(w, "%s\t%s\t%s\n", obj.Key, humanize.Bytes(uint64(obj.Size)), obj.LastModified.Local().Format(time.DateTime))
	}
	if err := w.Flush(); err != nil {
		return err
	}

	fmt.Fprintf(os.Stdout, "\n%d archive(s), %s total\n", len(sessions), humanize.Bytes(uint64(total)))
	return nil
}

func runDeleteRemote(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	ctx, cancel := remoteContext(cmd.Context())
	defer cancel()

	store, err := remote.New(ctx, cfg.Upload)
	if err != nil {
		return fmt.Errorf("failed to configure remote storage: %w", err)
	}

	key := args[0]
	if _, err := store.Stat(ctx, key); err != nil {
		if errors.Is(err, remote.ErrNotFound) {
			return fmt.Errorf("no such archive: %s", key)
		}
		return err
	}
	if err := store.Delete(ctx, key); err != nil {
		return err
	}

	color.New(color.FgGreen).Fprintf(os.Stdout, "✅ Deleted %s\n", key)
	return nil
}

func remoteContext(parent context.Context) (context.Context, context.CancelFunc) {
	if parent == nil {
		parent = context.Background()
	}
	return context.WithTimeout(parent, 2*time.Minute)
}
