package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ChuLiYu/claimqueue/internal/snapshot"
	"github.com/ChuLiYu/claimqueue/internal/storage/wal"
)

func buildJournalCommand() *cobra.Command {
	var path, snapshotPath string

	cmd := &cobra.Command{
		Use:   "journal",
		Short: "Inspect the write-ahead journal (server may be stopped)",
	}
	cmd.PersistentFlags().StringVar(&path, "path", "", "journal path (default: journal.path from config)")
	cmd.PersistentFlags().StringVar(&snapshotPath, "snapshot", "", "snapshot path (default: <journal>.snapshot)")

	resolve := func() (string, string, error) {
		p, sp := path, snapshotPath
		if p == "" {
			cfg, err := loadConfig(configFile)
			if err != nil {
				return "", "", fmt.Errorf("no --path given and %w", err)
			}
			p = cfg.Journal.Path
			if sp == "" {
				sp = cfg.Journal.SnapshotPath
			}
		}
		if sp == "" {
			sp = p + ".snapshot"
		}
		return p, sp, nil
	}

	verify := &cobra.Command{
		Use:   "verify",
		Short: "Validate checksums and sequence numbers",
		RunE: func(cmd *cobra.Command, args []string) error {
			p, sp, err := resolve()
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()

			snap, err := snapshot.NewManager(sp).Load()
			if err != nil {
				return fmt.Errorf("snapshot %s: %w", sp, err)
			}
			fmt.Fprintf(w, "snapshot %s: %d units, last seq %d\n", sp, len(snap.Units), snap.LastSeq)

			if !wal.Exists(p) {
				fmt.Fprintf(w, "journal %s: empty\n", p)
				return nil
			}
			n, countErr := wal.CountEvents(p)
			if err := wal.ValidateWAL(p); err != nil {
				fmt.Fprintf(w, "journal %s: %d readable events, INVALID: %v\n", p, n, err)
				return err
			}
			if countErr != nil {
				return countErr
			}
			fmt.Fprintf(w, "journal %s: %d events, OK\n", p, n)
			return nil
		},
	}

	dump := &cobra.Command{
		Use:   "dump",
		Short: "Print journal events in human-readable form",
		RunE: func(cmd *cobra.Command, args []string) error {
			p, _, err := resolve()
			if err != nil {
				return err
			}
			if !wal.Exists(p) {
				fmt.Fprintf(cmd.OutOrStdout(), "journal %s: empty\n", p)
				return nil
			}
			return wal.DumpWAL(p, cmd.OutOrStdout())
		},
	}

	cmd.AddCommand(verify, dump)
	return cmd
}
