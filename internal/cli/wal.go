package cli

import (
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/ChuLiYu/iot-deployer/internal/storage/filestore"
	"github.com/ChuLiYu/iot-deployer/internal/storage/wal"
)

// buildWALCommand groups read-only tools for the file backend's journal.
// They read the file directly and are safe while the deployer runs.
func buildWALCommand() *cobra.Command {
	var path string

	cmd := &cobra.Command{
		Use:   "wal",
		Short: "Inspect the file store journal",
	}
	cmd.PersistentFlags().StringVar(&path, "path", "", "journal file (default <storage.dir>/deployer.wal)")

	resolve := func() (string, error) {
		if path != "" {
			return path, nil
		}
		cfg, err := loadConfig(configFile)
		if err != nil {
			return "", fmt.Errorf("failed to load config: %w", err)
		}
		return filestore.WALPath(cfg.Storage.Dir), nil
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "dump",
		Short: "Print one line per journal event",
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := resolve()
			if err != nil {
				return err
			}
			return wal.DumpWAL(p, cmd.OutOrStdout())
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "stats",
		Short: "Summarize journal events",
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := resolve()
			if err != nil {
				return err
			}
			stats, err := wal.GetWALStats(p)
			if err != nil {
				return err
			}
			printWALStats(cmd.OutOrStdout(), p, stats)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Verify checksums and sequence numbers",
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := resolve()
			if err != nil {
				return err
			}
			if err := wal.ValidateWAL(p); err != nil {
				return fmt.Errorf("journal %s is invalid: %w", p, err)
			}
			n, err := wal.CountEvents(p)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %d events, OK\n", p, n)
			return nil
		},
	})

	return cmd
}

func printWALStats(w io.Writer, path string, s *wal.WALStats) {
	fmt.Fprintf(w, "Journal:  %s\n", path)
	fmt.Fprintf(w, "Events:   %d (seq %d..%d)\n", s.TotalEvents, s.FirstSeq, s.LastSeq)
	if s.TotalEvents > 0 {
		fmt.Fprintf(w, "Span:     %s .. %s\n",
			time.UnixMilli(s.TimeRange[0]).UTC().Format(time.RFC3339),
			time.UnixMilli(s.TimeRange[1]).UTC().Format(time.RFC3339))
	}

	types := make([]string, 0, len(s.EventTypes))
	for t := range s.EventTypes {
		types = append(types, string(t))
	}
	sort.Strings(types)
	for _, t := range types {
		fmt.Fprintf(w, "  %-12s %d\n", t, s.EventTypes[wal.EventType(t)])
	}
}
