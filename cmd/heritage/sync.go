package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/hyperengineering/heritage/internal/types"
	"github.com/hyperengineering/heritage/pkg/mirror"
	"github.com/spf13/cobra"
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Run one sync cycle and print its stats",
	Args:  cobra.NoArgs,
	RunE:  runSync,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show sync log, watermark and cache state",
	Args:  cobra.NoArgs,
	RunE:  runStatus,
}

func init() {
	syncCmd.Flags().BoolVar(&jsonOutput, "json", false, "Output in JSON format")
	statusCmd.Flags().BoolVar(&jsonOutput, "json", false, "Output in JSON format")
}

func runSync(cmd *cobra.Command, args []string) error {
	m, err := openMirror(cmd)
	if err != nil {
		return err
	}
	defer m.Close()

	stats, err := m.SyncNow(cmdContext(cmd))
	if errors.Is(err, mirror.ErrOffline) {
		return fmt.Errorf("cannot sync: mirror is configured offline")
	}
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if jsonOutput {
		return printJSON(out, stats)
	}
	fmt.Fprintf(out, "Cycle %s (%s) in %s\n", stats.ID, stats.Reason, stats.Duration.Round(time.Millisecond))
	fmt.Fprintf(out, "Pull:  fetched %d, applied %d, deferred %d, stale %d, removed %d, decode errors %d\n",
		stats.Fetched, stats.Applied, stats.Deferred, stats.Stale, stats.Removed, stats.DecodeErrors)
	fmt.Fprintf(out, "Push:  pushed %d, coalesced %d, retrying %d, waiting %d, failed %d, conflicts %d\n",
		stats.Pushed, stats.Coalesced, stats.Retrying, stats.Waiting, stats.Failed, stats.Conflicts)
	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	m, err := openMirror(cmd)
	if err != nil {
		return err
	}
	defer m.Close()

	s, err := m.Status(cmdContext(cmd))
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if jsonOutput {
		return printJSON(out, s)
	}

	fmt.Fprintf(out, "Source:     %s\n", s.SourceID)
	fmt.Fprintf(out, "Online:     %t\n", s.Engine.Online)
	fmt.Fprintf(out, "Pending:    %d\n", s.Log.Pending)
	fmt.Fprintf(out, "Failed:     %d\n", s.Log.Failed)
	fmt.Fprintf(out, "Synced:     %d\n", s.Log.Synced)
	if s.Log.OldestQueue != nil {
		fmt.Fprintf(out, "Oldest:     %s\n", formatTime(*s.Log.OldestQueue))
	}
	if len(s.Watermarks) == 0 {
		fmt.Fprintln(out, "Watermarks: none")
		return nil
	}
	fmt.Fprintln(out, "Watermarks:")
	tw := newTabWriter(out)
	for _, kind := range types.Kinds {
		if wm, ok := s.Watermarks[kind]; ok {
			fmt.Fprintf(tw, "  %s\t%s\n", kind, formatTime(wm))
		}
	}
	return tw.Flush()
}
