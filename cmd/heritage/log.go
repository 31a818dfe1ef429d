package main

import (
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"
)

var pruneOlderThan time.Duration

var failedCmd = &cobra.Command{
	Use:   "failed",
	Short: "List sync log entries that will not be retried automatically",
	Args:  cobra.NoArgs,
	RunE:  runFailed,
}

var retryCmd = &cobra.Command{
	Use:   "retry [log-id...]",
	Short: "Re-queue failed sync log entries (all of them when no id is given)",
	RunE:  runRetry,
}

var pruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Delete synced sync log entries past retention",
	Args:  cobra.NoArgs,
	RunE:  runPrune,
}

func init() {
	failedCmd.Flags().BoolVar(&jsonOutput, "json", false, "Output in JSON format")
	pruneCmd.Flags().DurationVar(&pruneOlderThan, "older-than", 0,
		"Prune entries older than this age instead of the configured retention")
}

func runFailed(cmd *cobra.Command, args []string) error {
	m, err := openMirror(cmd)
	if err != nil {
		return err
	}
	defer m.Close()

	entries, err := m.FailedEntries(cmdContext(cmd))
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if jsonOutput {
		return printJSON(out, entries)
	}
	if len(entries) == 0 {
		fmt.Fprintln(out, "No failed entries.")
		return nil
	}

	tw := newTabWriter(out)
	fmt.Fprintln(tw, "ID\tKIND\tENTITY\tOP\tRETRIES\tQUEUED\tERROR")
	for _, e := range entries {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%d\t%s\t%s\n",
			e.ID, e.EntityType, e.EntityID, e.Operation, e.RetryCount, formatTime(e.Timestamp), e.Error)
	}
	return tw.Flush()
}

func runRetry(cmd *cobra.Command, args []string) error {
	ids := make([]int64, 0, len(args))
	for _, a := range args {
		id, err := strconv.ParseInt(a, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid log id %q", a)
		}
		ids = append(ids, id)
	}

	m, err := openMirror(cmd)
	if err != nil {
		return err
	}
	defer m.Close()

	n, err := m.RetryFailed(cmdContext(cmd), ids...)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Re-queued %d entries.\n", n)
	return nil
}

func runPrune(cmd *cobra.Command, args []string) error {
	m, err := openMirror(cmd)
	if err != nil {
		return err
	}
	defer m.Close()

	var n int64
	if pruneOlderThan > 0 {
		n, err = m.PruneOlderThan(cmdContext(cmd), pruneOlderThan)
	} else {
		n, err = m.Prune(cmdContext(cmd))
	}
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Pruned %d entries.\n", n)
	return nil
}
