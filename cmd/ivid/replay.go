package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/notmainstreet/ivi-engine/internal/config"
	"github.com/notmainstreet/ivi-engine/internal/spine"
	"github.com/notmainstreet/ivi-engine/internal/store"
)

var replayCmd = &cobra.Command{
	Use:   "replay [domain]",
	Short: "Rebuild a domain's spine from storage and print node states",
	Long: `Rebuilds the named domain's spine from the configured event store and
prints every node with its state. Without a domain, lists the persisted
domains instead.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runReplay,
}

func runReplay(cmd *cobra.Command, args []string) error {
	if cfg.Sink.Kind == config.SinkNone {
		return fmt.Errorf("replay needs a persistent sink, configured sink is %q", cfg.Sink.Kind)
	}

	db, err := store.NewDB(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	// Replay only reads, so the async wrapper is irrelevant here.
	c := *cfg
	c.Sink.Async = false
	backend, err := openEventBackend(cmd.Context(), &c, db)
	if err != nil {
		return err
	}
	defer backend.close(cmd.Context())

	out := cmd.OutOrStdout()
	if len(args) == 0 {
		domains, err := backend.persistedDomains(cmd.Context())
		if err != nil {
			return err
		}
		for _, name := range domains {
			fmt.Fprintln(out, name)
		}
		return nil
	}

	sp, err := spine.NewManager(backend.loader, nil, logger).Get(cmd.Context(), args[0])
	if err != nil {
		return err
	}

	fmt.Fprintf(out, "domain %s: %d events\n", sp.Domain(), sp.Len())
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NODE\tSTATE")
	for _, n := range sp.Nodes() {
		fmt.Fprintf(tw, "%s\t%s\n", n.NodeID, n.State)
	}
	return tw.Flush()
}
