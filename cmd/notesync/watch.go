package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/aretw0/notesync/pkg/adapters/lifecycle"
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Print note changes as they arrive, until interrupted",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		rt := openSession(ctx)
		defer closeSession(context.WithoutCancel(ctx), rt)
		if rt.Feed == nil {
			fmt.Fprintln(os.Stderr, "No push feed configured; only local changes will show.")
		}

		src := lifecycle.NewSource(rt.Engine)
		if err := src.Start(ctx); err != nil {
			fatal("Failed to watch", err)
		}
		fmt.Printf("Watching %d notes. Press Ctrl+C to stop.\n", len(rt.Engine.List()))
		for ev := range src.Events() {
			fmt.Println(ev.String())
		}
	},
}

func init() {
	rootCmd.AddCommand(watchCmd)
}
