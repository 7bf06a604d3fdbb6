package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/spf13/cobra"

	"github.com/aretw0/notesync/pkg/core"
)

var (
	listJSON  bool
	listMatch string
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List the principal's notes, most recently edited first",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		if listMatch != "" && !doublestar.ValidatePattern(listMatch) {
			fatal("Invalid --match pattern", fmt.Errorf("%q", listMatch))
		}

		ctx := context.Background()
		rt := openSession(ctx)
		defer closeSession(ctx, rt)

		var notes []core.NoteRecord
		for _, n := range rt.Engine.List() {
			if listMatch != "" {
				if ok, _ := doublestar.Match(listMatch, n.ID); !ok {
					continue
				}
			}
			notes = append(notes, n)
		}

		if listJSON {
			encoder := json.NewEncoder(os.Stdout)
			encoder.SetIndent("", "  ")
			if err := encoder.Encode(notes); err != nil {
				fatal("Error encoding JSON", err)
			}
			return
		}
		for _, n := range notes {
			fmt.Printf("%s - %s (rev %d)\n", n.ID, n.Title, n.Revision)
		}
	},
}

func init() {
	rootCmd.AddCommand(listCmd)
	listCmd.Flags().BoolVar(&listJSON, "json", false, "Output in JSON format")
	listCmd.Flags().StringVar(&listMatch, "match", "", "Only list note ids matching a glob (e.g. 'work/**')")
}
