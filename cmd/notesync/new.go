package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/aretw0/notesync/pkg/core"
)

var newTitle string

var newCmd = &cobra.Command{
	Use:   "new",
	Short: "Create a note",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()
		rt := openSession(ctx)
		defer closeSession(ctx, rt)

		note, err := rt.Engine.CreateNote()
		if err != nil {
			fatal("Failed to create note", err)
		}
		if newTitle != "" {
			if _, err := rt.Engine.UpdateNote(note.ID, core.TitlePatch(newTitle)); err != nil {
				fatal("Failed to set title", err)
			}
		}
		if err := rt.Engine.Flush(ctx); err != nil {
			fatal("Failed to write note", err)
		}

		// The create has confirmed by now and the active note carries the store's id.
		active, err := rt.Engine.ActiveNote()
		if err != nil {
			fatal("Note was not created", err)
		}
		fmt.Printf("Note '%s' created.\n", active.ID)
	},
}

func init() {
	rootCmd.AddCommand(newCmd)
	newCmd.Flags().StringVar(&newTitle, "title", "", "Title of the new note")
}
