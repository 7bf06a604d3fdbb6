package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var deleteCmd = &cobra.Command{
	Use:   "delete [id]",
	Short: "Delete a note",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		id := args[0]
		ctx := context.Background()
		rt := openSession(ctx)
		defer closeSession(ctx, rt)

		if err := rt.Engine.DeleteNote(id); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to delete note '%s': %v\n", id, err)
			return
		}
		fmt.Printf("Note '%s' deleted.\n", id)
	},
}

func init() {
	rootCmd.AddCommand(deleteCmd)
}
