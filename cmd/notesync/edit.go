package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/aretw0/notesync/pkg/core"
)

var (
	editID    string
	editTitle string

	blockID      string
	blockContent string
	blockKind    string
)

var editCmd = &cobra.Command{
	Use:   "edit",
	Short: "Change a note's title",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		if editID == "" {
			fmt.Println("Error: --id is required")
			cmd.Usage()
			os.Exit(1)
		}

		ctx := context.Background()
		rt := openSession(ctx)
		defer closeSession(ctx, rt)

		if _, err := rt.Engine.UpdateNote(editID, core.TitlePatch(editTitle)); err != nil {
			fatal("Failed to edit note", err)
		}
		fmt.Printf("Note '%s' updated.\n", editID)
	},
}

var blockCmd = &cobra.Command{
	Use:   "block",
	Short: "Set a block's content, or append a block when --block is empty",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		if editID == "" {
			fmt.Println("Error: --id is required")
			cmd.Usage()
			os.Exit(1)
		}
		kind := core.BlockKind(blockKind)
		if !kind.Valid() {
			fatal("Invalid --kind", fmt.Errorf("%q", blockKind))
		}

		ctx := context.Background()
		rt := openSession(ctx)
		defer closeSession(ctx, rt)

		if blockID == "" {
			b, err := rt.Engine.AppendBlock(editID, kind, blockContent)
			if err != nil {
				fatal("Failed to append block", err)
			}
			fmt.Printf("Block '%s' appended to '%s'.\n", b.ID, editID)
			return
		}
		if _, err := rt.Engine.UpdateBlock(editID, blockID, blockContent); err != nil {
			fatal("Failed to edit block", err)
		}
		fmt.Printf("Block '%s' updated.\n", blockID)
	},
}

func init() {
	rootCmd.AddCommand(editCmd)
	editCmd.Flags().StringVar(&editID, "id", "", "Note id")
	editCmd.Flags().StringVar(&editTitle, "title", "", "New title")

	rootCmd.AddCommand(blockCmd)
	blockCmd.Flags().StringVar(&editID, "id", "", "Note id")
	blockCmd.Flags().StringVar(&blockID, "block", "", "Block id (empty appends a new block)")
	blockCmd.Flags().StringVar(&blockContent, "content", "", "Block content")
	blockCmd.Flags().StringVar(&blockKind, "kind", string(core.BlockText), "Block kind: text, heading1, heading2, heading3")
}
