/*
Copyright © 2026 NAME HERE <EMAIL ADDRESS>
*/
package cmd

import (
	"errors"
	"fmt"

	"github.com/schoolgate/apiserver/config"
	"github.com/schoolgate/apiserver/internal/store"
	"github.com/schoolgate/apiserver/types"
	"github.com/spf13/cobra"
)

var storeFile string

// storeCmd groups maintenance commands for the file-backed user store.
var storeCmd = &cobra.Command{
	Use:   "store",
	Short: "Inspect and maintain the file user store",
}

var storeCheckCmd = &cobra.Command{
	Use:   "check",
	Short: "Validate the user collection and summarize it",
	RunE: func(cmd *cobra.Command, args []string) error {
		path := storeFilePath()
		users, nextID, err := store.LoadFile(path)
		if err != nil {
			var corrupt *store.CorruptionError
			if errors.As(err, &corrupt) {
				for _, problem := range corrupt.Problems {
					cmd.PrintErrln(problem)
				}
				return fmt.Errorf("%s failed validation with %d problem(s)", path, len(corrupt.Problems))
			}
			return err
		}

		s := store.Summarize(users)
		cmd.Printf("%s: %d users, next id %d\n", path, s.Users, nextID)
		for _, state := range []types.ApprovalState{types.ApprovalPending, types.ApprovalApproved, types.ApprovalRejected} {
			cmd.Printf("  %-9s %d\n", state, s.States[state])
		}
		cmd.Printf("  passwords needing upgrade: %d\n", s.NeedsUpgrade())
		cmd.Printf("  records with legacy approval flag: %d\n", s.LegacyFlagged)
		return nil
	},
}

var storeCollapseCmd = &cobra.Command{
	Use:   "collapse",
	Short: "Fold the legacy approval flag into approval_state",
	RunE: func(cmd *cobra.Command, args []string) error {
		path := storeFilePath()
		repo, err := store.OpenFile(path)
		if err != nil {
			return err
		}
		changed, err := repo.CollapseApprovals(cmd.Context())
		if err != nil {
			return err
		}
		cmd.Printf("%s: %d record(s) rewritten\n", path, changed)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(storeCmd)
	storeCmd.AddCommand(storeCheckCmd, storeCollapseCmd)
	storeCmd.PersistentFlags().StringVar(&storeFile, "file", "", "user collection path (defaults to STORE_FILE)")
}

func storeFilePath() string {
	if storeFile != "" {
		return storeFile
	}
	return config.LoadConfig().Store.FilePath
}
