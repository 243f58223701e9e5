package main

import (
	"fmt"
	"net/url"

	"github.com/spf13/cobra"
)

var (
	listStatus   string
	listWorktree string
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List workflows",
	RunE: func(cmd *cobra.Command, _ []string) error {
		q := url.Values{}
		if listStatus != "" {
			q.Set("status", listStatus)
		}
		if listWorktree != "" {
			q.Set("worktree", listWorktree)
		}
		wfs, err := newClient(resolveAddr()).listWorkflows(q.Encode())
		if err != nil {
			return err
		}
		for _, wf := range wfs {
			fmt.Printf("%s  %-11s  %s  %s\n", wf.ID, wf.Status, wf.IssueID, wf.WorktreePath)
		}
		return nil
	},
}

func init() {
	listCmd.Flags().StringVar(&listStatus, "status", "", "filter by status")
	listCmd.Flags().StringVar(&listWorktree, "worktree", "", "filter by worktree path")
	rootCmd.AddCommand(listCmd)
}
