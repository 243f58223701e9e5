package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/amelia-dev/amelia/pkg/api"
)

var (
	runAll      bool
	runWorktree string
)

var runCmd = &cobra.Command{
	Use:   "run [WORKFLOW_ID]",
	Short: "Start pending workflows",
	Long: `Start a specific pending workflow, or with --all every pending
workflow, optionally narrowed to one worktree.

Examples:
  amelia run 7d9f5c1e-...
  amelia run --all
  amelia run --all --worktree /srv/repo/wt-a
`,
	Args: cobra.MaximumNArgs(1),
	RunE: runRun,
}

func init() {
	runCmd.Flags().BoolVar(&runAll, "all", false, "start every pending workflow")
	runCmd.Flags().StringVar(&runWorktree, "worktree", "", "limit --all to one worktree path")
}

func runRun(cmd *cobra.Command, args []string) error {
	c := newClient(resolveAddr())

	if !runAll {
		if len(args) != 1 {
			return fmt.Errorf("give a workflow id or --all")
		}
		resp, err := c.startWorkflow(args[0])
		if err != nil {
			return err
		}
		fmt.Printf("workflow %s (%s)\n", resp.WorkflowID, resp.Status)
		return nil
	}

	resp, err := c.startBatch(api.StartBatchRequest{WorktreePath: runWorktree})
	if err != nil {
		return err
	}
	for _, id := range resp.Started {
		fmt.Printf("started %s\n", id)
	}
	for id, msg := range resp.Errors {
		fmt.Printf("skipped %s: %s\n", id, msg)
	}
	if len(resp.Errors) > 0 {
		return fmt.Errorf("%d workflow(s) failed to start", len(resp.Errors))
	}
	return nil
}
