package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/amelia-dev/amelia/pkg/api"
)

var (
	startQueue       bool
	startPlan        bool
	startTitle       string
	startDescription string
	startProfile     string
	startWorktree    string
	startAutoApprove bool
)

var startCmd = &cobra.Command{
	Use:   "start ISSUE",
	Short: "Create a workflow for an issue",
	Long: `Create a workflow and, unless --queue is given, start it immediately.

Examples:
  amelia start "add retry logic to the uploader"
  amelia start ISSUE-42 --title "Fix race in uploader" --queue
  amelia start ISSUE-42 --plan
`,
	Args: cobra.ExactArgs(1),
	RunE: runStart,
}

func init() {
	startCmd.Flags().BoolVar(&startQueue, "queue", false, "create as pending instead of starting now")
	startCmd.Flags().BoolVar(&startPlan, "plan", false, "plan-only workflow: stop after plan approval")
	startCmd.Flags().StringVar(&startTitle, "title", "", "task title (defaults to the issue argument)")
	startCmd.Flags().StringVar(&startDescription, "description", "", "task description")
	startCmd.Flags().StringVar(&startProfile, "profile", "", "profile id (defaults to the active profile)")
	startCmd.Flags().StringVar(&startWorktree, "worktree", "", "worktree path (defaults to the profile working_dir)")
	startCmd.Flags().BoolVar(&startAutoApprove, "auto-approve", false, "approve the plan without pausing")
}

func runStart(cmd *cobra.Command, args []string) error {
	issue := strings.TrimSpace(args[0])
	start := !startQueue

	resp, err := newClient(resolveAddr()).createWorkflow(api.CreateWorkflowRequest{
		IssueID:         issue,
		TaskTitle:       startTitle,
		TaskDescription: startDescription,
		WorktreePath:    startWorktree,
		Profile:         startProfile,
		Start:           &start,
		PlanNow:         startPlan,
		AutoApprove:     startAutoApprove,
	})
	if err != nil {
		return err
	}

	fmt.Printf("workflow %s (%s)\n", resp.WorkflowID, resp.Status)
	return nil
}
