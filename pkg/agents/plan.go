package agents

import (
	"fmt"
	"regexp"
	"strings"
)

var taskHeaderRe = regexp.MustCompile(`(?m)^### Task (\d+):[ \t]*(.*)$`)

// TaskSection is one "### Task N:" section of a plan document.
type TaskSection struct {
	Number int
	Title  string
	// Body is the section text including its header line.
	Body string
}

// Tasks splits a plan document into its task sections, in document order.
func Tasks(plan string) []TaskSection {
	headers := taskHeaderRe.FindAllStringSubmatchIndex(plan, -1)
	sections := make([]TaskSection, 0, len(headers))
	for i, h := range headers {
		end := len(plan)
		if i+1 < len(headers) {
			end = headers[i+1][0]
		}
		var num int
		fmt.Sscanf(plan[h[2]:h[3]], "%d", &num)
		sections = append(sections, TaskSection{
			Number: num,
			Title:  strings.TrimSpace(plan[h[4]:h[5]]),
			Body:   strings.TrimRight(plan[h[0]:end], "\n"),
		})
	}
	return sections
}

// TaskCount returns the number of task sections in a plan.
func TaskCount(plan string) int {
	return len(taskHeaderRe.FindAllStringIndex(plan, -1))
}

// TaskAt returns the task section at the zero-based index. The stored plan
// is never modified; extraction happens at prompt-building time.
func TaskAt(plan string, index int) (TaskSection, error) {
	sections := Tasks(plan)
	if index < 0 || index >= len(sections) {
		return TaskSection{}, fmt.Errorf("task index %d out of range, plan has %d tasks", index, len(sections))
	}
	return sections[index], nil
}

// progressBreadcrumb describes position in the plan for developer and
// reviewer prompts. index is zero-based.
func progressBreadcrumb(index, total int) string {
	if index == 0 {
		return fmt.Sprintf("Tasks completed: none; executing Task 1 of %d.", total)
	}
	return fmt.Sprintf("Tasks 1-%d of %d completed; executing Task %d.", index, total, index+1)
}
