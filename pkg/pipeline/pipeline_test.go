package pipeline

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/amelia-dev/amelia/pkg/driver"
	"github.com/amelia-dev/amelia/pkg/graph"
	"github.com/amelia-dev/amelia/pkg/models"
)

// scriptDriver replays one scripted response list per call.
type scriptDriver struct {
	agentic     [][]driver.Message
	gen         []*driver.GenerateResult
	agenticReqs []driver.AgenticRequest
	genReqs     []driver.GenerateRequest
}

func (s *scriptDriver) Generate(_ context.Context, req driver.GenerateRequest) (*driver.GenerateResult, error) {
	s.genReqs = append(s.genReqs, req)
	res := s.gen[0]
	if len(s.gen) > 1 {
		s.gen = s.gen[1:]
	}
	return res, nil
}

func (s *scriptDriver) ExecuteAgentic(ctx context.Context, req driver.AgenticRequest) (*driver.Stream, error) {
	s.agenticReqs = append(s.agenticReqs, req)
	msgs := s.agentic[0]
	if len(s.agentic) > 1 {
		s.agentic = s.agentic[1:]
	}
	return driver.NewStream(ctx, func(_ context.Context, emit func(driver.Message) bool) error {
		for _, m := range msgs {
			if !emit(m) {
				return nil
			}
		}
		return nil
	}), nil
}

func (s *scriptDriver) CleanupSession(context.Context, string) bool { return false }
func (s *scriptDriver) Usage() *driver.Usage                        { return nil }

const validPlan = `# Plan

This plan implements the issue end to end, with enough surrounding detail
to satisfy structural validation of the overall document length.

### Task 1: Build the model

Define the types and their invariants in the models package.

### Task 2: Wire the handlers

Expose the model through the HTTP surface with tests.
`

func factoryFor(drivers map[string]*scriptDriver) DriverFactory {
	return func(agent string) (driver.Driver, error) {
		return drivers[agent], nil
	}
}

func buildTestPipeline(t *testing.T, drivers map[string]*scriptDriver) (*graph.Runner[PipelineState], *graph.MemCheckpointer[PipelineState]) {
	t.Helper()
	cp := graph.NewMemCheckpointer[PipelineState]()
	r, err := Build(Deps{
		Profile:    &models.Profile{ID: "prof-1", Name: "default"},
		Drivers:    factoryFor(drivers),
		WorkingDir: t.TempDir(),
		PlanDir:    t.TempDir(),
	}, cp)
	require.NoError(t, err)
	return r, cp
}

func runToEnd(t *testing.T, ch <-chan graph.Chunk[PipelineState]) []graph.Chunk[PipelineState] {
	t.Helper()
	var chunks []graph.Chunk[PipelineState]
	for c := range ch {
		require.NotEqual(t, graph.ChunkError, c.Kind, "unexpected error chunk: %v", c.Err)
		chunks = append(chunks, c)
	}
	return chunks
}

func initial(profile *models.Profile) PipelineState {
	return NewInitialState("wf-1", models.WorkflowTypeFull, profile, "implement the widget issue", "", "ship working widgets", false)
}

func testCfg() *graph.Config {
	return &graph.Config{ThreadID: "wf-1", ExecutionMode: "server", Profile: "default"}
}

func TestPipelineRunsToCompletion(t *testing.T) {
	drivers := map[string]*scriptDriver{
		"architect": {agentic: [][]driver.Message{{driver.Result(validPlan)}}},
		"developer": {agentic: [][]driver.Message{
			{driver.ToolCall("write_file", "c1", nil), driver.ToolResult("write_file", "c1", "ok", false), driver.Result("task one done")},
			{driver.Result("task two done")},
		}},
		"reviewer": {agentic: [][]driver.Message{
			{driver.Result(`{"approved": true, "summary": "good"}`)},
			{driver.Result(`{"approved": true, "summary": "good"}`)},
		}},
		"evaluator": {gen: []*driver.GenerateResult{{Value: []byte(`{"verdict":"pass","reasoning":"all tasks done"}`)}}},
	}
	r, cp := buildTestPipeline(t, drivers)
	profile := &models.Profile{ID: "prof-1"}

	ch, err := r.Stream(context.Background(), testCfg(), initial(profile))
	require.NoError(t, err)
	chunks := runToEnd(t, ch)

	last := chunks[len(chunks)-1]
	require.Equal(t, graph.ChunkInterrupt, last.Kind)
	assert.Equal(t, NodeHumanApproval, last.Node)
	assert.Equal(t, 2, last.State.TotalTasks)
	assert.Contains(t, last.State.PlanMarkdown, "### Task 1:")

	ch, err = r.Resume(context.Background(), testCfg(), Decision{Action: DecisionApprove})
	require.NoError(t, err)
	chunks = runToEnd(t, ch)

	final := chunks[len(chunks)-1].State
	assert.Equal(t, string(models.WorkflowStatusCompleted), final.WorkflowStatus)
	assert.Equal(t, AgenticCompleted, final.AgenticStatus)
	require.NotNil(t, final.EvaluationResult)
	assert.True(t, final.EvaluationResult.Pass())
	assert.Equal(t, 1, final.CurrentTaskIndex)
	assert.Contains(t, final.ApprovedItems, "plan")
	assert.Len(t, drivers["developer"].agenticReqs, 2)
	assert.Len(t, drivers["reviewer"].agenticReqs, 2)

	_, _, ok, err := cp.Load(context.Background(), "wf-1")
	require.NoError(t, err)
	assert.False(t, ok, "checkpoint removed after terminal run")
}

func TestPipelineRevisesInvalidPlan(t *testing.T) {
	drivers := map[string]*scriptDriver{
		"architect": {agentic: [][]driver.Message{
			{driver.Result("a short plan without any task sections")},
			{driver.Result(validPlan)},
		}},
	}
	r, _ := buildTestPipeline(t, drivers)
	profile := &models.Profile{ID: "prof-1"}

	ch, err := r.Stream(context.Background(), testCfg(), initial(profile))
	require.NoError(t, err)
	chunks := runToEnd(t, ch)

	last := chunks[len(chunks)-1]
	require.Equal(t, graph.ChunkInterrupt, last.Kind)
	assert.Equal(t, 1, last.State.PlanRevisionCount)
	assert.Empty(t, last.State.EscalationWarning)

	require.Len(t, drivers["architect"].agenticReqs, 2)
	second := drivers["architect"].agenticReqs[1]
	assert.Contains(t, second.Prompt, "Validation feedback")
	assert.Contains(t, second.Prompt, "### Task N:")
}

func TestPipelineEscalatesAfterRevisionBudget(t *testing.T) {
	bad := []driver.Message{driver.Result("still no structure " + strings.Repeat("filler ", 40))}
	drivers := map[string]*scriptDriver{
		"architect": {agentic: [][]driver.Message{bad, bad, bad}},
	}
	r, _ := buildTestPipeline(t, drivers)
	profile := &models.Profile{ID: "prof-1"}

	ch, err := r.Stream(context.Background(), testCfg(), initial(profile))
	require.NoError(t, err)
	chunks := runToEnd(t, ch)

	last := chunks[len(chunks)-1]
	require.Equal(t, graph.ChunkInterrupt, last.Kind, "escalates to approval instead of looping")
	assert.Equal(t, DefaultMaxPlanRevisions, last.State.PlanRevisionCount)
	assert.Contains(t, last.State.EscalationWarning, "review carefully")
	// Initial attempt plus the full revision budget before escalating.
	assert.Len(t, drivers["architect"].agenticReqs, DefaultMaxPlanRevisions+1)
	for _, req := range drivers["architect"].agenticReqs[1:] {
		assert.Contains(t, req.Prompt, "Validation feedback")
	}
}

func TestPipelineRejectEndsRun(t *testing.T) {
	drivers := map[string]*scriptDriver{
		"architect": {agentic: [][]driver.Message{{driver.Result(validPlan)}}},
	}
	r, _ := buildTestPipeline(t, drivers)
	profile := &models.Profile{ID: "prof-1"}

	ch, err := r.Stream(context.Background(), testCfg(), initial(profile))
	require.NoError(t, err)
	runToEnd(t, ch)

	ch, err = r.Resume(context.Background(), testCfg(), Decision{Action: DecisionReject, Message: "wrong direction"})
	require.NoError(t, err)
	chunks := runToEnd(t, ch)

	final := chunks[len(chunks)-1].State
	assert.Equal(t, string(models.WorkflowStatusCancelled), final.WorkflowStatus)
	assert.Equal(t, DecisionReject, final.UserDecision)
	assert.Equal(t, "wrong direction", final.UserMessage)
}

func TestPipelineReviewLoopFeedsCommentsBack(t *testing.T) {
	singleTask := `# Plan

One focused change, described in enough detail that the structural
validation of the document length is satisfied by this paragraph.

### Task 1: Do the thing

Make the change and cover it with a test.
`
	drivers := map[string]*scriptDriver{
		"architect": {agentic: [][]driver.Message{{driver.Result(singleTask)}}},
		"developer": {agentic: [][]driver.Message{
			{driver.Result("first attempt")},
			{driver.Result("second attempt")},
		}},
		"reviewer": {agentic: [][]driver.Message{
			{driver.Result(`{"approved": false, "summary": "not yet", "comments": ["missing error handling"]}`)},
			{driver.Result(`{"approved": true, "summary": "good now"}`)},
		}},
		"evaluator": {gen: []*driver.GenerateResult{{Value: []byte(`{"verdict":"pass","reasoning":"done"}`)}}},
	}
	r, _ := buildTestPipeline(t, drivers)
	profile := &models.Profile{ID: "prof-1"}

	ch, err := r.Stream(context.Background(), testCfg(), initial(profile))
	require.NoError(t, err)
	runToEnd(t, ch)

	ch, err = r.Resume(context.Background(), testCfg(), Decision{Action: DecisionApprove})
	require.NoError(t, err)
	chunks := runToEnd(t, ch)

	require.Len(t, drivers["developer"].agenticReqs, 2)
	assert.Contains(t, drivers["developer"].agenticReqs[1].Prompt, "missing error handling")

	final := chunks[len(chunks)-1].State
	assert.Equal(t, 1, final.TaskReviewIteration)
	require.NotNil(t, final.StructuredReview)
	assert.True(t, final.StructuredReview.Approved)
}

func TestPipelineProfileBoundsReviewPasses(t *testing.T) {
	singleTask := `# Plan

One focused change, described in enough detail that the structural
validation of the document length is satisfied by this paragraph.

### Task 1: Do the thing

Make the change and cover it with a test.
`
	rejection := []driver.Message{driver.Result(`{"approved": false, "summary": "not yet", "comments": ["still broken"]}`)}
	drivers := map[string]*scriptDriver{
		"architect": {agentic: [][]driver.Message{{driver.Result(singleTask)}}},
		"developer": {agentic: [][]driver.Message{{driver.Result("attempt")}}},
		"reviewer":  {agentic: [][]driver.Message{rejection, rejection}},
		"evaluator": {gen: []*driver.GenerateResult{{Value: []byte(`{"verdict":"fail","reasoning":"review never passed"}`)}}},
	}
	r, _ := buildTestPipeline(t, drivers)
	profile := &models.Profile{ID: "prof-1", MaxReviewIterations: 1}

	ch, err := r.Stream(context.Background(), testCfg(), initial(profile))
	require.NoError(t, err)
	runToEnd(t, ch)

	ch, err = r.Resume(context.Background(), testCfg(), Decision{Action: DecisionApprove})
	require.NoError(t, err)
	chunks := runToEnd(t, ch)

	assert.Len(t, drivers["developer"].agenticReqs, 1, "one pass only with a review budget of one")
	assert.Len(t, drivers["reviewer"].agenticReqs, 1)

	final := chunks[len(chunks)-1].State
	var exhausted bool
	for _, h := range final.History {
		if h.Event == "review_budget_exhausted" {
			exhausted = true
		}
	}
	assert.True(t, exhausted)
}

func TestPipelinePlanOnlyStopsAfterApproval(t *testing.T) {
	drivers := map[string]*scriptDriver{
		"architect": {agentic: [][]driver.Message{{driver.Result(validPlan)}}},
	}
	r, _ := buildTestPipeline(t, drivers)
	profile := &models.Profile{ID: "prof-1"}

	st := NewInitialState("wf-1", models.WorkflowTypePlanOnly, profile, "implement the widget issue", "", "ship working widgets", false)
	ch, err := r.Stream(context.Background(), testCfg(), st)
	require.NoError(t, err)
	runToEnd(t, ch)

	ch, err = r.Resume(context.Background(), testCfg(), Decision{Action: DecisionApprove})
	require.NoError(t, err)
	chunks := runToEnd(t, ch)

	final := chunks[len(chunks)-1].State
	assert.Equal(t, string(models.WorkflowStatusCompleted), final.WorkflowStatus)
	assert.Nil(t, final.EvaluationResult, "plan-only runs skip implementation")
	assert.Nil(t, drivers["developer"])
}
