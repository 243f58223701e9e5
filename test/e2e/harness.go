// Package e2e boots a complete amelia instance against scripted drivers
// and exercises it over HTTP the way the CLI does.
package e2e

import (
	"context"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/amelia-dev/amelia/pkg/api"
	"github.com/amelia-dev/amelia/pkg/bus"
	"github.com/amelia-dev/amelia/pkg/driver"
	"github.com/amelia-dev/amelia/pkg/graph"
	"github.com/amelia-dev/amelia/pkg/models"
	"github.com/amelia-dev/amelia/pkg/orchestrator"
	"github.com/amelia-dev/amelia/pkg/pipeline"
	"github.com/amelia-dev/amelia/pkg/store"
)

// TestApp is a full amelia stack on sqlite with scripted agent drivers.
type TestApp struct {
	Store   *store.Store
	Bus     *bus.Bus
	Orch    *orchestrator.Orchestrator
	Server  *api.Server
	BaseURL string
	Profile *models.Profile

	t *testing.T
}

// ScriptedDriver replays one scripted response list per call, holding the
// last list when the script runs out.
type ScriptedDriver struct {
	Agentic [][]driver.Message
	Gen     []*driver.GenerateResult
}

func (s *ScriptedDriver) Generate(_ context.Context, _ driver.GenerateRequest) (*driver.GenerateResult, error) {
	res := s.Gen[0]
	if len(s.Gen) > 1 {
		s.Gen = s.Gen[1:]
	}
	return res, nil
}

func (s *ScriptedDriver) ExecuteAgentic(ctx context.Context, _ driver.AgenticRequest) (*driver.Stream, error) {
	msgs := s.Agentic[0]
	if len(s.Agentic) > 1 {
		s.Agentic = s.Agentic[1:]
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

func (s *ScriptedDriver) CleanupSession(context.Context, string) bool { return false }
func (s *ScriptedDriver) Usage() *driver.Usage                        { return nil }

// NewTestApp boots the stack. drivers maps agent names to scripts.
func NewTestApp(t *testing.T, drivers map[string]*ScriptedDriver) *TestApp {
	t.Helper()
	ctx := context.Background()

	st, err := store.Open(ctx, store.Config{
		Backend: store.BackendSQLite,
		DSN:     filepath.Join(t.TempDir(), "e2e.db"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	b := bus.New(st)
	cm := bus.NewConnectionManager(b, time.Second)

	orch := orchestrator.New(st, b, orchestrator.Config{RetryBackoff: time.Millisecond})
	orch.SetRunnerFactory(func(deps pipeline.Deps, cp graph.Checkpointer[pipeline.PipelineState]) (*graph.Runner[pipeline.PipelineState], error) {
		deps.Drivers = func(agent string) (driver.Driver, error) {
			return drivers[agent], nil
		}
		return pipeline.Build(deps, cp)
	})

	profile := &models.Profile{
		ID:         uuid.New().String(),
		Name:       "e2e",
		Tracker:    "noop",
		WorkingDir: t.TempDir(),
		PlanOutput: t.TempDir(),
	}
	require.NoError(t, st.CreateProfile(ctx, profile))
	require.NoError(t, st.SetActiveProfile(ctx, profile.ID))

	srv := api.NewServer(st, b, orch, cm)
	httpSrv := httptest.NewServer(srv.Router())
	t.Cleanup(httpSrv.Close)
	t.Cleanup(func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = orch.Shutdown(shutdownCtx)
	})

	return &TestApp{
		Store:   st,
		Bus:     b,
		Orch:    orch,
		Server:  srv,
		BaseURL: httpSrv.URL,
		Profile: profile,
		t:       t,
	}
}

// WaitForStatus polls until the workflow reaches the wanted status.
func (app *TestApp) WaitForStatus(id string, want models.WorkflowStatus) *models.Workflow {
	app.t.Helper()
	var wf *models.Workflow
	require.Eventually(app.t, func() bool {
		var err error
		wf, err = app.Store.GetWorkflow(context.Background(), id)
		return err == nil && wf.Status == want
	}, 10*time.Second, 10*time.Millisecond, "workflow %s never reached %s", id, want)
	return wf
}

// EventTypes returns the ordered event types recorded for a workflow.
func (app *TestApp) EventTypes(id string) []models.EventType {
	app.t.Helper()
	events, err := app.Store.ListEvents(context.Background(), id, 0)
	require.NoError(app.t, err)
	types := make([]models.EventType, 0, len(events))
	for _, e := range events {
		types = append(types, e.Type)
	}
	return types
}
