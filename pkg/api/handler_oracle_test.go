package api

import (
	"context"
	"encoding/json"
	"net/http"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/amelia-dev/amelia/pkg/agents"
)

func TestOracleConsultEndpoint(t *testing.T) {
	f := newAPIFixture(t)

	var gotReq agents.OracleRequest
	var gotModel string
	f.server.SetOracle(func(_ context.Context, req agents.OracleRequest, model string) (*agents.OracleResult, error) {
		gotReq = req
		gotModel = model
		return &agents.OracleResult{Advice: "use a smaller lock scope"}, nil
	})

	workDir := filepath.Join(f.profile.WorkingDir, "svc")
	resp, body := f.post(t, "/api/oracle/consult", OracleConsultRequest{
		Problem:    "deadlock between scheduler and bus",
		WorkingDir: workDir,
		Files:      []string{"main.go"},
		Model:      "claude-opus",
	})
	require.Equal(t, http.StatusAccepted, resp.StatusCode, string(body))

	var out OracleConsultResponse
	require.NoError(t, json.Unmarshal(body, &out))
	assert.Equal(t, "use a smaller lock scope", out.Advice)
	assert.NotEmpty(t, out.Consultation)
	assert.Equal(t, "deadlock between scheduler and bus", gotReq.Problem)
	assert.Equal(t, workDir, gotReq.WorkingDir)
	assert.Equal(t, "claude-opus", gotModel)
}

func TestOracleConsultValidation(t *testing.T) {
	f := newAPIFixture(t)
	f.server.SetOracle(func(_ context.Context, _ agents.OracleRequest, _ string) (*agents.OracleResult, error) {
		t.Error("oracle must not be consulted on invalid input")
		return &agents.OracleResult{}, nil
	})

	t.Run("missing problem", func(t *testing.T) {
		resp, _ := f.post(t, "/api/oracle/consult", OracleConsultRequest{WorkingDir: f.profile.WorkingDir})
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("missing working_dir", func(t *testing.T) {
		resp, _ := f.post(t, "/api/oracle/consult", OracleConsultRequest{Problem: "help"})
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("working_dir outside profile root", func(t *testing.T) {
		resp, body := f.post(t, "/api/oracle/consult", OracleConsultRequest{
			Problem:    "help",
			WorkingDir: t.TempDir(),
		})
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		assert.Contains(t, string(body), "outside the profile root")
	})
}

func TestDirWithin(t *testing.T) {
	assert.True(t, dirWithin("/srv/repo", "/srv/repo"))
	assert.True(t, dirWithin("/srv/repo", "/srv/repo/sub/dir"))
	assert.False(t, dirWithin("/srv/repo", "/srv/other"))
	assert.False(t, dirWithin("/srv/repo", "/srv/repo/../escape"))
	assert.False(t, dirWithin("/srv/repo", "/srv/repository"))
}
