package opsserver_test

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atelier-dev/workspace-node/internal/models"
	"github.com/atelier-dev/workspace-node/internal/opsserver"
	"github.com/atelier-dev/workspace-node/internal/orchestrator"
	"github.com/atelier-dev/workspace-node/internal/pool"
)

type fakeWorkspaces struct {
	getErr     error
	released   []models.ProjectID
	stopped    []models.ProjectID
	heartbeats []models.ProjectID
}

func (f *fakeWorkspaces) GetOrCreateVM(ctx context.Context, projectID models.ProjectID, opts orchestrator.GetOrCreateOpts) (orchestrator.VMHandle, error) {
	if f.getErr != nil {
		return orchestrator.VMHandle{}, f.getErr
	}
	return orchestrator.VMHandle{UnitID: "unit-1", Endpoint: "10.0.0.1:7070"}, nil
}

func (f *fakeWorkspaces) ReleaseProjectVM(ctx context.Context, projectID models.ProjectID) error {
	f.released = append(f.released, projectID)
	return nil
}

func (f *fakeWorkspaces) StopVM(ctx context.Context, projectID models.ProjectID) error {
	f.stopped = append(f.stopped, projectID)
	return nil
}

func (f *fakeWorkspaces) GetActiveVMs(ctx context.Context) ([]orchestrator.ActiveSession, error) {
	return []orchestrator.ActiveSession{
		{
			ProjectSession: models.ProjectSession{ProjectID: "p1", UnitID: "unit-1"},
			Idle:           42 * time.Second,
		},
	}, nil
}

func (f *fakeWorkspaces) Heartbeat(ctx context.Context, projectID models.ProjectID) error {
	f.heartbeats = append(f.heartbeats, projectID)
	return nil
}

func (f *fakeWorkspaces) RecyclePool(ctx context.Context) int {
	return 3
}

func (f *fakeWorkspaces) GetDiagnostics(ctx context.Context) (orchestrator.Diagnostics, error) {
	return orchestrator.Diagnostics{
		Pool:           pool.Stats{Size: 4, Available: 3, Allocated: 1},
		ActiveSessions: 1,
	}, nil
}

func newTestServer(fake *fakeWorkspaces) *httptest.Server {
	return httptest.NewServer(opsserver.New(fake).Routes())
}

func TestGetOrCreate_ReturnsHandle(t *testing.T) {
	srv := newTestServer(&fakeWorkspaces{})
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/v1/projects/p1/vm", "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	var handle orchestrator.VMHandle
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&handle))
	assert.Equal(t, models.UnitID("unit-1"), handle.UnitID)
	assert.Equal(t, "10.0.0.1:7070", handle.Endpoint)
}

func TestGetOrCreate_PoolExhaustedMapsTo503(t *testing.T) {
	srv := newTestServer(&fakeWorkspaces{getErr: pool.ErrPoolExhausted})
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/v1/projects/p1/vm", "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, "3", resp.Header.Get("Retry-After"))
}

func TestGetOrCreate_ClientGoneMapsTo499(t *testing.T) {
	gone := fmt.Errorf("allocation interrupted: %w", context.Canceled)
	srv := newTestServer(&fakeWorkspaces{getErr: gone})
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/v1/projects/p1/vm", "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, 499, resp.StatusCode)
}

func TestRelease_NoContent(t *testing.T) {
	fake := &fakeWorkspaces{}
	srv := newTestServer(fake)
	defer srv.Close()

	req, err := http.NewRequest(http.MethodDelete, srv.URL+"/v1/projects/p1/vm", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, []models.ProjectID{"p1"}, fake.released)
}

func TestHeartbeat_BumpsProject(t *testing.T) {
	fake := &fakeWorkspaces{}
	srv := newTestServer(fake)
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/v1/projects/p1/heartbeat", "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, []models.ProjectID{"p1"}, fake.heartbeats)
}

func TestActiveVMs_ListsSessions(t *testing.T) {
	srv := newTestServer(&fakeWorkspaces{})
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/v1/vms")
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	var active []orchestrator.ActiveSession
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&active))
	require.Len(t, active, 1)
	assert.Equal(t, models.ProjectID("p1"), active[0].ProjectID)
}

func TestRecycle_ReportsCount(t *testing.T) {
	srv := newTestServer(&fakeWorkspaces{})
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/v1/pool/recycle", "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	var payload map[string]int
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&payload))
	assert.Equal(t, 3, payload["recycled"])
}

func TestProbes_AlwaysOK(t *testing.T) {
	srv := newTestServer(&fakeWorkspaces{})
	defer srv.Close()

	for _, path := range []string{"/healthz", "/ready"} {
		resp, err := http.Get(srv.URL + path)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode)
	}
}
