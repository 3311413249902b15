package server

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tarungka/telepipe/pipeline"
)

type response struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   string          `json:"error"`
}

func newTestServer(t *testing.T) (*httptest.Server, *pipeline.Manager) {
	t.Helper()
	m := pipeline.NewManager(pipeline.NewFactory(nil))
	ts := httptest.NewServer(New(m).Handler())
	t.Cleanup(func() {
		ts.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		assert.NoError(t, m.Shutdown(ctx))
	})
	return ts, m
}

func do(t *testing.T, method, url, body string) (int, response) {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	var r response
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&r))
	return resp.StatusCode, r
}

func TestHealth(t *testing.T) {
	ts, _ := newTestServer(t)
	resp, err := http.Get(ts.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestOperators(t *testing.T) {
	ts, _ := newTestServer(t)
	status, r := do(t, http.MethodGet, ts.URL+"/operators", "")
	assert.Equal(t, http.StatusOK, status)
	var ops OperatorsModel
	require.NoError(t, json.Unmarshal(r.Data, &ops))
	assert.Contains(t, ops.Operators, "read_json")
	assert.Contains(t, ops.Operators, "to_elasticsearch")
	assert.Contains(t, ops.Operators, "from_kafka")
}

func TestPipelineLifecycle(t *testing.T) {
	ts, m := newTestServer(t)

	status, r := do(t, http.MethodPost, ts.URL+"/pipelines",
		`{"name":"slow","definition":"generate count=100000 batch_size=1 | throttle rate=1 | discard"}`)
	require.Equal(t, http.StatusCreated, status, r.Error)
	var info pipeline.RunInfo
	require.NoError(t, json.Unmarshal(r.Data, &info))
	assert.Equal(t, "slow", info.Pipeline)

	status, _ = do(t, http.MethodPost, ts.URL+"/pipelines/"+info.ID+"/pause", "")
	assert.Equal(t, http.StatusOK, status)
	status, _ = do(t, http.MethodPost, ts.URL+"/pipelines/"+info.ID+"/resume", "")
	assert.Equal(t, http.StatusOK, status)
	status, _ = do(t, http.MethodPost, ts.URL+"/pipelines/"+info.ID+"/stop", "")
	assert.Equal(t, http.StatusOK, status)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_, err := m.Wait(ctx, info.ID)
	require.NoError(t, err)

	status, r = do(t, http.MethodGet, ts.URL+"/pipelines/"+info.ID, "")
	require.Equal(t, http.StatusOK, status)
	require.NoError(t, json.Unmarshal(r.Data, &info))
	assert.EqualValues(t, "stopped", info.Status)

	status, r = do(t, http.MethodGet, ts.URL+"/pipelines", "")
	require.Equal(t, http.StatusOK, status)
	var runs []pipeline.RunInfo
	require.NoError(t, json.Unmarshal(r.Data, &runs))
	assert.Len(t, runs, 1)
}

func TestCreatePipeline_Errors(t *testing.T) {
	ts, _ := newTestServer(t)
	tests := []struct {
		name string
		body string
	}{
		{"malformed", `{"name":`},
		{"invalid", `{"name":"x"}`},
		{"syntax", `{"name":"x","definition":"generate |"}`},
		{"unknown operator", `{"name":"x","definition":"nope | discard"}`},
		{"not closed", `{"name":"x","definition":"generate"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, r := do(t, http.MethodPost, ts.URL+"/pipelines", tt.body)
			assert.Equal(t, http.StatusBadRequest, status)
			assert.False(t, r.Success)
			assert.NotEmpty(t, r.Error)
		})
	}
}

func TestUnknownRun(t *testing.T) {
	ts, _ := newTestServer(t)
	status, r := do(t, http.MethodGet, ts.URL+"/pipelines/missing", "")
	assert.Equal(t, http.StatusNotFound, status)
	assert.False(t, r.Success)

	status, _ = do(t, http.MethodPost, ts.URL+"/pipelines/missing/stop", "")
	assert.Equal(t, http.StatusNotFound, status)
}

func TestServe_Shutdown(t *testing.T) {
	m := pipeline.NewManager(pipeline.NewFactory(nil))
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	errs := make(chan error, 1)
	go func() { errs <- New(m).Serve(ctx, lis) }()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + lis.Addr().String() + "/health")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-errs:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}
}
