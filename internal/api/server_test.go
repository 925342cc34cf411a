package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"distributed-job-scheduler/internal/models"
	"distributed-job-scheduler/internal/payload"
	"distributed-job-scheduler/internal/ratelimit"
	"distributed-job-scheduler/internal/scheduler"
	"distributed-job-scheduler/internal/store"
)

type echo struct {
	Text string `json:"text"`
}

func (e *echo) Perform(context.Context) (bool, error) { return e.Text != "fail", nil }

type fixture struct {
	srv  *httptest.Server
	repo *store.Memory
}

func newFixture(t *testing.T, settings scheduler.Settings, limiter *ratelimit.TokenBucket) *fixture {
	t.Helper()
	reg := payload.NewRegistry()
	reg.MustRegister("echo", func() any { return &echo{} })
	repo := store.NewMemory()
	exec := scheduler.New(repo, reg, settings, zap.NewNop().Sugar())
	srv := httptest.NewServer(New(exec, reg, limiter, nil).Router())
	t.Cleanup(srv.Close)
	return &fixture{srv: srv, repo: repo}
}

func (f *fixture) do(t *testing.T, method, path string, body any, headers ...string) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, f.srv.URL+path, &buf)
	require.NoError(t, err)
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

type jobResponse struct {
	ID          int64           `json:"id"`
	Priority    int             `json:"priority"`
	Attempts    int             `json:"attempts"`
	Handler     json.RawMessage `json:"handler"`
	RunAt       *time.Time      `json:"run_at"`
	SucceededAt *time.Time      `json:"succeeded_at"`
	Recurrence  json.RawMessage `json:"recurrence"`
}

func TestEnqueueDeferred(t *testing.T) {
	f := newFixture(t, scheduler.DefaultSettings(), nil)

	resp := f.do(t, http.MethodPost, "/jobs", map[string]any{
		"kind":          "echo",
		"args":          map[string]string{"text": "hi"},
		"priority":      3,
		"delay_seconds": 60,
	})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	job := decode[jobResponse](t, resp)
	assert.NotZero(t, job.ID)
	assert.Equal(t, 3, job.Priority)
	assert.Equal(t, 0, job.Attempts)
	require.NotNil(t, job.RunAt)
	assert.True(t, job.RunAt.After(time.Now().Add(30*time.Second)))
	assert.JSONEq(t, `{"kind":"echo","args":{"text":"hi"}}`, string(job.Handler))

	stored, err := f.repo.Load(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, stored.Priority)
}

func TestEnqueueImmediate(t *testing.T) {
	s := scheduler.DefaultSettings()
	s.Immediate = true
	f := newFixture(t, s, nil)

	resp := f.do(t, http.MethodPost, "/jobs", map[string]any{"kind": "echo", "args": map[string]string{"text": "now"}})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	job := decode[jobResponse](t, resp)
	assert.Equal(t, 1, job.Attempts)
	assert.NotNil(t, job.SucceededAt)
	assert.Equal(t, 0, f.repo.Len())
}

func TestEnqueueValidation(t *testing.T) {
	f := newFixture(t, scheduler.DefaultSettings(), nil)

	cases := []struct {
		name string
		body any
	}{
		{"missing kind", map[string]any{"args": map[string]string{}}},
		{"unknown kind", map[string]any{"kind": "nope"}},
		{"bad args", map[string]any{"kind": "echo", "args": map[string]int{"text": 1}}},
		{"bad unit", map[string]any{"kind": "echo", "recurrence": map[string]any{"every": 1, "unit": "fortnight"}}},
		{"zero period", map[string]any{"kind": "echo", "recurrence": map[string]any{"every": 0, "unit": "day"}}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp := f.do(t, http.MethodPost, "/jobs", tc.body)
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		})
	}

	req, err := http.NewRequest(http.MethodPost, f.srv.URL+"/jobs", bytes.NewBufferString("{"))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestRecurringJobOccurrences(t *testing.T) {
	f := newFixture(t, scheduler.DefaultSettings(), nil)
	monday := time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)

	resp := f.do(t, http.MethodPost, "/jobs", map[string]any{
		"kind": "echo",
		"recurrence": map[string]any{
			"every": 1, "unit": "day", "for": 2, "for_unit": "weeks",
			"start": monday, "exclude_weekends": true,
		},
	})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	job := decode[jobResponse](t, resp)
	assert.Equal(t, monday, job.RunAt.UTC())

	resp = f.do(t, http.MethodGet, "/jobs/"+strconv.FormatInt(job.ID, 10)+"/occurrences", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	occ := decode[occurrencesResponse](t, resp)
	assert.Equal(t, 10, occ.Total)
	require.NotNil(t, occ.Next)
	assert.Equal(t, monday.AddDate(0, 0, 1), occ.Next.UTC())
	require.NotNil(t, occ.Last)
	assert.Equal(t, monday.AddDate(0, 0, 11), occ.Last.UTC())

	resp = f.do(t, http.MethodPost, "/jobs", map[string]any{
		"kind":       "echo",
		"recurrence": map[string]any{"every": 1, "unit": "hour"},
	})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	unbounded := decode[jobResponse](t, resp)
	resp = f.do(t, http.MethodGet, "/jobs/"+strconv.FormatInt(unbounded.ID, 10)+"/occurrences", nil)
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
}

func TestGetListDelete(t *testing.T) {
	f := newFixture(t, scheduler.DefaultSettings(), nil)
	ctx := context.Background()
	job := &models.Job{Handler: []byte(`{"kind":"echo","args":{"text":"x"}}`)}
	require.NoError(t, f.repo.Save(ctx, job))
	path := "/jobs/" + strconv.FormatInt(job.ID, 10)

	resp := f.do(t, http.MethodGet, path, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, job.ID, decode[jobResponse](t, resp).ID)

	resp = f.do(t, http.MethodGet, "/jobs", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	list := decode[struct {
		Jobs []jobResponse `json:"jobs"`
	}](t, resp)
	assert.Len(t, list.Jobs, 1)

	resp = f.do(t, http.MethodGet, path+"/occurrences", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode, "not recurring")

	resp = f.do(t, http.MethodDelete, path, nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp = f.do(t, http.MethodGet, path, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp = f.do(t, http.MethodGet, "/jobs/abc", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestBatch(t *testing.T) {
	f := newFixture(t, scheduler.DefaultSettings(), nil)

	resp := f.do(t, http.MethodPost, "/batches", map[string]any{
		"name":     "nightly",
		"priority": 4,
		"jobs": []map[string]any{
			{"kind": "echo", "args": map[string]string{"text": "a"}},
			{"kind": "echo", "args": map[string]string{"text": "b"}},
		},
	})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	batch := decode[models.Batch](t, resp)
	assert.Equal(t, "nightly", batch.Name)
	assert.Len(t, batch.JobIDs, 2)
	assert.Equal(t, 2, f.repo.Len())

	resp = f.do(t, http.MethodPost, "/batches", map[string]any{"name": "empty"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestRateLimitPerTenant(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	f := newFixture(t, scheduler.DefaultSettings(), ratelimit.NewTokenBucket(client, 1, 0.001, time.Minute))
	body := map[string]any{"kind": "echo"}

	resp := f.do(t, http.MethodPost, "/jobs", body, "X-Tenant-ID", "acme")
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	resp = f.do(t, http.MethodPost, "/jobs", body, "X-Tenant-ID", "acme")
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("Retry-After"))
	resp = f.do(t, http.MethodPost, "/jobs", body, "X-Tenant-ID", "globex")
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
}

func TestHealthAndMetrics(t *testing.T) {
	f := newFixture(t, scheduler.DefaultSettings(), nil)
	resp := f.do(t, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp = f.do(t, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
