package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dontdude/sandrun/internal/domain"
	"github.com/dontdude/sandrun/internal/platform/web"
	"github.com/dontdude/sandrun/internal/room"
)

type fakeExecutor struct {
	mu   sync.Mutex
	reqs []domain.ExecutionRequest
	res  domain.ExecutionResult
}

func (f *fakeExecutor) Dispatch(_ context.Context, req domain.ExecutionRequest) domain.ExecutionResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reqs = append(f.reqs, req)
	return f.res
}

type fakeQueue struct {
	mu        sync.Mutex
	published []domain.Job
	err       error
}

func (q *fakeQueue) Publish(_ context.Context, job domain.Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.published = append(q.published, job)
	return q.err
}

func (q *fakeQueue) Subscribe(context.Context) (<-chan domain.Job, error) {
	return nil, nil
}

func (q *fakeQueue) Acknowledge(context.Context, string) error {
	return nil
}

func (q *fakeQueue) Broadcast(context.Context, domain.JobResult) error {
	return nil
}

func (q *fakeQueue) SubscribeLogs(context.Context) (<-chan domain.JobResult, error) {
	return nil, nil
}

type fakeGenerator struct {
	code string
	err  error
	lang string
}

func (g *fakeGenerator) Generate(_ context.Context, _, language string) (string, error) {
	g.lang = language
	return g.code, g.err
}

func intPtr(n int) *int { return &n }

func newTestServer(exec *fakeExecutor, q domain.JobQueue) *server {
	return &server{
		executor:  exec,
		queue:     q,
		results:   newResultHub(nil),
		rooms:     room.NewHub(nil),
		generator: &fakeGenerator{code: "<p>hi</p>"},
		limiter:   web.NewRateLimiter(1000, 1000),
		maxBody:   1 << 20,
	}
}

func post(t *testing.T, h http.Handler, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	h := newTestServer(&fakeExecutor{}, nil).routes()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Hello from sandrun!", rec.Body.String())
}

func TestRunSuccess(t *testing.T) {
	exec := &fakeExecutor{res: domain.ExecutionResult{Output: "Hello\n", ExitCode: intPtr(0)}}
	h := newTestServer(exec, nil).routes()

	rec := post(t, h, "/run", `{"code":"print('Hello')","language":"python","input":"x"}`)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"output":"Hello\n","exitCode":0}`, rec.Body.String())
	require.Len(t, exec.reqs, 1)
	assert.Equal(t, domain.ModeRun, exec.reqs[0].Mode)
	assert.Equal(t, "python", exec.reqs[0].Language)
	assert.Equal(t, "x", exec.reqs[0].Input)
}

func TestRunTestsUsesTestMode(t *testing.T) {
	exec := &fakeExecutor{res: domain.ExecutionResult{Output: "OK", ExitCode: intPtr(0)}}
	h := newTestServer(exec, nil).routes()

	rec := post(t, h, "/run-tests", `{"code":"class T(unittest.TestCase): pass"}`)
	assert.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, exec.reqs, 1)
	assert.Equal(t, domain.ModeTest, exec.reqs[0].Mode)
	assert.Empty(t, exec.reqs[0].Language, "defaulting is left to the engine")
}

func TestRunRejectsMissingOrNonStringCode(t *testing.T) {
	exec := &fakeExecutor{}
	h := newTestServer(exec, nil).routes()

	for _, body := range []string{`{}`, `{"code":""}`, `{"code":42}`, `{"code":null}`} {
		rec := post(t, h, "/run", body)
		assert.Equal(t, http.StatusBadRequest, rec.Code, body)
		assert.JSONEq(t, `{"output":"Code is required and must be a string"}`, rec.Body.String(), body)
	}
	rec := post(t, h, "/run", `not json`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Empty(t, exec.reqs)
}

func TestRunRejectsOversizedBody(t *testing.T) {
	s := newTestServer(&fakeExecutor{}, nil)
	s.maxBody = 16
	rec := post(t, s.routes(), "/run", `{"code":"`+strings.Repeat("a", 64)+`"}`)
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}

func TestStatusMapping(t *testing.T) {
	tests := []struct {
		name   string
		res    domain.ExecutionResult
		status int
		body   string
	}{
		{
			name:   "non-zero exit is still 200",
			res:    domain.ExecutionResult{Output: "boom\nError: Exec exited with code 1", ExitCode: intPtr(1)},
			status: http.StatusOK,
			body:   `{"output":"boom\nError: Exec exited with code 1","exitCode":1}`,
		},
		{
			name:   "unsupported language",
			res:    domain.ExecutionResult{Output: "Language cobol not supported yet", Err: domain.ErrNotSupported},
			status: http.StatusBadRequest,
			body:   `{"output":"Language cobol not supported yet"}`,
		},
		{
			name:   "stream failure",
			res:    domain.ExecutionResult{Output: "partial\nExec stream error: eof", Err: domain.ErrStream},
			status: http.StatusInternalServerError,
			body:   `{"output":"partial\nExec stream error: eof"}`,
		},
		{
			name:   "provision failure",
			res:    domain.ExecutionResult{Output: "Error: provision error: no such image", Err: domain.Wrap(domain.ErrProvision, "no such image")},
			status: http.StatusInternalServerError,
			body:   `{"output":"Error: provision error: no such image"}`,
		},
		{
			name:   "timeout",
			res:    domain.ExecutionResult{Output: "tick\nError: Execution timed out (10s limit)", Err: domain.ErrTimedOut},
			status: http.StatusInternalServerError,
			body:   `{"output":"tick\nError: Execution timed out (10s limit)","timedOut":true}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newTestServer(&fakeExecutor{res: tt.res}, nil).routes()
			rec := post(t, h, "/run", `{"code":"x"}`)
			assert.Equal(t, tt.status, rec.Code)
			assert.JSONEq(t, tt.body, rec.Body.String())
		})
	}
}

func TestRateLimitApplies(t *testing.T) {
	s := newTestServer(&fakeExecutor{}, nil)
	s.limiter = web.NewRateLimiter(0.001, 1)
	h := s.routes()

	assert.Equal(t, http.StatusOK, post(t, h, "/run", `{"code":"x"}`).Code)
	assert.Equal(t, http.StatusTooManyRequests, post(t, h, "/run", `{"code":"x"}`).Code)
}

func TestCreateRoom(t *testing.T) {
	h := newTestServer(&fakeExecutor{}, nil).routes()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/create-room", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Len(t, body["roomId"], 36)
}

func TestRoomRejectsBadID(t *testing.T) {
	h := newTestServer(&fakeExecutor{}, nil).routes()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/rooms/nope/ws", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGenerateCode(t *testing.T) {
	s := newTestServer(&fakeExecutor{}, nil)
	gen := &fakeGenerator{code: "<p>hi</p>"}
	s.generator = gen
	h := s.routes()

	rec := post(t, h, "/generate-code", `{"prompt":"a paragraph"}`)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"code":"<p>hi</p>"}`, rec.Body.String())

	rec = post(t, h, "/generate-code", `{"prompt":5}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.JSONEq(t, `{"error":"Prompt is required and must be a string"}`, rec.Body.String())

	gen.err = errors.New("quota exceeded")
	rec = post(t, h, "/generate-code", `{"prompt":"x","language":"go"}`)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.JSONEq(t, `{"error":"Failed to generate code: quota exceeded"}`, rec.Body.String())
	assert.Equal(t, "go", gen.lang)
}

func TestAsyncRoutesNeedQueue(t *testing.T) {
	h := newTestServer(&fakeExecutor{}, nil).routes()
	rec := post(t, h, "/api/jobs", `{"code":"x"}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSubmitEnqueues(t *testing.T) {
	q := &fakeQueue{}
	h := newTestServer(&fakeExecutor{}, q).routes()

	rec := post(t, h, "/api/jobs", `{"code":"puts 1","language":"ruby","mode":"test"}`)
	require.Equal(t, http.StatusAccepted, rec.Code)

	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "queued", body["status"])

	require.Len(t, q.published, 1)
	job := q.published[0]
	assert.Equal(t, body["job_id"], job.ID)
	assert.Equal(t, job.ID, job.Request.JobID)
	assert.Equal(t, domain.ModeTest, job.Request.Mode)
	assert.Equal(t, "ruby", job.Request.Language)
}

func TestSubmitValidation(t *testing.T) {
	q := &fakeQueue{}
	h := newTestServer(&fakeExecutor{}, q).routes()

	assert.Equal(t, http.StatusBadRequest, post(t, h, "/api/jobs", `{"language":"go"}`).Code)
	assert.Equal(t, http.StatusBadRequest, post(t, h, "/api/jobs", `{"code":"x","mode":"debug"}`).Code)

	q.err = errors.New("redis down")
	assert.Equal(t, http.StatusInternalServerError, post(t, h, "/api/jobs", `{"code":"x"}`).Code)
}

func TestResultsWebSocket(t *testing.T) {
	s := newTestServer(&fakeExecutor{}, &fakeQueue{})
	ts := httptest.NewServer(s.routes())
	defer ts.Close()
	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/ws?job_id="

	conn, _, err := websocket.DefaultDialer.Dial(wsURL+"j1", nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool {
		s.results.mu.Lock()
		defer s.results.mu.Unlock()
		return len(s.results.watchers["j1"]) == 1
	}, 2*time.Second, 10*time.Millisecond)

	s.results.Deliver(domain.JobResult{JobID: "other", Output: "nope", Status: "ok"})
	s.results.Deliver(domain.JobResult{JobID: "j1", Output: "done", ExitCode: intPtr(0), Status: "ok"})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var got domain.JobResult
	require.NoError(t, conn.ReadJSON(&got))
	assert.Equal(t, "j1", got.JobID)
	assert.Equal(t, "done", got.Output)

	// A late subscriber still gets the result.
	late, _, err := websocket.DefaultDialer.Dial(wsURL+"other", nil)
	require.NoError(t, err)
	defer late.Close()
	late.SetReadDeadline(time.Now().Add(2 * time.Second))
	require.NoError(t, late.ReadJSON(&got))
	assert.Equal(t, "nope", got.Output)
}

func TestResultHubForgetsOldResults(t *testing.T) {
	h := newResultHub(nil)
	for i := 0; i < recentResults+10; i++ {
		h.Deliver(domain.JobResult{JobID: string(rune(0x4e00 + i))})
	}
	assert.Len(t, h.recent, recentResults)
	assert.Len(t, h.order, recentResults)
}

func TestOriginChecker(t *testing.T) {
	check := originChecker([]string{"http://localhost:3000"})
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	assert.True(t, check(req))

	req.Header.Set("Origin", "http://localhost:3000")
	assert.True(t, check(req))

	req.Header.Set("Origin", "http://evil.example")
	assert.False(t, check(req))
}
