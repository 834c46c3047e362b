package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/Kocoro-lab/Shannon/go/opshub/internal/auth"
	"github.com/Kocoro-lab/Shannon/go/opshub/internal/control"
	"github.com/Kocoro-lab/Shannon/go/opshub/internal/multimodal"
	"github.com/Kocoro-lab/Shannon/go/opshub/internal/policy"
	"github.com/Kocoro-lab/Shannon/go/opshub/internal/process"
	"github.com/Kocoro-lab/Shannon/go/opshub/internal/registry"
	"github.com/Kocoro-lab/Shannon/go/opshub/internal/streaming"
	"github.com/Kocoro-lab/Shannon/go/opshub/internal/subsystems/trace"
)

type failingAdapter struct{ kind process.Kind }

func (f failingAdapter) Kind() process.Kind { return f.kind }
func (f failingAdapter) List(context.Context, uuid.UUID) ([]process.Entry, error) {
	return nil, errors.New("store offline")
}
func (f failingAdapter) Get(_ context.Context, id string, _ uuid.UUID) (process.Entry, error) {
	return process.Entry{}, &process.NotFoundError{Kind: f.kind, ID: id}
}
func (f failingAdapter) Apply(_ context.Context, id string, _ uuid.UUID, _ process.Verb) (process.Entry, error) {
	return process.Entry{}, &process.NotFoundError{Kind: f.kind, ID: id}
}

type server struct {
	mux    *http.ServeMux
	traces *trace.Service
	engine *multimodal.Engine
	events *streaming.Manager
}

func newServer(t *testing.T, extra ...process.Adapter) *server {
	t.Helper()
	logger := zaptest.NewLogger(t)

	traceStore := trace.NewMemoryStore()
	events := streaming.NewManager(64, logger)
	selector := multimodal.NewSelector([]multimodal.Provider{
		multimodal.NewStaticProvider("echo", nil, 20*time.Millisecond, multimodal.FailNone, "ok"),
	}, nil, nil, logger)
	engine := multimodal.NewEngine(multimodal.DefaultConfig(), selector, events, logger)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = engine.Wait(ctx)
	})

	adapters := append([]process.Adapter{
		trace.NewAdapter(traceStore, logger),
		multimodal.NewAdapter(engine),
	}, extra...)
	reg, err := registry.New(adapters, registry.Config{}, logger, registry.WithEvents(events))
	require.NoError(t, err)

	pe, err := policy.NewEngine(policy.Config{}, logger)
	require.NoError(t, err)
	guard := auth.NewGuard(pe, logger)

	mux := http.NewServeMux()
	NewHubHandler(reg, control.NewDispatcher(reg, events, logger), guard, logger).RegisterRoutes(mux)
	NewMultimodalHandler(engine, guard, logger).RegisterRoutes(mux)
	NewStreamingHandler(events, guard, logger).RegisterRoutes(mux)

	return &server{mux: mux, traces: trace.NewService(traceStore, logger), engine: engine, events: events}
}

func (s *server) do(t *testing.T, method, path, body string, tenant uuid.UUID, scopes ...string) *httptest.ResponseRecorder {
	t.Helper()
	var r *http.Request
	if body == "" {
		r = httptest.NewRequest(method, path, nil)
	} else {
		r = httptest.NewRequest(method, path, strings.NewReader(body))
	}
	if len(scopes) == 0 {
		scopes = auth.AllScopes
	}
	r = r.WithContext(auth.WithUser(r.Context(), &auth.UserContext{
		UserID:   uuid.New(),
		TenantID: tenant,
		Username: "operator",
		Scopes:   scopes,
	}))
	rec := httptest.NewRecorder()
	s.mux.ServeHTTP(rec, r)
	return rec
}

func (s *server) runningTrace(t *testing.T, tenant uuid.UUID) string {
	t.Helper()
	tr, err := s.traces.Start(context.Background(), tenant, "nightly-eval", "cli")
	require.NoError(t, err)
	_, err = s.traces.MarkRunning(context.Background(), tr.ID, tenant)
	require.NoError(t, err)
	return tr.ID
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func TestHubListingAndFilters(t *testing.T) {
	s := newServer(t)
	tenant := uuid.New()
	s.runningTrace(t, tenant)
	s.runningTrace(t, uuid.New())
	rec := s.do(t, http.MethodPost, "/v1/multimodal/requests", `{"modality":"text","input":{"prompt":"hi"}}`, tenant)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = s.do(t, http.MethodGet, "/v1/operations/hub", "", tenant)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, float64(2), body["count"])
	assert.Equal(t, false, body["partial"])

	rec = s.do(t, http.MethodGet, "/v1/operations/hub?kind=trace&status=running", "", tenant)
	require.Equal(t, http.StatusOK, rec.Code)
	body = decode(t, rec)
	assert.Equal(t, float64(1), body["count"])
	summary := body["summary"].(map[string]interface{})
	assert.Equal(t, float64(2), summary["total"])

	rec = s.do(t, http.MethodGet, "/v1/operations/hub?status=sleeping", "", tenant)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHubPartialListing(t *testing.T) {
	s := newServer(t, failingAdapter{kind: process.KindBudget})
	tenant := uuid.New()
	s.runningTrace(t, tenant)

	rec := s.do(t, http.MethodGet, "/v1/operations/hub", "", tenant)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, true, body["partial"])
	assert.Equal(t, float64(1), body["count"])
	partial := body["partial_errors"].(map[string]interface{})
	assert.Contains(t, partial["budget"], "store offline")
}

func TestHubGetIsTenantScoped(t *testing.T) {
	s := newServer(t)
	tenant := uuid.New()
	id := s.runningTrace(t, tenant)

	rec := s.do(t, http.MethodGet, "/v1/operations/processes/"+id, "", tenant)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "running", decode(t, rec)["canonical_status"])

	rec = s.do(t, http.MethodGet, "/v1/operations/processes/"+id, "", uuid.New())
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = s.do(t, http.MethodGet, "/v1/operations/processes/xyz_1", "", tenant)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestControlRoundTrip(t *testing.T) {
	s := newServer(t)
	tenant := uuid.New()
	id := s.runningTrace(t, tenant)
	path := "/v1/operations/processes/" + id + "/control"

	rec := s.do(t, http.MethodPost, path, `{"action":"pause","reason":"maintenance"}`, tenant)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "paused", decode(t, rec)["canonical_status"])

	rec = s.do(t, http.MethodPost, path, `{"action":"pause"}`, tenant)
	require.Equal(t, http.StatusConflict, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, "invalid_state_transition", body["error"])
	assert.Equal(t, "paused", body["current_status"])

	rec = s.do(t, http.MethodPost, path, `{"action":"resume"}`, tenant)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "running", decode(t, rec)["canonical_status"])
}

func TestControlErrors(t *testing.T) {
	s := newServer(t)
	tenant := uuid.New()
	id := s.runningTrace(t, tenant)
	path := "/v1/operations/processes/" + id + "/control"

	cases := []struct {
		name   string
		body   string
		tenant uuid.UUID
		scopes []string
		want   int
	}{
		{"unknown action", `{"action":"restart"}`, tenant, nil, http.StatusBadRequest},
		{"missing action", `{}`, tenant, nil, http.StatusBadRequest},
		{"bad json", `{`, tenant, nil, http.StatusBadRequest},
		{"read scope only", `{"action":"pause"}`, tenant, []string{auth.ScopeOperationsRead}, http.StatusForbidden},
		{"other tenant", `{"action":"pause"}`, uuid.New(), nil, http.StatusNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := s.do(t, http.MethodPost, path, tc.body, tc.tenant, tc.scopes...)
			assert.Equal(t, tc.want, rec.Code, rec.Body.String())
		})
	}

	tr, err := s.traces.Get(context.Background(), id, tenant)
	require.NoError(t, err)
	assert.Equal(t, trace.StatusRunning, tr.Status)
}

func TestMultimodalLifecycle(t *testing.T) {
	s := newServer(t)
	tenant := uuid.New()

	rec := s.do(t, http.MethodPost, "/v1/multimodal/requests", `{"modality":"vision","input":{"content_url":"https://x/cat.png"}}`, tenant)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	id := decode(t, rec)["id"].(string)
	assert.Equal(t, "/v1/multimodal/requests/"+id, rec.Header().Get("Location"))

	rec = s.do(t, http.MethodGet, "/v1/multimodal/requests/"+id+"/result", "", tenant)
	require.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "running", decode(t, rec)["current_status"])

	rec = s.do(t, http.MethodPost, "/v1/multimodal/requests/"+id+"/execute", "", tenant)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	body := decode(t, rec)
	assert.Equal(t, "completed", body["status"])
	assert.Equal(t, float64(1), body["attempt_count"])

	rec = s.do(t, http.MethodGet, "/v1/multimodal/requests/"+id+"/result", "", tenant)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", decode(t, rec)["result"].(map[string]interface{})["output"])

	rec = s.do(t, http.MethodPost, "/v1/multimodal/requests/"+id+"/cancel", "", tenant)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = s.do(t, http.MethodGet, "/v1/multimodal/requests/"+id, "", uuid.New())
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = s.do(t, http.MethodGet, "/v1/multimodal/requests", "", tenant)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(1), decode(t, rec)["count"])
}

func TestMultimodalExecuteNoWait(t *testing.T) {
	s := newServer(t)
	tenant := uuid.New()
	rec := s.do(t, http.MethodPost, "/v1/multimodal/requests", `{"modality":"text","input":{"prompt":"hi"}}`, tenant)
	require.Equal(t, http.StatusCreated, rec.Code)
	id := decode(t, rec)["id"].(string)

	rec = s.do(t, http.MethodPost, "/v1/multimodal/requests/"+id+"/execute?wait=false", "", tenant)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	assert.Equal(t, "processing", decode(t, rec)["status"])

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, s.engine.Wait(ctx))

	rec = s.do(t, http.MethodGet, "/v1/multimodal/requests/"+id, "", tenant)
	assert.Equal(t, "completed", decode(t, rec)["status"])
}

func TestMultimodalValidationAndScopes(t *testing.T) {
	s := newServer(t)
	tenant := uuid.New()

	rec := s.do(t, http.MethodPost, "/v1/multimodal/requests", `{"modality":"smell","input":{"prompt":"hi"}}`, tenant)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(t, http.MethodPost, "/v1/multimodal/requests", `{"modality":"text","input":{"prompt":"hi"}}`, tenant, auth.ScopeMultimodalRead)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = s.do(t, http.MethodGet, "/v1/multimodal/requests", "", uuid.Nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestWriteErrorMapping(t *testing.T) {
	cases := []struct {
		err  error
		code int
		tag  string
	}{
		{&process.ValidationError{Field: "x", Message: "bad"}, http.StatusBadRequest, "invalid_request"},
		{&process.NotFoundError{ID: "trc_1"}, http.StatusNotFound, "not_found"},
		{&process.InvalidStateTransitionError{ID: "mmr_1", Current: process.StatusRunning, Err: process.ErrUnsupported}, http.StatusConflict, "invalid_state_transition"},
		{&process.ScopeDeniedError{Operation: "read"}, http.StatusForbidden, "forbidden"},
		{&process.SubsystemUnavailableError{Kind: process.KindBudget}, http.StatusServiceUnavailable, "subsystem_unavailable"},
		{errors.New("boom"), http.StatusInternalServerError, "internal_error"},
	}
	for _, tc := range cases {
		rec := httptest.NewRecorder()
		writeError(rec, zap.NewNop(), tc.err)
		assert.Equal(t, tc.code, rec.Code, tc.tag)
		assert.Equal(t, tc.tag, decode(t, rec)["error"])
	}
}

func TestWebSocketStreamReplaysAndFollows(t *testing.T) {
	s := newServer(t)
	tenant := uuid.New()
	first := s.events.Publish(streaming.Event{TenantID: tenant.String(), Type: streaming.EventControlApplied, ProcessID: "trc_1"})
	s.events.Publish(streaming.Event{TenantID: tenant.String(), Type: streaming.EventControlApplied, ProcessID: "trc_2"})
	s.events.Publish(streaming.Event{TenantID: uuid.NewString(), Type: streaming.EventControlApplied, ProcessID: "trc_x"})

	user := &auth.UserContext{UserID: uuid.New(), TenantID: tenant, Scopes: auth.AllScopes}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mux.ServeHTTP(w, r.WithContext(auth.WithUser(r.Context(), user)))
	}))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/operations/stream?last_event_id=" + strconv.FormatUint(first.Seq, 10)
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var ev streaming.Event
	require.NoError(t, conn.ReadJSON(&ev))
	assert.Equal(t, "trc_2", ev.ProcessID)

	s.events.Publish(streaming.Event{TenantID: tenant.String(), Type: streaming.EventMultimodalUpdated, ProcessID: "mmr_1"})
	require.NoError(t, conn.ReadJSON(&ev))
	assert.Equal(t, "mmr_1", ev.ProcessID)
	assert.Equal(t, tenant.String(), ev.TenantID)
}

func TestStreamRequiresReadScope(t *testing.T) {
	s := newServer(t)
	rec := s.do(t, http.MethodGet, "/v1/operations/stream", "", uuid.New(), auth.ScopeMultimodalRead)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}
