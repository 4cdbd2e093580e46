package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"relay/internal/budget"
	"relay/internal/config"
	"relay/internal/delivery"
	"relay/internal/router"
	"relay/internal/storage"
)

const testSecret = "test-signing-secret"

type fakeGovernor struct {
	profile string
}

func (f *fakeGovernor) Snapshot() (*budget.Snapshot, error) {
	return &budget.Snapshot{Severity: "normal", Profile: "balanced"}, nil
}

func (f *fakeGovernor) SetManualProfile(profile, sessionID string) error {
	switch profile {
	case "", "economy", "balanced", "performance":
		f.profile = profile
		return nil
	}
	return fmt.Errorf("budget: unknown profile %q", profile)
}

type fakeRouting struct {
	mode string
}

func (f *fakeRouting) Snapshot() *router.HealthSnapshot {
	return &router.HealthSnapshot{Mode: f.mode, CurrentModelID: "gpt-4o"}
}

func (f *fakeRouting) SetMode(mode string) error {
	switch mode {
	case "intelligent_pacing", "aggressive_fallback":
		f.mode = mode
		return nil
	}
	return fmt.Errorf("router: unknown fallback mode %q", mode)
}

type fakeQueue struct{}

func (fakeQueue) Snapshot() delivery.Metrics {
	return delivery.Metrics{Mode: delivery.ModeNormal, RetryWindowMultiplier: 1.0, QueueDepth: 2}
}

type fakeEvaluator struct {
	db     *storage.DB
	called int
}

func (f *fakeEvaluator) Evaluate() error {
	f.called++
	_, err := f.db.CreateIncident("queue_backpressure", "warning", "throttle delivery queue", "depth 9", "scale adapter")
	return err
}

func testServer(t *testing.T) (*Server, *storage.DB, *fakeGovernor, *fakeRouting, *fakeEvaluator) {
	t.Helper()
	t.Setenv("RELAY_API_SECRET", testSecret)

	db, err := storage.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	governor := &fakeGovernor{}
	routing := &fakeRouting{mode: "intelligent_pacing"}
	evaluator := &fakeEvaluator{db: db}

	s, err := New(db, config.APIConfig{SecretName: "RELAY_API_SECRET"}, governor, routing, fakeQueue{}, evaluator)
	require.NoError(t, err)
	return s, db, governor, routing, evaluator
}

// do sends one request through the full middleware chain. A nil body signs
// the empty string.
func do(t *testing.T, s *Server, method, path string, body any, sign bool) *httptest.ResponseRecorder {
	t.Helper()

	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		require.NoError(t, err)
	}

	req := httptest.NewRequest(method, path, bytes.NewReader(payload))
	if sign {
		req.Header.Set(signatureHeader, Sign([]byte(testSecret), payload))
	}

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeEnvelope(t *testing.T, rec *httptest.ResponseRecorder) Envelope {
	t.Helper()
	var env Envelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	return env
}

func TestWebhook_IdempotentLifecycle(t *testing.T) {
	s, db, _, _, _ := testServer(t)
	body := WebhookRequest{TaskID: "task-1", EventType: "completed", Status: "ok"}

	rec := do(t, s, http.MethodPost, "/callback/webhook", body, true)
	require.Equal(t, http.StatusAccepted, rec.Code)
	env := decodeEnvelope(t, rec)
	assert.True(t, env.OK)

	receipt, err := db.GetCallbackReceipt("task-1:completed:ok")
	require.NoError(t, err)
	assert.Equal(t, "accepted", receipt.Outcome)

	// Replay is flagged as a duplicate without a second receipt.
	rec = do(t, s, http.MethodPost, "/callback/webhook", body, true)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp WebhookResponse
	env = decodeEnvelope(t, rec)
	raw, err := json.Marshal(env.Data)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(raw, &resp))
	assert.True(t, resp.Duplicate)
	assert.Equal(t, "duplicate", resp.Outcome)
}

func TestWebhook_CallbackHandlerRunsOncePerKey(t *testing.T) {
	s, _, _, _, _ := testServer(t)

	var calls []WebhookRequest
	s.SetCallbackHandler(func(_ context.Context, ev WebhookRequest) error {
		calls = append(calls, ev)
		return nil
	})

	body := WebhookRequest{TaskID: "task-5", EventType: "completed", Status: "ok"}
	rec := do(t, s, http.MethodPost, "/callback/webhook", body, true)
	require.Equal(t, http.StatusAccepted, rec.Code)

	rec = do(t, s, http.MethodPost, "/callback/webhook", body, true)
	require.Equal(t, http.StatusOK, rec.Code)

	require.Len(t, calls, 1, "replays never reach the handler")
	assert.Equal(t, "task-5", calls[0].TaskID)
}

func TestWebhook_HandlerErrorStillAccepts(t *testing.T) {
	s, db, _, _, _ := testServer(t)
	s.SetCallbackHandler(func(context.Context, WebhookRequest) error {
		return errors.New("downstream unavailable")
	})

	body := WebhookRequest{TaskID: "task-6", EventType: "completed", Status: "ok"}
	rec := do(t, s, http.MethodPost, "/callback/webhook", body, true)
	assert.Equal(t, http.StatusAccepted, rec.Code)

	receipt, err := db.GetCallbackReceipt("task-6:completed:ok")
	require.NoError(t, err)
	assert.Equal(t, "accepted", receipt.Outcome)
}

func TestWebhook_RejectedPayloadLeavesReceipt(t *testing.T) {
	s, db, _, _, _ := testServer(t)

	rec := do(t, s, http.MethodPost, "/callback/webhook", WebhookRequest{TaskID: "task-2"}, true)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	env := decodeEnvelope(t, rec)
	assert.False(t, env.OK)
	assert.Equal(t, ErrCodeInvalidRequest, env.Error.Code)

	// The rejection feeds the callback failure storm detector.
	count, err := db.CountRejectedCallbacks(s.started)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestWebhook_UnsignedRequestMutatesNothing(t *testing.T) {
	s, db, _, _, _ := testServer(t)
	body := WebhookRequest{TaskID: "task-3", EventType: "completed", Status: "ok"}

	rec := do(t, s, http.MethodPost, "/callback/webhook", body, false)
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	_, err := db.GetCallbackReceipt("task-3:completed:ok")
	assert.True(t, errors.Is(err, storage.ErrNotFound))

	count, err := db.CountRejectedCallbacks(s.started)
	require.NoError(t, err)
	assert.Equal(t, 0, count)
}

func TestWebhook_TamperedSignatureRejected(t *testing.T) {
	s, _, _, _, _ := testServer(t)

	payload, err := json.Marshal(WebhookRequest{TaskID: "task-4", EventType: "completed", Status: "ok"})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/callback/webhook", bytes.NewReader(payload))
	req.Header.Set(signatureHeader, Sign([]byte("wrong-secret"), payload))

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestHealthProbesAreUnsigned(t *testing.T) {
	s, _, _, _, _ := testServer(t)

	rec := do(t, s, http.MethodGet, "/health", nil, false)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, s, http.MethodGet, "/readiness", nil, false)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestHealthReportsNotReadyWhenStoreDown(t *testing.T) {
	s, db, _, _, _ := testServer(t)
	require.NoError(t, db.Close())

	rec := do(t, s, http.MethodGet, "/health", nil, false)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	env := decodeEnvelope(t, rec)
	raw, err := json.Marshal(env.Data)
	require.NoError(t, err)
	var resp HealthResponse
	require.NoError(t, json.Unmarshal(raw, &resp))
	assert.Equal(t, "degraded", resp.Status)
	assert.Equal(t, "unhealthy", resp.Components["database"])
}

func TestSignedReadsRequireSignature(t *testing.T) {
	s, _, _, _, _ := testServer(t)

	rec := do(t, s, http.MethodGet, "/budget/state", nil, false)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = do(t, s, http.MethodGet, "/budget/state", nil, true)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestBudgetProfileRoundTrip(t *testing.T) {
	s, _, governor, _, _ := testServer(t)

	rec := do(t, s, http.MethodPost, "/budget/profile", SetProfileRequest{Profile: "economy"}, true)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "economy", governor.profile)

	rec = do(t, s, http.MethodPost, "/budget/profile", SetProfileRequest{Profile: "turbo"}, true)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "economy", governor.profile)
}

func TestRoutingModeValidation(t *testing.T) {
	s, _, _, routing, _ := testServer(t)

	rec := do(t, s, http.MethodPost, "/routing/mode", SetModeRequest{Mode: "aggressive_fallback"}, true)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "aggressive_fallback", routing.mode)

	rec = do(t, s, http.MethodPost, "/routing/mode", SetModeRequest{Mode: "yolo"}, true)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestIncidentsEvaluateReturnsActive(t *testing.T) {
	s, _, _, _, evaluator := testServer(t)

	rec := do(t, s, http.MethodPost, "/incidents/evaluate", nil, true)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, evaluator.called)

	env := decodeEnvelope(t, rec)
	raw, err := json.Marshal(env.Data)
	require.NoError(t, err)
	var views []IncidentView
	require.NoError(t, json.Unmarshal(raw, &views))
	require.Len(t, views, 1)
	assert.Equal(t, "queue_backpressure", views[0].Incident.Type)
}

func TestReliabilityReportsQueueDepth(t *testing.T) {
	s, _, _, _, _ := testServer(t)

	rec := do(t, s, http.MethodGet, "/reliability", nil, true)
	require.Equal(t, http.StatusOK, rec.Code)

	env := decodeEnvelope(t, rec)
	raw, err := json.Marshal(env.Data)
	require.NoError(t, err)
	var resp ReliabilityResponse
	require.NoError(t, json.Unmarshal(raw, &resp))
	assert.Equal(t, 2, resp.Queue.QueueDepth)
	assert.Equal(t, delivery.ModeNormal, resp.Queue.Mode)
}

func TestDoctorAggregatesSubsystems(t *testing.T) {
	s, _, _, _, _ := testServer(t)

	rec := do(t, s, http.MethodGet, "/doctor", nil, true)
	require.Equal(t, http.StatusOK, rec.Code)

	env := decodeEnvelope(t, rec)
	raw, err := json.Marshal(env.Data)
	require.NoError(t, err)
	var resp DoctorResponse
	require.NoError(t, json.Unmarshal(raw, &resp))
	assert.Equal(t, "healthy", resp.Health.Status)
	assert.Equal(t, "intelligent_pacing", resp.Routing.Mode)
}

func TestNewFailsWithoutSecret(t *testing.T) {
	t.Setenv("RELAY_API_SECRET", "")
	db, err := storage.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	_, err = New(db, config.APIConfig{SecretName: "RELAY_API_SECRET"}, &fakeGovernor{}, &fakeRouting{}, fakeQueue{}, &fakeEvaluator{db: db})
	require.Error(t, err)
	assert.NotContains(t, err.Error(), testSecret)
}
