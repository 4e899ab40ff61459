package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"contractflow/activity"
	"contractflow/auth"
	"contractflow/contract"
	"contractflow/metrics"
	"contractflow/presence"
	"contractflow/session"
	"contractflow/workflow"
)

type harness struct {
	api    *Server
	srv    *httptest.Server
	tokens *auth.Service
	store  *contract.MemoryStore
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	store := contract.NewMemoryStore()
	store.Put(workflow.Record{
		ContractID:       "c-1",
		CreatedBy:        "u-owner",
		AffiliateID:      "aff-1",
		AffiliateOwnerID: "u-owner",
		Version:          1,
	})
	sink := activity.NewMemorySink()
	ch := presence.NewMemoryChannel()
	reg := prometheus.NewRegistry()
	observer := metrics.New(reg)

	mgr := session.NewManager(func() *session.Session {
		return session.New(store, sink).WithPresence(ch).WithObserver(observer)
	})
	t.Cleanup(func() { _ = mgr.Close(context.Background()) })

	tokens, err := auth.NewService("test-secret", time.Hour)
	require.NoError(t, err)

	api := NewServer(mgr, tokens, WithGatherer(reg))
	srv := httptest.NewServer(api.Handler())
	t.Cleanup(srv.Close)
	return &harness{api: api, srv: srv, tokens: tokens, store: store}
}

func (h *harness) token(t *testing.T, role workflow.Role, contractID, name string) string {
	t.Helper()
	tok, err := h.tokens.Issue(auth.Participant{
		UserID:      "u-" + string(role),
		ContractID:  contractID,
		Role:        role,
		DisplayName: name,
	})
	require.NoError(t, err)
	return tok
}

func (h *harness) do(t *testing.T, method, path, token string, body any) (int, map[string]any) {
	t.Helper()
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, h.srv.URL+path, rd)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	out := map[string]any{}
	if len(raw) > 0 && strings.HasPrefix(resp.Header.Get("content-type"), "application/json") {
		require.NoError(t, json.Unmarshal(raw, &out), string(raw))
	}
	return resp.StatusCode, out
}

func errorMessage(body map[string]any) string {
	e, _ := body["error"].(map[string]any)
	msg, _ := e["message"].(string)
	return msg
}

func TestHealth(t *testing.T) {
	h := newHarness(t)
	status, _ := h.do(t, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, status)
}

func TestAuthentication(t *testing.T) {
	h := newHarness(t)

	status, body := h.do(t, http.MethodGet, "/contracts/c-1", "", nil)
	assert.Equal(t, http.StatusUnauthorized, status)
	assert.Equal(t, false, body["success"])

	status, _ = h.do(t, http.MethodGet, "/contracts/c-1", "not-a-jwt", nil)
	assert.Equal(t, http.StatusUnauthorized, status)

	other := h.token(t, workflow.RoleClient, "c-2", "Sara")
	status, _ = h.do(t, http.MethodGet, "/contracts/c-1", other, nil)
	assert.Equal(t, http.StatusForbidden, status)
}

func TestGetContract(t *testing.T) {
	h := newHarness(t)
	admin := h.token(t, workflow.RoleAdmin, "", "Omar")

	status, body := h.do(t, http.MethodGet, "/contracts/c-1", admin, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "c-1", body["contract_id"])
	assert.Equal(t, string(workflow.KindThreeParty), body["flow"])
	assert.Equal(t, string(workflow.StepReview), body["current_step"])
	assert.Equal(t, string(workflow.StatusPendingReview), body["status"])
	assert.Equal(t, []any{string(workflow.ActionAdminReviewApproved)}, body["available_actions"])
	assert.Len(t, body["steps"], len(workflow.Steps()))

	status, _ = h.do(t, http.MethodGet, "/contracts/missing", admin, nil)
	assert.Equal(t, http.StatusNotFound, status)
}

func TestPerformAction(t *testing.T) {
	h := newHarness(t)
	admin := h.token(t, workflow.RoleAdmin, "c-1", "Omar")

	status, body := h.do(t, http.MethodPost, "/contracts/c-1/actions", admin, map[string]any{
		"action":   "admin_review_approved",
		"metadata": map[string]any{"ip": "10.0.0.1"},
	})
	require.Equal(t, http.StatusOK, status, body)
	assert.Equal(t, true, body["success"])
	view := body["contract"].(map[string]any)
	assert.EqualValues(t, 2, view["version"])

	rec, err := h.store.Get(context.Background(), "c-1")
	require.NoError(t, err)
	assert.True(t, rec.Signoffs[workflow.ActionAdminReviewApproved].Done)

	status, body = h.do(t, http.MethodGet, "/contracts/c-1/activity", admin, nil)
	require.Equal(t, http.StatusOK, status)
	entries := body["entries"].([]any)
	require.Len(t, entries, 1)
	entry := entries[0].(map[string]any)
	assert.Equal(t, string(workflow.ActionAdminReviewApproved), entry["action"])
	assert.Equal(t, "Omar", entry["actor_name"])
	assert.Equal(t, "10.0.0.1", entry["metadata"].(map[string]any)["ip"])
}

func TestPerformAction_Rejections(t *testing.T) {
	h := newHarness(t)
	client := h.token(t, workflow.RoleClient, "c-1", "Sara")

	status, body := h.do(t, http.MethodPost, "/contracts/c-1/actions", client, map[string]any{"action": "CLIENT_SIGNED"})
	assert.Equal(t, http.StatusUnprocessableEntity, status)
	assert.Equal(t, false, body["success"])
	assert.Equal(t, "يجب الموافقة على العقد أولاً", errorMessage(body))

	status, _ = h.do(t, http.MethodPost, "/contracts/c-1/actions", client, map[string]any{"action": "CLIENT_DANCED"})
	assert.Equal(t, http.StatusBadRequest, status)

	status, _ = h.do(t, http.MethodPost, "/contracts/c-1/actions", client, map[string]any{"action": "CLIENT_SIGNED", "extra": 1})
	assert.Equal(t, http.StatusBadRequest, status)

	// Only admins may delegate.
	status, _ = h.do(t, http.MethodPost, "/contracts/c-1/actions", client, map[string]any{
		"action":       "ADMIN_REVIEW_APPROVED",
		"on_behalf_of": "admin",
	})
	assert.Equal(t, http.StatusUnprocessableEntity, status)

	rec, err := h.store.Get(context.Background(), "c-1")
	require.NoError(t, err)
	assert.EqualValues(t, 1, rec.Version)
}

func TestPerformAction_Delegated(t *testing.T) {
	h := newHarness(t)
	admin := h.token(t, workflow.RoleAdmin, "c-1", "Omar")

	status, body := h.do(t, http.MethodPost, "/contracts/c-1/actions", admin, map[string]any{
		"action":       "CLIENT_REVIEW_APPROVED",
		"on_behalf_of": "client",
	})
	require.Equal(t, http.StatusOK, status, body)

	_, body = h.do(t, http.MethodGet, "/contracts/c-1/activity", admin, nil)
	entry := body["entries"].([]any)[0].(map[string]any)
	assert.Equal(t, "admin", entry["actor_role"])
	assert.Equal(t, "client", entry["on_behalf_of"])
}

func TestCheckAction(t *testing.T) {
	h := newHarness(t)
	client := h.token(t, workflow.RoleClient, "c-1", "Sara")
	admin := h.token(t, workflow.RoleAdmin, "c-1", "Omar")

	status, body := h.do(t, http.MethodGet, "/contracts/c-1/actions/CLIENT_SIGNED/check", client, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, false, body["allowed"])
	assert.Equal(t, "يجب الموافقة على العقد أولاً", body["reason"])

	status, body = h.do(t, http.MethodGet, "/contracts/c-1/actions/CLIENT_REVIEW_APPROVED/check?on_behalf_of=client", admin, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, true, body["allowed"])

	status, _ = h.do(t, http.MethodGet, "/contracts/c-1/actions/NOPE/check", admin, nil)
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestPresence(t *testing.T) {
	h := newHarness(t)
	client := h.token(t, workflow.RoleClient, "c-1", "Sara")
	admin := h.token(t, workflow.RoleAdmin, "c-1", "Omar")

	status, _ := h.do(t, http.MethodGet, "/contracts/c-1", client, nil)
	require.Equal(t, http.StatusOK, status)

	status, body := h.do(t, http.MethodGet, "/contracts/c-1/presence", admin, nil)
	require.Equal(t, http.StatusOK, status)
	online := body["online"].([]any)
	require.Len(t, online, 1)
	assert.Equal(t, "Sara", online[0].(map[string]any)["display_name"])
	assert.Equal(t, "client", online[0].(map[string]any)["role"])
}

func TestPresenceStream(t *testing.T) {
	h := newHarness(t)
	admin := h.token(t, workflow.RoleAdmin, "c-1", "Omar")
	client := h.token(t, workflow.RoleClient, "c-1", "Sara")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.srv.URL+"/contracts/c-1/presence/events", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+admin)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	lines := make(chan string, 32)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(resp.Body)
		for sc.Scan() {
			lines <- sc.Text()
		}
	}()
	next := func() string {
		t.Helper()
		select {
		case l, ok := <-lines:
			require.True(t, ok, "stream closed")
			return l
		case <-time.After(2 * time.Second):
			t.Fatal("timed out reading event stream")
			return ""
		}
	}

	assert.Equal(t, "event: ping", next())
	assert.Equal(t, "data: connected", next())
	assert.Equal(t, "", next())

	status, _ := h.do(t, http.MethodGet, "/contracts/c-1", client, nil)
	require.Equal(t, http.StatusOK, status)

	assert.Equal(t, "event: presence", next())
	data := strings.TrimPrefix(next(), "data: ")
	var p presence.Presence
	require.NoError(t, json.Unmarshal([]byte(data), &p))
	assert.Equal(t, "Sara", p.DisplayName)
	assert.Equal(t, workflow.RoleClient, p.Role)
	assert.False(t, p.Leaving)

	h.api.CloseStreams()
	require.Eventually(t, func() bool {
		select {
		case _, ok := <-lines:
			return !ok
		default:
			return false
		}
	}, 2*time.Second, 10*time.Millisecond)
}

func TestMetricsEndpoint(t *testing.T) {
	h := newHarness(t)
	admin := h.token(t, workflow.RoleAdmin, "c-1", "Omar")
	h.do(t, http.MethodPost, "/contracts/c-1/actions", admin, map[string]any{"action": "ADMIN_REVIEW_APPROVED"})

	resp, err := http.Get(h.srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(raw), "contractflow_actions_total")
	assert.Contains(t, string(raw), `outcome="ok"`)
}
