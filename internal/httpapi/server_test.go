package httpapi

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"nhooyr.io/websocket"

	"github.com/agentworkforce/tasksync/internal/optimistic"
	"github.com/agentworkforce/tasksync/internal/syncer"
	"github.com/agentworkforce/tasksync/internal/tasksync"
	"github.com/agentworkforce/tasksync/internal/todoist"
	"github.com/agentworkforce/tasksync/internal/webhook"
)

var allScopes = []string{scopeSyncTrigger, scopeSyncRead, scopeEntitiesRead, scopeTasksWrite}

type request struct {
	method  string
	path    string
	headers map[string]string
	body    any
}

type fakeSync struct {
	result syncer.Result
	err    error
	calls  int
}

func (f *fakeSync) Trigger(context.Context) (syncer.Result, error) {
	f.calls++
	return f.result, f.err
}

func (f *fakeSync) LastRun() (syncer.RunStatus, bool) {
	if f.calls == 0 {
		return syncer.RunStatus{}, false
	}
	return syncer.RunStatus{Result: f.result, FinishedAt: time.Now().UTC()}, true
}

// heldExecutor accepts every command but only after the test releases it.
type heldExecutor struct {
	release chan error
}

func (h *heldExecutor) Execute(ctx context.Context, _ []todoist.Command) (todoist.CommandResult, error) {
	select {
	case err := <-h.release:
		return todoist.CommandResult{}, err
	case <-ctx.Done():
		return todoist.CommandResult{}, ctx.Err()
	}
}

func seededStore(t *testing.T) *tasksync.Store {
	t.Helper()
	store := tasksync.NewStore()
	ctx := context.Background()
	records := []tasksync.Record{
		{Kind: tasksync.KindProject, ID: "p1", SyncVersion: 1, Project: &tasksync.Project{Name: "Inbox"}},
		{Kind: tasksync.KindTask, ID: "a", SyncVersion: 1, Task: &tasksync.Task{ProjectID: "p1", Content: "A", Priority: 1, ChildOrder: 1}},
		{Kind: tasksync.KindTask, ID: "b", SyncVersion: 1, Task: &tasksync.Task{ProjectID: "p1", Content: "B", Priority: 1, ChildOrder: 2}},
		{Kind: tasksync.KindTask, ID: "c", SyncVersion: 1, Task: &tasksync.Task{ProjectID: "p1", Content: "C", Priority: 1, ChildOrder: 3}},
	}
	for _, rec := range records {
		if _, err := store.Apply(ctx, rec, tasksync.ApplyOptions{Source: tasksync.SourceSync}); err != nil {
			t.Fatalf("seed %s: %v", rec.ID, err)
		}
	}
	return store
}

func bearer(t *testing.T, scopes ...string) map[string]string {
	t.Helper()
	return map[string]string{"Authorization": "Bearer " + mustTestJWT(t, "dev-secret", "ops", scopes, time.Now().Add(time.Hour))}
}

func TestHealthIsPublic(t *testing.T) {
	server := NewServer(Dependencies{Store: tasksync.NewStore()}, ServerConfig{})
	defer server.Close()
	resp := doRequest(t, server, request{method: http.MethodGet, path: "/health"})
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}
}

func TestAuthRequired(t *testing.T) {
	server := NewServer(Dependencies{Store: tasksync.NewStore()}, ServerConfig{})
	defer server.Close()

	resp := doRequest(t, server, request{method: http.MethodGet, path: "/v1/entities/tasks"})
	if resp.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", resp.Code)
	}
	resp = doRequest(t, server, request{method: http.MethodGet, path: "/v1/entities/tasks", headers: bearer(t, scopeSyncRead)})
	if resp.Code != http.StatusForbidden {
		t.Fatalf("expected 403 without entities scope, got %d", resp.Code)
	}
	wrongAud := mustTestJWTWithAudience(t, "dev-secret", "ops", allScopes, "other-service", time.Now().Add(time.Hour))
	resp = doRequest(t, server, request{method: http.MethodGet, path: "/v1/entities/tasks", headers: map[string]string{"Authorization": "Bearer " + wrongAud}})
	if resp.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for foreign audience, got %d", resp.Code)
	}
	expired := mustTestJWT(t, "dev-secret", "ops", allScopes, time.Now().Add(-time.Minute))
	resp = doRequest(t, server, request{method: http.MethodGet, path: "/v1/entities/tasks", headers: map[string]string{"Authorization": "Bearer " + expired}})
	if resp.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for expired token, got %d", resp.Code)
	}
}

func TestEntityRoutes(t *testing.T) {
	server := NewServer(Dependencies{Store: seededStore(t)}, ServerConfig{})
	defer server.Close()
	headers := bearer(t, scopeEntitiesRead)

	resp := doRequest(t, server, request{method: http.MethodGet, path: "/v1/entities/items?project_id=p1", headers: headers})
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (%s)", resp.Code, resp.Body.String())
	}
	var list struct {
		Items []tasksync.Record `json:"items"`
		Count int               `json:"count"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if list.Count != 3 || list.Items[0].ID != "a" {
		t.Fatalf("unexpected task list %+v", list)
	}

	resp = doRequest(t, server, request{method: http.MethodGet, path: "/v1/entities/project/p1", headers: headers})
	if resp.Code != http.StatusOK || !strings.Contains(resp.Body.String(), "Inbox") {
		t.Fatalf("expected project record, got %d (%s)", resp.Code, resp.Body.String())
	}
	resp = doRequest(t, server, request{method: http.MethodGet, path: "/v1/entities/tasks/missing", headers: headers})
	if resp.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for missing task, got %d", resp.Code)
	}
	resp = doRequest(t, server, request{method: http.MethodGet, path: "/v1/entities/widgets", headers: headers})
	if resp.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown kind, got %d", resp.Code)
	}
}

func TestProjectMetadataRoute(t *testing.T) {
	store := seededStore(t)
	store.RecomputeProjectMetadata(time.Now())
	server := NewServer(Dependencies{Store: store}, ServerConfig{})
	defer server.Close()

	resp := doRequest(t, server, request{method: http.MethodGet, path: "/v1/projects/p1/metadata", headers: bearer(t, scopeEntitiesRead)})
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (%s)", resp.Code, resp.Body.String())
	}
	var meta tasksync.ProjectMetadata
	if err := json.NewDecoder(resp.Body).Decode(&meta); err != nil {
		t.Fatalf("decode metadata: %v", err)
	}
	if meta.ActiveTasks != 3 {
		t.Fatalf("expected 3 active tasks, got %+v", meta)
	}
	resp = doRequest(t, server, request{method: http.MethodGet, path: "/v1/projects/p9/metadata", headers: bearer(t, scopeEntitiesRead)})
	if resp.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown project, got %d", resp.Code)
	}
}

func TestSyncTriggerAndStatus(t *testing.T) {
	store := tasksync.NewStore()
	if _, err := store.InitializeSyncState(context.Background(), tasksync.DefaultService); err != nil {
		t.Fatalf("init sync state: %v", err)
	}
	runner := &fakeSync{result: syncer.Result{Mode: tasksync.SyncModeFull, SyncToken: "tok-1"}}
	server := NewServer(Dependencies{Store: store, Sync: runner}, ServerConfig{})
	defer server.Close()

	resp := doRequest(t, server, request{method: http.MethodPost, path: "/v1/sync", headers: bearer(t, scopeSyncTrigger)})
	if resp.Code != http.StatusOK || runner.calls != 1 {
		t.Fatalf("expected triggered sync, got %d calls=%d", resp.Code, runner.calls)
	}

	resp = doRequest(t, server, request{method: http.MethodGet, path: "/v1/sync/status", headers: bearer(t, scopeSyncRead)})
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}
	var status map[string]json.RawMessage
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if _, ok := status["state"]; !ok {
		t.Fatalf("expected sync state in status, got %v", status)
	}
	if _, ok := status["last_run"]; !ok {
		t.Fatalf("expected last run in status, got %v", status)
	}
}

func TestSyncTriggerErrorMapping(t *testing.T) {
	cases := []struct {
		err    error
		status int
	}{
		{fmt.Errorf("sync: %w", todoist.ErrMissingToken), http.StatusServiceUnavailable},
		{&todoist.HTTPError{StatusCode: 503, Message: "down"}, http.StatusBadGateway},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		server := NewServer(Dependencies{Store: tasksync.NewStore(), Sync: &fakeSync{err: tc.err}}, ServerConfig{})
		resp := doRequest(t, server, request{method: http.MethodPost, path: "/v1/sync", headers: bearer(t, scopeSyncTrigger)})
		server.Close()
		if resp.Code != tc.status {
			t.Fatalf("%v: expected %d, got %d", tc.err, tc.status, resp.Code)
		}
	}

	server := NewServer(Dependencies{Store: tasksync.NewStore()}, ServerConfig{})
	defer server.Close()
	resp := doRequest(t, server, request{method: http.MethodPost, path: "/v1/sync", headers: bearer(t, scopeSyncTrigger)})
	if resp.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 without a runner, got %d", resp.Code)
	}
}

func TestWebhookRouteIngestsAndListsDeliveries(t *testing.T) {
	store := tasksync.NewStore()
	ingester, err := webhook.NewIngester(store, webhook.Options{Secret: webhook.StaticSecret("whsec")})
	if err != nil {
		t.Fatalf("new ingester: %v", err)
	}
	server := NewServer(Dependencies{Store: store, Webhooks: ingester}, ServerConfig{})
	defer server.Close()

	body, _ := json.Marshal(map[string]any{
		"event_name":   "item:added",
		"user_id":      "u1",
		"version":      "9",
		"triggered_at": "2025-03-04T05:06:07Z",
		"initiator":    map[string]any{"id": "u1", "email": "ops@example.com"},
		"event_data":   map[string]any{"id": "t9", "project_id": "p1", "content": "From webhook", "priority": 1, "labels": []string{}},
	})
	req := httptest.NewRequest(http.MethodPost, "/webhooks/todoist", bytes.NewReader(body))
	req.Header.Set(webhook.SignatureHeader, webhook.Sign("whsec", body))
	req.Header.Set(webhook.DeliveryIDHeader, "dlv-1")
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 from webhook, got %d (%s)", rec.Code, rec.Body.String())
	}
	if _, ok := store.Get(tasksync.KindTask, "t9"); !ok {
		t.Fatalf("expected webhook task to be stored")
	}

	resp := doRequest(t, server, request{method: http.MethodGet, path: "/v1/webhooks/deliveries?status=success", headers: bearer(t, scopeSyncRead)})
	if resp.Code != http.StatusOK || !strings.Contains(resp.Body.String(), "dlv-1") {
		t.Fatalf("expected delivery row in listing, got %d (%s)", resp.Code, resp.Body.String())
	}
}

func TestTaskPatchIsOptimisticAndRollsBack(t *testing.T) {
	store := seededStore(t)
	exec := &heldExecutor{release: make(chan error)}
	ledger := optimistic.NewLedger()
	mutator, err := optimistic.NewMutator(exec, ledger, optimistic.MutatorOptions{Workers: 1})
	if err != nil {
		t.Fatalf("new mutator: %v", err)
	}
	defer mutator.Close()
	server := NewServer(Dependencies{Store: store, Mutator: mutator}, ServerConfig{})
	defer server.Close()

	resp := doRequest(t, server, request{
		method:  http.MethodPatch,
		path:    "/v1/tasks/b",
		headers: bearer(t, scopeTasksWrite),
		body:    map[string]any{"content": "B edited"},
	})
	if resp.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d (%s)", resp.Code, resp.Body.String())
	}
	var accepted struct {
		Record tasksync.Record `json:"record"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&accepted); err != nil {
		t.Fatalf("decode patch response: %v", err)
	}
	if accepted.Record.Task.Content != "B edited" {
		t.Fatalf("expected displayed record to carry the edit, got %q", accepted.Record.Task.Content)
	}

	resp = doRequest(t, server, request{method: http.MethodGet, path: "/v1/entities/tasks/b", headers: bearer(t, scopeEntitiesRead)})
	if !strings.Contains(resp.Body.String(), `"pending":"text"`) {
		t.Fatalf("expected pending marker on entity, got %s", resp.Body.String())
	}

	exec.release <- errors.New("rejected")
	deadline := time.Now().Add(2 * time.Second)
	for ledger.Len() != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("expected rollback after command failure")
		}
		time.Sleep(10 * time.Millisecond)
	}
	rec, _ := store.Get(tasksync.KindTask, "b")
	if rec.Task.Content != "B" {
		t.Fatalf("expected store to be untouched, got %q", rec.Task.Content)
	}
}

func TestTaskPatchValidation(t *testing.T) {
	store := seededStore(t)
	mutator, err := optimistic.NewMutator(&heldExecutor{release: make(chan error)}, optimistic.NewLedger(), optimistic.MutatorOptions{})
	if err != nil {
		t.Fatalf("new mutator: %v", err)
	}
	defer mutator.Close()
	server := NewServer(Dependencies{Store: store, Mutator: mutator}, ServerConfig{})
	defer server.Close()
	headers := bearer(t, scopeTasksWrite)

	cases := []struct {
		path   string
		body   any
		status int
	}{
		{"/v1/tasks/a", map[string]any{}, http.StatusBadRequest},
		{"/v1/tasks/a", map[string]any{"priority": 4, "labels": []string{"x"}}, http.StatusBadRequest},
		{"/v1/tasks/a", map[string]any{"priority": 9}, http.StatusBadRequest},
		{"/v1/tasks/a", map[string]any{"due": map[string]any{"string": "soon"}}, http.StatusBadRequest},
		{"/v1/tasks/zzz", map[string]any{"priority": 2}, http.StatusNotFound},
		{"/v1/tasks/a", map[string]any{"due": nil}, http.StatusAccepted},
	}
	for _, tc := range cases {
		resp := doRequest(t, server, request{method: http.MethodPatch, path: tc.path, headers: headers, body: tc.body})
		if resp.Code != tc.status {
			t.Fatalf("%s %v: expected %d, got %d (%s)", tc.path, tc.body, tc.status, resp.Code, resp.Body.String())
		}
	}

	bare := NewServer(Dependencies{Store: store}, ServerConfig{})
	defer bare.Close()
	resp := doRequest(t, bare, request{method: http.MethodPatch, path: "/v1/tasks/a", headers: headers, body: map[string]any{"priority": 2}})
	if resp.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 without a mutator, got %d", resp.Code)
	}
}

func TestViewMovesCursorPastEditedTask(t *testing.T) {
	store := seededStore(t)
	ledger := optimistic.NewLedger()
	ledger.Add(optimistic.NewProjectMove("b", "p2"))
	server := NewServer(Dependencies{Store: store, Ledger: ledger}, ServerConfig{})
	defer server.Close()

	resp := doRequest(t, server, request{
		method:  http.MethodGet,
		path:    "/v1/views?type=project&project_id=p1&cursor=b",
		headers: bearer(t, scopeEntitiesRead),
	})
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (%s)", resp.Code, resp.Body.String())
	}
	var view struct {
		Items  []tasksync.Record `json:"items"`
		Cursor string            `json:"cursor"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&view); err != nil {
		t.Fatalf("decode view: %v", err)
	}
	if len(view.Items) != 2 || view.Items[0].ID != "a" || view.Items[1].ID != "c" {
		t.Fatalf("expected a and c in view, got %+v", view.Items)
	}
	if view.Cursor != "c" {
		t.Fatalf("expected cursor to move to c, got %q", view.Cursor)
	}

	resp = doRequest(t, server, request{method: http.MethodGet, path: "/v1/views?type=someday", headers: bearer(t, scopeEntitiesRead)})
	if resp.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown view, got %d", resp.Code)
	}
}

func TestLiveFeedStreamsStoreChanges(t *testing.T) {
	store := seededStore(t)
	server := NewServer(Dependencies{Store: store}, ServerConfig{})
	defer server.Close()
	ts := httptest.NewServer(server)
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	header := http.Header{}
	header.Set("Authorization", bearer(t, scopeEntitiesRead)["Authorization"])
	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(ts.URL, "http")+"/v1/live", &websocket.DialOptions{HTTPHeader: header})
	if err != nil {
		t.Fatalf("dial live feed: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	readMessage := func() liveMessage {
		t.Helper()
		_, data, err := conn.Read(ctx)
		if err != nil {
			t.Fatalf("read live message: %v", err)
		}
		var msg liveMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			t.Fatalf("decode live message: %v", err)
		}
		return msg
	}
	if msg := readMessage(); msg.Type != "hello" {
		t.Fatalf("expected hello, got %+v", msg)
	}

	_, err = store.Apply(ctx, tasksync.Record{
		Kind:        tasksync.KindTask,
		ID:          "a",
		SyncVersion: 2,
		Task:        &tasksync.Task{ProjectID: "p1", Content: "A2", Priority: 1, ChildOrder: 1},
	}, tasksync.ApplyOptions{Source: tasksync.SourceWebhook})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	msg := readMessage()
	if msg.Type != "change" || msg.Change == nil || msg.Change.ID != "a" || msg.Change.Source != tasksync.SourceWebhook {
		t.Fatalf("expected change for a, got %+v", msg)
	}
}

func TestUnknownRoute(t *testing.T) {
	server := NewServer(Dependencies{Store: tasksync.NewStore()}, ServerConfig{})
	defer server.Close()
	resp := doRequest(t, server, request{method: http.MethodGet, path: "/v2/anything", headers: bearer(t, allScopes...)})
	if resp.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.Code)
	}
}

func doRequest(t *testing.T, server http.Handler, r request) *httptest.ResponseRecorder {
	t.Helper()
	var bodyBytes []byte
	if r.body != nil {
		data, err := json.Marshal(r.body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		bodyBytes = data
	}
	req := httptest.NewRequest(r.method, r.path, bytes.NewReader(bodyBytes))
	for k, v := range r.headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	server.ServeHTTP(rec, req)
	return rec
}

func mustTestJWT(t *testing.T, secret, subject string, scopes []string, exp time.Time) string {
	return mustTestJWTWithAudience(t, secret, subject, scopes, tokenAudience, exp)
}

func mustTestJWTWithAudience(t *testing.T, secret, subject string, scopes []string, aud string, exp time.Time) string {
	t.Helper()
	headerBytes, err := json.Marshal(map[string]any{"alg": "HS256", "typ": "JWT"})
	if err != nil {
		t.Fatalf("marshal jwt header: %v", err)
	}
	payloadBytes, err := json.Marshal(map[string]any{
		"sub":    subject,
		"scopes": scopes,
		"exp":    exp.Unix(),
		"aud":    aud,
	})
	if err != nil {
		t.Fatalf("marshal jwt payload: %v", err)
	}
	signingInput := base64.RawURLEncoding.EncodeToString(headerBytes) + "." + base64.RawURLEncoding.EncodeToString(payloadBytes)
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write([]byte(signingInput))
	return signingInput + "." + base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}
