package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/agentworkforce/tasksync/internal/cursorfilter"
	"github.com/agentworkforce/tasksync/internal/logging"
	"github.com/agentworkforce/tasksync/internal/optimistic"
	"github.com/agentworkforce/tasksync/internal/syncer"
	"github.com/agentworkforce/tasksync/internal/tasksync"
	"github.com/agentworkforce/tasksync/internal/todoist"
)

type ServerConfig struct {
	JWTSecret          string
	Service            string
	MaxBodyBytes       int64
	SyncTimeout        time.Duration
	LiveOriginPatterns []string
	Logger             *logging.Logger
	Now                func() time.Time
}

// SyncController runs syncs on demand and reports the last outcome.
type SyncController interface {
	Trigger(ctx context.Context) (syncer.Result, error)
	LastRun() (syncer.RunStatus, bool)
}

// Dependencies are the components the API exposes. Only Store is required;
// routes whose component is nil answer 503.
type Dependencies struct {
	Store    *tasksync.Store
	Webhooks http.Handler
	Sync     SyncController
	Mutator  *optimistic.Mutator
	Ledger   *optimistic.Ledger
}

type Server struct {
	store    *tasksync.Store
	webhooks http.Handler
	sync     SyncController
	mutator  *optimistic.Mutator
	ledger   *optimistic.Ledger
	cfg      ServerConfig
	logger   *logging.Logger
	now      func() time.Time
	live     *liveHub
	stop     []func()
}

func NewServer(deps Dependencies, cfg ServerConfig) *Server {
	if cfg.JWTSecret == "" {
		cfg.JWTSecret = "dev-secret"
	}
	if cfg.Service == "" {
		cfg.Service = tasksync.DefaultService
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	if cfg.SyncTimeout <= 0 {
		cfg.SyncTimeout = 2 * time.Minute
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	ledger := deps.Ledger
	if ledger == nil && deps.Mutator != nil {
		ledger = deps.Mutator.Ledger()
	}
	if ledger == nil {
		ledger = optimistic.NewLedger()
	}
	s := &Server{
		store:    deps.Store,
		webhooks: deps.Webhooks,
		sync:     deps.Sync,
		mutator:  deps.Mutator,
		ledger:   ledger,
		cfg:      cfg,
		logger:   logger,
		now:      now,
		live:     newLiveHub(logger),
	}
	s.stop = append(s.stop,
		s.store.Subscribe(func(change tasksync.Change) {
			s.live.publish(liveMessage{Type: "change", Change: &change})
		}),
		ledger.Subscribe(func(id string) {
			_, pending := ledger.Get(id)
			s.live.publish(liveMessage{Type: "pending", TaskID: id, Pending: pending})
		}),
	)
	return s
}

func (s *Server) Handler() http.Handler {
	return withRequestLogging(s.logger, s)
}

// Close disconnects live clients and drops store and ledger subscriptions.
func (s *Server) Close() {
	for _, stop := range s.stop {
		stop()
	}
	s.live.close()
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	correlationID := getCorrelationID(r)
	if r.URL.Path == "/health" && r.Method == http.MethodGet {
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "live_clients": s.live.count()})
		return
	}
	if r.URL.Path == "/webhooks/todoist" {
		if s.webhooks == nil {
			writeError(w, http.StatusServiceUnavailable, "unavailable", "webhook ingestion is not configured", correlationID)
			return
		}
		s.webhooks.ServeHTTP(w, r)
		return
	}

	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	if len(parts) < 2 || parts[0] != "v1" {
		writeError(w, http.StatusNotFound, "not_found", "route not found", correlationID)
		return
	}

	var requiredScope string
	var route string
	switch {
	case len(parts) == 2 && parts[1] == "sync" && r.Method == http.MethodPost:
		requiredScope, route = scopeSyncTrigger, "sync_trigger"
	case len(parts) == 3 && parts[1] == "sync" && parts[2] == "status" && r.Method == http.MethodGet:
		requiredScope, route = scopeSyncRead, "sync_status"
	case len(parts) == 3 && parts[1] == "entities" && r.Method == http.MethodGet:
		requiredScope, route = scopeEntitiesRead, "entities_list"
	case len(parts) == 4 && parts[1] == "entities" && r.Method == http.MethodGet:
		requiredScope, route = scopeEntitiesRead, "entity_get"
	case len(parts) == 4 && parts[1] == "projects" && parts[3] == "metadata" && r.Method == http.MethodGet:
		requiredScope, route = scopeEntitiesRead, "project_metadata"
	case len(parts) == 3 && parts[1] == "webhooks" && parts[2] == "deliveries" && r.Method == http.MethodGet:
		requiredScope, route = scopeSyncRead, "deliveries"
	case len(parts) == 3 && parts[1] == "tasks" && r.Method == http.MethodPatch:
		requiredScope, route = scopeTasksWrite, "task_patch"
	case len(parts) == 2 && parts[1] == "views" && r.Method == http.MethodGet:
		requiredScope, route = scopeEntitiesRead, "views"
	case len(parts) == 2 && parts[1] == "live" && r.Method == http.MethodGet:
		requiredScope, route = scopeEntitiesRead, "live"
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", correlationID)
		return
	}

	if _, authErr := authorizeBearer(bearerFromRequest(r), s.cfg.JWTSecret, requiredScope, s.now()); authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message, correlationID)
		return
	}

	switch route {
	case "sync_trigger":
		s.handleSyncTrigger(w, r, correlationID)
	case "sync_status":
		s.handleSyncStatus(w, correlationID)
	case "entities_list":
		s.handleEntitiesList(w, r, parts[2], correlationID)
	case "entity_get":
		s.handleEntityGet(w, parts[2], parts[3], correlationID)
	case "project_metadata":
		s.handleProjectMetadata(w, parts[2], correlationID)
	case "deliveries":
		s.handleDeliveries(w, r)
	case "task_patch":
		s.handleTaskPatch(w, r, parts[2], correlationID)
	case "views":
		s.handleView(w, r, correlationID)
	case "live":
		s.handleLive(w, r)
	}
}

func (s *Server) handleSyncTrigger(w http.ResponseWriter, r *http.Request, correlationID string) {
	if s.sync == nil {
		writeError(w, http.StatusServiceUnavailable, "unavailable", "sync runner is not running", correlationID)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.SyncTimeout)
	defer cancel()
	result, err := s.sync.Trigger(ctx)
	if err != nil {
		status, code := syncErrorStatus(err)
		writeError(w, status, code, err.Error(), correlationID)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func syncErrorStatus(err error) (int, string) {
	var httpErr *todoist.HTTPError
	switch {
	case errors.Is(err, todoist.ErrMissingToken):
		return http.StatusServiceUnavailable, "not_configured"
	case errors.As(err, &httpErr):
		return http.StatusBadGateway, "upstream_error"
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "timeout"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}

func (s *Server) handleSyncStatus(w http.ResponseWriter, correlationID string) {
	response := map[string]any{"service": s.cfg.Service, "counts": s.store.Counts()}
	if state, ok := s.store.SyncState(s.cfg.Service); ok {
		response["state"] = state
	}
	if s.sync != nil {
		if last, ok := s.sync.LastRun(); ok {
			response["last_run"] = last
		}
	}
	if s.mutator != nil {
		response["pending_commands"] = s.mutator.QueueDepth()
	}
	response["pending_updates"] = s.ledger.Len()
	response["correlationId"] = correlationID
	writeJSON(w, http.StatusOK, response)
}

func (s *Server) handleEntitiesList(w http.ResponseWriter, r *http.Request, rawKind, correlationID string) {
	kind, ok := tasksync.ParseKind(rawKind)
	if !ok {
		writeError(w, http.StatusNotFound, "not_found", "unknown entity kind: "+rawKind, correlationID)
		return
	}
	query := r.URL.Query()
	records := s.store.List(kind, tasksync.ListOptions{
		IncludeDeleted: parseBool(query.Get("include_deleted"), false),
		ProjectID:      strings.TrimSpace(query.Get("project_id")),
	})
	if kind == tasksync.KindTask && parseBool(query.Get("overlay"), false) {
		records = s.overlay(records)
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": records, "count": len(records)})
}

func (s *Server) handleEntityGet(w http.ResponseWriter, rawKind, id, correlationID string) {
	kind, ok := tasksync.ParseKind(rawKind)
	if !ok {
		writeError(w, http.StatusNotFound, "not_found", "unknown entity kind: "+rawKind, correlationID)
		return
	}
	rec, found := s.store.Get(kind, id)
	if !found {
		writeError(w, http.StatusNotFound, "not_found", "entity not found", correlationID)
		return
	}
	response := map[string]any{"record": rec}
	if kind == tasksync.KindTask {
		if u, pending := s.ledger.Get(id); pending {
			response["displayed"] = optimistic.Overlay(rec, u)
			response["pending"] = u.Tag()
		}
	}
	writeJSON(w, http.StatusOK, response)
}

func (s *Server) handleProjectMetadata(w http.ResponseWriter, projectID, correlationID string) {
	meta, ok := s.store.ProjectMetadata(projectID)
	if !ok {
		writeError(w, http.StatusNotFound, "not_found", "no metadata for project", correlationID)
		return
	}
	writeJSON(w, http.StatusOK, meta)
}

func (s *Server) handleDeliveries(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	deliveries := s.store.Deliveries(tasksync.DeliveryFilter{
		Status: tasksync.DeliveryStatus(strings.TrimSpace(query.Get("status"))),
		Limit:  parseBoundedInt(query.Get("limit"), 50, 1, 500),
	})
	writeJSON(w, http.StatusOK, map[string]any{"items": deliveries, "count": len(deliveries)})
}

func (s *Server) handleTaskPatch(w http.ResponseWriter, r *http.Request, taskID, correlationID string) {
	if s.mutator == nil {
		writeError(w, http.StatusServiceUnavailable, "unavailable", "task edits are not configured", correlationID)
		return
	}
	var patch taskPatch
	if !s.decodeJSONBody(w, r, correlationID, &patch) {
		return
	}
	if _, ok := s.store.Get(tasksync.KindTask, taskID); !ok {
		writeError(w, http.StatusNotFound, "not_found", "task not found", correlationID)
		return
	}
	update, err := patch.update(taskID)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error(), correlationID)
		return
	}
	if _, err := s.mutator.Submit(r.Context(), update); err != nil {
		if errors.Is(err, optimistic.ErrQueueFull) || errors.Is(err, optimistic.ErrClosed) {
			writeError(w, http.StatusServiceUnavailable, "unavailable", err.Error(), correlationID)
			return
		}
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error(), correlationID)
		return
	}
	displayed, _ := optimistic.Displayed(s.store, s.ledger, taskID)
	writeJSON(w, http.StatusAccepted, map[string]any{
		"status":        "queued",
		"pending":       update.Tag(),
		"record":        displayed,
		"correlationId": correlationID,
	})
}

func (s *Server) handleView(w http.ResponseWriter, r *http.Request, correlationID string) {
	q, err := parseViewQuery(r, s.now())
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error(), correlationID)
		return
	}
	ordered := s.overlay(s.store.Tasks())
	response := map[string]any{}
	items := cursorfilter.Filter(q, ordered)
	response["items"] = items
	response["count"] = len(items)
	if current := strings.TrimSpace(r.URL.Query().Get("cursor")); current != "" {
		if next, ok := cursorfilter.NextCursor(q, ordered, current); ok {
			response["cursor"] = next
		}
	}
	writeJSON(w, http.StatusOK, response)
}

func parseViewQuery(r *http.Request, now time.Time) (cursorfilter.Query, error) {
	values := r.URL.Query()
	typ, err := cursorfilter.ParseQueryType(values.Get("type"))
	if err != nil {
		return cursorfilter.Query{}, err
	}
	q := cursorfilter.Query{
		Type:         typ,
		ProjectID:    strings.TrimSpace(values.Get("project_id")),
		Label:        strings.TrimSpace(values.Get("label")),
		Priority:     parseBoundedInt(values.Get("priority"), 0, 0, 4),
		TZOffset:     time.Duration(parseBoundedInt(values.Get("tz_offset_minutes"), 0, -14*60, 14*60)) * time.Minute,
		Now:          now,
		UpcomingDays: parseBoundedInt(values.Get("days"), cursorfilter.DefaultUpcomingDays, 1, 90),
	}
	return q, q.Validate()
}

func (s *Server) overlay(records []tasksync.Record) []tasksync.Record {
	out := make([]tasksync.Record, len(records))
	for i, rec := range records {
		if u, ok := s.ledger.Get(rec.ID); ok {
			out[i] = optimistic.Overlay(rec, u)
			continue
		}
		out[i] = rec
	}
	return out
}

func getCorrelationID(r *http.Request) string {
	return r.Header.Get("X-Correlation-Id")
}

func (s *Server) readRequestBody(w http.ResponseWriter, r *http.Request, correlationID string) ([]byte, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "request body exceeds configured limit", correlationID)
			return nil, false
		}
		writeError(w, http.StatusBadRequest, "bad_request", "failed to read request body", correlationID)
		return nil, false
	}
	return body, true
}

func (s *Server) decodeJSONBody(w http.ResponseWriter, r *http.Request, correlationID string, dst any) bool {
	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return false
	}
	if err := json.Unmarshal(body, dst); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body", correlationID)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message, correlationID string) {
	writeJSON(w, status, map[string]any{
		"code":          code,
		"message":       message,
		"correlationId": correlationID,
	})
}

func parseBoundedInt(raw string, fallback, min, max int) int {
	if strings.TrimSpace(raw) == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return fallback
	}
	if parsed < min {
		return fallback
	}
	if parsed > max {
		return max
	}
	return parsed
}

func parseBool(raw string, fallback bool) bool {
	if strings.TrimSpace(raw) == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(strings.TrimSpace(raw))
	if err != nil {
		return fallback
	}
	return parsed
}
