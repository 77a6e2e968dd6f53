// Package webhook verifies, de-duplicates and applies push events from the
// remote, logging one delivery row per call.
package webhook

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/agentworkforce/tasksync/internal/logging"
	"github.com/agentworkforce/tasksync/internal/tasksync"
	"github.com/agentworkforce/tasksync/internal/tracing"
)

const (
	SignatureHeader  = "X-Todoist-Hmac-SHA256"
	DeliveryIDHeader = "X-Todoist-Delivery-ID"

	DefaultRoutineMarker = "routine"
	defaultMaxBodyBytes  = 1 << 20
)

var (
	ErrMissingSecret  = errors.New("webhook secret is not configured")
	ErrMalformedEvent = errors.New("malformed webhook event")
)

type Result string

const (
	ResultProcessed Result = "processed"
	ResultStale     Result = "stale"
	ResultDuplicate Result = "duplicate"
	ResultIgnored   Result = "ignored"
	ResultRejected  Result = "rejected"
	ResultFailed    Result = "failed"
)

// Store is the part of the mirror the ingester writes to.
type Store interface {
	Apply(ctx context.Context, rec tasksync.Record, opts tasksync.ApplyOptions) (tasksync.ApplyResult, error)
	Delivery(deliveryID string) (tasksync.Delivery, bool)
	RecordDelivery(ctx context.Context, delivery tasksync.Delivery) error
	RecordRoutineEvent(ctx context.Context, taskID string, completed bool, at time.Time) (tasksync.RoutineStats, error)
}

type SecretProvider func() (string, error)

func StaticSecret(secret string) SecretProvider {
	return func() (string, error) {
		if strings.TrimSpace(secret) == "" {
			return "", ErrMissingSecret
		}
		return secret, nil
	}
}

type Options struct {
	Secret        SecretProvider
	Adapters      []EventAdapter
	RoutineMarker string
	MaxBodyBytes  int64
	Logger        *logging.Logger
	Tracer        *tracing.Tracer
	Now           func() time.Time
}

type Request struct {
	Signature  string
	DeliveryID string
	Body       []byte
}

type Outcome struct {
	Status   int                `json:"-"`
	Result   Result             `json:"result"`
	Message  string             `json:"message,omitempty"`
	Delivery *tasksync.Delivery `json:"delivery,omitempty"`
}

type Ingester struct {
	store         Store
	secret        SecretProvider
	adapters      map[string]EventAdapter
	routineMarker string
	maxBodyBytes  int64
	logger        *logging.Logger
	tracer        *tracing.Tracer
	now           func() time.Time

	mu       sync.Mutex
	inflight map[string]struct{}
}

func NewIngester(store Store, opts Options) (*Ingester, error) {
	if store == nil {
		return nil, fmt.Errorf("store is required")
	}
	secret := opts.Secret
	if secret == nil {
		secret = func() (string, error) { return "", ErrMissingSecret }
	}
	adapterList := opts.Adapters
	if len(adapterList) == 0 {
		adapterList = DefaultAdapters()
	}
	adapters := map[string]EventAdapter{}
	for _, adapter := range adapterList {
		if adapter == nil || adapter.Family() == "" {
			continue
		}
		adapters[adapter.Family()] = adapter
	}
	marker := strings.TrimSpace(opts.RoutineMarker)
	if marker == "" {
		marker = DefaultRoutineMarker
	}
	maxBodyBytes := opts.MaxBodyBytes
	if maxBodyBytes <= 0 {
		maxBodyBytes = defaultMaxBodyBytes
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Ingester{
		store:         store,
		secret:        secret,
		adapters:      adapters,
		routineMarker: marker,
		maxBodyBytes:  maxBodyBytes,
		logger:        logger.With("component", "webhook"),
		tracer:        opts.Tracer,
		now:           now,
		inflight:      map[string]struct{}{},
	}, nil
}

func (i *Ingester) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, i.maxBodyBytes+1))
	if err != nil {
		http.Error(w, "unable to read body", http.StatusBadRequest)
		return
	}
	if int64(len(body)) > i.maxBodyBytes {
		http.Error(w, "payload too large", http.StatusRequestEntityTooLarge)
		return
	}
	outcome := i.Ingest(r.Context(), Request{
		Signature:  r.Header.Get(SignatureHeader),
		DeliveryID: r.Header.Get(DeliveryIDHeader),
		Body:       body,
	})
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(outcome.Status)
	_, _ = fmt.Fprintf(w, "{\"result\":%q}\n", outcome.Result)
}

// Ingest runs one delivery through verify, parse, de-dup and apply. Every call
// with a delivery id leaves a delivery row behind, including rejected ones.
func (i *Ingester) Ingest(ctx context.Context, req Request) (outcome Outcome) {
	started := i.now()
	deliveryID := strings.TrimSpace(req.DeliveryID)
	signature := strings.TrimSpace(req.Signature)
	if deliveryID == "" || signature == "" {
		return Outcome{Status: http.StatusBadRequest, Result: ResultRejected, Message: "missing signature or delivery id header"}
	}

	ctx, span := i.tracer.Start(ctx, "webhook.ingest", attribute.String("delivery_id", deliveryID))
	delivery := tasksync.Delivery{DeliveryID: deliveryID, ReceivedAt: started.UTC()}
	var spanErr error
	defer func() {
		if r := recover(); r != nil {
			spanErr = fmt.Errorf("panic: %v", r)
			i.logger.ErrorContext(ctx, "webhook ingest panicked", "delivery_id", deliveryID, "panic", fmt.Sprint(r))
			outcome = i.fail(ctx, &delivery, started, http.StatusInternalServerError, spanErr)
		}
		tracing.End(span, spanErr)
	}()

	secret, err := i.secret()
	if err != nil || strings.TrimSpace(secret) == "" {
		if err == nil {
			err = ErrMissingSecret
		}
		spanErr = err
		i.logger.ErrorContext(ctx, "webhook secret unavailable", "error", err)
		return i.fail(ctx, &delivery, started, http.StatusInternalServerError, err)
	}
	if !VerifySignature(secret, signature, req.Body) {
		i.logger.WarnContext(ctx, "webhook signature mismatch", "delivery_id", deliveryID)
		return i.fail(ctx, &delivery, started, http.StatusUnauthorized, errors.New("signature mismatch"))
	}

	event, err := ParseEvent(req.Body)
	if err != nil {
		return i.fail(ctx, &delivery, started, http.StatusBadRequest, err)
	}
	delivery.EventName = event.EventName
	delivery.Initiator = event.Initiator.String()
	span.SetAttributes(attribute.String("event_name", event.EventName))

	adapter, ok := i.adapters[event.Family()]
	if !ok || !adapter.Supports(event.Action()) {
		delivery.Status = tasksync.DeliverySkipped
		delivery.Summary = "unhandled event"
		i.finish(ctx, &delivery, started)
		return Outcome{Status: http.StatusOK, Result: ResultIgnored, Delivery: &delivery}
	}

	if !i.claim(deliveryID) {
		return Outcome{Status: http.StatusOK, Result: ResultDuplicate}
	}
	defer i.release(deliveryID)
	if existing, seen := i.store.Delivery(deliveryID); seen {
		i.logger.DebugContext(ctx, "duplicate webhook delivery", "delivery_id", deliveryID)
		return Outcome{Status: http.StatusOK, Result: ResultDuplicate, Delivery: &existing}
	}

	rec, err := adapter.Record(event, i.now())
	if err != nil {
		return i.fail(ctx, &delivery, started, http.StatusBadRequest, err)
	}
	delivery.EntityKind = rec.Kind
	delivery.EntityID = rec.ID
	delivery.Summary = summarize(rec)

	applied, err := i.store.Apply(ctx, rec, tasksync.ApplyOptions{Source: tasksync.SourceWebhook})
	if err != nil {
		spanErr = err
		i.logger.ErrorContext(ctx, "webhook apply failed", "delivery_id", deliveryID, "event", event.EventName, "error", err)
		return i.fail(ctx, &delivery, started, http.StatusInternalServerError, err)
	}

	if rec.Kind == tasksync.KindTask {
		i.recordRoutine(ctx, event, rec)
	}

	delivery.Status = tasksync.DeliverySuccess
	i.finish(ctx, &delivery, started)
	result := ResultProcessed
	if !applied.Applied() {
		result = ResultStale
	}
	i.logger.InfoContext(ctx, "webhook applied",
		"delivery_id", deliveryID,
		"event", event.EventName,
		"entity_id", rec.ID,
		"result", result,
		"latency_ms", delivery.LatencyMillis)
	return Outcome{Status: http.StatusOK, Result: result, Delivery: &delivery}
}

// recordRoutine counts completions of tasks carrying the routine label. It
// never affects the delivery outcome.
func (i *Ingester) recordRoutine(ctx context.Context, event Event, rec tasksync.Record) {
	action := event.Action()
	if action != "completed" && action != "uncompleted" {
		return
	}
	if !tasksync.HasLabel(rec.Task, i.routineMarker) {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			i.logger.ErrorContext(ctx, "routine bookkeeping panicked", "task_id", rec.ID, "panic", fmt.Sprint(r))
		}
	}()
	if _, err := i.store.RecordRoutineEvent(ctx, rec.ID, action == "completed", eventTime(event, i.now())); err != nil {
		i.logger.ErrorContext(ctx, "routine bookkeeping failed", "task_id", rec.ID, "error", err)
	}
}

func (i *Ingester) fail(ctx context.Context, delivery *tasksync.Delivery, started time.Time, status int, err error) Outcome {
	delivery.Status = tasksync.DeliveryFailed
	delivery.Error = err.Error()
	i.finish(ctx, delivery, started)
	result := ResultFailed
	if status == http.StatusUnauthorized || status == http.StatusBadRequest {
		result = ResultRejected
	}
	return Outcome{Status: status, Result: result, Message: err.Error(), Delivery: delivery}
}

func (i *Ingester) finish(ctx context.Context, delivery *tasksync.Delivery, started time.Time) {
	delivery.LatencyMillis = i.now().Sub(started).Milliseconds()
	if err := i.store.RecordDelivery(ctx, *delivery); err != nil {
		i.logger.ErrorContext(ctx, "failed to write delivery row", "delivery_id", delivery.DeliveryID, "error", err)
	}
}

func (i *Ingester) claim(deliveryID string) bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	if _, busy := i.inflight[deliveryID]; busy {
		return false
	}
	i.inflight[deliveryID] = struct{}{}
	return true
}

func (i *Ingester) release(deliveryID string) {
	i.mu.Lock()
	defer i.mu.Unlock()
	delete(i.inflight, deliveryID)
}
