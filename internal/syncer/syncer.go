// Package syncer pulls changes from the remote sync endpoint into the local
// store, full or incremental depending on the stored cursor.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/agentworkforce/tasksync/internal/logging"
	"github.com/agentworkforce/tasksync/internal/tasksync"
	"github.com/agentworkforce/tasksync/internal/todoist"
	"github.com/agentworkforce/tasksync/internal/tracing"
)

var ErrInternal = errors.New("internal sync failure")

type Remote interface {
	Sync(ctx context.Context, req todoist.SyncRequest) (todoist.SyncResponse, error)
}

type Options struct {
	Service       string
	ResourceTypes []string
	Logger        *logging.Logger
	Tracer        *tracing.Tracer
	Now           func() time.Time
	// AfterTasksChanged runs once per sync that applied at least one task
	// record. Its error is logged and does not fail the sync.
	AfterTasksChanged func(ctx context.Context) error
}

type Result struct {
	Mode      tasksync.SyncMode     `json:"mode"`
	Promoted  bool                  `json:"promoted,omitempty"`
	SyncToken string                `json:"sync_token"`
	Applied   map[tasksync.Kind]int `json:"applied"`
	Skipped   int                   `json:"skipped"`
	Duration  time.Duration         `json:"duration"`
}

func (r Result) TasksChanged() bool {
	return r.Applied[tasksync.KindTask] > 0
}

type Syncer struct {
	remote            Remote
	store             *tasksync.Store
	service           string
	resourceTypes     []string
	logger            *logging.Logger
	tracer            *tracing.Tracer
	now               func() time.Time
	afterTasksChanged func(ctx context.Context) error
}

func New(remote Remote, store *tasksync.Store, opts Options) (*Syncer, error) {
	if remote == nil {
		return nil, fmt.Errorf("remote is required")
	}
	if store == nil {
		return nil, fmt.Errorf("store is required")
	}
	service := strings.TrimSpace(opts.Service)
	if service == "" {
		service = tasksync.DefaultService
	}
	resourceTypes := opts.ResourceTypes
	if len(resourceTypes) == 0 {
		resourceTypes = todoist.DefaultResourceTypes
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	afterTasksChanged := opts.AfterTasksChanged
	if afterTasksChanged == nil {
		afterTasksChanged = func(context.Context) error {
			store.RecomputeProjectMetadata(now())
			return nil
		}
	}
	return &Syncer{
		remote:            remote,
		store:             store,
		service:           service,
		resourceTypes:     resourceTypes,
		logger:            logger.With("component", "syncer", "service", service),
		tracer:            opts.Tracer,
		now:               now,
		afterTasksChanged: afterTasksChanged,
	}, nil
}

// SyncOnce runs one sync. The stored cursor only moves after every record in
// the response has been applied, so a failure anywhere replays the same
// window next time.
func (s *Syncer) SyncOnce(ctx context.Context) (result Result, err error) {
	ctx, span := s.tracer.Start(ctx, "sync.run", attribute.String("service", s.service))
	defer func() {
		if r := recover(); r != nil {
			s.logger.ErrorContext(ctx, "sync panicked", "panic", fmt.Sprint(r))
			err = fmt.Errorf("%w: %v", ErrInternal, r)
		}
		tracing.End(span, err)
	}()

	started := s.now()
	if _, err := s.store.InitializeSyncState(ctx, s.service); err != nil {
		return Result{}, fmt.Errorf("initialize sync state: %w", err)
	}

	promoted := false
	for attempt := 0; attempt < 2; attempt++ {
		state, _ := s.store.SyncState(s.service)
		mode := tasksync.SyncModeIncremental
		token := state.LastSyncToken
		if state.NeedsFullSync() {
			mode = tasksync.SyncModeFull
			token = tasksync.FullSyncToken
		}

		resp, err := s.remote.Sync(ctx, todoist.SyncRequest{SyncToken: token, ResourceTypes: s.resourceTypes})
		if err != nil {
			s.logger.WarnContext(ctx, "sync request failed", "mode", mode, "error", err)
			return Result{}, fmt.Errorf("%s sync: %w", mode, err)
		}
		if mode == tasksync.SyncModeIncremental && resp.FullSync {
			s.logger.InfoContext(ctx, "remote promoted incremental sync to full resync")
			if _, err := s.store.ResetSyncState(ctx, s.service); err != nil {
				return Result{}, fmt.Errorf("reset sync state: %w", err)
			}
			promoted = true
			continue
		}

		result, err = s.apply(ctx, mode, resp)
		if err != nil {
			return Result{}, err
		}
		result.Promoted = promoted
		result.Duration = s.now().Sub(started)
		s.logger.InfoContext(ctx, "sync completed",
			"mode", mode,
			"promoted", promoted,
			"applied_tasks", result.Applied[tasksync.KindTask],
			"skipped", result.Skipped,
			"duration", result.Duration)
		return result, nil
	}
	return Result{}, fmt.Errorf("%w: remote kept promoting sync to full resync", ErrInternal)
}

func (s *Syncer) apply(ctx context.Context, mode tasksync.SyncMode, resp todoist.SyncResponse) (Result, error) {
	ctx, span := s.tracer.Start(ctx, "sync.apply", attribute.String("mode", string(mode)))
	var err error
	defer func() { tracing.End(span, err) }()

	if strings.TrimSpace(resp.SyncToken) == "" {
		err = fmt.Errorf("%s sync: remote returned no sync token", mode)
		return Result{}, err
	}

	result := Result{Mode: mode, SyncToken: resp.SyncToken, Applied: map[tasksync.Kind]int{}}
	full := mode == tasksync.SyncModeFull
	for _, rec := range resp.Records(s.now()) {
		// Tasks are always forced: assignment-only changes arrive without a
		// newer updated_at.
		force := full || rec.Kind == tasksync.KindTask
		applied, applyErr := s.store.Apply(ctx, rec, tasksync.ApplyOptions{Force: force, Source: tasksync.SourceSync})
		if applyErr != nil {
			err = fmt.Errorf("apply %s %s: %w", rec.Kind, rec.ID, applyErr)
			return Result{}, err
		}
		if applied.Applied() {
			result.Applied[rec.Kind]++
		} else {
			result.Skipped++
		}
	}

	if result.TasksChanged() {
		if hookErr := s.afterTasksChanged(ctx); hookErr != nil {
			s.logger.WarnContext(ctx, "derived recomputation failed", "error", hookErr)
		}
	}

	if _, err = s.store.AdvanceSyncState(ctx, s.service, resp.SyncToken, mode); err != nil {
		err = fmt.Errorf("advance sync state: %w", err)
		return Result{}, err
	}
	return result, nil
}
