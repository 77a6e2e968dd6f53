package tasksync

import (
	"context"
	"sort"
	"strings"
	"time"
)

type DeliveryStatus string

const (
	DeliverySuccess DeliveryStatus = "success"
	DeliveryFailed  DeliveryStatus = "failed"
	DeliverySkipped DeliveryStatus = "skipped"
)

// Delivery is the log row written for every inbound webhook call.
type Delivery struct {
	DeliveryID    string         `json:"delivery_id"`
	EventName     string         `json:"event_name,omitempty"`
	EntityKind    Kind           `json:"entity_kind,omitempty"`
	EntityID      string         `json:"entity_id,omitempty"`
	Status        DeliveryStatus `json:"status"`
	Summary       string         `json:"summary,omitempty"`
	Initiator     string         `json:"initiator,omitempty"`
	Error         string         `json:"error,omitempty"`
	LatencyMillis int64          `json:"latency_ms"`
	ReceivedAt    time.Time      `json:"received_at"`
}

func (d Delivery) Processed() bool {
	return d.Status == DeliverySuccess || d.Status == DeliverySkipped
}

func (s *Store) Delivery(deliveryID string) (Delivery, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	delivery, ok := s.deliveries[deliveryID]
	return delivery, ok
}

// RecordDelivery upserts the row for delivery.DeliveryID. A rejected retry
// never downgrades a processed row to failed.
func (s *Store) RecordDelivery(ctx context.Context, delivery Delivery) error {
	delivery.DeliveryID = strings.TrimSpace(delivery.DeliveryID)
	if delivery.DeliveryID == "" || delivery.Status == "" {
		return ErrInvalidInput
	}
	if delivery.ReceivedAt.IsZero() {
		delivery.ReceivedAt = s.now().UTC()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.deliveries[delivery.DeliveryID]; ok && existing.Processed() && !delivery.Processed() {
		return nil
	}
	if err := s.backend.SaveDelivery(ctx, delivery); err != nil {
		return err
	}
	s.deliveries[delivery.DeliveryID] = delivery
	return nil
}

type DeliveryFilter struct {
	Status DeliveryStatus
	Limit  int
}

// Deliveries returns log rows, newest first.
func (s *Store) Deliveries(filter DeliveryFilter) []Delivery {
	s.mu.RLock()
	out := make([]Delivery, 0, len(s.deliveries))
	for _, delivery := range s.deliveries {
		if filter.Status != "" && delivery.Status != filter.Status {
			continue
		}
		out = append(out, delivery)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].ReceivedAt.Equal(out[j].ReceivedAt) {
			return out[i].ReceivedAt.After(out[j].ReceivedAt)
		}
		return out[i].DeliveryID < out[j].DeliveryID
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out
}
