package service

import (
	"context"
	"encoding/json"
	"time"

	"github.com/chittyos/evidence-ledger/common/logger"
	"github.com/chittyos/evidence-ledger/common/queue"
)

// MintedEvent is published once a digest receives its external id
type MintedEvent struct {
	Digest     string    `json:"digest"`
	ExternalID string    `json:"external_id"`
	Path       string    `json:"path"`
	RunID      string    `json:"run_id"`
	MintedAt   time.Time `json:"minted_at"`
}

// EventPublisher announces minted identifiers to downstream consumers.
// Publishing is best effort; the ledger stays the system of record.
type EventPublisher struct {
	queue queue.Queue
	topic string
	log   *logger.Logger
}

// NewEventPublisher creates a publisher. A nil queue disables publishing.
func NewEventPublisher(q queue.Queue, topic string, log *logger.Logger) *EventPublisher {
	return &EventPublisher{queue: q, topic: topic, log: log}
}

// Minted publishes ev keyed by digest
func (p *EventPublisher) Minted(ctx context.Context, ev MintedEvent) {
	if p == nil || p.queue == nil {
		return
	}

	payload, err := json.Marshal(ev)
	if err != nil {
		p.log.Error("failed to encode minted event", "digest", ev.Digest, "error", err)
		return
	}
	if err := p.queue.Publish(ctx, p.topic, ev.Digest, payload); err != nil {
		p.log.Warn("failed to publish minted event", "digest", ev.Digest, "topic", p.topic, "error", err)
	}
}
