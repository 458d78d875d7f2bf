package container

import (
	"context"
	"fmt"

	"github.com/chittyos/evidence-ledger/cmd/evidence/service"
	"github.com/chittyos/evidence-ledger/cmd/evidence/stream"
	"github.com/chittyos/evidence-ledger/common/bootstrap"
	"github.com/chittyos/evidence-ledger/common/clients"
	"github.com/chittyos/evidence-ledger/common/filter"
	"github.com/chittyos/evidence-ledger/common/hasher"
)

// Container holds all initialized services (singleton pattern)
type Container struct {
	// Components
	Components *bootstrap.Components

	// Clients
	Identity *clients.IdentityClient

	// Services
	Hasher       *hasher.Hasher
	Filter       *filter.Filter
	Registry     *service.Registry
	Orchestrator *service.Orchestrator
	Verifier     *service.Verifier

	// Events is nil when no queue is configured
	Events *stream.Hub
}

// NewContainer initializes all services once, bottom-up
func NewContainer(components *bootstrap.Components) (*Container, error) {
	cfg := components.Config

	h, err := hasher.New(hasher.Algorithm(cfg.Ingest.Algorithm), cfg.Ingest.ChunkSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create hasher: %w", err)
	}

	f, err := filter.New(cfg.Ingest.Filter)
	if err != nil {
		return nil, fmt.Errorf("failed to compile file filter: %w", err)
	}

	identity := clients.NewIdentityClient(cfg.Identity.BaseURL, cfg.Identity.Token, cfg.Identity.Timeout, components.Logger)

	registry := service.NewRegistry(identity, components.Cache, service.RegistryConfig{
		MaxAttempts:   cfg.Identity.MaxAttempts,
		RetryDelay:    cfg.Identity.RetryDelay,
		MaxRetryDelay: cfg.Identity.MaxRetryDelay,
		RatePerSecond: cfg.Identity.RatePerSecond,
		CacheTTL:      cfg.Cache.DefaultTTL,
	}, components.Logger).WithRecordedID(components.Ledger.ExternalID)

	// Serialize mints across processes sharing the same redis
	if components.Redis != nil {
		registry.WithLocker(service.NewRedisLocker(components.Redis.GetUnderlying(), cfg.Redis.LockTTL))
	}

	orchestrator := service.NewOrchestrator(components.Ledger, registry, h, f, service.OrchestratorConfig{
		Workers: cfg.Ingest.Workers,
		Domain:  cfg.Identity.Domain,
		Subtype: cfg.Identity.Subtype,
		CaseID:  cfg.Ingest.CaseID,

		MintLease: cfg.Ingest.MintLease,
		ClaimPoll: cfg.Ingest.ClaimPoll,
	}, components.Logger)
	if components.Queue != nil {
		orchestrator.WithEvents(service.NewEventPublisher(components.Queue, cfg.Queue.Channel, components.Logger))
	}

	var events *stream.Hub
	if components.Queue != nil {
		events = stream.NewHub(components.Logger)
	}

	return &Container{
		Components:   components,
		Identity:     identity,
		Hasher:       h,
		Filter:       f,
		Registry:     registry,
		Orchestrator: orchestrator,
		Verifier:     service.NewVerifier(components.Ledger, h, components.Logger),
		Events:       events,
	}, nil
}

// StartEvents runs the event hub and feeds it from the minted-event queue
// until ctx ends
func (c *Container) StartEvents(ctx context.Context) error {
	if c.Events == nil {
		return nil
	}
	go c.Events.Run(ctx)
	return c.Events.Listen(ctx, c.Components.Queue, c.Components.Config.Queue.Channel)
}
