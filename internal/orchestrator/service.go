package orchestrator

import (
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/loqalabs/rhinos/internal/bus"
	"github.com/loqalabs/rhinos/internal/config"
	"github.com/loqalabs/rhinos/internal/protocol"
	"github.com/nats-io/nats.go"
)

// Service feeds triggers published on the bus into an Orchestrator.
type Service struct {
	cfg    config.OrchestratorConfig
	bus    *bus.Client
	orch   *Orchestrator
	sub    *nats.Subscription
	ready  bool
	logger *slog.Logger
}

func NewService(cfg config.OrchestratorConfig, busClient *bus.Client, orch *Orchestrator, logger *slog.Logger) *Service {
	return &Service{
		cfg:    cfg,
		bus:    busClient,
		orch:   orch,
		logger: logger.With(slog.String("component", "orchestrator-service")),
	}
}

func (s *Service) Start() error {
	if !s.cfg.Enabled {
		return nil
	}
	sub, err := s.bus.Conn().QueueSubscribe(protocol.SubjectTrigger, "rhinos-orchestrator", s.handleTrigger)
	if err != nil {
		return fmt.Errorf("subscribe triggers: %w", err)
	}
	if err := s.bus.Conn().Flush(); err != nil {
		_ = sub.Unsubscribe()
		return fmt.Errorf("flush trigger subscription: %w", err)
	}
	s.sub = sub
	s.ready = true
	return nil
}

func (s *Service) Close() {
	if s.sub != nil {
		_ = s.sub.Drain()
	}
	s.orch.Close()
}

func (s *Service) Healthy() bool {
	return !s.cfg.Enabled || s.ready
}

func (s *Service) Orchestrator() *Orchestrator {
	return s.orch
}

func (s *Service) handleTrigger(msg *nats.Msg) {
	bus.Ack(msg)
	var trigger protocol.Trigger
	if err := json.Unmarshal(msg.Data, &trigger); err != nil {
		s.logger.Warn("failed to decode trigger", slogError(err))
		return
	}
	s.orch.HandleTrigger(s.orch.ctx, trigger)
}
