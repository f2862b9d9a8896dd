package controller

import (
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/loqalabs/rhinos/internal/bus"
	"github.com/loqalabs/rhinos/internal/config"
	"github.com/loqalabs/rhinos/internal/protocol"
	"github.com/nats-io/nats.go"
)

// Service feeds player state and alerts from the bus into a Controller.
type Service struct {
	cfg        config.ControllerConfig
	bus        *bus.Client
	controller *Controller
	subs       []*nats.Subscription
	ready      bool
	logger     *slog.Logger
}

func NewService(cfg config.ControllerConfig, busClient *bus.Client, controller *Controller, logger *slog.Logger) *Service {
	return &Service{
		cfg:        cfg,
		bus:        busClient,
		controller: controller,
		logger:     logger.With(slog.String("component", "controller-service")),
	}
}

func (s *Service) Start() error {
	if !s.cfg.Enabled {
		return nil
	}
	conn := s.bus.Conn()
	stateSub, err := conn.Subscribe(protocol.SubjectControllerState, s.handleState)
	if err != nil {
		return fmt.Errorf("subscribe player state: %w", err)
	}
	s.subs = append(s.subs, stateSub)

	alertSub, err := conn.Subscribe(protocol.AlertSubject("*"), s.handleAlert)
	if err != nil {
		s.Close()
		return fmt.Errorf("subscribe alerts: %w", err)
	}
	s.subs = append(s.subs, alertSub)

	if err := conn.Flush(); err != nil {
		s.Close()
		return fmt.Errorf("flush controller subscriptions: %w", err)
	}
	s.ready = true
	return nil
}

func (s *Service) Close() {
	for _, sub := range s.subs {
		_ = sub.Drain()
	}
	s.subs = nil
}

func (s *Service) Healthy() bool {
	return !s.cfg.Enabled || s.ready
}

func (s *Service) Controller() *Controller {
	return s.controller
}

func (s *Service) handleState(msg *nats.Msg) {
	bus.Ack(msg)
	var m protocol.Message
	if err := json.Unmarshal(msg.Data, &m); err != nil {
		s.logger.Warn("failed to decode player state", slogError(err))
		return
	}
	if err := m.Validate(); err != nil {
		s.logger.Warn("invalid player state", slogError(err))
		return
	}
	s.controller.HandlePlayerState(m)
}

func (s *Service) handleAlert(msg *nats.Msg) {
	var alert protocol.Alert
	if err := json.Unmarshal(msg.Data, &alert); err != nil {
		s.logger.Warn("failed to decode alert", slogError(err))
		return
	}
	s.controller.HandleAlert(alert)
}
