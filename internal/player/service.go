package player

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/loqalabs/rhinos/internal/bus"
	"github.com/loqalabs/rhinos/internal/config"
	"github.com/loqalabs/rhinos/internal/protocol"
	"github.com/nats-io/nats.go"
)

// Service binds a Player to its surface subject on the bus.
type Service struct {
	cfg       config.PlayerConfig
	surfaceID string
	bus       *bus.Client
	player    *Player
	sub       *nats.Subscription
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	ready     bool
	logger    *slog.Logger
}

func NewService(parent context.Context, cfg config.PlayerConfig, surfaceID string, busClient *bus.Client, player *Player, logger *slog.Logger) *Service {
	ctx, cancel := context.WithCancel(parent)
	return &Service{
		cfg:       cfg,
		surfaceID: surfaceID,
		bus:       busClient,
		player:    player,
		ctx:       ctx,
		cancel:    cancel,
		logger:    logger.With(slog.String("component", "player-service"), slog.String("surface", surfaceID)),
	}
}

func (s *Service) Start() error {
	if !s.cfg.Enabled {
		return nil
	}
	sub, err := s.bus.Conn().Subscribe(protocol.PlayerSubject(s.surfaceID), s.handleMessage)
	if err != nil {
		return fmt.Errorf("subscribe player messages: %w", err)
	}
	if err := s.bus.Conn().Flush(); err != nil {
		_ = sub.Unsubscribe()
		return fmt.Errorf("flush player subscription: %w", err)
	}
	s.sub = sub

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.player.Run(s.ctx)
	}()
	s.ready = true
	return nil
}

func (s *Service) Close() {
	if s.sub != nil {
		_ = s.sub.Drain()
	}
	s.cancel()
	s.wg.Wait()
}

func (s *Service) Healthy() bool {
	return !s.cfg.Enabled || s.ready
}

func (s *Service) Player() *Player {
	return s.player
}

func (s *Service) handleMessage(msg *nats.Msg) {
	// receipt is acknowledged before any processing
	bus.Ack(msg)

	var m protocol.Message
	if err := json.Unmarshal(msg.Data, &m); err != nil {
		s.logger.Warn("failed to decode player message", slogError(err))
		return
	}
	if err := m.Validate(); err != nil {
		s.logger.Warn("invalid player message", slogError(err))
		return
	}
	if err := s.player.Handle(s.ctx, m); err != nil {
		s.logger.Debug("player closed before message was queued", slog.String("action", string(m.Action)))
	}
}

// BusNotifier announces player state and alerts without waiting for any
// listener.
type BusNotifier struct {
	bus       *bus.Client
	surfaceID string
	log       *slog.Logger
}

func NewBusNotifier(busClient *bus.Client, surfaceID string, log *slog.Logger) *BusNotifier {
	return &BusNotifier{bus: busClient, surfaceID: surfaceID, log: log.With(slog.String("component", "player-notifier"))}
}

func (n *BusNotifier) NotifyState(_ context.Context, state protocol.State) {
	msg := protocol.PlayerState(state)
	msg.SurfaceID = n.surfaceID
	if err := n.bus.Publish(protocol.SubjectControllerState, msg); err != nil {
		n.log.Warn("failed to publish player state", slogError(err))
	}
}

func (n *BusNotifier) Alert(_ context.Context, alert protocol.Alert) {
	if err := n.bus.Publish(protocol.AlertSubject(n.surfaceID), alert); err != nil {
		n.log.Warn("failed to publish alert", slogError(err))
	}
}
