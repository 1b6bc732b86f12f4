package discovery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/netgroup-polito/frog4-service-layer/api/schemas"
	"github.com/netgroup-polito/frog4-service-layer/internal/config"
)

const reconnectDelay = 5 * time.Second

// subscribeRequest is sent once per connection to join the domain topic.
type subscribeRequest struct {
	Action string `json:"action"`
	Topic  string `json:"topic"`
	Name   string `json:"name"`
}

// publishFrame is one broker push: a domain announcement published on the
// subscribed topic.
type publishFrame struct {
	Topic  string          `json:"topic"`
	Source string          `json:"source"`
	Data   json.RawMessage `json:"data"`
}

// DomainSink is the slice of the store the subscriber persists into.
type DomainSink interface {
	UpsertDomain(ctx context.Context, name, domainType string) (string, error)
	AddDomainInfo(ctx context.Context, info *schemas.DomainInfo) error
}

// Subscriber consumes the domain-description feed over a websocket broker
// and persists every announcement. OnDomain, when set, runs after each
// successfully persisted announcement; deployments use the hook to react to
// the first usable domain, typically by instantiating a bootstrap graph.
type Subscriber struct {
	cfg      config.DiscoveryConfig
	sink     DomainSink
	OnDomain func(ctx context.Context, info *schemas.DomainInfo)
	log      *zap.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewSubscriber builds a subscriber; Start must be called to connect.
func NewSubscriber(cfg config.DiscoveryConfig, sink DomainSink, logger *zap.Logger) *Subscriber {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Subscriber{
		cfg:  cfg,
		sink: sink,
		log:  logger.Named("discovery"),
	}
}

// Start connects to the broker and consumes announcements until Stop or
// context cancellation. Connection loss triggers a reconnect with a fixed
// delay; announcements that fail to parse or persist are logged and skipped,
// never fatal to the feed.
func (s *Subscriber) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			if err := s.consume(ctx); err != nil && !errors.Is(err, context.Canceled) {
				s.log.Warn("Domain feed connection lost", zap.Error(err))
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(reconnectDelay):
			}
		}
	}()
}

// Stop disconnects and waits for the consume loop to finish.
func (s *Subscriber) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

func (s *Subscriber) consume(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, s.cfg.BrokerURL, nil)
	if err != nil {
		return fmt.Errorf("failed to dial broker %s: %w", s.cfg.BrokerURL, err)
	}
	defer conn.Close()

	// Unblock ReadMessage when the context ends.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	if err := conn.WriteJSON(subscribeRequest{
		Action: "subscribe",
		Topic:  s.cfg.Topic,
		Name:   s.cfg.Name,
	}); err != nil {
		return fmt.Errorf("failed to subscribe to %q: %w", s.cfg.Topic, err)
	}
	s.log.Info("Subscribed to domain feed",
		zap.String("broker", s.cfg.BrokerURL), zap.String("topic", s.cfg.Topic))

	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		s.handle(ctx, payload)
	}
}

func (s *Subscriber) handle(ctx context.Context, payload []byte) {
	var frame publishFrame
	if err := json.Unmarshal(payload, &frame); err != nil {
		s.log.Warn("Dropping malformed feed frame", zap.Error(err))
		return
	}

	info, err := ParseAnnouncement(frame.Data)
	if err != nil {
		s.log.Warn("Dropping unparsable domain announcement",
			zap.String("source", frame.Source), zap.Error(err))
		return
	}

	id, err := s.sink.UpsertDomain(ctx, info.Name, info.Type)
	if err != nil {
		s.log.Error("Failed to persist domain", zap.String("domain", info.Name), zap.Error(err))
		return
	}
	info.ID = id
	if err := s.sink.AddDomainInfo(ctx, info); err != nil {
		s.log.Error("Failed to persist domain interfaces",
			zap.String("domain", info.Name), zap.Error(err))
		return
	}

	s.log.Info("Domain announcement stored",
		zap.String("domain", info.Name),
		zap.String("type", info.Type),
		zap.Int("interfaces", len(info.Interfaces)))
	if s.OnDomain != nil {
		s.OnDomain(ctx, info)
	}
}
