package mq

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/septivank/cgm-display-worker/internal/cgm"
	"github.com/septivank/cgm-display-worker/internal/display"
	"go.uber.org/zap"
)

// presentTimeout bounds a frame publish, since Surface.Present carries no context
const presentTimeout = 5 * time.Second

// channel is the part of *amqp.Channel the publisher uses
type channel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// Publisher publishes display events to the display exchange
type Publisher struct {
	channel    channel
	exchange   string
	frameKey   string
	readingKey string
	logger     *zap.Logger
}

// PublisherConfig holds publisher configuration
type PublisherConfig struct {
	Exchange          string
	FrameRoutingKey   string
	ReadingRoutingKey string
}

// NewPublisher opens a channel and declares the display exchange
func NewPublisher(conn *Connection, cfg PublisherConfig, logger *zap.Logger) (*Publisher, error) {
	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("failed to create channel: %w", err)
	}

	if err := declareExchange(ch, cfg.Exchange); err != nil {
		ch.Close()
		return nil, fmt.Errorf("failed to declare exchange: %w", err)
	}

	return newPublisher(ch, cfg, logger), nil
}

func newPublisher(ch channel, cfg PublisherConfig, logger *zap.Logger) *Publisher {
	return &Publisher{
		channel:    ch,
		exchange:   cfg.Exchange,
		frameKey:   cfg.FrameRoutingKey,
		readingKey: cfg.ReadingRoutingKey,
		logger:     logger,
	}
}

// ReadingEvent is published for every accepted reading
type ReadingEvent struct {
	CycleID           string `json:"cycle_id"`
	Source            string `json:"source"`
	ValueMgdl         int    `json:"value_mgdl"`
	PreviousValueMgdl *int   `json:"previous_value_mgdl,omitempty"`
	Trend             string `json:"trend"`
	ReadingTimestamp  string `json:"reading_timestamp"`
	LagSeconds        int64  `json:"lag_seconds"`
}

// NewReadingEvent builds the event for an accepted reading
func NewReadingEvent(cycleID string, r *cgm.Reading, now time.Time) ReadingEvent {
	return ReadingEvent{
		CycleID:           cycleID,
		Source:            string(r.Source),
		ValueMgdl:         r.ValueMgdl,
		PreviousValueMgdl: r.PreviousValueMgdl,
		Trend:             r.Trend.String(),
		ReadingTimestamp:  r.Timestamp.Format(time.RFC3339),
		LagSeconds:        int64(r.Lag(now).Seconds()),
	}
}

// FrameMessage carries one rendered frame as drawing operations
type FrameMessage struct {
	FrameID    string       `json:"frame_id"`
	RenderedAt string       `json:"rendered_at"`
	Ops        []display.Op `json:"ops"`
}

// PublishReading publishes an accepted reading event
func (p *Publisher) PublishReading(ctx context.Context, event ReadingEvent) error {
	if err := p.publish(ctx, p.readingKey, event, amqp.Persistent); err != nil {
		return err
	}
	p.logger.Debug("published reading event",
		zap.String("routing_key", p.readingKey),
		zap.String("cycle_id", event.CycleID),
		zap.Int("value_mgdl", event.ValueMgdl),
	)
	return nil
}

// PublishFrame publishes a rendered frame. Frames are superseded every
// refresh, so they are sent transient.
func (p *Publisher) PublishFrame(ctx context.Context, frame FrameMessage) error {
	if err := p.publish(ctx, p.frameKey, frame, amqp.Transient); err != nil {
		return err
	}
	p.logger.Debug("published frame",
		zap.String("routing_key", p.frameKey),
		zap.String("frame_id", frame.FrameID),
	)
	return nil
}

func (p *Publisher) publish(ctx context.Context, routingKey string, v any, mode uint8) error {
	body, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	err = p.channel.PublishWithContext(
		ctx,
		p.exchange,
		routingKey,
		false, // mandatory
		false, // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			Body:         body,
			DeliveryMode: mode,
			Timestamp:    time.Now(),
		},
	)
	if err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}
	return nil
}

// Close closes the publisher channel
func (p *Publisher) Close() error {
	if p.channel != nil {
		return p.channel.Close()
	}
	return nil
}

// FrameSurface is a display.Surface that ships every presented frame to
// remote display devices
type FrameSurface struct {
	display.Recorder
	publisher *Publisher
	now       func() time.Time
}

// NewFrameSurface creates a surface publishing through p
func NewFrameSurface(p *Publisher) *FrameSurface {
	return &FrameSurface{publisher: p, now: time.Now}
}

func (s *FrameSurface) Present() error {
	ctx, cancel := context.WithTimeout(context.Background(), presentTimeout)
	defer cancel()

	return s.publisher.PublishFrame(ctx, FrameMessage{
		FrameID:    uuid.New().String(),
		RenderedAt: s.now().UTC().Format(time.RFC3339),
		Ops:        s.Flush(),
	})
}
