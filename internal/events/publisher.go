package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/iliyamo/facility-portal/internal/clock"
	"github.com/iliyamo/facility-portal/internal/model"
)

// Sender delivers one message body to a queue.
type Sender interface {
	Send(ctx context.Context, queue string, body []byte) error
}

// AMQPSender dials the broker for every message. Session events are
// rare enough that a held connection is not worth its reconnect logic.
type AMQPSender struct {
	URL string
}

func (s AMQPSender) Send(ctx context.Context, queue string, body []byte) error {
	conn, err := amqp.Dial(s.URL)
	if err != nil {
		return fmt.Errorf("dial broker: %w", err)
	}
	defer func() { _ = conn.Close() }()

	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("open channel: %w", err)
	}
	defer func() { _ = ch.Close() }()

	if _, err := ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare queue: %w", err)
	}
	pub := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now().UTC(),
		Body:         body,
	}
	if err := ch.PublishWithContext(ctx, "", queue, false, false, pub); err != nil {
		return fmt.Errorf("publish: %w", err)
	}
	return nil
}

const (
	publishTimeout = 5 * time.Second
	bufferSize     = 64
)

// Publisher turns session transitions into events. Transitions are
// queued and sent by Run, so a slow broker never holds up the session.
type Publisher struct {
	sender Sender
	queue  string
	device string
	clock  clock.Clock
	log    *slog.Logger
	out    chan SessionEvent

	mu       sync.Mutex
	lastUser *model.User
}

func NewPublisher(sender Sender, queue, device string, clk clock.Clock, log *slog.Logger) *Publisher {
	if queue == "" {
		queue = DefaultQueue
	}
	if clk == nil {
		clk = clock.Real()
	}
	if log == nil {
		log = slog.Default()
	}
	return &Publisher{
		sender: sender,
		queue:  queue,
		device: device,
		clock:  clk,
		log:    log.With("component", "events"),
		out:    make(chan SessionEvent, bufferSize),
	}
}

func (p *Publisher) SessionAuthenticated(_ context.Context, u *model.User) {
	p.mu.Lock()
	p.lastUser = u.Clone()
	p.mu.Unlock()
	p.enqueue(p.event(TypeAuthenticated, u))
}

func (p *Publisher) SessionCleared(context.Context) {
	p.mu.Lock()
	u := p.lastUser
	p.lastUser = nil
	p.mu.Unlock()
	p.enqueue(p.event(TypeCleared, u))
}

func (p *Publisher) event(typ string, u *model.User) SessionEvent {
	ev := SessionEvent{Type: typ, Device: p.device, At: p.clock.Now().UTC().Format(time.RFC3339)}
	if u != nil {
		ev.UserID, ev.Email = u.ID, u.Email
		if u.Rol != nil {
			ev.Rol = u.Rol.Nombre
		}
	}
	return ev
}

func (p *Publisher) enqueue(ev SessionEvent) {
	select {
	case p.out <- ev:
	default:
		p.log.Warn("event buffer full, dropping", "type", ev.Type)
	}
}

// Run sends queued events until ctx is done. Send failures are logged
// and the event is dropped.
func (p *Publisher) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-p.out:
			p.send(ctx, ev)
		}
	}
}

func (p *Publisher) send(ctx context.Context, ev SessionEvent) {
	body, err := json.Marshal(ev)
	if err != nil {
		p.log.Error("encode event", "err", err)
		return
	}
	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()
	if err := p.sender.Send(ctx, p.queue, body); err != nil {
		p.log.Warn("publish event", "type", ev.Type, "err", err)
		return
	}
	p.log.Debug("event published", "type", ev.Type, "user_id", ev.UserID)
}
