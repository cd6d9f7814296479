package audit

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/medeval/apiserver/internal/logging"
)

const (
	defaultQueueSize      = 256
	defaultPublishTimeout = 5 * time.Second
)

// Broker is the publishing side of the message queue.
type Broker interface {
	Publish(ctx context.Context, data []byte, attrs map[string]string) (string, error)
}

// Publisher logs every event and forwards it to a Broker from a background
// worker. A full queue drops the event instead of blocking the caller.
type Publisher struct {
	logger  *slog.Logger
	broker  Broker
	timeout time.Duration

	queue chan Event
	done  chan struct{}

	mu     sync.RWMutex
	closed bool
}

// NewPublisher starts the forwarding worker when broker is non-nil.
func NewPublisher(logger *slog.Logger, broker Broker) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	p := &Publisher{
		logger:  logger.With("component", "audit"),
		broker:  broker,
		timeout: defaultPublishTimeout,
		done:    make(chan struct{}),
	}
	if broker == nil {
		close(p.done)
		return p
	}
	p.queue = make(chan Event, defaultQueueSize)
	go p.run()
	return p
}

// Record logs the event and queues it for the broker.
func (p *Publisher) Record(ctx context.Context, ev Event) {
	p.logger.InfoContext(ctx, "session event",
		"event_id", ev.ID,
		"kind", ev.Kind,
		"reason", ev.Reason,
		"session_id", ev.SessionID,
		"subject_id", ev.SubjectID,
		"identifier", ev.Identifier,
	)

	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.queue == nil || p.closed {
		return
	}
	select {
	case p.queue <- ev:
	default:
		p.logger.WarnContext(ctx, "audit queue full, dropping event", "event_id", ev.ID, "kind", ev.Kind)
	}
}

// Close stops accepting events and waits for queued ones to be forwarded.
func (p *Publisher) Close() {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		if p.queue != nil {
			close(p.queue)
		}
	}
	p.mu.Unlock()
	<-p.done
}

func (p *Publisher) run() {
	defer close(p.done)
	for ev := range p.queue {
		p.forward(ev)
	}
}

func (p *Publisher) forward(ev Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		logging.LogError(context.Background(), p.logger, "encode session event", err, "event_id", ev.ID)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	defer cancel()
	if _, err := p.broker.Publish(ctx, data, map[string]string{"kind": string(ev.Kind)}); err != nil {
		logging.LogError(ctx, p.logger, "publish session event", err, "event_id", ev.ID)
	}
}
