package audit

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"

	"github.com/medeval/apiserver/internal/mq"
	"github.com/samber/oops"
)

// Subscriber is the consuming side of the message queue.
type Subscriber interface {
	Subscribe(ctx context.Context, handler mq.Handler) error
}

// ObjectWriter stores encoded events.
type ObjectWriter interface {
	Key(parts ...string) string
	PutJSON(ctx context.Context, key string, data []byte) error
}

// Archiver copies published events into object storage under
// <prefix>/YYYY/MM/DD/<event-id>.json.
type Archiver struct {
	sub    Subscriber
	store  ObjectWriter
	logger *slog.Logger
}

func NewArchiver(sub Subscriber, store ObjectWriter, logger *slog.Logger) *Archiver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Archiver{sub: sub, store: store, logger: logger.With("component", "archiver")}
}

// Run consumes events until ctx is cancelled.
func (a *Archiver) Run(ctx context.Context) error {
	return a.sub.Subscribe(ctx, a.Handle)
}

// Handle stores one message. Undecodable messages are dropped; storage
// failures are returned so the broker redelivers.
func (a *Archiver) Handle(ctx context.Context, msg mq.Message) error {
	var ev Event
	if err := json.Unmarshal(msg.Data, &ev); err != nil || strings.TrimSpace(ev.ID) == "" {
		a.logger.WarnContext(ctx, "dropping undecodable session event", "message_id", msg.ID)
		return nil
	}

	key := a.KeyFor(ev)
	if err := a.store.PutJSON(ctx, key, msg.Data); err != nil {
		return oops.Code("AUDIT_ARCHIVE_FAILED").With("event_id", ev.ID, "key", key).Wrap(err)
	}
	a.logger.DebugContext(ctx, "archived session event", "event_id", ev.ID, "key", key)
	return nil
}

// KeyFor returns the object key of an event.
func (a *Archiver) KeyFor(ev Event) string {
	at := ev.At.UTC()
	return a.store.Key(at.Format("2006"), at.Format("01"), at.Format("02"), ev.ID+".json")
}
