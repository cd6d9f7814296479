package audit_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"path"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/medeval/apiserver/internal/audit"
	"github.com/medeval/apiserver/internal/mq"
)

func TestMain(m *testing.M) {
	// The Pub/Sub client links in opencensus, whose view worker starts in an
	// init func and never stops.
	goleak.VerifyTestMain(m,
		goleak.IgnoreTopFunction("go.opencensus.io/stats/view.(*worker).start"),
	)
}

type fakeBroker struct {
	mu     sync.Mutex
	data   [][]byte
	attrs  []map[string]string
	err    error
	signal chan struct{}
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{signal: make(chan struct{}, 16)}
}

func (b *fakeBroker) Publish(_ context.Context, data []byte, attrs map[string]string) (string, error) {
	b.mu.Lock()
	b.data = append(b.data, data)
	b.attrs = append(b.attrs, attrs)
	b.mu.Unlock()
	b.signal <- struct{}{}
	return "id", b.err
}

func (b *fakeBroker) published() [][]byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([][]byte(nil), b.data...)
}

func TestNewEvent(t *testing.T) {
	ev := audit.NewEvent(audit.KindLogout)
	assert.Equal(t, audit.KindLogout, ev.Kind)
	assert.Len(t, ev.ID, 36)
	assert.Equal(t, time.UTC, ev.At.Location())
	assert.NotEqual(t, ev.ID, audit.NewEvent(audit.KindLogout).ID)
}

func TestPublisher_ForwardsToBroker(t *testing.T) {
	broker := newFakeBroker()
	var logs bytes.Buffer
	p := audit.NewPublisher(slog.New(slog.NewJSONHandler(&logs, nil)), broker)

	ev := audit.NewEvent(audit.KindSessionTerminated)
	ev.Reason = "idle"
	ev.SessionID = "01HZX"
	ev.SubjectID = 3
	p.Record(context.Background(), ev)
	p.Close()

	published := broker.published()
	require.Len(t, published, 1)
	var got audit.Event
	require.NoError(t, json.Unmarshal(published[0], &got))
	assert.Equal(t, ev.ID, got.ID)
	assert.Equal(t, "idle", got.Reason)
	assert.Equal(t, "session_terminated", broker.attrs[0]["kind"])

	assert.Contains(t, logs.String(), `"kind":"session_terminated"`)
	assert.Contains(t, logs.String(), `"session_id":"01HZX"`)
}

func TestPublisher_BrokerFailureIsLogged(t *testing.T) {
	broker := newFakeBroker()
	broker.err = errors.New("broker down")
	var logs bytes.Buffer
	p := audit.NewPublisher(slog.New(slog.NewJSONHandler(&logs, nil)), broker)

	p.Record(context.Background(), audit.NewEvent(audit.KindLogout))
	p.Close()

	assert.Contains(t, logs.String(), "publish session event")
	assert.Contains(t, logs.String(), "broker down")
}

func TestPublisher_WithoutBrokerOnlyLogs(t *testing.T) {
	var logs bytes.Buffer
	p := audit.NewPublisher(slog.New(slog.NewJSONHandler(&logs, nil)), nil)

	p.Record(context.Background(), audit.NewEvent(audit.KindLoginRejected))
	p.Close()
	p.Close()

	assert.Contains(t, logs.String(), "login_rejected")
}

func TestPublisher_RecordAfterCloseDoesNotPanic(t *testing.T) {
	p := audit.NewPublisher(slog.New(slog.NewJSONHandler(&bytes.Buffer{}, nil)), newFakeBroker())
	p.Close()
	assert.NotPanics(t, func() {
		p.Record(context.Background(), audit.NewEvent(audit.KindLogout))
	})
}

type memoryObjects struct {
	prefix  string
	objects map[string][]byte
	err     error
}

func (m *memoryObjects) Key(parts ...string) string {
	return path.Join(append([]string{m.prefix}, parts...)...)
}

func (m *memoryObjects) PutJSON(_ context.Context, key string, data []byte) error {
	if m.err != nil {
		return m.err
	}
	m.objects[key] = data
	return nil
}

type channelSubscriber struct {
	messages []mq.Message
}

func (s *channelSubscriber) Subscribe(ctx context.Context, handler mq.Handler) error {
	for _, msg := range s.messages {
		if err := handler(ctx, msg); err != nil {
			return err
		}
	}
	return nil
}

func TestArchiver_StoresEventsByDay(t *testing.T) {
	ev := audit.Event{
		ID:        "6f1c0d7e-2d0a-4bb4-9d8a-1f0f4c7b9a11",
		Kind:      audit.KindLoginSucceeded,
		SessionID: "01HZX",
		At:        time.Date(2026, 3, 2, 23, 30, 0, 0, time.FixedZone("COT", -5*3600)),
	}
	data, err := json.Marshal(ev)
	require.NoError(t, err)

	objects := &memoryObjects{prefix: "session-events", objects: map[string][]byte{}}
	sub := &channelSubscriber{messages: []mq.Message{{ID: "m1", Data: data}}}
	a := audit.NewArchiver(sub, objects, nil)

	require.NoError(t, a.Run(context.Background()))

	key := "session-events/2026/03/03/6f1c0d7e-2d0a-4bb4-9d8a-1f0f4c7b9a11.json"
	require.Contains(t, objects.objects, key)
	assert.JSONEq(t, string(data), string(objects.objects[key]))
}

func TestArchiver_DropsUndecodable(t *testing.T) {
	objects := &memoryObjects{objects: map[string][]byte{}}
	a := audit.NewArchiver(&channelSubscriber{}, objects, nil)

	assert.NoError(t, a.Handle(context.Background(), mq.Message{ID: "m1", Data: []byte("not json")}))
	assert.NoError(t, a.Handle(context.Background(), mq.Message{ID: "m2", Data: []byte(`{"kind":"logout"}`)}))
	assert.Empty(t, objects.objects)
}

func TestArchiver_StorageFailureRequestsRedelivery(t *testing.T) {
	boom := errors.New("bucket unavailable")
	objects := &memoryObjects{objects: map[string][]byte{}, err: boom}
	a := audit.NewArchiver(&channelSubscriber{}, objects, nil)

	data, err := json.Marshal(audit.NewEvent(audit.KindLogout))
	require.NoError(t, err)

	err = a.Handle(context.Background(), mq.Message{ID: "m1", Data: data})
	assert.ErrorIs(t, err, boom)
}
