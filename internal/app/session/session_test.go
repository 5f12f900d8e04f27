package session

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"roomrelay/internal/app/protocol"
	"roomrelay/internal/app/transport"
	"roomrelay/internal/pkg/errs"
)

type pendingAck struct {
	event string
	data  any
	ack   transport.AckFunc
}

// fakeChannel is an in-memory transport.Channel driven by the test.
type fakeChannel struct {
	mu         sync.Mutex
	handlers   map[string][]transport.Handler
	lifecycle  []transport.LifecycleHandler
	emitted    []emission
	acks       []pendingAck
	connectErr error
	connects   int
	closes     int
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{handlers: make(map[string][]transport.Handler)}
}

func (f *fakeChannel) Connect(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connects++
	return f.connectErr
}

func (f *fakeChannel) Emit(event string, data any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.emitted = append(f.emitted, emission{event: event, data: data})
	return nil
}

func (f *fakeChannel) EmitWithAck(event string, data any, ack transport.AckFunc) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.emitted = append(f.emitted, emission{event: event, data: data})
	f.acks = append(f.acks, pendingAck{event: event, data: data, ack: ack})
	return nil
}

func (f *fakeChannel) On(event string, h transport.Handler) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[event] = append(f.handlers[event], h)
}

func (f *fakeChannel) Off(event string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.handlers, event)
}

func (f *fakeChannel) OnLifecycle(h transport.LifecycleHandler) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lifecycle = append(f.lifecycle, h)
}

func (f *fakeChannel) OffLifecycle() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lifecycle = nil
}

func (f *fakeChannel) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closes++
	return nil
}

func (f *fakeChannel) handlerCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()

	n := len(f.lifecycle)
	for _, hs := range f.handlers {
		n += len(hs)
	}
	return n
}

// deliver invokes the handlers registered for event, as the read goroutine would.
func (f *fakeChannel) deliver(t *testing.T, event string, data any) {
	t.Helper()

	raw, err := json.Marshal(data)
	if err != nil {
		t.Fatalf("marshal %s: %v", event, err)
	}
	f.dispatch(event, raw)
}

func (f *fakeChannel) dispatch(event string, raw json.RawMessage) {
	f.mu.Lock()
	hs := append([]transport.Handler(nil), f.handlers[event]...)
	f.mu.Unlock()

	for _, h := range hs {
		h(raw)
	}
}

func (f *fakeChannel) fire(ev transport.Lifecycle) {
	f.mu.Lock()
	hs := append([]transport.LifecycleHandler(nil), f.lifecycle...)
	f.mu.Unlock()

	for _, h := range hs {
		h(ev)
	}
}

// answer replies to the oldest unanswered EmitWithAck.
func (f *fakeChannel) answer(t *testing.T, reply protocol.AckPayload) pendingAck {
	t.Helper()

	f.mu.Lock()
	if len(f.acks) == 0 {
		f.mu.Unlock()
		t.Fatal("no pending ack")
	}
	p := f.acks[0]
	f.acks = f.acks[1:]
	f.mu.Unlock()

	p.ack(reply)
	return p
}

func (f *fakeChannel) emittedEvents() []string {
	f.mu.Lock()
	defer f.mu.Unlock()

	out := make([]string, 0, len(f.emitted))
	for _, e := range f.emitted {
		out = append(out, e.event)
	}
	return out
}

func openTestSession(t *testing.T, ch *fakeChannel, name, room string) *Session {
	t.Helper()

	s, err := Open(context.Background(), ch, Config{Name: name, Room: room},
		WithStoreOptions(WithCorrelationIDs(sequentialIDs("c"))))
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestOpenRegistersHandlersOnce(t *testing.T) {
	ch := newFakeChannel()
	s := openTestSession(t, ch, "alice", "r1")

	if got, want := ch.handlerCount(), len(handledEvents)+1; got != want {
		t.Fatalf("registered handlers = %d, want %d", got, want)
	}
	if ch.connects != 1 {
		t.Fatalf("Connect() calls = %d, want 1", ch.connects)
	}
	if s.State() != StateConnecting {
		t.Fatalf("State() = %q, want %q", s.State(), StateConnecting)
	}

	// Reconnecting must not register anything new.
	ch.fire(transport.Lifecycle{Kind: transport.LifecycleConnect})
	ch.fire(transport.Lifecycle{Kind: transport.LifecycleDisconnect, Reason: "transport close"})
	ch.fire(transport.Lifecycle{Kind: transport.LifecycleConnect})

	if got, want := ch.handlerCount(), len(handledEvents)+1; got != want {
		t.Fatalf("registered handlers after reconnect = %d, want %d", got, want)
	}
}

func TestOpenRejectsBlankConfig(t *testing.T) {
	ch := newFakeChannel()

	_, err := Open(context.Background(), ch, Config{Name: " ", Room: "r1"})
	if !errs.HasCode(err, errs.ErrNameRequired) {
		t.Fatalf("Open() error = %v, want ErrNameRequired", err)
	}
	if ch.handlerCount() != 0 || ch.connects != 0 {
		t.Fatal("rejected Open touched the channel")
	}
}

func TestOpenConnectFailureCleansUp(t *testing.T) {
	ch := newFakeChannel()
	ch.connectErr = errors.New("boom")

	if _, err := Open(context.Background(), ch, Config{Name: "alice", Room: "r1"}); err == nil {
		t.Fatal("Open() should fail when Connect fails")
	}
	if ch.handlerCount() != 0 {
		t.Fatalf("handlers left registered: %d", ch.handlerCount())
	}
	if ch.closes != 1 {
		t.Fatalf("Close() calls = %d, want 1", ch.closes)
	}
}

func TestConnectIssuesJoinEveryTime(t *testing.T) {
	ch := newFakeChannel()
	s := openTestSession(t, ch, "alice", "r1")

	ch.fire(transport.Lifecycle{Kind: transport.LifecycleConnect})
	p := ch.answer(t, protocol.AckPayload{})

	if p.event != protocol.EventJoin {
		t.Fatalf("acked event = %q, want join", p.event)
	}
	if join := p.data.(protocol.JoinPayload); join.Name != "alice" || join.Room != "r1" {
		t.Fatalf("join payload = %+v", join)
	}
	if !s.Joined() || s.State() != StateConnected {
		t.Fatalf("Joined() = %v, State() = %q", s.Joined(), s.State())
	}

	ch.fire(transport.Lifecycle{Kind: transport.LifecycleDisconnect, Reason: "transport close"})
	if s.Joined() {
		t.Fatal("still joined after disconnect")
	}

	ch.fire(transport.Lifecycle{Kind: transport.LifecycleConnect})
	ch.answer(t, protocol.AckPayload{})
	if !s.Joined() {
		t.Fatal("not joined after reconnect")
	}
}

func TestJoinRejection(t *testing.T) {
	ch := newFakeChannel()
	s := openTestSession(t, ch, "alice", "r1")

	ch.fire(transport.Lifecycle{Kind: transport.LifecycleConnect})
	ch.answer(t, protocol.AckPayload{Error: "Username is taken."})

	var joinErr *JoinError
	if !errors.As(s.JoinErr(), &joinErr) || joinErr.Reason != "Username is taken." {
		t.Fatalf("JoinErr() = %v", s.JoinErr())
	}
	if s.Err() != "Username is taken." {
		t.Fatalf("Err() = %q", s.Err())
	}
	if s.Joined() {
		t.Fatal("Joined() after rejection")
	}
	if joinErr.Rejoin {
		t.Fatal("first join rejection reported as rejoin")
	}
}

func TestRejoinRejectionAfterReconnect(t *testing.T) {
	ch := newFakeChannel()
	s := openTestSession(t, ch, "alice", "r1")

	ch.fire(transport.Lifecycle{Kind: transport.LifecycleConnect})
	ch.answer(t, protocol.AckPayload{})

	ch.fire(transport.Lifecycle{Kind: transport.LifecycleDisconnect, Reason: "transport close"})
	ch.fire(transport.Lifecycle{Kind: transport.LifecycleConnect})
	ch.answer(t, protocol.AckPayload{Error: "Username is taken."})

	var joinErr *JoinError
	if !errors.As(s.JoinErr(), &joinErr) || !joinErr.Rejoin {
		t.Fatalf("JoinErr() = %+v, want a rejoin rejection", s.JoinErr())
	}
	if s.Err() != "Username is taken." {
		t.Fatalf("Err() = %q", s.Err())
	}

	ch.fire(transport.Lifecycle{Kind: transport.LifecycleDisconnect, Reason: "transport close"})
	ch.fire(transport.Lifecycle{Kind: transport.LifecycleConnect})
	ch.answer(t, protocol.AckPayload{})
	if !s.Joined() || s.JoinErr() != nil {
		t.Fatalf("Joined() = %v, JoinErr() = %v after a later accepted join", s.Joined(), s.JoinErr())
	}
}

func TestConnectivityStates(t *testing.T) {
	tests := []struct {
		name      string
		event     transport.Lifecycle
		wantState string
		wantErr   string
	}{
		{
			name:      "disconnect",
			event:     transport.Lifecycle{Kind: transport.LifecycleDisconnect, Reason: "io server disconnect"},
			wantState: "disconnected: io server disconnect",
		},
		{
			name:      "reconnect attempt",
			event:     transport.Lifecycle{Kind: transport.LifecycleReconnectAttempt, Attempt: 3},
			wantState: "reconnecting (attempt 3)",
		},
		{
			name:      "reconnect failed",
			event:     transport.Lifecycle{Kind: transport.LifecycleReconnectFailed},
			wantState: StateReconnectFailed,
			wantErr:   ReconnectFailedMessage,
		},
		{
			name:      "connect error",
			event:     transport.Lifecycle{Kind: transport.LifecycleConnectError, Err: errors.New("dial refused")},
			wantState: StateConnectError,
			wantErr:   "Connection Error: dial refused. Please try refreshing.",
		},
		{
			name:      "reconnect error",
			event:     transport.Lifecycle{Kind: transport.LifecycleReconnectError, Err: errors.New("dial refused")},
			wantState: StateReconnectError,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ch := newFakeChannel()
			s := openTestSession(t, ch, "alice", "r1")

			ch.fire(tt.event)

			if s.State() != tt.wantState {
				t.Fatalf("State() = %q, want %q", s.State(), tt.wantState)
			}
			if s.Err() != tt.wantErr {
				t.Fatalf("Err() = %q, want %q", s.Err(), tt.wantErr)
			}
		})
	}
}

func TestConnectClearsErrorLine(t *testing.T) {
	ch := newFakeChannel()
	s := openTestSession(t, ch, "alice", "r1")

	ch.fire(transport.Lifecycle{Kind: transport.LifecycleConnectError, Err: errors.New("x")})
	ch.fire(transport.Lifecycle{Kind: transport.LifecycleConnect})

	if s.Err() != "" {
		t.Fatalf("Err() = %q after connect, want empty", s.Err())
	}
}

func TestServerErrorFrameSurfaces(t *testing.T) {
	ch := newFakeChannel()
	s := openTestSession(t, ch, "alice", "r1")

	ch.deliver(t, protocol.EventError, protocol.ErrorPayload{Code: errs.ErrMessageContentTooLong, Message: "Message is too long."})

	if s.Err() != "Message is too long." {
		t.Fatalf("Err() = %q", s.Err())
	}
}

func TestSessionAppliesEvents(t *testing.T) {
	ch := newFakeChannel()
	s := openTestSession(t, ch, "alice", "r1")

	c, err := s.Send("hi")
	if err != nil {
		t.Fatalf("Send() error: %v", err)
	}

	ch.deliver(t, protocol.EventMessage, protocol.Message{ID: "m1", User: "alice", Text: "hi", Timestamp: 5, CorrelationID: c})
	ch.deliver(t, protocol.EventUpdateMessageStatus, protocol.StatusUpdate{MessageID: "m1", Status: protocol.StatusDelivered, DeliveredTo: "bob"})
	ch.deliver(t, protocol.EventRoomData, protocol.RoomData{Room: "r1", Users: []protocol.RosterEntry{{Name: "alice"}, {Name: "bob"}}})

	msgs := s.Messages()
	if len(msgs) != 1 || msgs[0].ID != "m1" || msgs[0].Status != protocol.StatusDelivered {
		t.Fatalf("Messages() = %+v", msgs)
	}
	if roster := s.Roster(); len(roster) != 2 {
		t.Fatalf("Roster() = %+v", roster)
	}

	select {
	case <-s.Updates():
	default:
		t.Fatal("Updates() not signalled")
	}
}

func TestSendValidation(t *testing.T) {
	ch := newFakeChannel()
	s := openTestSession(t, ch, "alice", "r1")

	if _, err := s.Send("   "); !errors.Is(err, ErrEmptyMessage) {
		t.Fatalf("Send(blank) error = %v, want ErrEmptyMessage", err)
	}
	if len(ch.emittedEvents()) != 0 {
		t.Fatalf("blank send emitted %v", ch.emittedEvents())
	}

	_ = s.Close()
	if _, err := s.Send("hi"); !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("Send() after Close error = %v, want ErrSessionClosed", err)
	}
}

func TestCloseIsExactlyOnceAndDiscardsLateEvents(t *testing.T) {
	ch := newFakeChannel()
	s := openTestSession(t, ch, "alice", "r1")

	// Capture handlers as an in-flight read would hold them.
	ch.mu.Lock()
	lateMessage := ch.handlers[protocol.EventMessage][0]
	lateLifecycle := ch.lifecycle[0]
	ch.mu.Unlock()

	if err := s.Close(); err != nil {
		t.Fatalf("Close() error: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("second Close() error: %v", err)
	}

	if ch.closes != 1 {
		t.Fatalf("channel Close() calls = %d, want 1", ch.closes)
	}
	if n := ch.handlerCount(); n != 0 {
		t.Fatalf("handlers still registered after Close: %d", n)
	}

	raw, _ := json.Marshal(protocol.Message{ID: "late", User: "bob", Text: "late", Timestamp: 1})
	lateMessage(raw)
	lateLifecycle(transport.Lifecycle{Kind: transport.LifecycleConnect})

	if msgs := s.Messages(); len(msgs) != 0 {
		t.Fatalf("late message applied: %+v", msgs)
	}
	if events := ch.emittedEvents(); len(events) != 0 {
		t.Fatalf("late events caused emissions: %v", events)
	}
}

func TestConcurrentSendAndDeliver(t *testing.T) {
	ch := newFakeChannel()
	s := openTestSession(t, ch, "alice", "r1")

	const n = 50
	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		for range n {
			if _, err := s.Send("x"); err != nil {
				t.Errorf("Send() error: %v", err)
				return
			}
		}
	}()

	go func() {
		defer wg.Done()
		for i := range n {
			raw, _ := json.Marshal(protocol.Message{
				ID: "b" + strings.Repeat("i", i+1), User: "bob", Text: "y", Timestamp: int64(i),
			})
			ch.dispatch(protocol.EventMessage, raw)
		}
	}()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("concurrent send and deliver did not finish")
	}

	if got := len(s.Messages()); got != 2*n {
		t.Fatalf("len(Messages()) = %d, want %d", got, 2*n)
	}
}
