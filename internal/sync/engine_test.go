package sync

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/rmarins/chatkit/internal/bus"
	"github.com/rmarins/chatkit/internal/conn"
	"github.com/rmarins/chatkit/internal/protocol"
	"github.com/rmarins/chatkit/internal/state"
)

// fakeTransport records outbound events and lets tests inject inbound ones.
type fakeTransport struct {
	mu        sync.Mutex
	connected bool
	failSends bool
	sent      []protocol.ClientEvent

	handlers map[protocol.EventType]map[int]protocol.Handler
	next     int
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		connected: true,
		handlers:  make(map[protocol.EventType]map[int]protocol.Handler),
	}
}

func (ft *fakeTransport) IsConnected() bool {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	return ft.connected
}

func (ft *fakeTransport) Send(evt protocol.ClientEvent) error {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	if ft.failSends {
		return errors.New("send failed")
	}
	ft.sent = append(ft.sent, evt)
	return nil
}

func (ft *fakeTransport) On(t protocol.EventType, h protocol.Handler) int {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	ft.next++
	if ft.handlers[t] == nil {
		ft.handlers[t] = make(map[int]protocol.Handler)
	}
	ft.handlers[t][ft.next] = h
	return ft.next
}

func (ft *fakeTransport) Off(t protocol.EventType, id int) {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	delete(ft.handlers[t], id)
}

func (ft *fakeTransport) deliver(evt protocol.ServerEvent) {
	ft.mu.Lock()
	var hs []protocol.Handler
	for _, h := range ft.handlers[evt.Type()] {
		hs = append(hs, h)
	}
	ft.mu.Unlock()
	for _, h := range hs {
		h(evt)
	}
}

func (ft *fakeTransport) lastSent() protocol.ClientEvent {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	if len(ft.sent) == 0 {
		return nil
	}
	return ft.sent[len(ft.sent)-1]
}

func testEngine(t *testing.T) (*Engine, *fakeTransport, *state.Store, *bus.Bus) {
	t.Helper()
	ft := newFakeTransport()
	b := bus.New()
	s := state.New(b, zap.NewNop())
	e := NewEngine(ft, s, b, zap.NewNop())
	e.Start(context.Background())
	t.Cleanup(e.Stop)
	return e, ft, s, b
}

func TestHelloSetsCurrentUser(t *testing.T) {
	_, ft, s, _ := testEngine(t)

	ft.deliver(&protocol.Hello{SessionID: "sess-1", UserID: "u-me"})

	me := s.CurrentUser()
	if me == nil || me.ID != "u-me" {
		t.Errorf("CurrentUser() = %+v, want u-me", me)
	}
}

func TestInboundMessageReconcilesOptimistic(t *testing.T) {
	_, ft, s, _ := testEngine(t)
	s.SetCurrentUser(state.User{ID: "u-me"})
	s.SetChannels([]state.Channel{{ID: "ch1", Kind: state.ChannelGroup}})

	opt := s.AppendOptimistic("ch1", "u-me", "hello", nil)
	ft.deliver(&protocol.MessageCreated{Message: protocol.Message{
		ID:          "srv-1",
		ClientID:    opt.ClientID,
		ChannelID:   "ch1",
		AuthorID:    "u-me",
		Content:     "hello",
		CreatedAtMs: time.Now().UnixMilli(),
	}})

	msgs := s.Messages("ch1")
	if len(msgs) != 1 {
		t.Fatalf("got %d messages, want 1", len(msgs))
	}
	if msgs[0].ID != "srv-1" || msgs[0].IsOptimistic {
		t.Errorf("message = %+v, want confirmed srv-1", msgs[0])
	}
}

func TestSendMessageFailureKeepsOptimistic(t *testing.T) {
	e, ft, s, _ := testEngine(t)
	s.SetCurrentUser(state.User{ID: "u-me"})
	ft.failSends = true

	msg, err := e.SendMessage("ch1", "offline note", nil)
	if err == nil {
		t.Fatal("SendMessage should surface the transport error")
	}
	if !msg.IsOptimistic {
		t.Error("returned message should be the optimistic copy")
	}
	if msgs := s.Messages("ch1"); len(msgs) != 1 || !msgs[0].IsOptimistic {
		t.Errorf("Messages() = %+v, want the optimistic copy retained", msgs)
	}
}

func TestSendMessageRequiresUser(t *testing.T) {
	e, _, _, _ := testEngine(t)
	if _, err := e.SendMessage("ch1", "hi", nil); err == nil {
		t.Error("SendMessage without a user should fail")
	}
}

func TestToggleReactionSendsMatchingEvent(t *testing.T) {
	e, ft, s, _ := testEngine(t)
	s.SetCurrentUser(state.User{ID: "u-me"})
	s.SetMessages("ch1", []state.Message{{ID: "m1", ChannelID: "ch1"}})

	if err := e.ToggleReaction("m1", "👍"); err != nil {
		t.Fatal(err)
	}
	if _, ok := ft.lastSent().(protocol.AddReaction); !ok {
		t.Errorf("first toggle sent %T, want AddReaction", ft.lastSent())
	}

	if err := e.ToggleReaction("m1", "👍"); err != nil {
		t.Fatal(err)
	}
	if _, ok := ft.lastSent().(protocol.RemoveReaction); !ok {
		t.Errorf("second toggle sent %T, want RemoveReaction", ft.lastSent())
	}

	if err := e.ToggleReaction("m1", "❤️"); err != nil {
		t.Fatal(err)
	}
	if _, ok := ft.lastSent().(protocol.AddReaction); !ok {
		t.Errorf("replacement toggle sent %T, want AddReaction", ft.lastSent())
	}
}

func TestInboundReactionOverridesLocal(t *testing.T) {
	_, ft, s, _ := testEngine(t)
	s.SetMessages("ch1", []state.Message{{ID: "m1", ChannelID: "ch1"}})

	ft.deliver(&protocol.ReactionAdded{Reaction: protocol.Reaction{
		ID: "r1", MessageID: "m1", UserID: "u2", Emoji: "🎉",
	}})
	ft.deliver(&protocol.ReactionRemoved{MessageID: "m1", UserID: "u2"})

	if n := len(s.Messages("ch1")[0].Reactions); n != 0 {
		t.Errorf("got %d reactions, want 0 after add+remove", n)
	}
}

func TestTypingEventsFlowToStore(t *testing.T) {
	_, ft, s, _ := testEngine(t)

	ft.deliver(&protocol.TypingStarted{ChannelID: "ch1", UserID: "u2"})
	if got := s.GetTypingUsers("ch1"); len(got) != 1 || got[0] != "u2" {
		t.Errorf("GetTypingUsers() = %v, want [u2]", got)
	}

	ft.deliver(&protocol.TypingStopped{ChannelID: "ch1", UserID: "u2"})
	if got := s.GetTypingUsers("ch1"); len(got) != 0 {
		t.Errorf("GetTypingUsers() = %v, want empty", got)
	}
}

func TestChannelLifecycle(t *testing.T) {
	e, ft, s, _ := testEngine(t)

	ft.deliver(&protocol.ChannelJoined{Channel: protocol.Channel{
		ID: "ch1", Name: "general", Kind: "group", MemberIDs: []string{"u1", "u2"},
	}})
	ch, ok := s.Channel("ch1")
	if !ok || ch.Kind != state.ChannelGroup || ch.Name != "general" {
		t.Fatalf("Channel() = %+v, %v", ch, ok)
	}

	if err := e.LeaveChannel("ch1"); err != nil {
		t.Fatal(err)
	}
	if _, ok := s.Channel("ch1"); ok {
		t.Error("channel survived leave")
	}
	if _, isLeave := ft.lastSent().(protocol.LeaveChannel); !isLeave {
		t.Errorf("sent %T, want LeaveChannel", ft.lastSent())
	}
}

func TestMessageDeletedRemoves(t *testing.T) {
	_, ft, s, _ := testEngine(t)
	s.SetMessages("ch1", []state.Message{{ID: "m1", ChannelID: "ch1"}})

	ft.deliver(&protocol.MessageDeleted{MessageID: "m1", ChannelID: "ch1"})
	if n := len(s.Messages("ch1")); n != 0 {
		t.Errorf("got %d messages, want 0", n)
	}
}

func TestMessageUpdatedEdits(t *testing.T) {
	_, ft, s, _ := testEngine(t)
	s.SetMessages("ch1", []state.Message{{ID: "m1", ChannelID: "ch1", Content: "v1"}})

	editedAt := time.Now().UnixMilli()
	ft.deliver(&protocol.MessageUpdated{Message: protocol.Message{
		ID: "m1", ChannelID: "ch1", Content: "v2", EditedAtMs: editedAt,
	}})

	msg := s.Messages("ch1")[0]
	if msg.Content != "v2" || msg.EditedAt.IsZero() {
		t.Errorf("message = %+v, want edited content v2", msg)
	}
}

func TestConnStateMirroredToStore(t *testing.T) {
	_, _, s, b := testEngine(t)

	b.Publish(bus.NewEvent(bus.KindConnStateChanged,
		conn.StateChange{From: conn.Connecting, To: conn.Connected}))

	deadline := time.Now().Add(time.Second)
	for !s.Connected() && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if !s.Connected() {
		t.Fatal("store never saw the connection come up")
	}

	b.Publish(bus.NewEvent(bus.KindConnStateChanged,
		conn.StateChange{From: conn.Connected, To: conn.Reconnecting}))
	deadline = time.Now().Add(time.Second)
	for s.Connected() && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if s.Connected() {
		t.Fatal("store never saw the connection drop")
	}
}

func TestServerErrorRecorded(t *testing.T) {
	_, ft, s, _ := testEngine(t)

	ft.deliver(&protocol.ErrorEvent{Code: "rate_limited", Detail: "slow down"})
	if s.LastError() != "slow down" {
		t.Errorf("LastError() = %q", s.LastError())
	}
}

func TestLogoutClearsState(t *testing.T) {
	e, _, s, _ := testEngine(t)
	s.SetCurrentUser(state.User{ID: "u-me"})
	s.SetMessages("ch1", []state.Message{{ID: "m1", ChannelID: "ch1"}})

	e.Logout()

	if s.CurrentUser() != nil || len(s.Messages("ch1")) != 0 {
		t.Error("Logout did not clear user state")
	}
}

func TestStopUnregistersHandlers(t *testing.T) {
	e, ft, s, _ := testEngine(t)
	e.Stop()

	ft.deliver(&protocol.TypingStarted{ChannelID: "ch1", UserID: "u2"})
	if got := s.GetTypingUsers("ch1"); len(got) != 0 {
		t.Errorf("handler fired after Stop: %v", got)
	}
}
