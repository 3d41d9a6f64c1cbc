package daemon

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/rmarins/chatkit/internal/bus"
	"github.com/rmarins/chatkit/internal/conn"
	"github.com/rmarins/chatkit/internal/lock"
	"github.com/rmarins/chatkit/internal/protocol"
	"github.com/rmarins/chatkit/internal/state"
	"github.com/rmarins/chatkit/internal/storage"
	"github.com/rmarins/chatkit/internal/store"
	intsync "github.com/rmarins/chatkit/internal/sync"
)

// echoGateway is a minimal in-process chat backend: it completes the
// handshake, confirms sent messages, acknowledges storage writes, and
// answers pings.
type echoGateway struct {
	t   *testing.T
	srv *httptest.Server

	mu     sync.Mutex
	nextID int
}

func newEchoGateway(t *testing.T) *echoGateway {
	t.Helper()
	g := &echoGateway{t: t}
	upgrader := websocket.Upgrader{}

	g.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		g.write(ws, protocol.TypeHello, protocol.Hello{SessionID: "s1", UserID: "u-me"})

		for {
			_, frame, err := ws.ReadMessage()
			if err != nil {
				return
			}
			var env protocol.Envelope
			if err := json.Unmarshal(frame, &env); err != nil {
				continue
			}
			switch env.Type {
			case protocol.TypePing:
				var ping protocol.Ping
				_ = json.Unmarshal(env.Payload, &ping)
				g.write(ws, protocol.TypePong, protocol.Pong{SentAtMs: ping.SentAtMs})
			case protocol.TypeSendMessage:
				var send protocol.SendMessage
				_ = json.Unmarshal(env.Payload, &send)
				g.mu.Lock()
				g.nextID++
				id := g.nextID
				g.mu.Unlock()
				g.write(ws, protocol.TypeMessageCreated, protocol.MessageCreated{
					Message: protocol.Message{
						ID:          "srv-" + strconv.Itoa(id),
						ClientID:    send.ClientID,
						ChannelID:   send.ChannelID,
						AuthorID:    "u-me",
						Content:     send.Content,
						CreatedAtMs: time.Now().UnixMilli(),
					},
				})
			case protocol.TypeStorageSet:
				var set protocol.StorageSet
				_ = json.Unmarshal(env.Payload, &set)
				g.write(ws, protocol.TypeStorageSetAck, protocol.StorageSetAck{Key: set.Key, OK: true})
			}
		}
	}))
	t.Cleanup(g.srv.Close)
	return g
}

func (g *echoGateway) write(ws *websocket.Conn, t protocol.EventType, payload any) {
	raw, err := json.Marshal(payload)
	if err != nil {
		g.t.Error(err)
		return
	}
	frame, err := json.Marshal(protocol.Envelope{Type: t, Payload: raw})
	if err != nil {
		g.t.Error(err)
		return
	}
	_ = ws.WriteMessage(websocket.TextMessage, frame)
}

func (g *echoGateway) url() string {
	return "ws" + strings.TrimPrefix(g.srv.URL, "http")
}

// TestComponentLifecycle wires the full component stack against an
// in-process gateway and drives a message send end to end.
func TestComponentLifecycle(t *testing.T) {
	tmpDir := t.TempDir()

	lk, err := lock.Acquire(tmpDir)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = lk.Release() }()

	db, err := store.Open(filepath.Join(tmpDir, "kv.db"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	defer func() { _ = db.Close() }()

	g := newEchoGateway(t)
	logger, _ := zap.NewDevelopment()
	b := bus.New()

	m := conn.New(conn.Options{
		URL:               g.url(),
		Token:             "test-token",
		HeartbeatInterval: 100 * time.Millisecond,
		PongTimeout:       80 * time.Millisecond,
		BackoffBase:       10 * time.Millisecond,
		BackoffCap:        50 * time.Millisecond,
	}, b, logger)
	defer m.Close()

	facade := storage.New(m, db, storage.Options{
		PollInterval:  10 * time.Millisecond,
		RemoteTimeout: 500 * time.Millisecond,
	}, logger)
	stateStore := state.New(b, logger)
	engine := intsync.NewEngine(m, stateStore, b, logger)

	// Startup order matches registerLifecycle: handlers first, then dial.
	engine.Start(context.Background())
	defer engine.Stop()
	facade.Start(context.Background())
	defer facade.Stop()

	if err := m.Connect(); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	// The hello handler installs the authenticated user.
	deadline := time.Now().Add(2 * time.Second)
	for stateStore.CurrentUser() == nil && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	me := stateStore.CurrentUser()
	if me == nil || me.ID != "u-me" {
		t.Fatalf("CurrentUser() = %+v, want u-me", me)
	}

	// Send a message and wait for the server confirmation to reconcile it.
	if _, err := engine.SendMessage("ch1", "hello from the daemon", nil); err != nil {
		t.Fatalf("SendMessage() error = %v", err)
	}
	deadline = time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		msgs := stateStore.Messages("ch1")
		if len(msgs) == 1 && !msgs[0].IsOptimistic {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	msgs := stateStore.Messages("ch1")
	if len(msgs) != 1 || msgs[0].IsOptimistic {
		t.Fatalf("Messages() = %+v, want one confirmed message", msgs)
	}

	// Remote-routed storage writes reach the gateway once connected.
	facade.Set(context.Background(), "user.theme", "dark", 0)
	deadline = time.Now().Add(2 * time.Second)
	for facade.QueueLen() > 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if got, ok := facade.Get(context.Background(), "user.theme"); !ok || got != "dark" {
		t.Errorf("Get() = %q, %v, want dark, true", got, ok)
	}
}

// TestSecondLockHolderRejected guards the one-daemon-per-session invariant.
func TestSecondLockHolderRejected(t *testing.T) {
	tmpDir := t.TempDir()

	lk, err := lock.Acquire(tmpDir)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = lk.Release() }()

	if _, err := lock.Acquire(tmpDir); err == nil {
		t.Fatal("second Acquire() should fail while the lock is held")
	}
}
