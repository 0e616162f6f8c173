package http

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/rs/zerolog"

	"github.com/vovakirdan/campuschat/internal/auth"
	"github.com/vovakirdan/campuschat/internal/bridge"
	"github.com/vovakirdan/campuschat/internal/broker"
	"github.com/vovakirdan/campuschat/internal/config"
	"github.com/vovakirdan/campuschat/internal/core"
	"github.com/vovakirdan/campuschat/internal/fanout"
	"github.com/vovakirdan/campuschat/internal/proto"
	"github.com/vovakirdan/campuschat/internal/store"
	"github.com/vovakirdan/campuschat/internal/store/sqlite"
)

type recordingNotifier struct {
	mu   sync.Mutex
	jobs []int64
}

func (n *recordingNotifier) Notify(recipientID int64, _, _ string, _ map[string]any) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.jobs = append(n.jobs, recipientID)
}

func (n *recordingNotifier) recipients() []int64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]int64(nil), n.jobs...)
}

type testEnv struct {
	ts       *httptest.Server
	store    *sqlite.SQLiteStore
	registry *core.Registry
	broker   *broker.MemoryBroker
	jwt      *auth.JWTConfig
	notes    *recordingNotifier
}

// newTestEnv starts the full chat stack over an in-memory store and broker.
// mutate may replace collaborators before the router is built.
func newTestEnv(t *testing.T, mutate ...func(cfg *config.Config, deps *Deps)) *testEnv {
	t.Helper()

	logger := zerolog.Nop()
	cfg := config.Default()

	st, err := sqlite.NewWithSetup(":memory:", sqlite.Migrate)
	if err != nil {
		t.Fatalf("failed to create test store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	jwtCfg := &auth.JWTConfig{Secret: []byte("test-secret"), Algorithm: "HS256", TTL: time.Hour}

	b := broker.NewMemory()
	t.Cleanup(func() { _ = b.Close() })
	fan := fanout.New(b, fanout.RetryPolicy{MaxRetries: 1, Min: time.Millisecond, Max: time.Millisecond}, &logger)

	pool := bridge.NewPool(4, 16, time.Second)
	t.Cleanup(pool.Close)

	reg := core.NewRegistry(fan, core.Options{}, &logger)
	t.Cleanup(reg.Close)

	notes := &recordingNotifier{}
	deps := Deps{
		Gate:      auth.NewGate(jwtCfg, st),
		Auth:      auth.NewService(st, jwtCfg),
		Registry:  reg,
		Persister: bridge.NewPersister(pool, st, time.Second),
		Publisher: fan,
		Messages:  st,
		Notifier:  notes,
	}
	for _, m := range mutate {
		m(&cfg, &deps)
	}

	ts := httptest.NewServer(NewRouter(&cfg, deps, &logger))
	t.Cleanup(ts.Close)

	return &testEnv{ts: ts, store: st, registry: reg, broker: b, jwt: jwtCfg, notes: notes}
}

// user creates an active user and returns its id and a valid token.
func (e *testEnv) user(t *testing.T, email string) (int64, string) {
	t.Helper()

	hash, err := auth.HashPassword("password123")
	if err != nil {
		t.Fatalf("hash password: %v", err)
	}
	u, err := e.store.CreateUser(context.Background(), email, "", hash)
	if err != nil {
		t.Fatalf("create user: %v", err)
	}
	token, err := auth.GenerateToken(e.jwt, u.ID)
	if err != nil {
		t.Fatalf("generate token: %v", err)
	}
	return u.ID, token
}

func (e *testEnv) chatURL(roomID int64, token string) string {
	return strings.Replace(e.ts.URL, "http", "ws", 1) + "/api/v1/ws/chat/" + strconv.FormatInt(roomID, 10) + "?token=" + token
}

// dial connects to room and waits until the registry has attached the connection.
func (e *testEnv) dial(t *testing.T, roomID int64, token string) *websocket.Conn {
	t.Helper()

	before := e.registry.ConnCount(roomID)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, e.chatURL(roomID, token), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close(websocket.StatusNormalClosure, "done") })

	eventually(t, func() bool {
		return e.registry.ConnCount(roomID) > before && e.registry.State(roomID) == core.StateActive
	}, "connection attached")
	return conn
}

func send(t *testing.T, conn *websocket.Conn, text string) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, []byte(text)); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func readFrame(t *testing.T, conn *websocket.Conn) []byte {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	return data
}

func readMessage(t *testing.T, conn *websocket.Conn) proto.Message {
	t.Helper()

	msg, err := proto.DecodeMessage(readFrame(t, conn))
	if err != nil {
		t.Fatalf("decode message: %v", err)
	}
	return msg
}

func readError(t *testing.T, conn *websocket.Conn) proto.Error {
	t.Helper()

	var out proto.Outbound
	if err := json.Unmarshal(readFrame(t, conn), &out); err != nil {
		t.Fatalf("decode outbound: %v", err)
	}
	if out.Type != proto.OutboundTypeError || out.Error == nil {
		t.Fatalf("expected error frame, got %+v", out)
	}
	return *out.Error
}

// readClose reads until the server closes the connection and returns the close status.
func readClose(t *testing.T, conn *websocket.Conn) websocket.StatusCode {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for {
		if _, _, err := conn.Read(ctx); err != nil {
			return websocket.CloseStatus(err)
		}
	}
}

func messages(t *testing.T, st store.MessageStore, roomID int64) []*store.Message {
	t.Helper()

	msgs, err := st.ListMessages(context.Background(), roomID, 100, nil)
	if err != nil {
		t.Fatalf("list messages: %v", err)
	}
	return msgs
}

func eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met: %s", msg)
}
