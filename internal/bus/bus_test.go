package bus

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/wirebus/wirebus/internal/dispatch"
	"github.com/wirebus/wirebus/internal/ident"
	"github.com/wirebus/wirebus/internal/packet"
	"github.com/wirebus/wirebus/internal/permission"
	"github.com/wirebus/wirebus/internal/session"
	"github.com/wirebus/wirebus/internal/wire"
)

type fakeAuth struct{ perms permission.Set }

func (f fakeAuth) AuthenticateApp(_ context.Context, _ ident.App, token *string) (permission.Set, string, error) {
	tok := "tok"
	if token != nil {
		tok = *token
	}
	return f.perms, tok, nil
}

type fakeDetacher struct {
	mu      sync.Mutex
	detached []string
}

func (d *fakeDetacher) Detach(s *session.Session) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.detached = append(d.detached, s.App().Key())
}

func (d *fakeDetacher) saw(key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, k := range d.detached {
		if k == key {
			return true
		}
	}
	return false
}

func newTestServer(t *testing.T, cfg Config) (*Server, func()) {
	t.Helper()
	if cfg.Addr == "" {
		cfg.Addr = "127.0.0.1:0"
	}
	if cfg.Mapper == nil {
		cfg.Mapper = packet.NewMapper()
		if err := packet.RegisterBuiltins(cfg.Mapper); err != nil {
			t.Fatalf("RegisterBuiltins: %v", err)
		}
	}
	if cfg.Dispatcher == nil {
		cfg.Dispatcher = dispatch.New()
	}
	if cfg.Auth == nil {
		cfg.Auth = fakeAuth{perms: permission.NewSet()}
	}
	s := New(cfg)

	serveErr := make(chan error, 1)
	ctx, cancel := context.WithCancel(context.Background())
	go func() { serveErr <- s.Serve(ctx) }()

	deadline := time.Now().Add(3 * time.Second)
	for s.Addr() == "" && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if s.Addr() == "" {
		t.Fatal("server never bound a listener")
	}

	return s, func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer shutdownCancel()
		_ = s.Shutdown(shutdownCtx)
		cancel()
		<-serveErr
	}
}

func dialAndHandshake(t *testing.T, addr string, appId ident.Id) (*wire.Conn, *packet.Mapper) {
	t.Helper()
	mapper := packet.NewMapper()
	if err := packet.RegisterBuiltins(mapper); err != nil {
		t.Fatalf("RegisterBuiltins: %v", err)
	}
	url := "ws://" + addr + "/ws"
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, err := wire.Dial(ctx, url)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}

	connectData, err := mapper.Serialize(packet.Packet{
		Type:  packet.Connect,
		Value: packet.ConnectPayload{App: ident.App{Id: appId}},
	})
	if err != nil {
		t.Fatalf("serialize connect: %v", err)
	}
	if err := conn.Send(ctx, connectData); err != nil {
		t.Fatalf("send connect: %v", err)
	}
	if _, err := conn.Receive(ctx); err != nil {
		t.Fatalf("receive token: %v", err)
	}
	return conn, mapper
}

func TestHandshakeThenReady(t *testing.T) {
	s, cleanup := newTestServer(t, Config{})
	defer cleanup()

	conn, mapper := dialAndHandshake(t, s.Addr(), ident.MustNew("app.test", "client"))
	defer conn.Close("done")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	data, err := conn.Receive(ctx)
	if err != nil {
		t.Fatalf("receive ready: %v", err)
	}
	if data.Type != packet.Ready.Name() {
		t.Fatalf("got %q, want ready", data.Type)
	}
	_ = mapper
}

func TestDisconnectInvokesDetachers(t *testing.T) {
	d := &fakeDetacher{}
	s, cleanup := newTestServer(t, Config{Detachers: []Detacher{d}})
	defer cleanup()

	appId := ident.MustNew("app.test", "client")
	conn, _ := dialAndHandshake(t, s.Addr(), appId)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := conn.Receive(ctx); err != nil {
		t.Fatalf("receive ready: %v", err)
	}
	conn.Close("bye")

	app := ident.App{Id: appId}
	deadline := time.Now().Add(3 * time.Second)
	for !d.saw(app.Key()) && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if !d.saw(app.Key()) {
		t.Fatal("expected onDisconnect to invoke Detach for the disconnected app")
	}
}

func TestHandshakeFailureSendsDisconnectPacket(t *testing.T) {
	s, cleanup := newTestServer(t, Config{})
	defer cleanup()

	mapper := packet.NewMapper()
	if err := packet.RegisterBuiltins(mapper); err != nil {
		t.Fatalf("RegisterBuiltins: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, err := wire.Dial(ctx, "ws://"+s.Addr()+"/ws")
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close("done")

	// Send a non-connect packet first; the handshake requires "connect" to
	// be the first frame, so this should fail and trigger a disconnect.
	readyData, err := mapper.Serialize(packet.Packet{Type: packet.Ready, Value: (*struct{})(nil)})
	if err != nil {
		t.Fatalf("serialize ready: %v", err)
	}
	if err := conn.Send(ctx, readyData); err != nil {
		t.Fatalf("send ready: %v", err)
	}

	data, err := conn.Receive(ctx)
	if err != nil {
		t.Fatalf("receive disconnect: %v", err)
	}
	if data.Type != packet.Disconnect.Name() {
		t.Fatalf("got packet type %q, want %q", data.Type, packet.Disconnect.Name())
	}
}

func TestConnectionRateLimitRejectsExcessAttempts(t *testing.T) {
	s, cleanup := newTestServer(t, Config{ConnRate: 1, ConnBurst: 1})
	defer cleanup()

	url := "ws://" + s.Addr() + "/ws"
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// First dial consumes the single burst token.
	first, err := wire.Dial(ctx, url)
	if err != nil {
		t.Fatalf("first dial should succeed: %v", err)
	}
	defer first.Close("done")

	// Second dial from the same address should be rejected before the
	// WebSocket upgrade completes.
	_, err = wire.Dial(ctx, url)
	if err == nil {
		t.Fatal("expected second rapid dial to be rate limited")
	}
	if !strings.Contains(err.Error(), "websocket dial") {
		t.Fatalf("unexpected error shape: %v", err)
	}
}
