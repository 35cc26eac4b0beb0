package wire

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/wirebus/wirebus/internal/busserr"
	"github.com/wirebus/wirebus/internal/packet"
)

func newTestServer(t *testing.T, handle func(*Conn)) (wsURL string, cleanup func()) {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := Accept(w, r)
		if err != nil {
			return
		}
		handle(conn)
	}))
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws", srv.Close
}

func TestSendReceiveRoundTrip(t *testing.T) {
	url, cleanup := newTestServer(t, func(c *Conn) {
		ctx := context.Background()
		d, err := c.Receive(ctx)
		if err != nil {
			t.Errorf("server Receive: %v", err)
			return
		}
		if err := c.Send(ctx, d); err != nil {
			t.Errorf("server Send: %v", err)
		}
	})
	defer cleanup()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, err := Dial(ctx, url)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close("done")

	want := packet.Data{Type: "x:greet", Data: []byte(`{"text":"hi"}`)}
	if err := conn.Send(ctx, want); err != nil {
		t.Fatalf("Send: %v", err)
	}
	got, err := conn.Receive(ctx)
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	if got.Type != want.Type || string(got.Data) != string(want.Data) {
		t.Fatalf("got %+v, want %+v", got, want)
	}
}

func TestReceiveRejectsTextFrame(t *testing.T) {
	var gotErr error
	done := make(chan struct{})
	url, cleanup := newTestServer(t, func(c *Conn) {
		_, gotErr = c.Receive(context.Background())
		close(done)
	})
	defer cleanup()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	raw, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer raw.Close(websocket.StatusNormalClosure, "")

	if err := raw.Write(ctx, websocket.MessageText, []byte("not a frame")); err != nil {
		t.Fatalf("write: %v", err)
	}
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for server Receive")
	}
	if !busserr.Is(gotErr, busserr.KindProtocolError) {
		t.Fatalf("expected protocol error for a text frame, got %v", gotErr)
	}
}

func TestReceiveRejectsEmptyFrame(t *testing.T) {
	var gotErr error
	done := make(chan struct{})
	url, cleanup := newTestServer(t, func(c *Conn) {
		_, gotErr = c.Receive(context.Background())
		close(done)
	})
	defer cleanup()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	raw, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer raw.Close(websocket.StatusNormalClosure, "")

	if err := raw.Write(ctx, websocket.MessageBinary, nil); err != nil {
		t.Fatalf("write: %v", err)
	}
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for server Receive")
	}
	if !busserr.Is(gotErr, busserr.KindProtocolError) {
		t.Fatalf("expected protocol error, got %v", gotErr)
	}
}
