// Package wire implements the session connection (spec.md §4.3, C4): a
// thin wrapper around a WebSocket that speaks exactly one frame shape,
// a binary frame holding a type-name-prefixed, length-prefixed payload
// (internal/codec), and turns every other frame shape into a protocol
// error that the caller should treat as grounds to close the session.
package wire

import (
	"context"
	"net/http"

	"github.com/coder/websocket"

	"github.com/wirebus/wirebus/internal/busserr"
	"github.com/wirebus/wirebus/internal/codec"
	"github.com/wirebus/wirebus/internal/packet"
)

// ReadLimit bounds a single inbound frame. Matches the relay's own
// per-connection cap.
const ReadLimit = 4 << 20 // 4MiB

// Conn is a duplex, frame-at-a-time connection carrying packet.Data
// values. It does not know about sessions, handshakes, or dispatch; it
// only encodes/decodes frames.
type Conn struct {
	ws *websocket.Conn
}

// Accept upgrades an incoming HTTP request to a Conn. InsecureSkipVerify
// mirrors the relay's own accept options: this server is not a browser
// target and does not need origin checking for same-origin cookies.
func Accept(w http.ResponseWriter, r *http.Request) (*Conn, error) {
	c, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		return nil, busserr.HandshakeFailed("websocket accept: " + err.Error())
	}
	c.SetReadLimit(ReadLimit)
	return &Conn{ws: c}, nil
}

// Dial opens a Conn to a server, used by tests and any in-process client.
func Dial(ctx context.Context, url string) (*Conn, error) {
	c, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		return nil, busserr.HandshakeFailed("websocket dial: " + err.Error())
	}
	c.SetReadLimit(ReadLimit)
	return &Conn{ws: c}, nil
}

// Receive reads one frame and decodes it into packet.Data. A text frame,
// or a binary frame whose body codec can't parse, is a protocol error —
// per spec.md this is grounds to close the session, not an error to log
// and continue past.
func (c *Conn) Receive(ctx context.Context) (packet.Data, error) {
	typ, data, err := c.ws.Read(ctx)
	if err != nil {
		return packet.Data{}, busserr.Closed(err.Error())
	}
	if typ != websocket.MessageBinary {
		return packet.Data{}, busserr.Protocol("non-binary frame received")
	}
	if len(data) == 0 {
		return packet.Data{}, busserr.Protocol("empty frame")
	}

	r := codec.NewReader(data)
	name, err := r.ReadString()
	if err != nil {
		return packet.Data{}, err
	}
	payload, err := r.ReadByteArray()
	if err != nil {
		return packet.Data{}, err
	}
	return packet.Data{Type: name, Data: payload}, nil
}

// Send encodes and writes one frame.
func (c *Conn) Send(ctx context.Context, d packet.Data) error {
	w := codec.NewWriter()
	w.WriteString(d.Type)
	w.WriteByteArray(d.Data)
	if err := c.ws.Write(ctx, websocket.MessageBinary, w.Finish()); err != nil {
		return busserr.Closed(err.Error())
	}
	return nil
}

// Close closes the underlying connection with a normal-closure status.
func (c *Conn) Close(reason string) error {
	return c.ws.Close(websocket.StatusNormalClosure, reason)
}

// CloseError closes with an internal-error status, used when the session
// loop is abandoning the connection after an unrecoverable failure.
func (c *Conn) CloseError(reason string) error {
	return c.ws.Close(websocket.StatusInternalError, reason)
}
