package codec

import (
	"bytes"
	"testing"

	"github.com/wirebus/wirebus/internal/busserr"
)

func TestRoundTrip(t *testing.T) {
	w := NewWriter()
	w.WriteString("table:set_permission")
	w.WriteByteArray([]byte{1, 2, 3, 4})
	data := w.Finish()

	r := NewReader(data)
	name, err := r.ReadString()
	if err != nil {
		t.Fatalf("ReadString: %v", err)
	}
	if name != "table:set_permission" {
		t.Fatalf("got %q", name)
	}
	payload, err := r.ReadByteArray()
	if err != nil {
		t.Fatalf("ReadByteArray: %v", err)
	}
	if !bytes.Equal(payload, []byte{1, 2, 3, 4}) {
		t.Fatalf("got %v", payload)
	}
	if r.Remaining() != 0 {
		t.Fatalf("expected 0 remaining, got %d", r.Remaining())
	}
}

func TestShortRead(t *testing.T) {
	r := NewReader([]byte{0, 0, 0, 10, 1, 2})
	if _, err := r.ReadByteArray(); !busserr.Is(err, busserr.KindProtocolError) {
		t.Fatalf("expected protocol error, got %v", err)
	}

	r2 := NewReader([]byte{0, 0})
	if _, err := r2.ReadByteArray(); !busserr.Is(err, busserr.KindProtocolError) {
		t.Fatalf("expected protocol error on truncated length, got %v", err)
	}
}

func TestEmptyByteArray(t *testing.T) {
	w := NewWriter()
	w.WriteByteArray(nil)
	r := NewReader(w.Finish())
	b, err := r.ReadByteArray()
	if err != nil {
		t.Fatalf("ReadByteArray: %v", err)
	}
	if len(b) != 0 {
		t.Fatalf("expected empty, got %v", b)
	}
}
