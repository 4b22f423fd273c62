package gateway

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"testing"
)

func TestWriteFramePrefixMatchesLength(t *testing.T) {
	payload := []byte(`{"type":"price_update"}`)
	var buf bytes.Buffer
	if err := WriteFrame(&buf, payload); err != nil {
		t.Fatalf("write: %v", err)
	}

	out := buf.Bytes()
	if got := binary.BigEndian.Uint16(out[:2]); int(got) != len(payload) {
		t.Fatalf("prefix %d, payload %d", got, len(payload))
	}
	if !bytes.Equal(out[2:], payload) {
		t.Fatalf("payload mismatch: %q", out[2:])
	}
}

func TestWriteFrameRejectsOversizedPayload(t *testing.T) {
	var buf bytes.Buffer
	err := WriteFrame(&buf, make([]byte, MaxFrameSize+1))
	if !errors.Is(err, ErrFrameTooLarge) {
		t.Fatalf("expected ErrFrameTooLarge, got %v", err)
	}
	if buf.Len() != 0 {
		t.Fatalf("oversized frame wrote %d bytes", buf.Len())
	}

	if err := WriteFrame(&buf, make([]byte, MaxFrameSize)); err != nil {
		t.Fatalf("max size frame: %v", err)
	}
}

func TestReadFrameSequence(t *testing.T) {
	var buf bytes.Buffer
	frames := [][]byte{[]byte("a"), {}, []byte(`{"id":"x"}`)}
	for _, f := range frames {
		if err := WriteFrame(&buf, f); err != nil {
			t.Fatalf("write: %v", err)
		}
	}

	for i, want := range frames {
		got, err := ReadFrame(&buf)
		if err != nil {
			t.Fatalf("frame %d: %v", i, err)
		}
		if !bytes.Equal(got, want) {
			t.Fatalf("frame %d: expected %q, got %q", i, want, got)
		}
	}
	if _, err := ReadFrame(&buf); !errors.Is(err, io.EOF) {
		t.Fatalf("expected EOF, got %v", err)
	}
}

func TestReadFrameTruncatedPayload(t *testing.T) {
	buf := bytes.NewBuffer([]byte{0x00, 0x05, 'a', 'b'})
	if _, err := ReadFrame(buf); !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Fatalf("expected ErrUnexpectedEOF, got %v", err)
	}
}
