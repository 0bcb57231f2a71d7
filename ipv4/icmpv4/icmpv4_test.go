package icmpv4

import (
	"bytes"
	"testing"
)

func TestEchoRoundTrip(t *testing.T) {
	buf := make([]byte, 16)
	base, err := NewFrame(buf)
	if err != nil {
		t.Fatal(err)
	}
	echo := FrameEcho{base}
	echo.SetType(TypeEcho)
	echo.SetCode(0)
	echo.SetIdentifier(0x1234)
	echo.SetSequenceNumber(7)
	copy(echo.Data(), "ping")
	echo.SetCRC(0)
	echo.SetCRC(echo.CalculateChecksum())

	if !echo.VerifyChecksum() {
		t.Fatal("checksum did not verify after computing it")
	}
	if echo.Identifier() != 0x1234 || echo.SequenceNumber() != 7 {
		t.Fatal("echo identifier/sequence did not round-trip")
	}
	kind := base.Kind()
	got, ok := kind.(FrameEcho)
	if !ok {
		t.Fatalf("Kind() returned %T, want FrameEcho", kind)
	}
	if !bytes.Equal(got.Data()[:4], []byte("ping")) {
		t.Fatal("Kind() wrapper lost payload")
	}
}

func TestDestinationUnreachableTruncation(t *testing.T) {
	buf := make([]byte, maxUnreachableDatagram+100)
	base, err := NewFrame(buf)
	if err != nil {
		t.Fatal(err)
	}
	base.SetType(TypeDestinationUnreachable)
	unreachable := FrameDestinationUnreachable{base}
	unreachable.SetCode(CodePortUnreachable)

	oversized := bytes.Repeat([]byte{0xAB}, maxUnreachableDatagram*2)
	n := unreachable.SetOriginalDatagram(oversized)
	if n != maxUnreachableDatagram-8 {
		t.Fatalf("expected copy truncated to %d bytes, copied %d", maxUnreachableDatagram-8, n)
	}
	if len(unreachable.OriginalDatagram()) != maxUnreachableDatagram-8 {
		t.Fatalf("OriginalDatagram() length = %d, want %d", len(unreachable.OriginalDatagram()), maxUnreachableDatagram-8)
	}

	kind := base.Kind()
	if _, ok := kind.(FrameDestinationUnreachable); !ok {
		t.Fatalf("Kind() returned %T, want FrameDestinationUnreachable", kind)
	}
}

func TestKindClassifiesUnknown(t *testing.T) {
	buf := make([]byte, 8)
	base, err := NewFrame(buf)
	if err != nil {
		t.Fatal(err)
	}
	base.SetType(Type(253)) // reserved/experimental, not modeled
	kind := base.Kind()
	if _, ok := kind.(FrameUnknown); !ok {
		t.Fatalf("Kind() returned %T, want FrameUnknown", kind)
	}
}

func TestNewUnknownRefusesConstruction(t *testing.T) {
	_, err := NewUnknown(Type(253))
	if err == nil {
		t.Fatal("expected NewUnknown to refuse constructing an outgoing Unknown message")
	}
}
