package udp

import (
	"testing"

	"github.com/kdoe/tapstack"
	"github.com/kdoe/tapstack/ipv4"
)

func TestChecksumRoundTrip(t *testing.T) {
	var buf [20 + 8 + 5]byte
	ifrm, err := ipv4.NewFrame(buf[:])
	if err != nil {
		t.Fatal(err)
	}
	ifrm.SetVersionAndIHL(4, 5)
	ifrm.SetTotalLength(uint16(len(buf)))
	ifrm.SetProtocol(tapstack.IPProtoUDP)
	src := ifrm.SourceAddr()
	*src = [4]byte{10, 0, 0, 1}
	dst := ifrm.DestinationAddr()
	*dst = [4]byte{10, 0, 0, 2}

	ufrm, err := NewFrame(buf[20:])
	if err != nil {
		t.Fatal(err)
	}
	ufrm.SetSourcePort(5000)
	ufrm.SetDestinationPort(7)
	ufrm.SetLength(8 + 5)
	copy(ufrm.Payload(), "hello")
	ufrm.SetCRC(0)
	cs := ufrm.CalculateIPv4Checksum(ifrm)
	ufrm.SetCRC(cs)

	if !ufrm.VerifyIPv4Checksum(ifrm) {
		t.Fatal("checksum did not verify after computing it")
	}

	// Corrupting the payload must invalidate the checksum.
	ufrm.Payload()[0] ^= 0xff
	if ufrm.VerifyIPv4Checksum(ifrm) {
		t.Fatal("checksum verified over corrupted payload")
	}
}

func TestChecksumZeroAlwaysValid(t *testing.T) {
	var buf [20 + 8]byte
	ifrm, _ := ipv4.NewFrame(buf[:])
	ifrm.SetVersionAndIHL(4, 5)
	ifrm.SetTotalLength(uint16(len(buf)))
	ufrm, err := NewFrame(buf[20:])
	if err != nil {
		t.Fatal(err)
	}
	ufrm.SetLength(8)
	ufrm.SetCRC(0)
	if !ufrm.VerifyIPv4Checksum(ifrm) {
		t.Fatal("a zero stored checksum must always be treated as valid")
	}
}
