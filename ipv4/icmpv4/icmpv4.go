package icmpv4

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/kdoe/tapstack"
)

type Type uint8

const (
	TypeEchoReply Type = 0 // echo reply
	TypeEcho      Type = 8 // echo

	TypeDestinationUnreachable Type = 3 // destination unreachable
	TypeSourceQuench           Type = 4 // source quench
	TypeRedirect               Type = 5 // redirect

	TypeTimeExceeded     Type = 11 // time exceeded
	TypeParameterProblem Type = 12 // parameter problem

	TypeTimestamp      Type = 13 // timestamp
	TypeTimestampReply Type = 14 // timestamp reply

	TypeInfoRequest      Type = 15 // information request
	TypeInfoRequestReply Type = 16 // information request reply
)

type CodeTimeExceeded uint8

const (
	CodeExceededInTransit  CodeTimeExceeded = iota // TTL exceeded in transit
	CodeFragmentReassembly                         // fragment reassembly time exceeded
)

type CodeDestinationUnreachable uint8

const (
	CodeNetUnreachable     CodeDestinationUnreachable = iota // net unreachable
	CodeHostUnreachable                                      // host unreachable
	CodeProtoUnreachable                                     // protocol unreachable
	CodePortUnreachable                                      // port unreachable
	CodeFragNeededAndDFSet                                   // fragmentation needed and DF set
	CodeSourceRouteFailed                                    // source route failed
)

type CodeRedirect uint8

const (
	CodeRedirectForNetwork       CodeRedirect = iota // redirect for network
	CodeRedirectForHost                              // redirect for host
	CodeRedirectForToSAndNetwork                     // redirect for ToS+network
	CodeRedirectToSAndHost                           // redirect for ToS+host
)

var (
	errShortFrame  = errors.New("icmpv4: short frame")
	errUnknownType = errors.New("icmpv4: type has no wire representation for Unknown messages")
)

// maxUnreachableDatagram bounds the "original datagram" copy embedded in a
// Destination Unreachable message: the whole message, including the 8-byte
// ICMP header, is capped at 520 bytes, leaving 512 bytes of original
// datagram -- IPv4 max header (60) + 452 bytes of its payload (8 bytes
// historically, extended here to carry enough of the offending UDP/ICMP
// payload for the sender to identify the flow).
const maxUnreachableDatagram = 520

func NewFrame(buf []byte) (Frame, error) {
	if len(buf) < 8 {
		return Frame{}, errShortFrame
	}
	return Frame{buf: buf}, nil
}

// Frame is the common 4-byte-prefix (type, code, checksum) view shared by
// every ICMPv4 message. Kind classifies it into one of the typed wrappers
// below, each of which interprets the 4 bytes following the checksum
// (offset 4..8, the "rest of header" field in RFC 792) differently.
type Frame struct {
	buf []byte
}

func (frm Frame) RawData() []byte { return frm.buf }

func (frm Frame) Type() Type { return Type(frm.buf[0]) }

func (frm Frame) SetType(t Type) { frm.buf[0] = uint8(t) }

func (frm Frame) Code() uint8 { return frm.buf[1] }

func (frm Frame) SetCode(code uint8) { frm.buf[1] = code }

// CRC returns the checksum field of the frame.
func (frm Frame) CRC() uint16 {
	return binary.BigEndian.Uint16(frm.buf[2:4])
}

// SetCRC sets the checksum field of the frame.
func (frm Frame) SetCRC(crc uint16) {
	binary.BigEndian.PutUint16(frm.buf[2:4], crc)
}

// CalculateChecksum computes the ICMPv4 checksum over the whole message.
// The checksum field must be zeroed (SetCRC(0)) before calling.
func (frm Frame) CalculateChecksum() uint16 {
	var crc tapstack.CRC791
	return tapstack.NeverZeroChecksum(crc.PayloadSum16(frm.buf))
}

// VerifyChecksum reports whether the frame's stored checksum is consistent
// with its contents.
func (frm Frame) VerifyChecksum() bool {
	var crc tapstack.CRC791
	return crc.PayloadSum16(frm.buf) == 0
}

// payload returns the bytes following the 4-byte "rest of header" field
// that follows type/code/checksum, i.e. everything at offset 8 onward.
func (frm Frame) payload() []byte {
	if len(frm.buf) <= 8 {
		return nil
	}
	return frm.buf[8:]
}

// reserved returns the 4-byte "rest of header" field at offset 4..8. Unlike
// the PyTCP implementation this reshaping is derived from, which read this
// field as "!L" out of a 2-byte slice (raw_packet[4:6]) and silently
// truncated or panicked depending on buffer layout, this field is the full,
// correctly-sized 4 bytes RFC 792 specifies.
func (frm Frame) reserved() []byte { return frm.buf[4:8] }

// Kind classifies frm by its Type field and returns the typed wrapper most
// callers want, so PacketHandler can switch on a closed set of Go types
// instead of probing byte offsets itself.
func (frm Frame) Kind() any {
	switch frm.Type() {
	case TypeEcho, TypeEchoReply:
		return FrameEcho{frm}
	case TypeDestinationUnreachable:
		return FrameDestinationUnreachable{frm}
	default:
		return FrameUnknown{frm}
	}
}

type FrameDestinationUnreachable struct {
	Frame
}

func (frm FrameDestinationUnreachable) Code() CodeDestinationUnreachable {
	return CodeDestinationUnreachable(frm.Frame.Code())
}

func (frm FrameDestinationUnreachable) SetCode(code CodeDestinationUnreachable) {
	frm.Frame.SetCode(uint8(code))
}

// OriginalDatagram returns the leading portion of the IPv4 packet that
// triggered this message, as embedded by the sender in offset 8 onward.
// Truncated to maxUnreachableDatagram-8 bytes total payload per this
// stack's policy; RFC 792 only guarantees the IP header plus 8 bytes, many
// modern stacks (and this one) include more to aid diagnosis.
func (frm FrameDestinationUnreachable) OriginalDatagram() []byte {
	p := frm.Frame.payload()
	if len(p) > maxUnreachableDatagram-8 {
		p = p[:maxUnreachableDatagram-8]
	}
	return p
}

// SetOriginalDatagram copies the leading bytes of the offending datagram
// into the message, truncating to this stack's 520-byte total message cap.
func (frm FrameDestinationUnreachable) SetOriginalDatagram(datagram []byte) int {
	for i := range frm.reserved() {
		frm.buf[4+i] = 0
	}
	dst := frm.buf[8:]
	if len(dst) > maxUnreachableDatagram-8 {
		dst = dst[:maxUnreachableDatagram-8]
	}
	return copy(dst, datagram)
}

type FrameEcho struct {
	Frame
}

func (frm FrameEcho) Identifier() uint16 {
	return binary.BigEndian.Uint16(frm.buf[4:6])
}

func (frm FrameEcho) SetIdentifier(id uint16) {
	binary.BigEndian.PutUint16(frm.buf[4:6], id)
}

func (frm FrameEcho) SequenceNumber() uint16 {
	return binary.BigEndian.Uint16(frm.buf[6:8])
}

func (frm FrameEcho) SetSequenceNumber(seq uint16) {
	binary.BigEndian.PutUint16(frm.buf[6:8], seq)
}

func (frm FrameEcho) Data() []byte {
	return frm.buf[8:]
}

func (frm FrameEcho) RawData() []byte {
	return frm.buf
}

// FrameUnknown wraps a message type this stack does not interpret further
// than the common header. Unlike the PyTCP original this reshaping is
// derived from -- which built an "unknown_message" by leaving a buffer
// uninitialized -- there is no zero-value construction path for an outgoing
// Unknown message: NewUnknown returns an error instead of silently emitting
// an empty or garbage payload.
type FrameUnknown struct {
	Frame
}

// NewUnknown refuses to construct an outgoing message for a type this stack
// does not know how to fill in, rather than emit an uninitialized payload.
func NewUnknown(t Type) (FrameUnknown, error) {
	return FrameUnknown{}, fmt.Errorf("%w: type=%d", errUnknownType, t)
}
