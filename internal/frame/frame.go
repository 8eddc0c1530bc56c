// Package frame implements the broker<->slave wire protocol: a fixed
// 10-byte header (kind, session id, command kind, payload length) followed
// by an opaque payload.
package frame

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/nullroute-broker/reverse-socks5-broker/internal/bufpool"
)

// HeaderLen is the size in bytes of every frame's fixed header.
const HeaderLen = 10

// MaxPayload is the largest payload a frame may carry: MaxBuf - HeaderLen.
const MaxPayload = bufpool.MaxBuf - HeaderLen

// Kind distinguishes a Data frame (raw tunneled bytes) from a Command frame
// (vetting, heartbeat, session setup).
type Kind byte

const (
	KindData    Kind = 0x00
	KindCommand Kind = 0x01
)

// CommandKind enumerates the recognized command-frame subtypes. It is
// meaningless on a Data frame, where it is always encoded as 0.
type CommandKind byte

const (
	CmdNone          CommandKind = 0x00
	CmdSpeedCheck    CommandKind = 0x01
	CmdVersionCheck  CommandKind = 0x02
	CmdHeartbeat     CommandKind = 0x03
	CmdLocationCheck CommandKind = 0x04
	CmdInitSession   CommandKind = 0x05
)

// AliveLiteral is the exact heartbeat-reply payload that refreshes a slave's
// last-seen timestamp; anything else is ignored.
const AliveLiteral = "ALIVE"

// ErrInvalid marks a frame that cannot be decoded: an unrecognized packet
// kind, an unrecognized command kind on a Command frame, or a payload
// length beyond MaxPayload. The caller must close the connection that
// produced it.
var ErrInvalid = errors.New("frame: invalid frame")

// ErrNeedMore indicates the supplied buffer does not yet hold a complete
// header; the caller should read more bytes and retry.
var ErrNeedMore = errors.New("frame: need more data")

// Frame is a fully decoded wire unit.
type Frame struct {
	Kind    Kind
	Session uint32
	Command CommandKind
	Payload []byte
}

// Encode serializes a frame into a freshly allocated, immutable byte slice
// suitable for a single Write call. Data frames always encode command kind
// as 0x00 regardless of cmd.
func Encode(kind Kind, session uint32, cmd CommandKind, payload []byte) []byte {
	if kind == KindData {
		cmd = CmdNone
	}
	buf := make([]byte, HeaderLen+len(payload))
	buf[0] = byte(kind)
	binary.BigEndian.PutUint32(buf[1:5], session)
	buf[5] = byte(cmd)
	binary.BigEndian.PutUint32(buf[6:10], uint32(len(payload)))
	copy(buf[HeaderLen:], payload)
	return buf
}

// EncodeData builds a Data frame. A zero-length payload is the canonical
// close marker for session.
func EncodeData(session uint32, payload []byte) []byte {
	return Encode(KindData, session, CmdNone, payload)
}

// EncodeCommand builds a Command frame.
func EncodeCommand(session uint32, cmd CommandKind, payload []byte) []byte {
	return Encode(KindCommand, session, cmd, payload)
}

// ParseHeader decodes the fixed header from buf. It returns ErrNeedMore if
// buf is shorter than HeaderLen, and ErrInvalid if the packet kind is
// unrecognized, a Command frame's command kind is not one of CmdSpeedCheck
// through CmdInitSession, or the declared payload length exceeds MaxPayload.
func ParseHeader(buf []byte) (Frame, error) {
	if len(buf) < HeaderLen {
		return Frame{}, ErrNeedMore
	}

	var kind Kind
	switch buf[0] {
	case byte(KindData):
		kind = KindData
	case byte(KindCommand):
		kind = KindCommand
	default:
		return Frame{}, fmt.Errorf("%w: unrecognized packet kind 0x%02x", ErrInvalid, buf[0])
	}

	session := binary.BigEndian.Uint32(buf[1:5])

	cmd := CommandKind(buf[5])
	if kind == KindData {
		cmd = CmdNone
	} else if cmd < CmdSpeedCheck || cmd > CmdInitSession {
		return Frame{}, fmt.Errorf("%w: unrecognized command kind 0x%02x", ErrInvalid, buf[5])
	}

	payloadLen := binary.BigEndian.Uint32(buf[6:10])
	if payloadLen > MaxPayload {
		return Frame{}, fmt.Errorf("%w: payload length %d exceeds %d", ErrInvalid, payloadLen, MaxPayload)
	}

	return Frame{Kind: kind, Session: session, Command: cmd, Payload: make([]byte, payloadLen)}, nil
}
