package mcp

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/charmbracelet/log"
)

var frameLog = log.With("component", "frame")

// Format is a wire-frame dialect: MC3E (no request subheader, legacy
// access-route-first layout) or MC4E (fixed subheader plus a serial
// number used to correlate request/response pairs).
type Format int

const (
	Format3E Format = iota
	Format4E
)

func (f Format) String() string {
	if f == Format4E {
		return "MC4E"
	}
	return "MC3E"
}

const (
	subheader4EReq = 0x5000
	subheader4ERes = 0xD000

	// accessRouteLen is the fixed 5-byte CPU/module addressing block
	// shared by both dialects (network num, PC num, unit I/O num x2,
	// unit station num).
	accessRouteLen = 5

	// ErrEndCode is the sentinel end code this engine emits for every
	// parse/framing failure (spec §6).
	ErrEndCode uint16 = 0x0050
	// OkEndCode is the end code on a successful response.
	OkEndCode uint16 = 0x0000
)

// FrameErrorKind classifies why DetectFrame could not produce a frame.
type FrameErrorKind int

const (
	// ErrKindInvalidDataLen means the declared data-length field is < 2,
	// too small to ever represent a well-formed body.
	ErrKindInvalidDataLen FrameErrorKind = iota
)

// FrameError is a framing-level failure returned by DetectFrame.
type FrameError struct {
	Kind FrameErrorKind
	Msg  string
}

func (e *FrameError) Error() string { return e.Msg }

func newFrameError(kind FrameErrorKind, msg string) error {
	return &FrameError{Kind: kind, Msg: msg}
}

// ErrInsufficientBytes signals that buf does not yet hold a complete
// frame; the caller should wait for more bytes before retrying.
var ErrInsufficientBytes = errors.New("mcp: insufficient bytes for a complete frame")

// DetectFormat inspects the leading bytes of an accumulation buffer and
// reports which wire dialect the frame is written in (spec §4.2).
//
// A buffer beginning with the MC4E request subheader (0x50 0x00) or the
// shared response subheader (0xD0 0x00) is unambiguously MC4E. Anything
// else defaults to MC3E, which natively carries no subheader at all on
// the request side.
func DetectFormat(buf []byte) Format {
	if len(buf) >= 2 {
		lead := binary.BigEndian.Uint16(buf[0:2])
		if lead == subheader4EReq || lead == subheader4ERes {
			return Format4E
		}
	}
	return Format3E
}

// preDataLenLen is the byte count preceding the 2-byte data-length field:
// for MC3E that's just the access route; for MC4E it's the subheader,
// serial, reserved word, and access route.
func preDataLenLen(format Format) int {
	if format == Format4E {
		return 2 + 2 + 2 + accessRouteLen
	}
	return accessRouteLen
}

// DetectFrame looks for one complete frame at the front of buf. It
// returns the frame's total length and the byte offset its body starts
// at (frameLen, headerLen), or ErrInsufficientBytes if buf doesn't yet
// hold a full frame, or a *FrameError diagnosing a malformed declared
// length (spec §4.2).
//
// Callers must drain exactly frameLen bytes from the front of buf on
// success and retain the remainder for the next call.
func DetectFrame(buf []byte) (frameLen int, headerLen int, format Format, err error) {
	format = DetectFormat(buf)
	pre := preDataLenLen(format)

	if len(buf) < pre+2 {
		return 0, 0, format, ErrInsufficientBytes
	}
	dataLen := int(binary.LittleEndian.Uint16(buf[pre : pre+2]))
	if dataLen < 2 {
		return 0, 0, format, newFrameError(ErrKindInvalidDataLen, fmt.Sprintf("mcp: invalid data length %d", dataLen))
	}
	headerLen = pre + 2 + 2 // + data-len field + monitoring-timer/end-code field
	frameLen = headerLen + (dataLen - 2)
	if len(buf) < frameLen {
		return 0, 0, format, ErrInsufficientBytes
	}
	return frameLen, headerLen, format, nil
}

// BuildResponseFrame assembles a response frame in the given dialect:
// a 0xD0 0x00 sentinel (present in both dialects, a documented quirk for
// MC3E — see spec Open Questions), the serial number for MC4E, the
// access route echoed from the request, the data-length field, the end
// code, and the payload.
func BuildResponseFrame(format Format, accessRoute [accessRouteLen]byte, serial uint16, endCode uint16, payload []byte) []byte {
	dataLen := uint16(len(payload) + 2)

	if format == Format4E {
		out := make([]byte, 0, 2+2+2+accessRouteLen+2+2+len(payload))
		out = appendBE16(out, subheader4ERes)
		out = appendLE16(out, serial)
		out = appendLE16(out, 0) // reserved
		out = append(out, accessRoute[:]...)
		out = appendLE16(out, dataLen)
		out = appendLE16(out, endCode)
		out = append(out, payload...)
		return out
	}

	out := make([]byte, 0, 2+accessRouteLen+2+2+len(payload))
	out = appendBE16(out, subheader4ERes) // same 0xD0 0x00 sentinel, mirrored for MC3E too
	out = append(out, accessRoute[:]...)
	out = appendLE16(out, dataLen)
	out = appendLE16(out, endCode)
	out = append(out, payload...)
	return out
}

// BuildErrorFrame builds a format-matched error response with end code
// 0x0050 and a zeroed (defaulted) access route, used when the request
// couldn't be parsed well enough to know its real access route.
func BuildErrorFrame(format Format) []byte {
	var zero [accessRouteLen]byte
	frameLog.Debug("emitting framing error response", "format", format, "end_code", fmt.Sprintf("%#04x", ErrEndCode))
	return BuildResponseFrame(format, zero, 0, ErrEndCode, nil)
}

func appendLE16(b []byte, v uint16) []byte {
	var tmp [2]byte
	binary.LittleEndian.PutUint16(tmp[:], v)
	return append(b, tmp[:]...)
}

func appendBE16(b []byte, v uint16) []byte {
	var tmp [2]byte
	binary.BigEndian.PutUint16(tmp[:], v)
	return append(b, tmp[:]...)
}
