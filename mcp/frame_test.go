package mcp

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func buildMC3ERequest(body []byte) []byte {
	out := []byte{0x00, 0xFF, 0xFF, 0x03, 0x00} // access route
	dataLen := uint16(len(body) + 2)
	out = appendLE16(out, dataLen)
	out = appendLE16(out, 0x0010) // monitoring timer
	out = append(out, body...)
	return out
}

func buildMC4ERequest(serial uint16, body []byte) []byte {
	out := appendBE16(nil, subheader4EReq)
	out = appendLE16(out, serial)
	out = appendLE16(out, 0)
	out = append(out, 0x00, 0xFF, 0xFF, 0x03, 0x00) // access route
	dataLen := uint16(len(body) + 2)
	out = appendLE16(out, dataLen)
	out = appendLE16(out, 0x0010)
	out = append(out, body...)
	return out
}

func TestDetectFormatBySubheader(t *testing.T) {
	assert.Equal(t, Format4E, DetectFormat([]byte{0x50, 0x00, 0x01}))
	assert.Equal(t, Format4E, DetectFormat([]byte{0xD0, 0x00, 0x01}))
	assert.Equal(t, Format3E, DetectFormat([]byte{0x00, 0xFF, 0x01}))
}

func TestDetectFrameMC3ERoundTrip(t *testing.T) {
	body := []byte{0x01, 0x04, 0x00, 0x00}
	frame := buildMC3ERequest(body)

	frameLen, headerLen, format, err := DetectFrame(frame)
	require.NoError(t, err)
	assert.Equal(t, len(frame), frameLen)
	assert.Equal(t, Format3E, format)

	req := ParseRequest(frame, frameLen, headerLen, format)
	assert.Equal(t, body, req.RequestData)
}

func TestDetectFrameMC4ERoundTrip(t *testing.T) {
	body := []byte{0x01, 0x04, 0x00, 0x00}
	frame := buildMC4ERequest(0x1234, body)

	frameLen, headerLen, format, err := DetectFrame(frame)
	require.NoError(t, err)
	assert.Equal(t, len(frame), frameLen)
	assert.Equal(t, Format4E, format)

	req := ParseRequest(frame, frameLen, headerLen, format)
	assert.Equal(t, body, req.RequestData)
	assert.Equal(t, uint16(0x1234), req.Serial)
}

func TestDetectFrameInsufficientBytes(t *testing.T) {
	frame := buildMC3ERequest([]byte{0x01, 0x04, 0x00, 0x00})
	_, _, _, err := DetectFrame(frame[:4])
	assert.ErrorIs(t, err, ErrInsufficientBytes)
}

func TestDetectFrameInvalidDataLen(t *testing.T) {
	frame := buildMC3ERequest(nil)
	// overwrite data-len field (bytes 5:7) with 1, which is < 2
	frame[5], frame[6] = 0x01, 0x00
	_, _, _, err := DetectFrame(frame)
	var ferr *FrameError
	require.ErrorAs(t, err, &ferr)
	assert.Equal(t, ErrKindInvalidDataLen, ferr.Kind)
}

func TestBuildResponseFrameMC4EBitExactLayout(t *testing.T) {
	var route [5]byte
	copy(route[:], []byte{0x00, 0xFF, 0xFF, 0x03, 0x00})
	payload := []byte{0xAA, 0xBB}

	frame := BuildResponseFrame(Format4E, route, 0x0007, OkEndCode, payload)

	assert.Equal(t, []byte{0xD0, 0x00}, frame[0:2])
	assert.Equal(t, uint16(0x0007), leUint16(frame[2:4]))
	assert.Equal(t, []byte{0x00, 0x00}, frame[4:6])
	assert.Equal(t, route[:], frame[6:11])
	assert.Equal(t, uint16(len(payload)+2), leUint16(frame[11:13]))
	assert.Equal(t, OkEndCode, leUint16(frame[13:15]))
	assert.Equal(t, payload, frame[15:])
}

func TestBuildErrorFrameUsesErrEndCodeAndZeroRoute(t *testing.T) {
	frame := BuildErrorFrame(Format3E)
	assert.Equal(t, []byte{0xD0, 0x00}, frame[0:2])
	assert.Equal(t, []byte{0x00, 0x00, 0x00, 0x00, 0x00}, frame[2:7])
	assert.Equal(t, ErrEndCode, leUint16(frame[9:11]))
}

func TestBuildErrorFrameIsByteExactAcrossFormats(t *testing.T) {
	// 0xD0,0x00 sentinel + 5 zero access-route bytes + dataLen(2)=0x02,0x00 + endCode=0x50,0x00
	want3E := []byte{0xD0, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x02, 0x00, 0x50, 0x00}
	got3E := BuildErrorFrame(Format3E)
	if diff := cmp.Diff(want3E, got3E); diff != "" {
		t.Errorf("MC3E error frame mismatch (-want +got):\n%s", diff)
	}

	// sentinel + serial(0) + reserved(0) + 5 zero access-route bytes + dataLen(2) + endCode
	want4E := []byte{0xD0, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x02, 0x00, 0x50, 0x00}
	got4E := BuildErrorFrame(Format4E)
	if diff := cmp.Diff(want4E, got4E); diff != "" {
		t.Errorf("MC4E error frame mismatch (-want +got):\n%s", diff)
	}
}

func leUint16(b []byte) uint16 {
	return uint16(b[0]) | uint16(b[1])<<8
}
