package mcp

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func req(format Format, data []byte) *McRequest {
	return &McRequest{Format: format, RequestData: data}
}

func TestHandleEcho(t *testing.T) {
	store := NewStore()
	body := []byte{0x19, 0x06, 0x00, 0x00, 'A', 'B'}
	payload, err := Handle(store, nil, req(Format3E, body))
	require.NoError(t, err)
	assert.Equal(t, []byte{'A', 'B'}, payload)
}

func TestHandleEchoLengthRange(t *testing.T) {
	store := NewStore()
	body := []byte{0x19, 0x06, 0x00, 0x00}
	_, err := Handle(store, nil, req(Format3E, body))
	assert.ErrorIs(t, err, ErrEchoLengthRange)
}

func TestHandleEchoBadChar(t *testing.T) {
	store := NewStore()
	body := []byte{0x19, 0x06, 0x00, 0x00, 'Z'}
	_, err := Handle(store, nil, req(Format3E, body))
	assert.ErrorIs(t, err, ErrEchoBadChar)
}

func TestHandleRequestTooShort(t *testing.T) {
	store := NewStore()
	_, err := Handle(store, nil, req(Format3E, []byte{0x01, 0x04}))
	assert.ErrorIs(t, err, ErrRequestTooShort)
}

func TestHandleWriteWordsThenReadWord(t *testing.T) {
	store := NewStore()
	// command 0x1401, sub 0x0000, start=0, device=0xA8 (D), count=1, data=0x5566 LE
	writeBody := []byte{0x01, 0x14, 0x00, 0x00, 0x00, 0x00, 0x00, 0xA8, 0x01, 0x00, 0x66, 0x55}
	payload, err := Handle(store, nil, req(Format3E, writeBody))
	require.NoError(t, err)
	assert.Empty(t, payload)

	got := store.GetWords("0xA8", 0, 1)
	assert.Equal(t, []Word{0x5566}, got)

	readBody := []byte{0x01, 0x04, 0x00, 0x00, 0x00, 0x00, 0x00, 0xA8, 0x01, 0x00}
	payload, err = Handle(store, nil, req(Format3E, readBody))
	require.NoError(t, err)
	assert.Equal(t, []byte{0x66, 0x55}, payload)
}

func TestHandleWriteBitsMC3ELayout(t *testing.T) {
	store := NewStore()
	// command 0x1401, sub 0x0001 (bits), start=0, device=0xA0 (B), count=4,
	// nibble-packed high-first for [1,0,1,0] -> 0x10,0x10
	body := []byte{0x01, 0x14, 0x01, 0x00, 0x00, 0x00, 0x00, 0xA0, 0x04, 0x00, 0x10, 0x10}
	_, err := Handle(store, nil, req(Format3E, body))
	require.NoError(t, err)

	got := store.GetWords("0xA0", 0, 4)
	assert.Equal(t, []Word{1, 0, 1, 0}, got)
}

func TestHandleWriteBitsMC4ERSeriesLayout(t *testing.T) {
	store := NewStore()
	// start:4 bytes, device code:2 bytes LE (0x00A0), count:2 bytes LE (6),
	// nibble-packed high-first for [1,0,1,0,1,1] -> 0x10,0x10,0x11
	body := []byte{
		0x01, 0x14, 0x01, 0x00, // command, sub
		0x00, 0x00, 0x00, 0x00, // start (4 bytes)
		0xA0, 0x00, // device code (2 bytes LE)
		0x06, 0x00, // count
		0x10, 0x10, 0x11, // packed bits
	}
	_, err := Handle(store, nil, req(Format4E, body))
	require.NoError(t, err)

	got := store.GetWords("0xA0", 0, 6)
	assert.Equal(t, []Word{1, 0, 1, 0, 1, 1}, got)
}

func TestHandleReadBitsNibblePacking(t *testing.T) {
	store := NewStore()
	store.SetWords("0xA0", 0, []Word{1, 0, 1, 0})

	// command 0x0401, sub 0x0001 (read bits), start=0, device=0xA0, count=4
	body := []byte{0x01, 0x04, 0x01, 0x00, 0x00, 0x00, 0x00, 0xA0, 0x04, 0x00}
	payload, err := Handle(store, nil, req(Format3E, body))
	require.NoError(t, err)
	assert.Equal(t, []byte{0x10, 0x10}, payload)
}

func TestHandleUnknownCommandIsTolerant(t *testing.T) {
	store := NewStore()
	body := []byte{0xFF, 0xFF, 0x00, 0x00}
	payload, err := Handle(store, nil, req(Format3E, body))
	require.NoError(t, err)
	assert.Empty(t, payload)
}

// TestHandleFallsBackToCanonicalSemanticsWhenCustomRegistryMisses covers
// spec §4.3 step 4: a loaded custom registry that doesn't cover a given
// (command, sub) pair still falls back to the canonical read/write/bits
// semantics before the command is treated as genuinely unknown.
func TestHandleFallsBackToCanonicalSemanticsWhenCustomRegistryMisses(t *testing.T) {
	store := NewStore()
	custom := NewRegistry() // deliberately empty: covers nothing

	writeBody := []byte{0x01, 0x14, 0x00, 0x00, 0x00, 0x00, 0x00, 0xA8, 0x01, 0x00, 0x66, 0x55}
	payload, err := Handle(store, custom, req(Format3E, writeBody))
	require.NoError(t, err)
	assert.Empty(t, payload)
	assert.Equal(t, []Word{0x5566}, store.GetWords("0xA8", 0, 1))

	readBody := []byte{0x01, 0x04, 0x00, 0x00, 0x00, 0x00, 0x00, 0xA8, 0x01, 0x00}
	payload, err = Handle(store, custom, req(Format3E, readBody))
	require.NoError(t, err)
	assert.Equal(t, []byte{0x66, 0x55}, payload)
}

func TestGetBlockValuesMatchesBlockTemplateFieldBySubstring(t *testing.T) {
	blocks := []BlockTemplate{{Name: "block", Fields: []string{"start_addr", "device_code", "count"}}}
	params := map[string]interface{}{
		"block": map[string]interface{}{
			"start_addr":  uint32(10),
			"device_code": uint16(0xA8),
			"count":       3,
		},
	}

	vals, ok := getBlockValues("values", params, blocks)
	require.True(t, ok)
	assert.Equal(t, uint32(10), vals["start"])
	assert.Equal(t, uint16(0xA8), vals["device"])
	assert.Equal(t, 3, vals["count"])
}

func TestGetBlockValuesFallsBackToFlatParams(t *testing.T) {
	blocks := []BlockTemplate{{Name: "block", Fields: []string{"start", "device", "count"}}}
	params := map[string]interface{}{
		"start":  uint32(5),
		"device": uint16(0x90),
		"count":  2,
	}

	vals, ok := getBlockValues("values", params, blocks)
	require.True(t, ok)
	assert.Equal(t, uint32(5), vals["start"])
	assert.Equal(t, uint16(0x90), vals["device"])
	assert.Equal(t, 2, vals["count"])
}
