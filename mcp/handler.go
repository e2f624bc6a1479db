package mcp

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strings"

	"github.com/charmbracelet/log"
)

var handlerLog = log.With("component", "handler")

// Handler-level errors (spec §7 taxonomy). Each is fatal for the
// request it occurs on; the listener converts any of these into a
// format-matched 0x0050 error frame.
var (
	ErrRequestTooShort = errors.New("mcp: request body shorter than 4 bytes")
	ErrParseFailure    = errors.New("mcp: command body could not be decoded")
	ErrEchoLengthRange = errors.New("mcp: echo payload length out of range 1..=960")
	ErrEchoBadChar     = errors.New("mcp: echo payload contains a non hex-digit byte")
	ErrWriteTooShort   = errors.New("mcp: declared write count exceeds available payload bytes")
)

const echoCommand, echoSub = 0x0619, 0x0000

// Handle dispatches one request body against store and registry,
// returning the logical response payload. The envelope (end code,
// access route, subheader) is added by the caller via BuildResponseFrame
// — Handle only ever fails for genuine protocol errors; an unmatched
// command is tolerated and answered with an empty, successful payload
// (spec §4.3, §7 "unknown_command").
func Handle(store *Store, registry *CommandRegistry, req *McRequest) ([]byte, error) {
	body := req.RequestData
	if len(body) < 4 {
		return nil, ErrRequestTooShort
	}

	command := binary.LittleEndian.Uint16(body[0:2])
	sub := binary.LittleEndian.Uint16(body[2:4])
	rest := body[4:]

	if command == echoCommand && sub == echoSub {
		return handleEcho(rest)
	}

	if registry == nil {
		registry = defaultRegistrySingleton
	}

	spec, ok := registry.Lookup(command, sub)
	if !ok && registry != defaultRegistrySingleton {
		// a custom/TOML-loaded registry that doesn't cover this pair still
		// falls back to the canonical read/write/bits semantics before the
		// command is treated as genuinely unknown (spec §4.3 step 4).
		spec, ok = defaultRegistrySingleton.Lookup(command, sub)
	}
	if !ok {
		handlerLog.Debug("unknown command, returning empty tolerant payload", "command", fmt.Sprintf("%#04x", command), "sub", fmt.Sprintf("%#04x", sub))
		return nil, nil
	}

	if spec.IsWrite {
		return handleWrite(store, spec, rest)
	}
	return handleRead(store, spec, rest)
}

var defaultRegistrySingleton = DefaultRegistry()

func handleEcho(rest []byte) ([]byte, error) {
	if len(rest) < 1 || len(rest) > 960 {
		return nil, ErrEchoLengthRange
	}
	for _, b := range rest {
		if !isHexDigit(b) {
			return nil, ErrEchoBadChar
		}
	}
	out := make([]byte, len(rest))
	copy(out, rest)
	return out, nil
}

func isHexDigit(b byte) bool {
	return (b >= '0' && b <= '9') || (b >= 'A' && b <= 'F') || (b >= 'a' && b <= 'f')
}

// addrBlock is a decoded (start, device-code, count) address header,
// independent of which of the two layouts it came from.
type addrBlock struct {
	start      uint32
	deviceCode uint16
	count      int
	dataOffset int
}

// resolveAddrBlock applies the Q/R dual-layout heuristic (spec §4.2):
// Q-series packs a 3-byte start address and a 1-byte device code;
// R-series packs a 4-byte start address and a 2-byte device code. Both
// are tried; the layout whose exact expected payload length fits the
// remaining bytes wins. If both or neither fit, R-series is preferred
// when its header is fully present, otherwise Q-series.
func resolveAddrBlock(rest []byte, isWrite, isBits bool) (*addrBlock, error) {
	q, qFits := tryLayout(rest, 3, 1, isWrite, isBits)
	r, rFits := tryLayout(rest, 4, 2, isWrite, isBits)

	switch {
	case qFits && !rFits:
		return q, nil
	case rFits && !qFits:
		return r, nil
	case qFits && rFits:
		// both fit exactly: prefer R-series when its header is fully
		// present, per spec §4.2.
		rHeaderLen := 4 + 2 + 2
		if len(rest) >= rHeaderLen {
			return r, nil
		}
		return q, nil
	default:
		// neither layout's expected payload length matches what's
		// actually present in rest: same preference as above.
		if r != nil {
			return r, nil
		}
		if q != nil {
			return q, nil
		}
		return nil, ErrParseFailure
	}
}

func tryLayout(rest []byte, addrBytes, codeBytes int, isWrite, isBits bool) (*addrBlock, bool) {
	headerLen := addrBytes + codeBytes + 2
	if len(rest) < headerLen {
		return nil, false
	}

	var start uint32
	for i := addrBytes - 1; i >= 0; i-- {
		start = start<<8 | uint32(rest[i])
	}
	var deviceCode uint16
	for i := codeBytes - 1; i >= 0; i-- {
		deviceCode = deviceCode<<8 | uint16(rest[addrBytes+i])
	}
	count := int(binary.LittleEndian.Uint16(rest[addrBytes+codeBytes : addrBytes+codeBytes+2]))

	block := &addrBlock{start: start, deviceCode: deviceCode, count: count, dataOffset: headerLen}

	if !isWrite {
		return block, len(rest) == headerLen
	}

	expected := count * 2
	if isBits {
		expected = (count + 1) / 2
	}
	return block, len(rest) == headerLen+expected
}

func handleWrite(store *Store, spec *CommandSpec, rest []byte) ([]byte, error) {
	isBits := spec.ID == CommandWriteBits
	block, err := resolveAddrBlock(rest, true, isBits)
	if err != nil || block == nil {
		return nil, ErrWriteTooShort
	}

	data := rest[block.dataOffset:]
	key := fmt.Sprintf("0x%02X", uint8(block.deviceCode))

	if isBits {
		words := unpackNibbleBitsAsWords(data, block.count)
		store.SetWords(key, int(block.start), words)
	} else {
		if len(data) < block.count*2 {
			return nil, ErrWriteTooShort
		}
		words := make([]Word, block.count)
		for i := 0; i < block.count; i++ {
			words[i] = binary.LittleEndian.Uint16(data[i*2 : i*2+2])
		}
		store.SetWords(key, int(block.start), words)
	}

	handlerLog.Debug("applied write", "device", key, "start", block.start, "count", block.count, "bits", isBits)
	return nil, nil
}

// unpackNibbleBitsAsWords unpacks count nibble-packed bits (bit i is the
// high nibble of data[i/2] when i is even, else the low nibble) into a
// word-per-bit slice (spec §4.3).
func unpackNibbleBitsAsWords(data []byte, count int) []Word {
	words := make([]Word, count)
	for i := 0; i < count; i++ {
		byteIdx := i / 2
		if byteIdx >= len(data) {
			break
		}
		var nibble byte
		if i%2 == 0 {
			nibble = data[byteIdx] >> 4 & 0x0F
		} else {
			nibble = data[byteIdx] & 0x0F
		}
		if nibble != 0 {
			words[i] = 1
		}
	}
	return words
}

func handleRead(store *Store, spec *CommandSpec, rest []byte) ([]byte, error) {
	isBits := spec.ID == CommandReadBits
	block, err := resolveAddrBlock(rest, false, isBits)
	if err != nil || block == nil {
		return nil, ErrParseFailure
	}

	params := map[string]interface{}{
		"start":  block.start,
		"device": block.deviceCode,
		"count":  block.count,
	}
	if len(spec.Blocks) > 0 {
		params[spec.Blocks[0].Name] = map[string]interface{}{
			"start":  block.start,
			"device": block.deviceCode,
			"count":  block.count,
		}
	}

	return buildResponse(spec, params, store)
}

// buildResponse runs the spec-driven response builder: for each
// response entry, resolve its block values, then encode per the
// entry's kind (spec §4.3).
func buildResponse(spec *CommandSpec, params map[string]interface{}, store *Store) ([]byte, error) {
	var out []byte
	for _, entry := range spec.Response {
		vals, ok := getBlockValues(entry.Name, params, spec.Blocks)
		if !ok {
			return nil, ErrParseFailure
		}
		start, _ := toUint32(vals["start"])
		deviceCode, _ := toUint16(vals["device"])
		count, _ := toInt(vals["count"])
		key := fmt.Sprintf("0x%02X", uint8(deviceCode))

		switch entry.Kind {
		case RespBlockWords:
			words := store.GetWords(key, int(start), count)
			for _, w := range words {
				if entry.LittleEndian {
					out = appendLE16(out, w)
				} else {
					out = appendBE16(out, w)
				}
			}
		case RespBlockBitsPacked:
			words := store.GetWords(key, int(start), count)
			packed := make([]byte, (count+7)/8)
			for i, w := range words {
				if w == 0 {
					continue
				}
				pos := i % 8
				if !entry.LsbFirst {
					pos = 7 - pos
				}
				packed[i/8] |= 1 << uint(pos)
			}
			out = append(out, packed...)
		case RespBlockNibbles:
			words := store.GetWords(key, int(start), count)
			packed := make([]byte, (count+1)/2)
			for i, w := range words {
				if w == 0 {
					continue
				}
				var nibble byte = 1
				even := i%2 == 0
				if (even && entry.HighFirst) || (!even && !entry.HighFirst) {
					packed[i/2] |= nibble << 4
				} else {
					packed[i/2] |= nibble
				}
			}
			out = append(out, packed...)
		case RespAsciiHex:
			words := store.GetWords(key, int(start), count)
			for _, w := range words {
				out = append(out, fmt.Sprintf("%04X", w)...)
			}
		}
	}
	return out, nil
}

// getBlockValues resolves a response entry's source values from the
// extracted parameter tree. Precedence (spec §4.3, §9 Open Questions —
// this ordering must not be changed):
//  1. an exact-name block object in params;
//  2. a singular/plural variant of the name (e.g. "block" vs "blocks");
//  3. per-field resolution of start/device/count against that block
//     object (if one was found) and the flat top-level params, matching
//     registered block-template field names by exact name or substring
//     (e.g. "start_addr" satisfies "start") — not just the literal names
//     "start"/"device"/"count";
//  4. when no block object was found by name and step 3 leaves a field
//     unresolved, the block object stored under the sole block
//     template's own name, resolved field by field as in step 3.
func getBlockValues(name string, params map[string]interface{}, blocks []BlockTemplate) (map[string]interface{}, bool) {
	var blockObj map[string]interface{}

	if v, ok := params[name]; ok {
		if m, ok := asBlockMap(v); ok {
			blockObj = m
		}
	}

	if blockObj == nil {
		for _, alt := range []string{name + "s", trimTrailingS(name)} {
			if alt == name {
				continue
			}
			if v, ok := params[alt]; ok {
				if m, ok := asBlockMap(v); ok {
					blockObj = m
					break
				}
			}
		}
	}

	start, hasStart := resolveBlockField("start", blockObj, params, blocks)
	device, hasDevice := resolveBlockField("device", blockObj, params, blocks)
	count, hasCount := resolveBlockField("count", blockObj, params, blocks)
	if (!hasStart || !hasDevice || !hasCount) && blockObj == nil && len(blocks) == 1 {
		if m, ok := asBlockMap(params[blocks[0].Name]); ok {
			start, hasStart = resolveBlockField("start", m, params, blocks)
			device, hasDevice = resolveBlockField("device", m, params, blocks)
			count, hasCount = resolveBlockField("count", m, params, blocks)
		}
	}
	if !hasStart || !hasDevice || !hasCount {
		return nil, false
	}
	return map[string]interface{}{"start": start, "device": device, "count": count}, true
}

// resolveBlockField locates one of start/device/count: first as the
// literal field name in blockObj then params, then by scanning every
// registered block template's field names for an exact or substring
// match against canonical (spec §4.3's "exact or substring on
// start/device/count"), again checked against blockObj then params.
func resolveBlockField(canonical string, blockObj, params map[string]interface{}, blocks []BlockTemplate) (interface{}, bool) {
	if blockObj != nil {
		if v, ok := blockObj[canonical]; ok {
			return v, true
		}
	}
	if v, ok := params[canonical]; ok {
		return v, true
	}

	for _, bt := range blocks {
		for _, fname := range bt.Fields {
			if !fieldNameMatches(fname, canonical) {
				continue
			}
			if blockObj != nil {
				if v, ok := blockObj[fname]; ok {
					return v, true
				}
			}
			if v, ok := params[fname]; ok {
				return v, true
			}
		}
	}
	return nil, false
}

// fieldNameMatches reports whether a block-template field name names the
// canonical start/device/count role, either literally or via one of the
// original's recognized aliases, or by substring containment.
func fieldNameMatches(fieldName, canonical string) bool {
	switch canonical {
	case "start":
		return fieldName == "start_addr" || fieldName == "addr" || strings.Contains(fieldName, "start")
	case "device":
		return fieldName == "device_code" || strings.Contains(fieldName, "device")
	case "count":
		return fieldName == "count" || strings.Contains(fieldName, "count")
	}
	return false
}

func asBlockMap(v interface{}) (map[string]interface{}, bool) {
	m, ok := v.(map[string]interface{})
	return m, ok
}

func trimTrailingS(s string) string {
	if len(s) > 0 && s[len(s)-1] == 's' {
		return s[:len(s)-1]
	}
	return s
}

func toUint32(v interface{}) (uint32, bool) {
	switch n := v.(type) {
	case uint32:
		return n, true
	case int:
		return uint32(n), true
	}
	return 0, false
}

func toUint16(v interface{}) (uint16, bool) {
	switch n := v.(type) {
	case uint16:
		return n, true
	case int:
		return uint16(n), true
	}
	return 0, false
}

func toInt(v interface{}) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case uint32:
		return int(n), true
	}
	return 0, false
}
