package mcp

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/BurntSushi/toml"
	"github.com/charmbracelet/log"
)

var storeLog = log.With("component", "store")

// Word is a single 16-bit device value.
type Word = uint16

// deviceOverrides lets an embedder register symbol aliases that resolve
// ahead of the builtin DeviceCodes table and the combined-key parser.
// Registered externally (e.g. by a desktop shell's device-editor UI); the
// core never populates it itself.
var (
	deviceOverridesMu sync.RWMutex
	deviceOverrides   = map[string]uint8{}
)

// RegisterDeviceOverride installs (or replaces) a symbol override that
// normalizeKeyAddr consults before falling back to the builtin table.
func RegisterDeviceOverride(symbol string, code uint8) {
	deviceOverridesMu.Lock()
	defer deviceOverridesMu.Unlock()
	deviceOverrides[strings.ToUpper(symbol)] = code
}

func overrideBySymbol(symbol string) (uint8, bool) {
	deviceOverridesMu.RLock()
	defer deviceOverridesMu.RUnlock()
	code, ok := deviceOverrides[strings.ToUpper(symbol)]
	return code, ok
}

// normalizeKeyAddr resolves a user-facing key (symbol, combined symbol+addr,
// hex literal, or decimal literal) plus an address argument into a
// canonical "0xNN" key string and an effective address.
//
// Precedence: (1) registered symbol override, (2) combined key parse,
// (3) bare symbol, (4) hex literal, (5) decimal literal, (6) fallback 0x00.
// For a combined key with a non-zero explicit addr argument, the explicit
// addr wins and a warning is logged (spec.md I1 disambiguation rule).
func normalizeKeyAddr(key string, addr int) (string, int) {
	if code, ok := overrideBySymbol(key); ok {
		return fmt.Sprintf("0x%02X", code), addr
	}

	if key != "" {
		if symbol, parsedAddr, ok := splitSymbolAndAddress(key); ok {
			code := DeviceCodes[symbol]
			finalAddr := parsedAddr
			if addr != 0 {
				storeLog.Warn("ambiguous combined key with explicit addr: preferring explicit addr parameter", "key", key, "addr", addr)
				finalAddr = addr
			}
			return fmt.Sprintf("0x%02X", code), finalAddr
		}
	}

	if code, ok := deviceBySymbol(key); ok {
		return fmt.Sprintf("0x%02X", code), addr
	}

	if strings.HasPrefix(key, "0x") || strings.HasPrefix(key, "0X") {
		if n, err := strconv.ParseUint(key[2:], 16, 8); err == nil {
			return fmt.Sprintf("0x%02X", n), addr
		}
	} else if n, err := strconv.ParseUint(key, 10, 8); err == nil {
		return fmt.Sprintf("0x%02X", n), addr
	}

	return "0x00", addr
}

func codeFromCanonicalKey(key string) uint8 {
	if strings.HasPrefix(key, "0x") || strings.HasPrefix(key, "0X") {
		n, err := strconv.ParseUint(key[2:], 16, 8)
		if err != nil {
			return 0
		}
		return uint8(n)
	}
	n, err := strconv.ParseUint(key, 10, 8)
	if err != nil {
		return 0
	}
	return uint8(n)
}

// Store is a word-addressable mock PLC memory map (component C1).
// Keys are normalized device codes; values are dense per-device word
// vectors indexed by device-local address. Zero value is ready to use.
type Store struct {
	mu    sync.RWMutex
	inner map[uint8][]Word
}

// NewStore returns an empty device store.
func NewStore() *Store {
	return &Store{inner: make(map[uint8][]Word)}
}

// SetWords normalizes key/addr and copies words into the store, growing
// and zero-filling the backing vector as needed (spec.md I2).
func (s *Store) SetWords(key string, addr int, words []Word) {
	canon, resolvedAddr := normalizeKeyAddr(key, addr)
	code := codeFromCanonicalKey(canon)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inner == nil {
		s.inner = make(map[uint8][]Word)
	}
	vec := s.inner[code]
	if need := resolvedAddr + len(words); len(vec) < need {
		grown := make([]Word, need)
		copy(grown, vec)
		vec = grown
	}
	copy(vec[resolvedAddr:resolvedAddr+len(words)], words)
	s.inner[code] = vec
}

// GetWords normalizes key/addr and returns count words, zero-extending
// past the stored tail or for an absent key. It never creates the key
// (spec.md I1, I3).
func (s *Store) GetWords(key string, addr int, count int) []Word {
	canon, resolvedAddr := normalizeKeyAddr(key, addr)
	code := codeFromCanonicalKey(canon)

	s.mu.RLock()
	defer s.mu.RUnlock()
	vec, ok := s.inner[code]
	out := make([]Word, count)
	if !ok {
		return out
	}
	for i := 0; i < count; i++ {
		idx := resolvedAddr + i
		if idx < len(vec) {
			out[i] = vec[idx]
		}
	}
	return out
}

// HasKey reports whether key is present in the store (used by tests and
// the lazy-allocation invariant for ZR, spec.md I3).
func (s *Store) HasKey(key string) bool {
	canon, _ := normalizeKeyAddr(key, 0)
	code := codeFromCanonicalKey(canon)
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.inner[code]
	return ok
}

// IsEmpty reports whether the store holds no keys at all.
func (s *Store) IsEmpty() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.inner) == 0
}

// Clear removes all stored words.
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inner = make(map[uint8][]Word)
}

// storeSnapshot is the on-disk JSON shape: numeric device code rendered as
// a decimal integer key, matching the original implementation's on-disk
// compatibility choice (device_map.rs keeps u8 codes as JSON map keys).
type storeSnapshot map[string][]Word

// SaveToFile serializes the store to a JSON file at path.
func (s *Store) SaveToFile(path string) error {
	s.mu.RLock()
	snap := make(storeSnapshot, len(s.inner))
	for code, words := range s.inner {
		snap[strconv.Itoa(int(code))] = words
	}
	s.mu.RUnlock()

	bytes, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("store: marshal snapshot: %w", err)
	}
	if err := os.WriteFile(path, bytes, 0o644); err != nil {
		return fmt.Errorf("store: write snapshot %s: %w", path, err)
	}
	return nil
}

// LoadFromFile loads a device store from a JSON snapshot file. It returns
// (nil, nil) when the file does not exist, mirroring the original's
// Ok(None) "no snapshot yet" case.
func LoadFromFile(path string) (*Store, error) {
	bytes, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("store: read snapshot %s: %w", path, err)
	}
	var snap storeSnapshot
	if err := json.Unmarshal(bytes, &snap); err != nil {
		return nil, fmt.Errorf("store: parse snapshot %s: %w", path, err)
	}
	inner := make(map[uint8][]Word, len(snap))
	for k, words := range snap {
		n, err := strconv.ParseUint(k, 10, 8)
		if err != nil {
			return nil, fmt.Errorf("store: invalid snapshot key %q: %w", k, err)
		}
		inner[uint8(n)] = words
	}
	return &Store{inner: inner}, nil
}

// tomlAssignment is the shape of a device-assignment file:
//
//	[devices]
//	X = 8192
//	D = "12K"
type tomlAssignment struct {
	Devices map[string]interface{} `toml:"devices"`
}

// PopulateFromTOML seeds zeroed device arrays from a TOML assignment file.
// Values may be bare integers or strings like "8K"/"2k" (K means *1024).
// ZR is explicitly skipped here (lazily allocated on first write, spec.md
// I3); compound timer/counter symbols are expanded into their sub-units
// per compoundDeviceTargets.
func (s *Store) PopulateFromTOML(path string) error {
	var doc tomlAssignment
	if _, err := toml.DecodeFile(path, &doc); err != nil {
		return fmt.Errorf("store: decode device assignment %s: %w", path, err)
	}

	for key, raw := range doc.Devices {
		count, err := parseAssignmentCount(raw)
		if err != nil {
			storeLog.Warn("skipping invalid device assignment entry", "symbol", key, "value", raw)
			continue
		}
		if count == 0 {
			continue
		}
		keyUpper := strings.ToUpper(key)
		if keyUpper == "ZR" {
			storeLog.Info("skipping eager allocation for ZR (lazy allocation enabled)", "symbol", key, "points", count)
			continue
		}
		targets, expanded := compoundDeviceTargets[keyUpper]
		if !expanded {
			targets = []string{key}
		}
		zeros := make([]Word, count)
		for _, t := range targets {
			s.SetWords(t, 0, zeros)
			storeLog.Info("populated device points from toml", "symbol", t, "points", count)
		}
	}
	return nil
}

func parseAssignmentCount(raw interface{}) (int, error) {
	switch v := raw.(type) {
	case int64:
		if v < 0 {
			return 0, fmt.Errorf("negative count")
		}
		return int(v), nil
	case string:
		s := strings.TrimSpace(v)
		if s == "" {
			return 0, fmt.Errorf("empty value")
		}
		mult := 1
		last := s[len(s)-1]
		if last == 'K' || last == 'k' {
			mult = 1024
			s = s[:len(s)-1]
		}
		n, err := strconv.Atoi(strings.TrimSpace(s))
		if err != nil || n < 0 {
			return 0, fmt.Errorf("invalid count %q", v)
		}
		return n * mult, nil
	default:
		return 0, fmt.Errorf("unsupported value type %T", raw)
	}
}
