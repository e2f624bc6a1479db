package mcp

import "strings"

// DeviceCodes is device name and numeric code map.
// Values kept from go-mcprotocol's station.go for X/Y/M/L/F/V/B/W/D; the
// remaining entries extend coverage to the compound timer/counter symbols
// and special registers that populateFromTOML/store normalization need.
var DeviceCodes = map[string]uint8{
	"X": 0x9C,
	"Y": 0x9D,
	"M": 0x90,
	"L": 0x92,
	"F": 0x93,
	"V": 0x94,
	"B": 0xA0,
	"W": 0xB4,
	"D": 0xA8,
	"R": 0xAF,
	"ZR": 0xB0,
	"SM": 0x91,
	"SD": 0xA9,
	"SB": 0xA1,
	"SW": 0xB5,
	"Z":  0xCC,

	"TS": 0xC1,
	"TC": 0xC0,
	"TN": 0xC2,

	"STS": 0xC7,
	"STC": 0xC6,
	"STN": 0xC8,

	"LTS": 0x51,
	"LTC": 0x52,
	"LTN": 0x53,

	"LSTS": 0x54,
	"LSTC": 0x55,
	"LSTN": 0x56,

	"CTS": 0xC4,
	"CTC": 0xC3,
	"CTN": 0xC5,

	"LCTS": 0x57,
	"LCTC": 0x58,
	"LCTN": 0x59,
}

// compoundDeviceTargets expands a compound timer/counter symbol into the
// sub-unit symbols that actually hold storage. Mirrors device_map.rs'
// populate_from_toml expansion table exactly (symbol names and order).
var compoundDeviceTargets = map[string][]string{
	"T":    {"TS", "TN", "TC"},
	"LT":   {"LTS", "LTN", "LTC"},
	"ST":   {"STS", "STN", "STC"},
	"LST":  {"LSTS", "LSTN", "LSTC"},
	"C":    {"CTS", "CTN", "CTC"},
	"LC":   {"LCTS", "LCTN", "LCTC"},
}

// deviceBySymbol looks up a bare device symbol, case-insensitively.
func deviceBySymbol(sym string) (uint8, bool) {
	code, ok := DeviceCodes[strings.ToUpper(sym)]
	return code, ok
}

// splitSymbolAndAddress splits a combined key like "D100" into its leading
// alphabetic symbol and trailing numeric address. ok is false when the
// string carries no recognizable symbol prefix.
func splitSymbolAndAddress(key string) (symbol string, addr int, ok bool) {
	i := 0
	for i < len(key) && isAsciiAlpha(key[i]) {
		i++
	}
	if i == 0 || i == len(key) {
		return "", 0, false
	}
	symbol = strings.ToUpper(key[:i])
	if _, known := DeviceCodes[symbol]; !known {
		return "", 0, false
	}
	n := 0
	for j := i; j < len(key); j++ {
		c := key[j]
		if c < '0' || c > '9' {
			return "", 0, false
		}
		n = n*10 + int(c-'0')
	}
	return symbol, n, true
}

func isAsciiAlpha(b byte) bool {
	return (b >= 'A' && b <= 'Z') || (b >= 'a' && b <= 'z')
}
