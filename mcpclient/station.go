// Package mcpclient is a small MC3E/MC4E request-building and
// response-parsing client, adapted from go-mcprotocol's hex-string
// builders into raw byte construction. It exists to drive mcp.Server in
// this repository's own integration tests the same way a real PLC
// client would talk to it over the wire.
package mcpclient

import (
	"encoding/binary"
	"fmt"

	"github.com/tyaro/melsec-mock/mcp"
)

// FrameVersion selects the wire dialect a Station builds requests for.
type FrameVersion int

const (
	Frame3E FrameVersion = iota
	Frame4E
)

const (
	// subHeader4EReq is MC4E's fixed request subheader. MC3E carries no
	// subheader at all on the request side — its frame starts directly
	// with the access route (spec §4.2).
	subHeader4EReq uint16 = 0x5000

	healthCheckCommand    uint16 = 0x0619
	healthCheckSubcommand uint16 = 0x0000

	readCommand        uint16 = 0x0401
	readSubCommand     uint16 = 0x0000
	bitReadSubCommand  uint16 = 0x0001

	writeCommand        uint16 = 0x1401
	writeSubCommand     uint16 = 0x0000
	bitWriteSubCommand  uint16 = 0x0001

	monitoringTimer uint16 = 0x0010 // 16 * 250ms = 4s
)

// Station is a MELSEC access route: the network/PC/IO/station addressing
// quadruple that precedes every MC3E/MC4E request body, plus the serial
// number MC4E frames carry.
type Station struct {
	networkNum     byte
	pcNum          byte
	unitIONum      uint16
	unitStationNum byte
	serial         uint16
}

// NewStation builds a Station addressed to a specific network node.
func NewStation(networkNum, pcNum byte, unitIONum uint16, unitStationNum byte) *Station {
	return &Station{networkNum: networkNum, pcNum: pcNum, unitIONum: unitIONum, unitStationNum: unitStationNum}
}

// NewLocalStation builds a Station addressed to the local (self) PLC,
// the fixed quadruple used when there's no multidrop routing.
func NewLocalStation() *Station {
	return &Station{networkNum: 0x00, pcNum: 0xFF, unitIONum: 0x03FF, unitStationNum: 0x00}
}

// WithSerial sets the MC4E serial number used to correlate request and
// response; it is ignored when building MC3E frames.
func (s *Station) WithSerial(serial uint16) *Station {
	s.serial = serial
	return s
}

func (s *Station) deviceCode(deviceName string) (byte, error) {
	code, ok := mcp.DeviceCodes[deviceName]
	if !ok {
		return 0, fmt.Errorf("mcpclient: unknown device symbol %q", deviceName)
	}
	return code, nil
}

// header returns the request bytes that precede the data-length field:
// for 3E just the 5-byte access route; for 4E the subheader, a 2-byte
// serial and 2 reserved bytes, followed by the access route.
func (s *Station) header(version FrameVersion) []byte {
	if version == Frame4E {
		h := make([]byte, 0, 11)
		h = appendU16BE(h, subHeader4EReq)
		h = appendU16LE(h, s.serial)
		h = appendU16LE(h, 0) // reserved
		h = append(h, s.networkNum, s.pcNum)
		h = appendU16LE(h, s.unitIONum)
		h = append(h, s.unitStationNum)
		return h
	}
	// MC3E carries no subheader: the frame starts directly with the
	// access route.
	h := make([]byte, 0, 5)
	h = append(h, s.networkNum, s.pcNum)
	h = appendU16LE(h, s.unitIONum)
	h = append(h, s.unitStationNum)
	return h
}

func appendU16LE(b []byte, v uint16) []byte {
	var tmp [2]byte
	binary.LittleEndian.PutUint16(tmp[:], v)
	return append(b, tmp[:]...)
}

func appendU16BE(b []byte, v uint16) []byte {
	var tmp [2]byte
	binary.BigEndian.PutUint16(tmp[:], v)
	return append(b, tmp[:]...)
}

func appendU32LE3(b []byte, v uint32) []byte {
	return append(b, byte(v), byte(v>>8), byte(v>>16))
}

func finish(header []byte, body []byte) []byte {
	frame := make([]byte, 0, len(header)+2+2+len(body))
	frame = append(frame, header...)
	frame = appendU16LE(frame, uint16(2+len(body))) // data length: monitoring timer + body
	frame = appendU16LE(frame, monitoringTimer)
	frame = append(frame, body...)
	return frame
}

// BuildHealthCheckRequest builds the loopback test request (MELSEC
// communication protocol reference §11.4): echoes a fixed 5-byte payload.
func (s *Station) BuildHealthCheckRequest(version FrameVersion) []byte {
	echo := []byte("ABCDE")
	body := make([]byte, 0, 4+len(echo))
	body = appendU16LE(body, healthCheckCommand)
	body = appendU16LE(body, healthCheckSubcommand)
	body = append(body, echo...)
	return finish(s.header(version), body)
}

// BuildReadRequest builds an MC read-as-word request for numPoints words
// starting at offset within deviceName.
func (s *Station) BuildReadRequest(version FrameVersion, deviceName string, offset uint32, numPoints uint16) ([]byte, error) {
	return s.buildReadRequest(version, deviceName, offset, numPoints, readSubCommand)
}

// BuildBitReadRequest builds an MC read-as-bit request for numPoints
// bits starting at offset within deviceName.
func (s *Station) BuildBitReadRequest(version FrameVersion, deviceName string, offset uint32, numPoints uint16) ([]byte, error) {
	return s.buildReadRequest(version, deviceName, offset, numPoints, bitReadSubCommand)
}

func (s *Station) buildReadRequest(version FrameVersion, deviceName string, offset uint32, numPoints uint16, subCommand uint16) ([]byte, error) {
	deviceCode, err := s.deviceCode(deviceName)
	if err != nil {
		return nil, err
	}
	body := make([]byte, 0, 4+3+1+2)
	body = appendU16LE(body, readCommand)
	body = appendU16LE(body, subCommand)
	body = appendU32LE3(body, offset)
	body = append(body, deviceCode)
	body = appendU16LE(body, numPoints)
	return finish(s.header(version), body), nil
}

// BuildWriteRequest builds an MC write-as-word request writing writeData
// starting at offset within deviceName.
func (s *Station) BuildWriteRequest(version FrameVersion, deviceName string, offset uint32, writeData []uint16) ([]byte, error) {
	deviceCode, err := s.deviceCode(deviceName)
	if err != nil {
		return nil, err
	}
	body := make([]byte, 0, 4+3+1+2+2*len(writeData))
	body = appendU16LE(body, writeCommand)
	body = appendU16LE(body, writeSubCommand)
	body = appendU32LE3(body, offset)
	body = append(body, deviceCode)
	body = appendU16LE(body, uint16(len(writeData)))
	for _, w := range writeData {
		body = appendU16LE(body, w)
	}
	return finish(s.header(version), body), nil
}

// BuildBitWriteRequest builds an MC write-as-bit request. bits are
// nibble-packed two-per-byte, high nibble first (bit i occupies the
// high nibble of byte i/2 when i is even, the low nibble when odd) —
// go-mcprotocol's original BuildBitWriteRequest packed these as whole
// words instead of nibbles, a bug this port does not carry forward.
func (s *Station) BuildBitWriteRequest(version FrameVersion, deviceName string, offset uint32, bits []bool) ([]byte, error) {
	deviceCode, err := s.deviceCode(deviceName)
	if err != nil {
		return nil, err
	}
	packed := make([]byte, (len(bits)+1)/2)
	for i, bit := range bits {
		if !bit {
			continue
		}
		if i%2 == 0 {
			packed[i/2] |= 0x10
		} else {
			packed[i/2] |= 0x01
		}
	}
	body := make([]byte, 0, 4+3+1+2+len(packed))
	body = appendU16LE(body, writeCommand)
	body = appendU16LE(body, bitWriteSubCommand)
	body = appendU32LE3(body, offset)
	body = append(body, deviceCode)
	body = appendU16LE(body, uint16(len(bits)))
	body = append(body, packed...)
	return finish(s.header(version), body), nil
}
