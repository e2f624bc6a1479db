package mcpclient

import (
	"encoding/binary"
	"fmt"
)

// Response is a parsed MC3E/MC4E response frame.
type Response struct {
	SubHeader      uint16
	Serial         uint16 // MC4E only, zero for MC3E
	NetworkNum     byte
	PCNum          byte
	UnitIONum      uint16
	UnitStationNum byte
	DataLen        uint16
	EndCode        uint16
	Payload        []byte
}

// ParseResponse parses a raw response frame according to version. It
// returns an error if the frame is shorter than its fixed header.
func ParseResponse(version FrameVersion, resp []byte) (*Response, error) {
	if version == Frame4E {
		return parse4E(resp)
	}
	return parse3E(resp)
}

func parse3E(resp []byte) (*Response, error) {
	const headerLen = 11
	if len(resp) < headerLen {
		return nil, fmt.Errorf("mcpclient: mc3e response too short: %d bytes", len(resp))
	}
	return &Response{
		SubHeader:      binary.LittleEndian.Uint16(resp[0:2]),
		NetworkNum:     resp[2],
		PCNum:          resp[3],
		UnitIONum:      binary.LittleEndian.Uint16(resp[4:6]),
		UnitStationNum: resp[6],
		DataLen:        binary.LittleEndian.Uint16(resp[7:9]),
		EndCode:        binary.LittleEndian.Uint16(resp[9:11]),
		Payload:        resp[11:],
	}, nil
}

func parse4E(resp []byte) (*Response, error) {
	const headerLen = 15
	if len(resp) < headerLen {
		return nil, fmt.Errorf("mcpclient: mc4e response too short: %d bytes", len(resp))
	}
	return &Response{
		SubHeader:      binary.LittleEndian.Uint16(resp[0:2]),
		Serial:         binary.LittleEndian.Uint16(resp[2:4]),
		NetworkNum:     resp[6],
		PCNum:          resp[7],
		UnitIONum:      binary.LittleEndian.Uint16(resp[8:10]),
		UnitStationNum: resp[10],
		DataLen:        binary.LittleEndian.Uint16(resp[11:13]),
		EndCode:        binary.LittleEndian.Uint16(resp[13:15]),
		Payload:        resp[15:],
	}, nil
}
