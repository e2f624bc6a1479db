package mcpclient

import (
	"fmt"
	"net"
	"time"
)

// Client is a MELSEC MC-protocol client connection, able to exercise
// the read/write/bit and health-check operations against a PLC (or a
// mock server implementing the same wire protocol).
type Client interface {
	Read(deviceName string, offset uint32, numPoints uint16) (*Response, error)
	BitRead(deviceName string, offset uint32, numPoints uint16) (*Response, error)
	Write(deviceName string, offset uint32, writeData []uint16) (*Response, error)
	BitWrite(deviceName string, offset uint32, bits []bool) (*Response, error)
	HealthCheck() error
	Reconnect() error
	ShutDown()
}

// client is a TCP MC-protocol client for a single FrameVersion dialect.
type client struct {
	addr    string
	version FrameVersion
	station *Station
	conn    *net.TCPConn
}

// Dial connects to addr and returns a Client speaking the given frame
// dialect, addressed via station (NewLocalStation if nil).
func Dial(addr string, version FrameVersion, station *Station) (Client, error) {
	if station == nil {
		station = NewLocalStation()
	}
	c := &client{addr: addr, version: version, station: station}
	if err := c.connect(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *client) connect() error {
	dialer := net.Dialer{Timeout: 3 * time.Second}
	conn, err := dialer.Dial("tcp", c.addr)
	if err != nil {
		return fmt.Errorf("mcpclient: dial %s: %w", c.addr, err)
	}
	tcpConn, ok := conn.(*net.TCPConn)
	if !ok {
		conn.Close()
		return fmt.Errorf("mcpclient: dial %s: not a tcp connection", c.addr)
	}
	c.conn = tcpConn
	return nil
}

func (c *client) Reconnect() error {
	c.ShutDown()
	time.Sleep(100 * time.Millisecond)
	return c.connect()
}

func (c *client) ShutDown() {
	if c.conn != nil {
		c.conn.Close()
	}
}

func (c *client) roundTrip(req []byte) (*Response, error) {
	if _, err := c.conn.Write(req); err != nil {
		return nil, fmt.Errorf("mcpclient: write request: %w", err)
	}
	readBuf := make([]byte, 2048)
	n, err := c.conn.Read(readBuf)
	if err != nil {
		return nil, fmt.Errorf("mcpclient: read response: %w", err)
	}
	return ParseResponse(c.version, readBuf[:n])
}

// HealthCheck performs the loopback test (MELSEC communication protocol
// reference §11.4) and verifies the echoed payload.
func (c *client) HealthCheck() error {
	resp, err := c.roundTrip(c.station.BuildHealthCheckRequest(c.version))
	if err != nil {
		return err
	}
	if resp.EndCode != 0 {
		return fmt.Errorf("mcpclient: health check end code %#04x", resp.EndCode)
	}
	if string(resp.Payload) != "ABCDE" {
		return fmt.Errorf("mcpclient: health check echo mismatch: %q", resp.Payload)
	}
	return nil
}

func (c *client) Read(deviceName string, offset uint32, numPoints uint16) (*Response, error) {
	req, err := c.station.BuildReadRequest(c.version, deviceName, offset, numPoints)
	if err != nil {
		return nil, err
	}
	return c.roundTrip(req)
}

func (c *client) BitRead(deviceName string, offset uint32, numPoints uint16) (*Response, error) {
	req, err := c.station.BuildBitReadRequest(c.version, deviceName, offset, numPoints)
	if err != nil {
		return nil, err
	}
	return c.roundTrip(req)
}

func (c *client) Write(deviceName string, offset uint32, writeData []uint16) (*Response, error) {
	req, err := c.station.BuildWriteRequest(c.version, deviceName, offset, writeData)
	if err != nil {
		return nil, err
	}
	return c.roundTrip(req)
}

func (c *client) BitWrite(deviceName string, offset uint32, bits []bool) (*Response, error) {
	req, err := c.station.BuildBitWriteRequest(c.version, deviceName, offset, bits)
	if err != nil {
		return nil, err
	}
	return c.roundTrip(req)
}
