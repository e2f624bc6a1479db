package mcp_test

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tyaro/melsec-mock/mcp"
	"github.com/tyaro/melsec-mock/mcpclient"
)

func startTestUDPListener(t *testing.T) (addr string, store *mcp.Store) {
	t.Helper()
	store = mcp.NewStore()
	registry := mcp.DefaultRegistry()

	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1")})
	require.NoError(t, err)
	addr = conn.LocalAddr().String()

	abort := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = mcp.RunUDPListenerOn(conn, store, registry, abort)
	}()
	t.Cleanup(func() {
		close(abort)
		<-done
	})

	return addr, store
}

func TestIntegrationUDPWriteThenRead(t *testing.T) {
	addr, _ := startTestUDPListener(t)

	conn, err := net.Dial("udp", addr)
	require.NoError(t, err)
	defer conn.Close()

	station := mcpclient.NewLocalStation()

	writeReq, err := station.BuildWriteRequest(mcpclient.Frame3E, "D", 0, []uint16{0x1234})
	require.NoError(t, err)
	_, err = conn.Write(writeReq)
	require.NoError(t, err)

	writeRespBuf := make([]byte, 2048)
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, err := conn.Read(writeRespBuf)
	require.NoError(t, err)
	writeResp, err := mcpclient.ParseResponse(mcpclient.Frame3E, writeRespBuf[:n])
	require.NoError(t, err)
	assert.Equal(t, uint16(0x0000), writeResp.EndCode)

	readReq, err := station.BuildReadRequest(mcpclient.Frame3E, "D", 0, 1)
	require.NoError(t, err)
	_, err = conn.Write(readReq)
	require.NoError(t, err)

	readRespBuf := make([]byte, 2048)
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, err = conn.Read(readRespBuf)
	require.NoError(t, err)
	readResp, err := mcpclient.ParseResponse(mcpclient.Frame3E, readRespBuf[:n])
	require.NoError(t, err)
	assert.Equal(t, uint16(0x0000), readResp.EndCode)
	assert.Equal(t, []byte{0x34, 0x12}, readResp.Payload)
}

// TestIntegrationCrossProtocolTCPWriteUDPRead covers spec §4.5's shared
// device store between the TCP and UDP listeners: a write applied over
// TCP must be visible to a subsequent read performed over UDP.
func TestIntegrationCrossProtocolTCPWriteUDPRead(t *testing.T) {
	store := mcp.NewStore()
	registry := mcp.DefaultRegistry()

	tcpLn, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	tcpAbort := make(chan struct{})
	tcpDone := make(chan struct{})
	go func() {
		defer close(tcpDone)
		_ = mcp.RunListenerOn(tcpLn, store, registry, tcpAbort)
	}()
	t.Cleanup(func() {
		close(tcpAbort)
		<-tcpDone
	})

	udpConn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1")})
	require.NoError(t, err)
	udpAbort := make(chan struct{})
	udpDone := make(chan struct{})
	go func() {
		defer close(udpDone)
		_ = mcp.RunUDPListenerOn(udpConn, store, registry, udpAbort)
	}()
	t.Cleanup(func() {
		close(udpAbort)
		<-udpDone
	})

	station := mcpclient.NewLocalStation()

	tcpConn, err := net.Dial("tcp", tcpLn.Addr().String())
	require.NoError(t, err)
	defer tcpConn.Close()

	writeReq, err := station.BuildWriteRequest(mcpclient.Frame3E, "D", 10, []uint16{0x5678})
	require.NoError(t, err)
	_, err = tcpConn.Write(writeReq)
	require.NoError(t, err)

	tcpRespBuf := make([]byte, 2048)
	_ = tcpConn.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, err := tcpConn.Read(tcpRespBuf)
	require.NoError(t, err)
	tcpResp, err := mcpclient.ParseResponse(mcpclient.Frame3E, tcpRespBuf[:n])
	require.NoError(t, err)
	assert.Equal(t, uint16(0x0000), tcpResp.EndCode)

	udpClient, err := net.Dial("udp", udpConn.LocalAddr().String())
	require.NoError(t, err)
	defer udpClient.Close()

	readReq, err := station.BuildReadRequest(mcpclient.Frame3E, "D", 10, 1)
	require.NoError(t, err)
	_, err = udpClient.Write(readReq)
	require.NoError(t, err)

	udpRespBuf := make([]byte, 2048)
	_ = udpClient.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, err = udpClient.Read(udpRespBuf)
	require.NoError(t, err)
	udpResp, err := mcpclient.ParseResponse(mcpclient.Frame3E, udpRespBuf[:n])
	require.NoError(t, err)
	assert.Equal(t, uint16(0x0000), udpResp.EndCode)
	assert.Equal(t, []byte{0x78, 0x56}, udpResp.Payload)
}
