package mcp

import (
	"net"

	"github.com/charmbracelet/log"
)

var udpLog = log.With("component", "udp_listener")

const udpRecvBufSize = 64 * 1024

// RunUDPListener receives datagrams on bind until abort is closed. Each
// datagram is treated as exactly one complete frame — no accumulation,
// no boundary detection (spec §4.5).
func RunUDPListener(bind string, store *Store, registry *CommandRegistry, abort <-chan struct{}) error {
	addr, err := net.ResolveUDPAddr("udp", bind)
	if err != nil {
		return err
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return err
	}
	return RunUDPListenerOn(conn, store, registry, abort)
}

// RunUDPListenerOn serves a pre-bound UDP connection, letting callers
// control the bind step themselves (e.g. to bind to an ephemeral port
// in tests, mirroring RunListenerOn on the TCP side).
func RunUDPListenerOn(conn *net.UDPConn, store *Store, registry *CommandRegistry, abort <-chan struct{}) error {
	defer conn.Close()

	go func() {
		<-abort
		conn.Close()
	}()

	buf := make([]byte, udpRecvBufSize)
	for {
		n, peer, err := conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-abort:
				return nil
			default:
				return err
			}
		}

		datagram := make([]byte, n)
		copy(datagram, buf[:n])
		go handleUDPDatagram(conn, peer, datagram, store, registry)
	}
}

func handleUDPDatagram(conn *net.UDPConn, peer *net.UDPAddr, datagram []byte, store *Store, registry *CommandRegistry) {
	format := DetectFormat(datagram)
	frameLen, headerLen, detectedFormat, err := DetectFrame(datagram)
	if err != nil {
		udpLog.Debug("malformed datagram", "peer", peer, "err", err)
		_, _ = conn.WriteToUDP(BuildErrorFrame(format), peer)
		return
	}

	req := ParseRequest(datagram[:frameLen], frameLen, headerLen, detectedFormat)
	payload, herr := Handle(store, registry, req)
	if herr != nil {
		udpLog.Debug("request handling error", "peer", peer, "err", herr)
		_, _ = conn.WriteToUDP(BuildResponseFrame(detectedFormat, req.AccessRoute, req.Serial, ErrEndCode, nil), peer)
		return
	}

	resp := BuildResponseFrame(detectedFormat, req.AccessRoute, req.Serial, OkEndCode, payload)
	_, _ = conn.WriteToUDP(resp, peer)
}
