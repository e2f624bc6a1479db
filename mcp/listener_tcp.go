package mcp

import (
	"net"
	"os"
	"strconv"
	"time"

	"github.com/charmbracelet/log"
)

var tcpLog = log.With("component", "tcp_listener")

const defaultTimAwaitMS = 3000

// timAwait returns the per-connection idle read deadline, configured via
// MELSEC_MOCK_TIM_AWAIT_MS (milliseconds), defaulting to 3000ms.
func timAwait() time.Duration {
	if v := os.Getenv("MELSEC_MOCK_TIM_AWAIT_MS"); v != "" {
		if ms, err := strconv.ParseUint(v, 10, 64); err == nil {
			return time.Duration(ms) * time.Millisecond
		}
		tcpLog.Warn("ignoring invalid MELSEC_MOCK_TIM_AWAIT_MS value", "value", v)
	}
	return defaultTimAwaitMS * time.Millisecond
}

// RunListener accepts connections on bind and serves them until abort is
// closed. Each accepted connection gets its own goroutine and its own
// per-connection read deadline (spec §4.4, §5).
func RunListener(bind string, store *Store, registry *CommandRegistry, abort <-chan struct{}) error {
	ln, err := net.Listen("tcp", bind)
	if err != nil {
		return err
	}
	return RunListenerOn(ln, store, registry, abort)
}

// RunListenerOn serves a pre-bound listener, letting callers control the
// bind step themselves (e.g. to bind to an ephemeral port in tests).
func RunListenerOn(ln net.Listener, store *Store, registry *CommandRegistry, abort <-chan struct{}) error {
	defer ln.Close()

	go func() {
		<-abort
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-abort:
				return nil
			default:
				return err
			}
		}
		tcpConn, ok := conn.(*net.TCPConn)
		if !ok {
			conn.Close()
			continue
		}
		go serveConnection(tcpConn, store, registry)
	}
}

func closeWithRST(conn *net.TCPConn) {
	_ = conn.SetLinger(0)
	_ = conn.Close()
}

func serveConnection(conn *net.TCPConn, store *Store, registry *CommandRegistry) {
	deadline := timAwait()
	var accum []byte
	readBuf := make([]byte, 4096)

	for {
		if err := conn.SetReadDeadline(time.Now().Add(deadline)); err != nil {
			closeWithRST(conn)
			return
		}
		n, err := conn.Read(readBuf)
		if err != nil || n == 0 {
			tcpLog.Debug("closing idle or errored connection", "remote", conn.RemoteAddr(), "err", err)
			closeWithRST(conn)
			return
		}
		accum = append(accum, readBuf[:n]...)

		for {
			frameLen, headerLen, format, err := DetectFrame(accum)
			if err == ErrInsufficientBytes {
				break
			}
			if err != nil {
				tcpLog.Debug("frame detection error, forcing RST", "err", err)
				_, _ = conn.Write(BuildErrorFrame(format))
				closeWithRST(conn)
				return
			}

			frame := accum[:frameLen]
			accum = accum[frameLen:]

			req := ParseRequest(frame, frameLen, headerLen, format)
			payload, herr := Handle(store, registry, req)
			if herr != nil {
				tcpLog.Debug("request handling error, forcing RST", "err", herr)
				_, _ = conn.Write(BuildResponseFrame(format, req.AccessRoute, req.Serial, ErrEndCode, nil))
				closeWithRST(conn)
				return
			}

			resp := BuildResponseFrame(format, req.AccessRoute, req.Serial, OkEndCode, payload)
			if _, err := conn.Write(resp); err != nil {
				tcpLog.Debug("write failed, forcing RST", "err", err)
				closeWithRST(conn)
				return
			}
		}
	}
}
