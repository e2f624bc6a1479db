package mcp

import (
	"fmt"
	"net"
	"sync"

	"github.com/charmbracelet/log"
)

var serverLog = log.With("component", "server")

const defaultSnapshotPath = "device_snapshot.json"

// listenerHandle tracks one spawned accept-loop goroutine so Stop can
// abort it and Start can tell whether a previous run is still live.
type listenerHandle struct {
	abort chan struct{}
	done  chan struct{}
}

func (h *listenerHandle) isLive() bool {
	select {
	case <-h.done:
		return false
	default:
		return true
	}
}

// Server is the mock engine's facade (component C7): a shared device
// store, the command registry it dispatches against, and bookkeeping
// for idempotent start/stop of its listener goroutines.
type Server struct {
	mu           sync.Mutex
	store        *Store
	registry     *CommandRegistry
	snapshotPath string
	handles      []*listenerHandle

	// StatusFunc, when set, is invoked at lifecycle points ("started",
	// "stopped") — the hook a desktop shell wires to its own UI; the
	// core itself has no concept of a window to notify.
	StatusFunc func(status string)
}

// New returns a Server with an empty store and the default command
// registry.
func New() *Server {
	return &Server{
		store:        NewStore(),
		registry:     DefaultRegistry(),
		snapshotPath: defaultSnapshotPath,
	}
}

// NewWithAssignment returns a Server whose store is pre-seeded from a
// TOML device-assignment file (empty assignmentPath skips seeding), and
// then loaded from any existing snapshot file, which takes precedence
// over the seed (spec §3 "Lifecycle").
func NewWithAssignment(assignmentPath string) (*Server, error) {
	s := New()
	if assignmentPath != "" {
		if err := s.store.PopulateFromTOML(assignmentPath); err != nil {
			return nil, err
		}
	}
	if snap, err := LoadFromFile(s.snapshotPath); err != nil {
		return nil, fmt.Errorf("mcp: loading snapshot: %w", err)
	} else if snap != nil {
		s.store = snap
	}
	return s, nil
}

// SetSnapshotPath overrides the path Stop persists its snapshot to;
// SaveSnapshot writes to the path it is given instead. The default is
// "device_snapshot.json" in the working directory.
func (s *Server) SetSnapshotPath(path string) { s.snapshotPath = path }

// SetWords normalizes key/addr and writes words into the shared store.
func (s *Server) SetWords(key string, addr int, words []Word) {
	s.store.SetWords(key, addr, words)
}

// GetWords normalizes key/addr and reads count words from the shared
// store.
func (s *Server) GetWords(key string, addr int, count int) []Word {
	return s.store.GetWords(key, addr, count)
}

// SaveSnapshot serializes the current store to path as JSON.
func (s *Server) SaveSnapshot(path string) error {
	return s.store.SaveToFile(path)
}

// Registry returns the command registry the server dispatches against.
func (s *Server) Registry() *CommandRegistry { return s.registry }

// SetRegistry replaces the command registry in use.
func (s *Server) SetRegistry(r *CommandRegistry) { s.registry = r }

// Start spawns a TCP accept loop on tcpBind and, if udpBind is non-empty,
// a UDP listener on udpBind. Start is idempotent: if any previously
// spawned listener goroutine is still live, it is a no-op (spec §5
// "Starting the mock is idempotent").
func (s *Server) Start(tcpBind string, udpBind string) {
	s.startWith(func() (net.Listener, error) { return net.Listen("tcp", tcpBind) }, udpBind)
}

// StartOn is Start's counterpart for a listener the caller already
// bound itself (spec §6 "run_listener_on(pre_bound_listener)") — useful
// for tests that need an ephemeral port.
func (s *Server) StartOn(ln net.Listener, udpBind string) {
	s.startWith(func() (net.Listener, error) { return ln, nil }, udpBind)
}

func (s *Server) startWith(bind func() (net.Listener, error), udpBind string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	live := s.handles[:0]
	anyLive := false
	for _, h := range s.handles {
		if h.isLive() {
			live = append(live, h)
			anyLive = true
		}
	}
	s.handles = live
	if anyLive {
		serverLog.Debug("start is a no-op: a previous listener handle is still live")
		return
	}

	ln, err := bind()
	if err != nil {
		serverLog.Error("tcp bind failed", "err", err)
		return
	}

	tcp := &listenerHandle{abort: make(chan struct{}), done: make(chan struct{})}
	s.handles = append(s.handles, tcp)
	go func() {
		defer close(tcp.done)
		if err := RunListenerOn(ln, s.store, s.registry, tcp.abort); err != nil {
			serverLog.Error("tcp listener exited", "err", err)
		}
	}()

	if udpBind != "" {
		udp := &listenerHandle{abort: make(chan struct{}), done: make(chan struct{})}
		s.handles = append(s.handles, udp)
		go func() {
			defer close(udp.done)
			if err := RunUDPListener(udpBind, s.store, s.registry, udp.abort); err != nil {
				serverLog.Error("udp listener exited", "err", err)
			}
		}()
	}

	if s.StatusFunc != nil {
		s.StatusFunc("started")
	}
}

// Stop aborts all tracked listener goroutines, waits for them to exit,
// persists a snapshot, then clears the store — in that order (spec §9
// "Store mutation and listener restarts").
func (s *Server) Stop() error {
	s.mu.Lock()
	handles := s.handles
	s.handles = nil
	s.mu.Unlock()

	for _, h := range handles {
		close(h.abort)
	}
	for _, h := range handles {
		<-h.done
	}

	err := s.store.SaveToFile(s.snapshotPath)
	if err != nil {
		serverLog.Error("snapshot save failed during stop", "err", err)
	}
	s.store.Clear()

	if s.StatusFunc != nil {
		s.StatusFunc("stopped")
	}
	return err
}
