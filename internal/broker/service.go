// Package broker implements the central message broker: the length-framed
// stream protocol's server side, the per-connection state machine, and the
// fan-out and anon-relay logic that sits on top of the in-memory node
// registry.
//
// One goroutine is spawned per accepted stream connection, following the
// same per-connection-goroutine shape as the teacher's broker service.
// Unlike the reference implementation this is adapted from — a single
// cooperative event loop sharing its registry lock-free — Go's goroutines
// are preemptible, so every registry access goes through
// internal/registry's own locking (§9's "fine-grained read-write lock on
// the top-level map plus per-connection-record locks" option).
package broker

import (
	"context"
	"fmt"
	"log"
	"net"

	"github.com/dustin/go-humanize"

	"github.com/tenzoki/meshbroker/internal/config"
	"github.com/tenzoki/meshbroker/internal/registry"
	"github.com/tenzoki/meshbroker/internal/wire"
)

// Service is the broker's TCP stream server. It owns the node registry and
// accepts one connection per node.
type Service struct {
	host  string
	port  int
	debug bool

	listener net.Listener
	reg      *registry.Registry
	ready    chan struct{}
}

// NewService creates a broker service from the given configuration. A nil
// cfg falls back to config.DefaultBrokerConfig().
func NewService(cfg *config.BrokerConfig) *Service {
	if cfg == nil {
		cfg = config.DefaultBrokerConfig()
	}
	return &Service{
		host:  cfg.Host,
		port:  cfg.Port,
		debug: cfg.Debug,
		reg:   registry.New(),
		ready: make(chan struct{}),
	}
}

// Registry exposes the broker's node registry, mainly for tests that
// inspect a running service in-process.
func (s *Service) Registry() *registry.Registry { return s.reg }

// Ready returns a channel that is closed once the listener is bound,
// letting tests and callers that started Port 0 discover the real address
// before connecting.
func (s *Service) Ready() <-chan struct{} { return s.ready }

// Addr returns the bound listener address. It must only be called after
// Ready() has closed.
func (s *Service) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Start listens on the configured host:port and serves connections until
// ctx is cancelled. It blocks until shutdown completes.
func (s *Service) Start(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.host, s.port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("broker: listen on %s: %w", addr, err)
	}
	s.listener = listener
	close(s.ready)

	if s.debug {
		log.Printf("broker: listening on %s", addr)
	}

	go func() {
		<-ctx.Done()
		if s.debug {
			log.Printf("broker: shutting down")
		}
		s.listener.Close()
	}()

	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			log.Printf("broker: accept error: %v", err)
			continue
		}
		go s.handleConnection(conn)
	}
}

// connState tracks where a single stream connection sits in the
// AwaitingAuth/Authenticated state machine of §4.4.
type connState struct {
	writer *connWriter
	name   string // claimed node name, set once Authenticated
	authed bool
}

// handleConnection owns one accepted stream connection for its whole
// lifetime: it sends REQUEST_AUTH, then loops reading and dispatching
// frames until a transport error or EOF, at which point it tears down the
// connection and scrubs the node from the registry.
func (s *Service) handleConnection(netConn net.Conn) {
	defer netConn.Close()

	st := &connState{writer: newConnWriter(netConn)}

	if err := st.writer.WriteFrame(wire.OpRequestAuth, nil); err != nil {
		if s.debug {
			log.Printf("broker: failed to send REQUEST_AUTH: %v", err)
		}
		return
	}

	defer func() {
		if st.authed {
			s.reg.Remove(st.name)
			if s.debug {
				log.Printf("broker: %s disconnected, subscriptions scrubbed", st.name)
			}
		}
	}()

	for {
		op, body, err := wire.ReadFrame(netConn)
		if err != nil {
			if s.debug {
				log.Printf("broker: transport error on %s: %v", connLabel(st), err)
			}
			return
		}

		if !st.authed {
			s.dispatchAwaitingAuth(st, op, body)
			continue
		}
		if !s.dispatchAuthenticated(st, op, body) {
			return
		}
	}
}

func connLabel(st *connState) string {
	if st.name == "" {
		return "<unauthenticated>"
	}
	return st.name
}

// dispatchAwaitingAuth handles frames received before SEND_AUTH succeeds.
// Any opcode other than SEND_AUTH yields ERROR/InvalidCredentials and the
// connection stays in AwaitingAuth — it is not forcibly closed.
func (s *Service) dispatchAwaitingAuth(st *connState, op wire.Opcode, body []byte) {
	if op != wire.OpSendAuth {
		s.sendError(st.writer, wire.ErrInvalidCredentials, nil)
		return
	}

	name, _, err := wire.TakeLV(body)
	if err != nil {
		s.sendError(st.writer, wire.ErrInvalidCredentials, nil)
		return
	}

	if _, regErr := s.reg.Register(name, st.writer); regErr != nil {
		s.sendError(st.writer, wire.ErrInvalidCredentials, nil)
		return
	}

	st.name = name
	st.authed = true
	if s.debug {
		log.Printf("broker: %s authenticated", name)
	}
}

// dispatchAuthenticated handles one frame from an already-authenticated
// connection. It returns false if the connection must be torn down.
func (s *Service) dispatchAuthenticated(st *connState, op wire.Opcode, body []byte) bool {
	switch op {
	case wire.OpPost:
		s.handlePost(st, body)
	case wire.OpGet:
		s.handleGet(st, body)
	case wire.OpSubscribe:
		s.handleSubscribe(st, body)
	case wire.OpUnsub:
		s.handleUnsubscribe(st, body)
	case wire.OpAnon:
		s.handleAnon(st, body)
	case wire.OpDgramAddr:
		s.handleDatagramAddrAdvertise(st, body)
	case wire.OpGetDgramAddr:
		s.handleGetDatagramAddr(st, body)
	case wire.OpRosstat:
		s.handleRosstat(st)
	default:
		s.sendError(st.writer, wire.ErrMethodNotFound, nil)
	}
	return true
}

// sendError writes an ERROR frame: the error kind byte followed by
// kind-specific context bytes (may be nil).
func (s *Service) sendError(w wire.FrameWriter, kind wire.ErrorKind, context []byte) {
	body := make([]byte, 1+len(context))
	body[0] = byte(kind)
	copy(body[1:], context)
	if err := w.WriteFrame(wire.OpError, body); err != nil && s.debug {
		log.Printf("broker: failed to send ERROR/%s: %v", kind, err)
	}
}

// humanStat renders a byte count for debug logging, e.g. in ROSSTAT dumps.
func humanStat(n int) string {
	return humanize.Bytes(uint64(n))
}
