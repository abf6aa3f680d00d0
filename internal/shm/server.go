package shm

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"time"

	"github.com/VictoriaMetrics/metrics"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	maxDatagram = 65507

	// idleInterval is the poll timeout used when the backlog is empty.
	idleInterval = time.Second
	// backlogInterval is the poll timeout used while entries are backlogged,
	// shrinking retry latency (spec §4.4: "the poll timeout shrinks toward
	// zero so backlog retry latency stays small").
	backlogInterval = 10 * time.Millisecond
)

type clientConn struct {
	reply *net.UnixAddr
}

type pending struct {
	req   Request
	reply *net.UnixAddr
}

// Server is the per-node shared-state daemon. One instance runs per node,
// shared by all worker processes over a Unix-domain SOCK_DGRAM socket.
type Server struct {
	Logger zerolog.Logger

	mu         sync.Mutex
	conns      map[string]*clientConn
	containers map[string]*container
	locks      map[string]string // key -> owning conn_id
	backlog    []pending

	conn    *net.UnixConn
	closing chan struct{}

	mReq     *metrics.Counter
	mBacklog *metrics.Gauge
	mDropped *metrics.Counter
}

// NewServer creates an unbound Server.
func NewServer(logger zerolog.Logger) *Server {
	s := &Server{
		Logger:     logger,
		conns:      make(map[string]*clientConn),
		containers: make(map[string]*container),
		locks:      make(map[string]string),
		closing:    make(chan struct{}),
		mReq:       metrics.NewCounter(`meshnode_shm_requests_total`),
		mDropped:   metrics.NewCounter(`meshnode_shm_dropped_total`),
	}
	s.mBacklog = metrics.NewGauge(`meshnode_shm_backlog_size`, func() float64 {
		s.mu.Lock()
		defer s.mu.Unlock()
		return float64(len(s.backlog))
	})
	return s
}

// ListenAndServe binds a Unix SOCK_DGRAM socket at path and serves requests
// until Close is called. It removes and recreates a stale socket file at
// path, consistent with the "IPC address already in use" fatal-at-startup
// behavior when a live server already owns it.
func (s *Server) ListenAndServe(path string) error {
	if probe, err := net.DialUnix("unixgram", nil, &net.UnixAddr{Name: path, Net: "unixgram"}); err == nil {
		probe.Close()
		return fmt.Errorf("shm: address %s already in use", path)
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("shm: remove stale socket: %w", err)
	}
	conn, err := net.ListenUnixgram("unixgram", &net.UnixAddr{Name: path, Net: "unixgram"})
	if err != nil {
		return fmt.Errorf("shm: listen: %w", err)
	}
	defer conn.Close()
	defer os.Remove(path)

	s.conn = conn
	return s.serve()
}

// Close stops the server's loop.
func (s *Server) Close() {
	select {
	case <-s.closing:
	default:
		close(s.closing)
	}
	if s.conn != nil {
		s.conn.Close()
	}
}

func (s *Server) serve() error {
	buf := make([]byte, maxDatagram)
	for {
		select {
		case <-s.closing:
			return nil
		default:
		}

		timeout := idleInterval
		s.mu.Lock()
		if len(s.backlog) > 0 {
			timeout = backlogInterval
		}
		s.mu.Unlock()

		s.conn.SetReadDeadline(time.Now().Add(timeout))
		n, addr, err := s.conn.ReadFromUnix(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				s.drainBacklog()
				continue
			}
			select {
			case <-s.closing:
				return nil
			default:
			}
			return fmt.Errorf("shm: read: %w", err)
		}

		var req Request
		if err := json.Unmarshal(buf[:n], &req); err != nil {
			s.mDropped.Inc() // unparseable request; might be a stray write
			continue
		}
		if !validAction(req.Action) {
			s.mDropped.Inc()
			continue
		}
		s.mReq.Inc()
		s.handleOrBacklog(req, addr)
		s.drainBacklog()
	}
}

func validAction(a Action) bool {
	switch a {
	case ActionConnect, ActionDisconnect, ActionCreate, ActionRead, ActionSet,
		ActionAdd, ActionGet, ActionRemove, ActionClean, ActionLock, ActionUnlock:
		return true
	default:
		return false
	}
}

// handleOrBacklog processes req immediately, unless it is a mutating action
// on a key locked by a different connection, in which case it is either
// queued for retry or answered with LOCKED, per req.Backlogging.
func (s *Server) handleOrBacklog(req Request, from *net.UnixAddr) {
	s.mu.Lock()
	lockedByOther := false
	if _, mutating := mutatingActions[req.Action]; mutating {
		if owner, ok := s.locks[req.Key]; ok && owner != req.ConnID {
			lockedByOther = true
		}
	}
	s.mu.Unlock()

	if lockedByOther {
		if req.wantsBacklog() {
			s.mu.Lock()
			s.backlog = append(s.backlog, pending{req: req, reply: from})
			s.mu.Unlock()
			return
		}
		s.reply(from, fail(RCodeLocked))
		return
	}

	resp, send := s.apply(req, from)
	if send {
		s.reply(s.replyAddr(req, from), resp)
	}
}

// drainBacklog re-attempts every backlogged request once, with backlogging
// disabled, dropping it on success and keeping it (still LOCKED) otherwise.
func (s *Server) drainBacklog() {
	s.mu.Lock()
	if len(s.backlog) == 0 {
		s.mu.Unlock()
		return
	}
	snapshot := s.backlog
	s.backlog = nil
	s.mu.Unlock()

	var keep []pending
	for _, p := range snapshot {
		s.mu.Lock()
		owner, locked := s.locks[p.req.Key]
		stillLocked := locked && owner != p.req.ConnID
		s.mu.Unlock()

		if stillLocked {
			keep = append(keep, p)
			continue
		}
		resp, send := s.apply(p.req, p.reply)
		if send {
			s.reply(s.replyAddr(p.req, p.reply), resp)
		}
	}

	if len(keep) > 0 {
		s.mu.Lock()
		s.backlog = append(keep, s.backlog...)
		s.mu.Unlock()
	}
}

// apply performs req against server state and returns the response to send
// (if any — DISCONNECT never replies).
func (s *Server) apply(req Request, from *net.UnixAddr) (Response, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch req.Action {
	case ActionConnect:
		id := uuid.NewString()
		s.conns[id] = &clientConn{reply: &net.UnixAddr{Name: req.Socket, Net: "unixgram"}}
		b, _ := json.Marshal(id)
		return Response{Succeeded: true, RCode: RCodeOK, ConnID: id, Value: b}, true

	case ActionDisconnect:
		delete(s.conns, req.ConnID)
		return Response{}, false

	case ActionCreate:
		if existing, ok := s.containers[req.Key]; ok {
			if existing.typ != req.Type {
				return fail(RCodeTypeError), true
			}
			return ok(nil), true
		}
		c, err := newContainer(req.Type, req.Value)
		if err != nil {
			return fail(RCodeTypeError), true
		}
		s.containers[req.Key] = c
		return ok(nil), true

	case ActionRead:
		c, found := s.containers[req.Key]
		if !found {
			return fail(RCodeKeyError), true
		}
		v, err := c.read()
		if err != nil {
			return fail(RCodeTypeError), true
		}
		return ok(v), true

	case ActionSet:
		c, found := s.containers[req.Key]
		if !found {
			return fail(RCodeKeyError), true
		}
		if err := c.setScalar(req.Value); err != nil {
			return fail(RCodeTypeError), true
		}
		return ok(nil), true

	case ActionAdd:
		c, found := s.containers[req.Key]
		if !found {
			return fail(RCodeKeyError), true
		}
		if err := c.add(req.Value); err != nil {
			return fail(RCodeTypeError), true
		}
		return ok(nil), true

	case ActionGet:
		c, found := s.containers[req.Key]
		if !found {
			return fail(RCodeKeyError), true
		}
		v, found, err := c.get(req.ValueKey)
		if err != nil {
			return fail(RCodeTypeError), true
		}
		if !found {
			return fail(RCodeKeyError), true
		}
		return ok(v), true

	case ActionRemove:
		c, found := s.containers[req.Key]
		if !found {
			return fail(RCodeKeyError), true
		}
		if err := c.remove(req.Value); err != nil {
			return fail(RCodeTypeError), true
		}
		return ok(nil), true

	case ActionClean:
		delete(s.containers, req.Key)
		return ok(nil), true

	case ActionLock:
		if owner, locked := s.locks[req.Key]; locked && owner != req.ConnID {
			return fail(RCodeLocked), true
		}
		s.locks[req.Key] = req.ConnID
		return ok(nil), true

	case ActionUnlock:
		owner, locked := s.locks[req.Key]
		if !locked {
			return fail(RCodeNotLocked), true
		}
		if owner != req.ConnID {
			return fail(RCodeLocked), true
		}
		delete(s.locks, req.Key)
		return ok(nil), true

	default:
		return fail(RCodeUnknownError), true
	}
}

// replyAddr prefers the registered reply socket for req's connection,
// falling back to the datagram's source address (used for CONNECT, before a
// conn_id exists).
func (s *Server) replyAddr(req Request, from *net.UnixAddr) *net.UnixAddr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.conns[req.ConnID]; ok && c.reply != nil {
		return c.reply
	}
	return from
}

func (s *Server) reply(to *net.UnixAddr, resp Response) {
	if to == nil || to.Name == "" {
		return
	}
	b, err := json.Marshal(resp)
	if err != nil {
		return
	}
	s.conn.WriteToUnix(b, to)
}

// WritePrometheus writes server metrics in text exposition format.
func (s *Server) WritePrometheus(w io.Writer) {
	metrics.WritePrometheus(w, false)
}
