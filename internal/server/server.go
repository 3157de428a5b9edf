// Package server owns the wire layer: the unix-socket listener, the
// per-connection NDJSON framing and auth handshake, supersession, and
// request dispatch to the engines.
package server

import (
	"encoding/json"
	"errors"
	"log"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/agentctl/hub/internal/auth"
	"github.com/agentctl/hub/internal/config"
	"github.com/agentctl/hub/internal/events"
	"github.com/agentctl/hub/internal/launcher"
	"github.com/agentctl/hub/internal/metrics"
	"github.com/agentctl/hub/internal/protocol"
	"github.com/agentctl/hub/internal/sla"
	"github.com/agentctl/hub/internal/store"
	"github.com/agentctl/hub/internal/task"
	"github.com/agentctl/hub/internal/trust"
)

// IdleTimeout closes connections with no traffic in either direction.
const IdleTimeout = 30 * time.Minute

// SocketPath returns the conventional socket location under base.
func SocketPath(baseDir string) string {
	return filepath.Join(baseDir, "hub.sock")
}

// Deps collects everything the handlers touch.
type Deps struct {
	BaseDir   string
	Config    func() *config.Config
	Reload    func() (*config.Config, error)
	Bus       *events.Bus
	Messages  *store.MessageStore
	Journal   *store.HandoffJournal
	Tasks     *task.Engine
	Reports   *sla.ReportStore
	Checker   *sla.Checker
	Trust     *trust.Store
	Launcher  *launcher.Launcher
	Knowledge *store.KnowledgeStore
	Metrics   *metrics.Metrics
	StartedAt time.Time
}

// Server accepts local connections and serves the protocol.
type Server struct {
	deps   Deps
	router *router
	path   string
	logger *log.Logger

	mu        sync.Mutex
	ln        net.Listener
	conns     map[*conn]struct{}
	byAccount map[string]*conn
	closed    bool

	wg sync.WaitGroup

	idleTimeout time.Duration
}

// New builds a server bound to nothing yet; call Start.
func New(deps Deps) *Server {
	s := &Server{
		deps:        deps,
		path:        SocketPath(deps.BaseDir),
		logger:      log.New(log.Writer(), "[SERVER] ", log.LstdFlags),
		conns:       make(map[*conn]struct{}),
		byAccount:   make(map[string]*conn),
		idleTimeout: IdleTimeout,
	}
	s.router = newRouter(s)
	return s
}

// Start removes any stale socket, binds fresh and begins accepting.
func (s *Server) Start() error {
	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return err
	}
	ln, err := net.Listen("unix", s.path)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()

	s.logger.Printf("listening on %s", s.path)
	s.wg.Add(1)
	go s.acceptLoop(ln)
	return nil
}

func (s *Server) acceptLoop(ln net.Listener) {
	defer s.wg.Done()
	for {
		nc, err := ln.Accept()
		if err != nil {
			s.mu.Lock()
			closed := s.closed
			s.mu.Unlock()
			if closed || errors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.Printf("accept: %v", err)
			continue
		}
		c := newConn(s, nc)
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			nc.Close()
			return
		}
		s.conns[c] = struct{}{}
		s.mu.Unlock()
		if s.deps.Metrics != nil {
			s.deps.Metrics.OpenConnections.Inc()
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			c.serve()
		}()
	}
}

// Stop closes the listener and every connection, then waits for the
// serving goroutines and removes the socket file.
func (s *Server) Stop() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	ln := s.ln
	conns := make([]*conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	if ln != nil {
		ln.Close()
	}
	for _, c := range conns {
		c.close()
	}
	s.wg.Wait()
	os.Remove(s.path)
	s.logger.Printf("stopped")
}

// Connected reports whether the account currently holds an
// authenticated connection.
func (s *Server) Connected(account string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.byAccount[account]
	return ok
}

// ConnectedAccounts lists currently authenticated accounts.
func (s *Server) ConnectedAccounts() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.byAccount))
	for a := range s.byAccount {
		out = append(out, a)
	}
	return out
}

// register marks c as the current connection for account, superseding
// any prior one. The prior connection gets a terminal reply and an
// account_superseded event before being closed.
func (s *Server) register(account string, c *conn) {
	s.mu.Lock()
	prior := s.byAccount[account]
	s.byAccount[account] = c
	s.mu.Unlock()

	if prior != nil && prior != c {
		prior.writeReply(protocol.Reply{"type": protocol.TypeSuperseded, "account": account})
		s.deps.Bus.Emit(events.AccountSuperseded, account, map[string]any{"account": account})
		prior.close()
	}
}

// unregister drops the account mapping if it still points at c.
func (s *Server) unregister(account string, c *conn) {
	s.mu.Lock()
	if account != "" && s.byAccount[account] == c {
		delete(s.byAccount, account)
	}
	s.mu.Unlock()
}

func (s *Server) dropConn(c *conn) {
	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()
}

// conn is one client connection. Replies on a single connection are
// serialized through writeMu, so they are delivered in request order.
type conn struct {
	srv *Server
	nc  net.Conn

	writeMu   sync.Mutex
	closeOnce sync.Once

	account string // empty until authenticated
}

func newConn(s *Server, nc net.Conn) *conn {
	return &conn{srv: s, nc: nc}
}

func (c *conn) serve() {
	defer c.teardown()

	parser := protocol.NewLineParser(
		func(raw json.RawMessage) { c.handleLine(raw) },
		func(err error) { c.srv.logger.Printf("malformed line from %s: %v", c.describe(), err) },
	)

	buf := make([]byte, 4096)
	for {
		c.nc.SetReadDeadline(time.Now().Add(c.srv.idleTimeout))
		n, err := c.nc.Read(buf)
		if n > 0 {
			if ferr := parser.Feed(buf[:n]); ferr != nil {
				c.writeReply(protocol.NewError("", protocol.CodeValidation, ferr.Error()))
				return
			}
		}
		if err != nil {
			return
		}
	}
}

func (c *conn) teardown() {
	c.close()
	if c.account != "" {
		c.srv.deps.Bus.Emit(events.ConnectionClosed, c.account, map[string]any{"account": c.account})
	}
	c.srv.unregister(c.account, c)
	c.srv.dropConn(c)
	if c.srv.deps.Metrics != nil {
		c.srv.deps.Metrics.OpenConnections.Dec()
	}
}

func (c *conn) close() {
	c.closeOnce.Do(func() { c.nc.Close() })
}

func (c *conn) describe() string {
	if c.account != "" {
		return c.account
	}
	return "unauthenticated"
}

// handleLine dispatches one decoded wire line. Requests on one
// connection are handled inline, so replies never interleave.
func (c *conn) handleLine(raw json.RawMessage) {
	req, err := protocol.ParseRequest(raw)
	if err != nil {
		c.srv.logger.Printf("bad envelope from %s: %v", c.describe(), err)
		return
	}

	switch req.Type {
	case protocol.TypeAuth:
		c.handleAuth(req)
		return
	case protocol.TypePing:
		c.writeReply(protocol.Reply{"type": protocol.TypePong, "requestId": req.RequestID})
		return
	case protocol.TypeConfigReload:
		// Allowed pre-auth for health tooling.
	default:
		if c.account == "" {
			c.srv.logger.Printf("dropping pre-auth %q request", req.Type)
			return
		}
	}

	c.writeReply(c.srv.router.dispatch(c.account, req))
}

func (c *conn) handleAuth(req *protocol.Request) {
	var params protocol.AuthParams
	if err := json.Unmarshal(req.Raw, &params); err != nil || params.Account == "" {
		c.authFail(req.RequestID, "malformed auth request")
		return
	}
	if _, ok := c.srv.deps.Config().Account(params.Account); !ok {
		c.authFail(req.RequestID, "unknown account")
		return
	}
	if err := auth.Verify(c.srv.deps.BaseDir, params.Account, params.Token); err != nil {
		c.authFail(req.RequestID, "invalid token")
		return
	}

	// Re-authenticating as a different account releases the old
	// mapping; exactly one current connection per account.
	if c.account != "" && c.account != params.Account {
		c.srv.unregister(c.account, c)
	}
	c.account = params.Account
	c.srv.register(params.Account, c)
	c.writeReply(protocol.Reply{"type": protocol.TypeAuthOK, "requestId": req.RequestID})
	c.srv.logger.Printf("account %q authenticated", params.Account)
}

// authFail replies and closes the socket.
func (c *conn) authFail(requestID, reason string) {
	if c.srv.deps.Metrics != nil {
		c.srv.deps.Metrics.AuthFailures.Inc()
	}
	c.writeReply(protocol.Reply{
		"type": protocol.TypeAuthFail, "requestId": requestID, "error": reason,
	})
	c.close()
}

func (c *conn) writeReply(r protocol.Reply) {
	data, err := json.Marshal(r)
	if err != nil {
		c.srv.logger.Printf("marshal reply: %v", err)
		return
	}
	data = append(data, '\n')

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.nc.SetWriteDeadline(time.Now().Add(10 * time.Second))
	if _, err := c.nc.Write(data); err != nil {
		c.srv.logger.Printf("write to %s: %v", c.describe(), err)
	}
}
