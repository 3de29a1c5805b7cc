// Package fakectl runs a scripted control-port backend on a Unix socket.
package fakectl

import (
	"bufio"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

const (
	OK           = "250 OK\r\n"
	Unrecognized = "510 Unrecognized command\r\n"
)

// Lines joins reply lines with CRLF terminators.
func Lines(lines ...string) string {
	var b strings.Builder
	for _, l := range lines {
		b.WriteString(l)
		b.WriteString("\r\n")
	}
	return b.String()
}

// Request is one command received by the server.
type Request struct {
	Line    string
	Verb    string
	Args    []string
	Payload []byte
}

// Handler returns the raw reply bytes for req. An empty reply sends nothing.
type Handler func(req Request) string

type Server struct {
	t    testing.TB
	Path string
	ln   net.Listener

	mu       sync.Mutex
	handlers map[string]Handler
	requests []Request
	conns    map[net.Conn]*sync.Mutex
	closed   bool

	reqs chan Request
	wg   sync.WaitGroup
}

// SocketPath returns a short unused socket path removed at test cleanup.
func SocketPath(t testing.TB) string {
	t.Helper()
	dir, err := os.MkdirTemp("", "fakectl")
	if err != nil {
		t.Fatalf("socket dir: %v", err)
	}
	t.Cleanup(func() { _ = os.RemoveAll(dir) })
	return filepath.Join(dir, "control")
}

// Start listens on a fresh socket path.
func Start(t testing.TB) *Server {
	t.Helper()
	return StartAt(t, SocketPath(t))
}

// StartAt listens on path. AUTHENTICATE, SETEVENTS and SIGNAL answer
// "250 OK" until overridden; other verbs are unrecognized.
func StartAt(t testing.TB, path string) *Server {
	t.Helper()
	ln, err := net.Listen("unix", path)
	if err != nil {
		t.Fatalf("listen %s: %v", path, err)
	}
	s := &Server{
		t:        t,
		Path:     path,
		ln:       ln,
		handlers: make(map[string]Handler),
		conns:    make(map[net.Conn]*sync.Mutex),
		reqs:     make(chan Request, 64),
	}
	for _, verb := range []string{"AUTHENTICATE", "SETEVENTS", "SIGNAL"} {
		s.Reply(verb, OK)
	}
	s.wg.Add(1)
	go s.accept()
	t.Cleanup(s.Close)
	return s
}

// Addr is the address string accepted by session.ParseAddress.
func (s *Server) Addr() string {
	return "unix:" + s.Path
}

func (s *Server) Handle(verb string, h Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[strings.ToUpper(verb)] = h
}

// Reply answers verb with a fixed reply.
func (s *Server) Reply(verb string, reply string) {
	s.Handle(verb, func(Request) string { return reply })
}

// Requests returns every request received so far.
func (s *Server) Requests() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Request(nil), s.requests...)
}

// Next waits for the next received request.
func (s *Server) Next(timeout time.Duration) (Request, bool) {
	select {
	case req := <-s.reqs:
		return req, true
	case <-time.After(timeout):
		return Request{}, false
	}
}

// Push writes raw bytes to every open connection.
func (s *Server) Push(raw string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for conn, wmu := range s.conns {
		wmu.Lock()
		_, _ = conn.Write([]byte(raw))
		wmu.Unlock()
	}
}

// Connections reports the number of open connections.
func (s *Server) Connections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// DropConnections closes every open connection and keeps listening.
func (s *Server) DropConnections() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for conn := range s.conns {
		_ = conn.Close()
		delete(s.conns, conn)
	}
}

func (s *Server) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	_ = s.ln.Close()
	for conn := range s.conns {
		_ = conn.Close()
		delete(s.conns, conn)
	}
	s.mu.Unlock()
	s.wg.Wait()
}

func (s *Server) accept() {
	defer s.wg.Done()
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return
		}
		wmu := &sync.Mutex{}
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			_ = conn.Close()
			return
		}
		s.conns[conn] = wmu
		s.mu.Unlock()

		s.wg.Add(1)
		go s.serve(conn, wmu)
	}
}

func (s *Server) serve(conn net.Conn, wmu *sync.Mutex) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
		_ = conn.Close()
	}()

	r := bufio.NewReader(conn)
	for {
		req, err := readRequest(r)
		if err != nil {
			return
		}
		s.mu.Lock()
		s.requests = append(s.requests, req)
		h, ok := s.handlers[req.Verb]
		s.mu.Unlock()
		select {
		case s.reqs <- req:
		default:
		}

		reply := Unrecognized
		if ok {
			reply = h(req)
		}
		if reply == "" {
			continue
		}
		wmu.Lock()
		_, err = conn.Write([]byte(reply))
		wmu.Unlock()
		if err != nil {
			return
		}
	}
}

func readRequest(r *bufio.Reader) (Request, error) {
	line, err := readLine(r)
	if err != nil {
		return Request{}, err
	}
	req := Request{Line: line}
	text := line
	data := strings.HasPrefix(text, "+")
	if data {
		text = text[1:]
	}
	fields := strings.Fields(text)
	if len(fields) > 0 {
		req.Verb = strings.ToUpper(fields[0])
		req.Args = fields[1:]
	}
	if !data {
		return req, nil
	}
	var payload []byte
	for {
		l, err := readLine(r)
		if err != nil {
			return Request{}, err
		}
		if l == "." {
			break
		}
		if payload != nil {
			payload = append(payload, '\r', '\n')
		}
		payload = append(payload, l...)
		if payload == nil {
			payload = []byte{}
		}
	}
	req.Payload = payload
	return req, nil
}

func readLine(r *bufio.Reader) (string, error) {
	line, err := r.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimSuffix(strings.TrimSuffix(line, "\n"), "\r"), nil
}
