package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/danmuck/torctl/internal/protocol"
	"github.com/danmuck/torctl/internal/protocol/session"
	"github.com/danmuck/torctl/internal/testutil/testlog"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

func waitClients(t *testing.T, h *Hub, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for h.Count() != n {
		if time.Now().After(deadline) {
			t.Fatalf("hub has %d clients, want %d", h.Count(), n)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func dialEvents(t *testing.T, s *Server, query string) *websocket.Conn {
	t.Helper()
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/events" + query
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial events: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestEventStreamFiltersByCategory(t *testing.T) {
	testlog.Start(t)
	s, _ := newTestServer(t, session.StateReady, &stubCommands{}, Options{})
	conn := dialEvents(t, s, "?category=status_client")
	waitClients(t, s.hub, 1)

	s.hub.Publish(protocol.Event{Category: "STATUS_GENERAL", Severity: "WARN", Action: "CLOCK_SKEW"})
	s.hub.Publish(protocol.Event{
		Category:   "STATUS_CLIENT",
		Severity:   "NOTICE",
		Action:     "BOOTSTRAP",
		Attributes: map[string]string{"PROGRESS": "100"},
	})

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read event: %v", err)
	}
	var msg EventMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("decode event: %v", err)
	}
	if msg.Category != "STATUS_CLIENT" || msg.Action != "BOOTSTRAP" || msg.Attributes["PROGRESS"] != "100" {
		t.Fatalf("unexpected event: %+v", msg)
	}
}

func TestEventStreamUnfilteredReceivesAll(t *testing.T) {
	testlog.Start(t)
	s, _ := newTestServer(t, session.StateReady, &stubCommands{}, Options{})
	conn := dialEvents(t, s, "")
	waitClients(t, s.hub, 1)

	s.hub.Publish(protocol.Event{Category: "STATUS_GENERAL", Severity: "WARN", Action: "CLOCK_SKEW"})
	s.hub.Publish(protocol.Event{Category: "STATUS_CLIENT", Severity: "NOTICE", Action: "CIRCUIT_ESTABLISHED"})

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for _, want := range []string{"CLOCK_SKEW", "CIRCUIT_ESTABLISHED"} {
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("read event: %v", err)
		}
		var msg EventMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			t.Fatalf("decode event: %v", err)
		}
		if msg.Action != want {
			t.Fatalf("got action %q want %q", msg.Action, want)
		}
	}
}

func TestEventStreamRequiresToken(t *testing.T) {
	testlog.Start(t)
	s, _ := newTestServer(t, session.StateReady, &stubCommands{}, Options{Token: "s3cret"})
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/events"

	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil || resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 handshake, err=%v resp=%v", err, resp)
	}
	conn, _, err := websocket.DefaultDialer.Dial(url+"?token=s3cret", nil)
	if err != nil {
		t.Fatalf("dial with token: %v", err)
	}
	conn.Close()
}

func TestHubDisconnectsSlowClient(t *testing.T) {
	testlog.Start(t)
	h := NewHub(zerolog.Nop())
	slow := &client{send: make(chan []byte, 1)}
	if !h.add(slow) {
		t.Fatalf("add refused")
	}

	ev := protocol.Event{Category: "STATUS_CLIENT", Severity: "NOTICE", Action: "CIRCUIT_ESTABLISHED"}
	h.Publish(ev)
	if h.Count() != 1 {
		t.Fatalf("client removed before its buffer filled")
	}
	h.Publish(ev)
	if h.Count() != 0 {
		t.Fatalf("slow client not disconnected")
	}
	if _, ok := <-slow.send; !ok {
		t.Fatalf("buffered event lost")
	}
	if _, ok := <-slow.send; ok {
		t.Fatalf("send channel not closed")
	}
}

func TestHubRefusesClientsAfterClose(t *testing.T) {
	testlog.Start(t)
	h := NewHub(zerolog.Nop())
	c := &client{send: make(chan []byte, 1)}
	h.add(c)
	h.Close()
	if h.Count() != 0 {
		t.Fatalf("clients remain after close")
	}
	if h.add(&client{send: make(chan []byte, 1)}) {
		t.Fatalf("client accepted after close")
	}
}

func TestHubPublishConcurrentWithDisconnects(t *testing.T) {
	testlog.Start(t)
	h := NewHub(zerolog.Nop())
	ev := protocol.Event{Category: "STATUS_GENERAL", Severity: "NOTICE", Action: "CLOCK_JUMPED"}

	stop := make(chan struct{})
	var publishers sync.WaitGroup
	for i := 0; i < 4; i++ {
		publishers.Add(1)
		go func() {
			defer publishers.Done()
			for {
				select {
				case <-stop:
					return
				default:
					h.Publish(ev)
				}
			}
		}()
	}

	for round := 0; round < 2000; round++ {
		clients := make([]*client, 8)
		for i := range clients {
			clients[i] = &client{send: make(chan []byte, 2)}
			h.add(clients[i])
		}
		for _, c := range clients {
			h.remove(c)
		}
	}
	close(stop)
	publishers.Wait()

	last := &client{send: make(chan []byte, 1)}
	h.add(last)
	h.Close()
	if h.Count() != 0 {
		t.Fatalf("clients remain after close: %d", h.Count())
	}
}
