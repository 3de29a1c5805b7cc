package protocol

import (
	"errors"
	"testing"

	"github.com/danmuck/torctl/internal/protocol/frame"
	"github.com/danmuck/torctl/internal/testutil/testlog"
)

func TestParseEventWithoutAttributes(t *testing.T) {
	testlog.Start(t)
	ev, ok := ParseEvent("STATUS_CLIENT NOTICE CIRCUIT_ESTABLISHED")
	if !ok {
		t.Fatalf("expected event to parse")
	}
	if ev.Category != "STATUS_CLIENT" || ev.Severity != "NOTICE" || ev.Action != "CIRCUIT_ESTABLISHED" {
		t.Fatalf("unexpected event: %+v", ev)
	}
	if ev.Attributes == nil || len(ev.Attributes) != 0 {
		t.Fatalf("expected empty attribute map, got %#v", ev.Attributes)
	}
}

func TestParseEventAttributes(t *testing.T) {
	testlog.Start(t)
	ev, ok := ParseEvent("STATUS_CLIENT NOTICE BOOTSTRAP PROGRESS=80 TAG=handshake")
	if !ok {
		t.Fatalf("expected event to parse")
	}
	if len(ev.Attributes) != 2 || ev.Attributes["PROGRESS"] != "80" || ev.Attributes["TAG"] != "handshake" {
		t.Fatalf("unexpected attributes: %#v", ev.Attributes)
	}
	if v, ok := ev.Attr("TAG"); !ok || v != "handshake" {
		t.Fatalf("Attr lookup failed: %q %v", v, ok)
	}
}

func TestParseEventSkipsMalformedPairs(t *testing.T) {
	testlog.Start(t)
	ev, ok := ParseEvent("STATUS_GENERAL WARN CLOCK_SKEW SKEW=-30 bare A=b=c SOURCE=OR")
	if !ok {
		t.Fatalf("expected event to parse")
	}
	if len(ev.Attributes) != 2 || ev.Attributes["SKEW"] != "-30" || ev.Attributes["SOURCE"] != "OR" {
		t.Fatalf("unexpected attributes: %#v", ev.Attributes)
	}
}

func TestParseEventRejects(t *testing.T) {
	testlog.Start(t)
	for _, text := range []string{
		"",
		"STATUS_CLIENT NOTICE",
		"CIRC 12 BUILT",
		"status_client NOTICE CIRCUIT_ESTABLISHED",
	} {
		if _, ok := ParseEvent(text); ok {
			t.Fatalf("expected %q to be rejected", text)
		}
	}
}

func TestPartitionIsolatesNotifications(t *testing.T) {
	testlog.Start(t)
	batch := []Response{
		{Code: 250, Text: "version=0.4.8"},
		{Code: 650, Text: "STATUS_CLIENT NOTICE CIRCUIT_ESTABLISHED"},
		{Code: 650, Payload: []byte("blob\r\n")},
		{Code: 250, Text: "OK"},
	}
	events, results := Partition(batch)
	if len(events) != 1 || events[0].Text != "STATUS_CLIENT NOTICE CIRCUIT_ESTABLISHED" {
		t.Fatalf("unexpected events: %+v", events)
	}
	if len(results) != 3 {
		t.Fatalf("unexpected results: %+v", results)
	}
	for _, r := range results {
		if r.Code == StatusAsync && !r.IsData() {
			t.Fatalf("notification leaked into results: %+v", r)
		}
	}
}

func TestParseEventsCountsDropped(t *testing.T) {
	testlog.Start(t)
	events, dropped := ParseEvents([]Response{
		{Code: 650, Text: "STATUS_CLIENT NOTICE CIRCUIT_ESTABLISHED"},
		{Code: 650, Text: "BW 10 20"},
		{Code: 650, Text: "STATUS_CLIENT"},
	})
	if len(events) != 1 || dropped != 2 {
		t.Fatalf("unexpected parse result events=%+v dropped=%d", events, dropped)
	}
}

func TestFromBatchProjectsLines(t *testing.T) {
	testlog.Start(t)
	got := FromBatch(frame.Batch{
		{Code: 250, Kind: frame.KindMid, Text: "a=1"},
		{Code: 250, Kind: frame.KindData},
		{Code: 250, Kind: frame.KindEnd, Text: "OK"},
	})
	if len(got) != 3 {
		t.Fatalf("unexpected responses: %+v", got)
	}
	if got[0].IsData() || got[0].Text != "a=1" {
		t.Fatalf("unexpected first response: %+v", got[0])
	}
	if !got[1].IsData() || len(got[1].Payload) != 0 {
		t.Fatalf("empty data block must stay a data response: %+v", got[1])
	}
	if !got[2].IsOK() {
		t.Fatalf("expected terminal OK: %+v", got[2])
	}
}

func TestCheckOK(t *testing.T) {
	testlog.Start(t)
	if err := CheckOK([]Response{{Code: 250, Text: "OK"}}); err != nil {
		t.Fatalf("expected ok, got %v", err)
	}
	if err := CheckOK(nil); !errors.Is(err, ErrEmptyReply) {
		t.Fatalf("expected ErrEmptyReply, got %v", err)
	}
	err := CheckOK([]Response{{Code: 515, Text: "Authentication failed"}})
	var replyErr *ReplyError
	if !errors.As(err, &replyErr) {
		t.Fatalf("expected ReplyError, got %v", err)
	}
	if replyErr.Code != 515 || replyErr.Text != "Authentication failed" {
		t.Fatalf("unexpected reply error: %+v", replyErr)
	}
	if err := CheckOK([]Response{{Code: 250, Text: "ok"}}); err == nil {
		t.Fatalf("text must match exactly")
	}
}

func TestCheckStatus(t *testing.T) {
	testlog.Start(t)
	if err := CheckStatus([]Response{{Code: 250, Text: "a=1"}, {Code: 250, Text: "OK"}}, 250); err != nil {
		t.Fatalf("expected ok, got %v", err)
	}
	var replyErr *ReplyError
	if err := CheckStatus([]Response{{Code: 250, Text: "a=1"}, {Code: 552, Text: "Unrecognized key"}}, 250); !errors.As(err, &replyErr) || replyErr.Code != 552 {
		t.Fatalf("expected 552 reply error, got %v", err)
	}
}
