package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/danmuck/torctl/internal/config"
	"github.com/danmuck/torctl/internal/protocol"
	"github.com/danmuck/torctl/internal/testutil/fakectl"
	"github.com/danmuck/torctl/internal/testutil/testlog"
)

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func execute(t *testing.T, ctx context.Context, args ...string) (string, error) {
	t.Helper()
	out := &syncBuffer{}
	root := newRootCmd()
	root.SetOut(out)
	root.SetErr(out)
	root.SetArgs(args)
	err := root.ExecuteContext(ctx)
	return out.String(), err
}

func TestInfoPrintsRequestedKeys(t *testing.T) {
	testlog.Start(t)
	srv := fakectl.Start(t)
	srv.Reply("GETINFO", fakectl.Lines("250-version=0.4.8.12", `250-config-file="/etc/tor/torrc"`, "250 OK"))

	out, err := execute(t, context.Background(), "info", "--control", srv.Addr(), "version", "config-file")
	if err != nil {
		t.Fatalf("info: %v out=%s", err, out)
	}
	if out != "version=0.4.8.12\nconfig-file=/etc/tor/torrc\n" {
		t.Fatalf("unexpected output %q", out)
	}
	if got := srv.Requests(); len(got) != 2 || got[1].Line != "GETINFO version config-file" {
		t.Fatalf("unexpected requests: %+v", got)
	}
}

func TestSocksPrintsListener(t *testing.T) {
	testlog.Start(t)
	srv := fakectl.Start(t)
	srv.Reply("GETINFO", fakectl.Lines(`250-net/listeners/socks="127.0.0.1:9050"`, "250 OK"))

	out, err := execute(t, context.Background(), "socks", "--control", srv.Addr())
	if err != nil {
		t.Fatalf("socks: %v", err)
	}
	if strings.TrimSpace(out) != "127.0.0.1:9050" {
		t.Fatalf("unexpected output %q", out)
	}
}

func TestSignalUppercasesName(t *testing.T) {
	testlog.Start(t)
	srv := fakectl.Start(t)

	out, err := execute(t, context.Background(), "signal", "--control", srv.Addr(), "newnym")
	if err != nil {
		t.Fatalf("signal: %v", err)
	}
	if strings.TrimSpace(out) != "NEWNYM OK" {
		t.Fatalf("unexpected output %q", out)
	}
	if got := srv.Requests(); got[len(got)-1].Line != "SIGNAL NEWNYM" {
		t.Fatalf("unexpected requests: %+v", got)
	}
}

func TestSignalRejectedReturnsError(t *testing.T) {
	testlog.Start(t)
	srv := fakectl.Start(t)
	srv.Reply("SIGNAL", fakectl.Lines(`552 Unrecognized signal code "BOGUS"`))

	if _, err := execute(t, context.Background(), "signal", "--control", srv.Addr(), "bogus"); err == nil {
		t.Fatalf("expected rejected signal to fail")
	}
}

func TestCommandFailsWithoutAddress(t *testing.T) {
	testlog.Start(t)
	if _, err := execute(t, context.Background(), "info", "version"); err == nil {
		t.Fatalf("expected error without control address")
	}
}

func TestEventsStreamsJSONLines(t *testing.T) {
	testlog.Start(t)
	srv := fakectl.Start(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	out := &syncBuffer{}
	root := newRootCmd()
	root.SetOut(out)
	root.SetErr(out)
	root.SetArgs([]string{"events", "--control", srv.Addr(), "status_client"})
	done := make(chan error, 1)
	go func() { done <- root.ExecuteContext(ctx) }()

	deadline := time.Now().Add(3 * time.Second)
	for len(srv.Requests()) < 2 {
		if time.Now().After(deadline) {
			t.Fatalf("no subscription observed: %+v", srv.Requests())
		}
		time.Sleep(5 * time.Millisecond)
	}
	// The listener registers once SETEVENTS is answered; push until seen.
	for !strings.Contains(out.String(), "CIRCUIT_ESTABLISHED") {
		if time.Now().After(deadline) {
			t.Fatalf("event not printed: %q", out.String())
		}
		srv.Push("650 STATUS_CLIENT NOTICE CIRCUIT_ESTABLISHED\r\n")
		time.Sleep(50 * time.Millisecond)
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("events: %v", err)
	}

	var ev protocol.Event
	line := strings.SplitN(strings.TrimSpace(out.String()), "\n", 2)[0]
	if err := json.Unmarshal([]byte(line), &ev); err != nil {
		t.Fatalf("decode %q: %v", line, err)
	}
	if ev.Category != "STATUS_CLIENT" || ev.Action != "CIRCUIT_ESTABLISHED" {
		t.Fatalf("unexpected event: %+v", ev)
	}
}

func TestConfigInitValidateAndPrint(t *testing.T) {
	testlog.Start(t)
	path := filepath.Join(t.TempDir(), "torctl.yaml")

	if out, err := execute(t, context.Background(), "config", "init", "--format", "yaml", path); err != nil {
		t.Fatalf("init: %v out=%s", err, out)
	}
	if _, err := execute(t, context.Background(), "config", "init", "--format", "yaml", path); err == nil {
		t.Fatalf("expected init to refuse an existing file")
	}
	if out, err := execute(t, context.Background(), "config", "validate", path); err != nil || !strings.HasPrefix(out, "valid ") {
		t.Fatalf("validate: %v out=%s", err, out)
	}

	out, err := execute(t, context.Background(), "config", "--config", path, "--control", "127.0.0.1:9051")
	if err != nil {
		t.Fatalf("print: %v", err)
	}
	if !strings.Contains(out, `address = '127.0.0.1:9051'`) && !strings.Contains(out, `address = "127.0.0.1:9051"`) {
		t.Fatalf("override missing from printed profile:\n%s", out)
	}
}

func TestConfigValidateRejectsUnknownKeys(t *testing.T) {
	testlog.Start(t)
	path := filepath.Join(t.TempDir(), "torctl.toml")
	body := "[control]\naddress = \"127.0.0.1:9051\"\nbogus = 1\n"
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	_, err := execute(t, context.Background(), "config", "validate", path)
	if err == nil || !strings.Contains(err.Error(), "bogus") {
		t.Fatalf("expected unknown key error, got %v", err)
	}
	if _, err := config.Load(path); err == nil {
		t.Fatalf("config.Load accepted unknown key")
	}
}

func TestRunWatchRequiresConfig(t *testing.T) {
	testlog.Start(t)
	if _, err := execute(t, context.Background(), "run", "--control", "127.0.0.1:9051", "--watch"); err == nil {
		t.Fatalf("expected --watch without --config to fail")
	}
}
