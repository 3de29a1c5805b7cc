// Package tor provides named commands on top of a control session.
package tor

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/danmuck/torctl/internal/protocol"
	"github.com/danmuck/torctl/internal/protocol/session"
)

const (
	KeySocksListeners = "net/listeners/socks"

	CategoryClient = "STATUS_CLIENT"

	ActionCircuitEstablished    = "CIRCUIT_ESTABLISHED"
	ActionCircuitNotEstablished = "CIRCUIT_NOT_ESTABLISHED"
	ActionBootstrap             = "BOOTSTRAP"
)

var (
	ErrNoKeys        = errors.New("tor: no info keys requested")
	ErrKeyCount      = errors.New("tor: wrong number of info lines")
	ErrUnknownKey    = errors.New("tor: unknown info key in reply")
	ErrSocksListener = errors.New("tor: socks listener configured improperly")
)

// Session is the control-channel surface the named commands need.
type Session interface {
	Do(ctx context.Context, cmd session.Command) ([]protocol.Response, error)
	Subscribe(ctx context.Context, category string, fn session.Listener) error
}

type Client struct {
	s Session
}

func NewClient(s Session) *Client {
	return &Client{s: s}
}

// GetInfo runs GETINFO for keys. Every line must carry 250, the terminal line
// must be "250 OK" and there must be one line per key. A data-block line is
// bound to the key at its position.
func (c *Client) GetInfo(ctx context.Context, keys ...string) (map[string]string, error) {
	if len(keys) == 0 {
		return nil, ErrNoKeys
	}
	lines, err := c.s.Do(ctx, session.NewCommand("GETINFO", keys...))
	if err != nil {
		return nil, err
	}
	if err := protocol.CheckStatus(lines, protocol.StatusOK); err != nil {
		return nil, err
	}
	if err := protocol.CheckOK(lines); err != nil {
		return nil, err
	}
	body := lines[:len(lines)-1]
	if len(body) != len(keys) {
		return nil, fmt.Errorf("%w: got %d want %d", ErrKeyCount, len(body), len(keys))
	}

	requested := make(map[string]bool, len(keys))
	for _, k := range keys {
		requested[k] = true
	}
	info := make(map[string]string, len(keys))
	for i, line := range body {
		if line.IsData() {
			info[keys[i]] = string(line.Payload)
			continue
		}
		key, value := splitInfoLine(line.Text)
		if !requested[key] {
			return nil, fmt.Errorf("%w: %q in line %d", ErrUnknownKey, key, i)
		}
		info[key] = value
	}
	return info, nil
}

func splitInfoLine(text string) (string, string) {
	parts := strings.Split(text, "=")
	if len(parts) != 2 {
		return strings.Trim(text, `"`), ""
	}
	return strings.Trim(parts[0], `"`), strings.Trim(parts[1], `"`)
}

// SocksListener returns the first socks listener as host and port.
func (c *Client) SocksListener(ctx context.Context) (string, int, error) {
	info, err := c.GetInfo(ctx, KeySocksListeners)
	if err != nil {
		return "", 0, err
	}
	return parseListener(info[KeySocksListeners])
}

func parseListener(raw string) (string, int, error) {
	fields := strings.Fields(raw)
	if len(fields) == 0 {
		return "", 0, fmt.Errorf("%w: %q", ErrSocksListener, raw)
	}
	parts := strings.Split(strings.Trim(fields[0], `"`), ":")
	if len(parts) != 2 || parts[0] == "unix" {
		return "", 0, fmt.Errorf("%w: %q", ErrSocksListener, raw)
	}
	port, err := strconv.Atoi(parts[1])
	if err != nil || port <= 0 || port > 65535 {
		return "", 0, fmt.Errorf("%w: %q", ErrSocksListener, raw)
	}
	return parts[0], port, nil
}

// Signal sends SIGNAL name and requires "250 OK".
func (c *Client) Signal(ctx context.Context, name string) error {
	cmd := session.NewCommand("SIGNAL", strings.ToUpper(strings.TrimSpace(name))).
		WithPriority(session.PriorityVeryHigh)
	lines, err := c.s.Do(ctx, cmd)
	if err != nil {
		return err
	}
	return protocol.CheckOK(lines)
}

// Reload asks the backend to reread its configuration.
func (c *Client) Reload(ctx context.Context) error {
	return c.Signal(ctx, "RELOAD")
}

// AddReadinessListener reports circuit availability changes.
func (c *Client) AddReadinessListener(ctx context.Context, fn func(ready bool)) error {
	return c.s.Subscribe(ctx, CategoryClient, func(ev protocol.Event) {
		if ev.Category != CategoryClient {
			return
		}
		switch ev.Action {
		case ActionCircuitEstablished:
			fn(true)
		case ActionCircuitNotEstablished:
			fn(false)
		}
	})
}

// Bootstrap is one bootstrap progress report.
type Bootstrap struct {
	Progress int    `json:"progress"`
	Tag      string `json:"tag"`
	Summary  string `json:"summary,omitempty"`
}

// AddBootstrapListener reports bootstrap progress notifications.
func (c *Client) AddBootstrapListener(ctx context.Context, fn func(Bootstrap)) error {
	return c.s.Subscribe(ctx, CategoryClient, func(ev protocol.Event) {
		if ev.Category != CategoryClient || ev.Action != ActionBootstrap {
			return
		}
		raw, ok := ev.Attr("PROGRESS")
		if !ok {
			return
		}
		progress, err := strconv.Atoi(raw)
		if err != nil {
			return
		}
		tag, _ := ev.Attr("TAG")
		summary, _ := ev.Attr("SUMMARY")
		fn(Bootstrap{Progress: progress, Tag: tag, Summary: strings.Trim(summary, `"`)})
	})
}
