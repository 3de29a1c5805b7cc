package session

import (
	"context"
	"fmt"
	"io"
	"net"
	"strings"
	"time"
)

// Address is a resolved control-channel endpoint.
type Address struct {
	Network string
	Addr    string
}

func (a Address) String() string {
	if a.Network == "unix" {
		return "unix:" + a.Addr
	}
	return a.Addr
}

// ParseAddress accepts "unix:<path>", "unix://<path>", an absolute socket
// path, "tcp://host:port" or "host:port".
func ParseAddress(raw string) (Address, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return Address{}, ErrAddressRequired
	}
	switch {
	case strings.HasPrefix(s, "unix://"):
		s = strings.TrimPrefix(s, "unix://")
		return unixAddress(raw, s)
	case strings.HasPrefix(s, "unix:"):
		s = strings.TrimPrefix(s, "unix:")
		return unixAddress(raw, s)
	case strings.HasPrefix(s, "/"):
		return unixAddress(raw, s)
	case strings.HasPrefix(s, "tcp://"):
		s = strings.TrimPrefix(s, "tcp://")
	}
	host, port, err := net.SplitHostPort(s)
	if err != nil || port == "" {
		return Address{}, fmt.Errorf("%w: %q", ErrInvalidAddress, raw)
	}
	return Address{Network: "tcp", Addr: net.JoinHostPort(host, port)}, nil
}

func unixAddress(raw, path string) (Address, error) {
	if strings.TrimSpace(path) == "" {
		return Address{}, fmt.Errorf("%w: %q", ErrInvalidAddress, raw)
	}
	return Address{Network: "unix", Addr: path}, nil
}

// DialFunc opens a duplex byte stream to addr.
type DialFunc func(ctx context.Context, addr Address) (io.ReadWriteCloser, error)

// NetDialer dials unix or tcp endpoints with a per-attempt timeout.
func NetDialer(timeout time.Duration) DialFunc {
	return func(ctx context.Context, addr Address) (io.ReadWriteCloser, error) {
		dialer := net.Dialer{Timeout: timeout}
		return dialer.DialContext(ctx, addr.Network, addr.Addr)
	}
}
