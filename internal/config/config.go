package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/danmuck/torctl/internal/auth"
	"github.com/danmuck/torctl/internal/protocol/session"
	"github.com/danmuck/torctl/internal/torrc"
	gotoml "github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

var (
	ErrAddressRequired = errors.New("config: control address or backend data_dir required")
	ErrUnknownKeys     = errors.New("config: unknown keys")
	ErrCredential      = errors.New("config: cookie_file and password are exclusive")
)

// Profile is the on-disk torctl configuration.
type Profile struct {
	Control ControlConfig `toml:"control" yaml:"control"`
	Session SessionConfig `toml:"session" yaml:"session"`
	Backend BackendConfig `toml:"backend" yaml:"backend"`
	HTTP    HTTPConfig    `toml:"http" yaml:"http"`
	Log     LogConfig     `toml:"log" yaml:"log"`
}

type ControlConfig struct {
	Address    string `toml:"address" yaml:"address"`
	CookieFile string `toml:"cookie_file" yaml:"cookie_file"`
	Password   string `toml:"password,omitempty" yaml:"password,omitempty"`
}

// SessionConfig holds durations as Go duration strings.
type SessionConfig struct {
	PollInterval   string   `toml:"poll_interval" yaml:"poll_interval"`
	StartTimeout   string   `toml:"start_timeout" yaml:"start_timeout"`
	CommandTimeout string   `toml:"command_timeout" yaml:"command_timeout"`
	SilentTimeouts bool     `toml:"silent_timeouts" yaml:"silent_timeouts"`
	EventRouting   string   `toml:"event_routing" yaml:"event_routing"`
	Events         []string `toml:"events" yaml:"events"`
}

type BackendConfig struct {
	Binary    string            `toml:"binary" yaml:"binary"`
	DataDir   string            `toml:"data_dir" yaml:"data_dir"`
	SocksPort int               `toml:"socks_port" yaml:"socks_port"`
	Options   map[string]string `toml:"options" yaml:"options"`
}

type HTTPConfig struct {
	Addr        string   `toml:"addr" yaml:"addr"`
	CorsOrigins []string `toml:"cors_origins" yaml:"cors_origins"`
	Token       string   `toml:"token,omitempty" yaml:"token,omitempty"`
}

type LogConfig struct {
	Level string `toml:"level" yaml:"level"`
}

// Default returns the profile used when a file leaves a key unset.
func Default() Profile {
	def := session.DefaultConfig()
	return Profile{
		Session: SessionConfig{
			PollInterval:   def.Poll.InitialDelay.String(),
			StartTimeout:   def.StartTimeout.String(),
			CommandTimeout: def.CommandTimeout.String(),
			EventRouting:   string(def.EventRouting),
			Events:         []string{"STATUS_CLIENT"},
		},
		Backend: BackendConfig{
			Binary: "tor",
		},
		HTTP: HTTPConfig{
			Addr:        "127.0.0.1:9380",
			CorsOrigins: []string{"http://localhost:3000"},
		},
		Log: LogConfig{Level: "info"},
	}
}

// Load reads a TOML or YAML profile, chosen by file extension, over the
// defaults and validates it.
func Load(path string) (Profile, error) {
	var (
		p   Profile
		err error
	)
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		p, err = loadYAML(path)
	default:
		p, err = loadTOML(path)
	}
	if err != nil {
		return Profile{}, err
	}
	p.normalize()
	if err := p.Validate(); err != nil {
		return Profile{}, fmt.Errorf("config invalid (%s): %w", path, err)
	}
	return p, nil
}

func loadTOML(path string) (Profile, error) {
	p := Default()
	meta, err := toml.DecodeFile(path, &p)
	if err != nil {
		return Profile{}, fmt.Errorf("config load failed (%s): %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, k := range undecoded {
			keys = append(keys, k.String())
		}
		return Profile{}, fmt.Errorf("%w (%s): %s", ErrUnknownKeys, path, strings.Join(keys, ", "))
	}
	return p, nil
}

func loadYAML(path string) (Profile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Profile{}, fmt.Errorf("config load failed (%s): %w", path, err)
	}
	p := Default()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&p); err != nil && !errors.Is(err, io.EOF) {
		return Profile{}, fmt.Errorf("config parse failed (%s): %w", path, err)
	}
	return p, nil
}

func (p *Profile) normalize() {
	p.Control.Address = strings.TrimSpace(p.Control.Address)
	p.Control.CookieFile = strings.TrimSpace(p.Control.CookieFile)
	p.Backend.DataDir = strings.TrimSpace(p.Backend.DataDir)
	p.Backend.Binary = strings.TrimSpace(p.Backend.Binary)
	p.HTTP.Addr = strings.TrimSpace(p.HTTP.Addr)
	events := make([]string, 0, len(p.Session.Events))
	for _, e := range p.Session.Events {
		if v := strings.ToUpper(strings.TrimSpace(e)); v != "" {
			events = append(events, v)
		}
	}
	p.Session.Events = events
}

// Validate checks addresses, durations and credentials.
func (p Profile) Validate() error {
	if p.Control.Address == "" && p.Backend.DataDir == "" {
		return ErrAddressRequired
	}
	if p.Control.Address != "" {
		if _, err := session.ParseAddress(p.Control.Address); err != nil {
			return err
		}
	}
	if p.Control.CookieFile != "" && p.Control.Password != "" {
		return ErrCredential
	}
	if _, err := p.SessionConfig(); err != nil {
		return err
	}
	if p.Backend.DataDir != "" {
		if _, err := p.Torrc(); err != nil {
			return err
		}
	}
	return nil
}

// SessionConfig maps the profile onto controller settings.
func (p Profile) SessionConfig() (session.Config, error) {
	cfg := session.DefaultConfig()
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"session.poll_interval", p.Session.PollInterval, &cfg.Poll.InitialDelay},
		{"session.start_timeout", p.Session.StartTimeout, &cfg.StartTimeout},
		{"session.command_timeout", p.Session.CommandTimeout, &cfg.CommandTimeout},
	}
	for _, f := range fields {
		raw := strings.TrimSpace(f.raw)
		if raw == "" {
			continue
		}
		d, err := time.ParseDuration(raw)
		if err != nil {
			return session.Config{}, fmt.Errorf("parse %s: %w", f.name, err)
		}
		if d <= 0 {
			return session.Config{}, fmt.Errorf("parse %s: must be positive", f.name)
		}
		*f.dst = d
	}
	cfg.Poll.MaxDelay = cfg.Poll.InitialDelay
	cfg.SilentTimeouts = p.Session.SilentTimeouts
	switch routing := session.EventRouting(strings.ToLower(strings.TrimSpace(p.Session.EventRouting))); routing {
	case "", session.RouteBroadcast, session.RouteByCategory:
		if routing != "" {
			cfg.EventRouting = routing
		}
	default:
		return session.Config{}, fmt.Errorf("parse session.event_routing: unknown mode %q", p.Session.EventRouting)
	}
	return cfg.WithDefaults(), nil
}

// Torrc builds the backend configuration, or nil when no data directory is set.
func (p Profile) Torrc() (*torrc.Config, error) {
	if p.Backend.DataDir == "" {
		return nil, nil
	}
	c, err := torrc.New(p.Backend.DataDir)
	if err != nil {
		return nil, err
	}
	c.SetSocksPort(p.Backend.SocksPort)
	for k, v := range p.Backend.Options {
		if err := c.Set(k, v); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// Target resolves the control address and credential. Without an explicit
// address the backend control socket and cookie file are used.
func (p Profile) Target() (session.Target, error) {
	target := session.Target{Address: p.Control.Address}
	cookie := p.Control.CookieFile
	if target.Address == "" || cookie == "" {
		tc, err := p.Torrc()
		if err != nil {
			return session.Target{}, err
		}
		if tc != nil {
			if target.Address == "" {
				target.Address = tc.ControlAddress()
			}
			if cookie == "" && p.Control.Password == "" && tc.CookieAuthentication() {
				cookie = tc.CookieAuthFile()
			}
		}
	}
	if target.Address == "" {
		return session.Target{}, ErrAddressRequired
	}
	switch {
	case p.Control.Password != "":
		target.Credential = auth.Password(p.Control.Password)
	case cookie != "":
		target.Credential = auth.CookieFile{Path: cookie}
	default:
		target.Credential = auth.Null{}
	}
	return target, nil
}

// Encode renders p as TOML with secrets redacted.
func Encode(w io.Writer, p Profile) error {
	if p.Control.Password != "" {
		p.Control.Password = "<redacted>"
	}
	if p.HTTP.Token != "" {
		p.HTTP.Token = "<redacted>"
	}
	enc := gotoml.NewEncoder(w)
	enc.SetIndentTables(true)
	return enc.Encode(p)
}
