// Package torrc models the backend startup configuration and writes it to
// the data directory.
package torrc

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

const (
	KeyDataDirectory        = "DataDirectory"
	KeyControlSocket        = "ControlSocket"
	KeyCookieAuthFile       = "CookieAuthFile"
	KeyCookieAuthentication = "CookieAuthentication"
	KeySocksPort            = "SocksPort"

	// MaxSocketPath bounds a Unix socket path, terminator included.
	MaxSocketPath = 104

	FileName = "torrc"
)

var (
	ErrDataDirRequired   = errors.New("torrc: data directory required")
	ErrSocketPathTooLong = errors.New("torrc: control socket path too long")
	ErrNotDirectory      = errors.New("torrc: data directory is not a directory")
	ErrInvalidOption     = errors.New("torrc: invalid option")
)

// Options returns the client-only defaults applied to every configuration.
func Options() map[string]string {
	return map[string]string{
		"ClientOnly":                "1",
		"ExitPolicy":                "reject *:*",
		"AvoidDiskWrites":           "1",
		"HardwareAccel":             "1",
		KeyCookieAuthentication:     "1",
		"ConnLimit":                 "100",
		"UseEntryGuards":            "1",
		"SafeLogging":               "1",
		"TestSocks":                 "0",
		"WarnUnsafeSocks":           "1",
		"DisableDebuggerAttachment": "1",
	}
}

// Config is a flat key/value backend configuration rooted at a data directory.
type Config struct {
	args map[string]string
}

// New seeds the defaults, the data directory, the control socket and the
// cookie file under dataDir.
func New(dataDir string) (*Config, error) {
	dataDir = strings.TrimSpace(dataDir)
	if dataDir == "" {
		return nil, ErrDataDirRequired
	}
	abs, err := filepath.Abs(dataDir)
	if err != nil {
		return nil, err
	}
	c := &Config{args: Options()}
	c.args[KeyDataDirectory] = abs
	if err := c.SetControlSocket(filepath.Join(abs, "control")); err != nil {
		return nil, err
	}
	c.args[KeyCookieAuthFile] = filepath.Join(abs, "cookie")
	return c, nil
}

func (c *Config) DataDirectory() string {
	return c.args[KeyDataDirectory]
}

// Path is the torrc location inside the data directory.
func (c *Config) Path() string {
	return filepath.Join(c.DataDirectory(), FileName)
}

func (c *Config) ControlSocket() string {
	return c.args[KeyControlSocket]
}

// SetControlSocket rejects paths that do not fit a sockaddr_un.
func (c *Config) SetControlSocket(path string) error {
	if len(path) >= MaxSocketPath {
		return fmt.Errorf("%w (max %d): %s", ErrSocketPathTooLong, MaxSocketPath, path)
	}
	c.args[KeyControlSocket] = path
	return nil
}

// ControlAddress is the session address of the control socket.
func (c *Config) ControlAddress() string {
	return "unix:" + c.ControlSocket()
}

func (c *Config) CookieAuthFile() string {
	return c.args[KeyCookieAuthFile]
}

// SetCookieAuthFile sets the cookie path; an empty path removes the option.
func (c *Config) SetCookieAuthFile(path string) error {
	return c.Set(KeyCookieAuthFile, path)
}

func (c *Config) CookieAuthentication() bool {
	v, ok := c.args[KeyCookieAuthentication]
	return ok && v != "0"
}

func (c *Config) SetCookieAuthentication(on bool) {
	if on {
		c.args[KeyCookieAuthentication] = "1"
		return
	}
	c.args[KeyCookieAuthentication] = "0"
}

// SocksPort returns the configured port, if any.
func (c *Config) SocksPort() (int, bool) {
	v, ok := c.args[KeySocksPort]
	if !ok {
		return 0, false
	}
	port, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return port, true
}

// SetSocksPort sets the port; zero removes the option.
func (c *Config) SetSocksPort(port int) {
	if port <= 0 {
		delete(c.args, KeySocksPort)
		return
	}
	c.args[KeySocksPort] = strconv.Itoa(port)
}

// Set stores a custom option; an empty value removes it.
func (c *Config) Set(key, value string) error {
	key = strings.TrimSpace(key)
	if key == "" || strings.ContainsAny(key, " \t\r\n") || strings.ContainsAny(value, "\r\n") {
		return fmt.Errorf("%w: %q", ErrInvalidOption, key)
	}
	if key == KeyControlSocket {
		return c.SetControlSocket(value)
	}
	if value == "" {
		delete(c.args, key)
		return nil
	}
	c.args[key] = value
	return nil
}

func (c *Config) Get(key string) (string, bool) {
	v, ok := c.args[key]
	return v, ok
}

// Arguments returns a copy of every option.
func (c *Config) Arguments() map[string]string {
	out := make(map[string]string, len(c.args))
	for k, v := range c.args {
		out[k] = v
	}
	return out
}

// Render formats the options as "key value" CRLF lines in key order.
func (c *Config) Render() []byte {
	keys := sortedKeys(c.args)
	var b strings.Builder
	for _, k := range keys {
		b.WriteString(k)
		b.WriteByte(' ')
		b.WriteString(c.args[k])
		b.WriteString("\r\n")
	}
	return []byte(b.String())
}

// Write creates the data directory with mode 0700 and replaces the torrc.
func (c *Config) Write() error {
	dir := c.DataDirectory()
	if dir == "" {
		return ErrDataDirRequired
	}
	info, err := os.Stat(dir)
	switch {
	case errors.Is(err, os.ErrNotExist):
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return err
		}
	case err != nil:
		return err
	case !info.IsDir():
		return fmt.Errorf("%w: %s", ErrNotDirectory, dir)
	}
	if err := os.Chmod(dir, 0o700); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, FileName+".*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(c.Render()); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), c.Path())
}

// Flatten builds a key/value argument vector in key order, each key
// prefixed with "--".
func Flatten(args map[string]string) []string {
	out := make([]string, 0, 2*len(args))
	for _, k := range sortedKeys(args) {
		out = append(out, "--"+k, args[k])
	}
	return out
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
