// Package auth provides control-channel credentials and the token check
// guarding the status API.
//
// It avoids policy decisions and storage concerns.
package auth

import (
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strings"
)

var (
	ErrUnauthorized = errors.New("auth: unauthorized")
	ErrCookieRead   = errors.New("auth: cookie read failed")
)

// Credential supplies the AUTHENTICATE arguments.
type Credential interface {
	Arguments() ([]string, error)
}

// HexCookie encodes cookie bytes as lowercase hex.
func HexCookie(cookie []byte) string {
	return hex.EncodeToString(cookie)
}

// CookieFile reads the cookie from Path at authentication time.
type CookieFile struct {
	Path string
}

func (c CookieFile) Arguments() ([]string, error) {
	raw, err := os.ReadFile(c.Path)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCookieRead, c.Path, err)
	}
	return Cookie(raw).Arguments()
}

// Cookie is an in-memory cookie value.
type Cookie []byte

func (c Cookie) Arguments() ([]string, error) {
	if len(c) == 0 {
		return nil, nil
	}
	return []string{HexCookie(c)}, nil
}

// Password authenticates with a quoted passphrase.
type Password string

func (p Password) Arguments() ([]string, error) {
	r := strings.NewReplacer(`\`, `\\`, `"`, `\"`)
	return []string{`"` + r.Replace(string(p)) + `"`}, nil
}

// Null sends AUTHENTICATE with no arguments.
type Null struct{}

func (Null) Arguments() ([]string, error) {
	return nil, nil
}

// Validator validates an API token.
type Validator interface {
	Validate(token string) error
}

// StaticToken validates against a single shared token.
type StaticToken struct {
	Token string
}

func (s StaticToken) Validate(token string) error {
	if s.Token == "" {
		return ErrUnauthorized
	}
	if subtle.ConstantTimeCompare([]byte(s.Token), []byte(token)) != 1 {
		return ErrUnauthorized
	}
	return nil
}

// FuncValidator adapts a function into a Validator.
type FuncValidator func(token string) error

func (f FuncValidator) Validate(token string) error {
	return f(token)
}

// BearerToken extracts the token from an Authorization header value.
func BearerToken(header string) (string, bool) {
	scheme, token, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}
