package auth

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/danmuck/torctl/internal/testutil/testlog"
)

func TestCookieFileHexEncoding(t *testing.T) {
	testlog.Start(t)
	path := filepath.Join(t.TempDir(), "cookie")
	if err := os.WriteFile(path, []byte{0x00, 0xFF, 0x10}, 0o600); err != nil {
		t.Fatalf("write cookie: %v", err)
	}
	args, err := CookieFile{Path: path}.Arguments()
	if err != nil {
		t.Fatalf("arguments: %v", err)
	}
	if len(args) != 1 || args[0] != "00ff10" {
		t.Fatalf("unexpected arguments: %q", args)
	}
}

func TestCookieFileMissing(t *testing.T) {
	testlog.Start(t)
	_, err := CookieFile{Path: filepath.Join(t.TempDir(), "absent")}.Arguments()
	if !errors.Is(err, ErrCookieRead) {
		t.Fatalf("expected ErrCookieRead, got %v", err)
	}
}

func TestEmptyCookieSendsNoArgument(t *testing.T) {
	testlog.Start(t)
	args, err := Cookie(nil).Arguments()
	if err != nil || len(args) != 0 {
		t.Fatalf("expected no arguments, got %q err=%v", args, err)
	}
}

func TestPasswordQuoting(t *testing.T) {
	testlog.Start(t)
	args, err := Password(`pa"ss\word`).Arguments()
	if err != nil {
		t.Fatalf("arguments: %v", err)
	}
	if len(args) != 1 || args[0] != `"pa\"ss\\word"` {
		t.Fatalf("unexpected arguments: %q", args)
	}
}

func TestStaticTokenValidate(t *testing.T) {
	testlog.Start(t)
	tests := []struct {
		name    string
		stored  string
		input   string
		wantErr error
	}{
		{name: "empty token denied", stored: "", input: "abc", wantErr: ErrUnauthorized},
		{name: "mismatched token denied", stored: "abc", input: "xyz", wantErr: ErrUnauthorized},
		{name: "matching token accepted", stored: "abc", input: "abc", wantErr: nil},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := (StaticToken{Token: tc.stored}).Validate(tc.input)
			if !errors.Is(err, tc.wantErr) {
				t.Fatalf("expected err %v, got %v", tc.wantErr, err)
			}
		})
	}
}

func TestBearerToken(t *testing.T) {
	testlog.Start(t)
	if tok, ok := BearerToken("Bearer abc"); !ok || tok != "abc" {
		t.Fatalf("unexpected token=%q ok=%v", tok, ok)
	}
	if tok, ok := BearerToken("bearer  xyz "); !ok || tok != "xyz" {
		t.Fatalf("unexpected token=%q ok=%v", tok, ok)
	}
	for _, raw := range []string{"", "Basic abc", "Bearer", "Bearer   "} {
		if _, ok := BearerToken(raw); ok {
			t.Fatalf("expected %q rejected", raw)
		}
	}
}
