package auth

import (
	"crypto/md5"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/danmuck/cnode/internal/testutil/testlog"
)

func TestCookieDigestMatchesWireDefinition(t *testing.T) {
	testlog.Start(t)
	c := Cookie("SECRET")
	want := md5.Sum([]byte("SECRET" + "3735928559"))
	if got := c.Digest(0xdeadbeef); got != Digest(want) {
		t.Fatalf("digest mismatch: got %x want %x", got, want)
	}
}

func TestCookieVerify(t *testing.T) {
	tests := []struct {
		name    string
		stored  Cookie
		peer    Cookie
		tamper  int
		wantErr error
	}{
		{name: "matching cookie accepted", stored: "SECRET", peer: "SECRET", tamper: -1},
		{name: "mismatched cookie denied", stored: "SECRET", peer: "OTHER", tamper: -1, wantErr: ErrUnauthorized},
		{name: "first byte flipped denied", stored: "SECRET", peer: "SECRET", tamper: 0, wantErr: ErrUnauthorized},
		{name: "last byte flipped denied", stored: "SECRET", peer: "SECRET", tamper: DigestLen - 1, wantErr: ErrUnauthorized},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			testlog.Start(t)
			d := tc.peer.Digest(42)
			if tc.tamper >= 0 {
				d[tc.tamper] ^= 0x01
			}
			err := tc.stored.Verify(42, d)
			if !errors.Is(err, tc.wantErr) {
				t.Fatalf("expected err %v, got %v", tc.wantErr, err)
			}
			testlog.Logf("auth/verify: case=%q err=%v", tc.name, err)
		})
	}
}

func TestCookieStringRedacted(t *testing.T) {
	testlog.Start(t)
	if s := Cookie("SECRET").String(); s != "[redacted]" {
		t.Fatalf("cookie leaked through String(): %q", s)
	}
}

func TestNewChallengeVaries(t *testing.T) {
	testlog.Start(t)
	seen := make(map[uint32]struct{})
	for i := 0; i < 8; i++ {
		c, err := NewChallenge()
		if err != nil {
			t.Fatalf("new challenge: %v", err)
		}
		seen[c] = struct{}{}
	}
	if len(seen) < 2 {
		t.Fatalf("challenges did not vary: %v", seen)
	}
}

func TestResolveCookieOrder(t *testing.T) {
	testlog.Start(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "cookie")
	if err := os.WriteFile(path, []byte("FROMFILE\n"), 0o600); err != nil {
		t.Fatalf("write cookie file: %v", err)
	}

	t.Setenv(EnvCookie, "")
	c, err := ResolveCookie("", path)
	if err != nil || c != "FROMFILE" {
		t.Fatalf("expected file cookie, got %q err=%v", string(c), err)
	}

	t.Setenv(EnvCookie, "FROMENV")
	c, err = ResolveCookie("", path)
	if err != nil || c != "FROMENV" {
		t.Fatalf("expected env cookie, got %q err=%v", string(c), err)
	}

	c, err = ResolveCookie("EXPLICIT", path)
	if err != nil || c != "EXPLICIT" {
		t.Fatalf("expected explicit cookie, got %q err=%v", string(c), err)
	}
}

func TestResolveCookieEmptyFile(t *testing.T) {
	testlog.Start(t)
	t.Setenv(EnvCookie, "")
	path := filepath.Join(t.TempDir(), "cookie")
	if err := os.WriteFile(path, []byte("  \n"), 0o600); err != nil {
		t.Fatalf("write cookie file: %v", err)
	}
	if _, err := ResolveCookie("", path); !errors.Is(err, ErrEmptyCookie) {
		t.Fatalf("expected ErrEmptyCookie, got %v", err)
	}
}
