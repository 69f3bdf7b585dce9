// Package auth provides the shared-cookie challenge/digest primitives used
// by the distribution handshake.
//
// The cookie itself never leaves this package in a form that reaches the
// wire: callers only see digests keyed by single-use challenges.
package auth

import (
	"crypto/md5"
	"crypto/rand"
	"crypto/subtle"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

const (
	DigestLen = md5.Size

	// EnvCookie overrides the cookie file when set.
	EnvCookie = "CNODE_COOKIE"
)

var (
	ErrUnauthorized = errors.New("auth: digest mismatch")
	ErrEmptyCookie  = errors.New("auth: empty cookie")
	ErrNoCookie     = errors.New("auth: no cookie configured")
)

// Digest is the response to one challenge.
type Digest [DigestLen]byte

// Cookie is the shared secret. Its String form is redacted so it can sit in
// structs that get logged.
type Cookie string

func (c Cookie) String() string {
	if c == "" {
		return ""
	}
	return "[redacted]"
}

func (c Cookie) Validate() error {
	if strings.TrimSpace(string(c)) == "" {
		return ErrEmptyCookie
	}
	return nil
}

// Digest computes MD5(cookie ++ decimal(challenge)).
func (c Cookie) Digest(challenge uint32) Digest {
	h := md5.New()
	h.Write([]byte(c))
	h.Write([]byte(strconv.FormatUint(uint64(challenge), 10)))
	var d Digest
	copy(d[:], h.Sum(nil))
	return d
}

// Verify checks a peer's digest for a challenge this side issued.
func (c Cookie) Verify(challenge uint32, got Digest) error {
	want := c.Digest(challenge)
	if subtle.ConstantTimeCompare(want[:], got[:]) != 1 {
		return ErrUnauthorized
	}
	return nil
}

// NewChallenge returns a fresh random challenge.
func NewChallenge() (uint32, error) {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0, fmt.Errorf("auth: generate challenge: %w", err)
	}
	return binary.BigEndian.Uint32(b[:]), nil
}

// ResolveCookie picks the cookie from, in order: explicit, $CNODE_COOKIE,
// file, ~/.erlang.cookie.
func ResolveCookie(explicit, file string) (Cookie, error) {
	if v := strings.TrimSpace(explicit); v != "" {
		return Cookie(v), nil
	}
	if v := strings.TrimSpace(os.Getenv(EnvCookie)); v != "" {
		return Cookie(v), nil
	}
	if strings.TrimSpace(file) != "" {
		return readCookieFile(file)
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", ErrNoCookie
	}
	c, err := readCookieFile(filepath.Join(home, ".erlang.cookie"))
	if errors.Is(err, os.ErrNotExist) {
		return "", ErrNoCookie
	}
	return c, err
}

func readCookieFile(path string) (Cookie, error) {
	path = strings.TrimSpace(path)
	if rest, ok := strings.CutPrefix(path, "~/"); ok {
		if home, err := os.UserHomeDir(); err == nil {
			path = filepath.Join(home, rest)
		}
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("auth: read cookie file %s: %w", path, err)
	}
	c := Cookie(strings.TrimSpace(string(data)))
	if err := c.Validate(); err != nil {
		return "", fmt.Errorf("auth: cookie file %s: %w", path, err)
	}
	return c, nil
}
