package nonce

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/zeebo/blake3"
	"golang.org/x/crypto/hkdf"
)

const (
	// DefaultLifetime is the worst-case age of an accepted token.
	// A tick advances every half lifetime.
	DefaultLifetime = 24 * time.Hour

	// TokenLength is the number of hex characters kept from the digest.
	TokenLength = 10

	keyInfo = "loopback nonce"
)

// ErrEmptySecret is returned when a signer is constructed without key material.
var ErrEmptySecret = errors.New("nonce secret is empty")

// Window reports which tick a token was verified against.
type Window int

const (
	WindowNone     Window = iota
	WindowCurrent         // minted during the current tick
	WindowPrevious        // minted during the previous tick
)

func (w Window) String() string {
	switch w {
	case WindowCurrent:
		return "current"
	case WindowPrevious:
		return "previous"
	default:
		return "none"
	}
}

// Signer mints and verifies time-windowed tokens bound to one task reference.
// It holds no mutable state and is safe for concurrent use.
type Signer struct {
	key      []byte
	lifetime time.Duration
	now      func() time.Time
}

// Option configures a Signer.
type Option func(*Signer)

// WithLifetime overrides DefaultLifetime. Non-positive values are ignored.
func WithLifetime(d time.Duration) Option {
	return func(s *Signer) {
		if d > 0 {
			s.lifetime = d
		}
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Signer) {
		if now != nil {
			s.now = now
		}
	}
}

// NewSigner derives a purpose-bound key from secret and returns a Signer.
func NewSigner(secret []byte, opts ...Option) (*Signer, error) {
	if len(secret) == 0 {
		return nil, ErrEmptySecret
	}

	key := make([]byte, sha256.Size)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, nil, []byte(keyInfo)), key); err != nil {
		return nil, fmt.Errorf("derive nonce key: %w", err)
	}

	s := &Signer{
		key:      key,
		lifetime: DefaultLifetime,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Lifetime returns the configured token lifetime.
func (s *Signer) Lifetime() time.Duration {
	return s.lifetime
}

// Tick returns the time-window counter for now.
func (s *Signer) Tick(now time.Time) int64 {
	step := int64(s.lifetime / 2 / time.Second)
	if step <= 0 {
		step = 1
	}
	unix := now.Unix()
	tick := unix / step
	if unix%step != 0 && unix > 0 {
		tick++
	}
	return tick
}

// Create mints a token for identifier and its canonical argument encoding.
func (s *Signer) Create(identifier string, canonicalArgs []byte) string {
	return s.tokenAt(s.Tick(s.now()), Action(identifier, canonicalArgs))
}

// Verify checks token against the current and the previous tick.
func (s *Signer) Verify(token, identifier string, canonicalArgs []byte) (Window, bool) {
	if len(token) != TokenLength {
		return WindowNone, false
	}

	action := Action(identifier, canonicalArgs)
	tick := s.Tick(s.now())

	if equal(token, s.tokenAt(tick, action)) {
		return WindowCurrent, true
	}
	if equal(token, s.tokenAt(tick-1, action)) {
		return WindowPrevious, true
	}
	return WindowNone, false
}

func (s *Signer) tokenAt(tick int64, action string) string {
	mac := hmac.New(sha256.New, s.key)
	mac.Write([]byte(strconv.FormatInt(tick, 10)))
	mac.Write([]byte{'|'})
	mac.Write([]byte(action))
	sum := hex.EncodeToString(mac.Sum(nil))

	// Keep ten characters ending two before the tail.
	end := len(sum) - 2
	return sum[end-TokenLength : end]
}

// Action binds a token to one identifier and one exact argument payload.
// The identifier is length-prefixed so the boundary with the arguments is fixed.
func Action(identifier string, canonicalArgs []byte) string {
	var prefix [8]byte
	binary.BigEndian.PutUint64(prefix[:], uint64(len(identifier)))

	h := blake3.New()
	h.Write(prefix[:])
	h.Write([]byte(identifier))
	h.Write(canonicalArgs)
	return hex.EncodeToString(h.Sum(nil))
}

func equal(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
