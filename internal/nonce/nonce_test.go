package nonce

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	t time.Time
}

func (c *fakeClock) Now() time.Time { return c.t }

func newTestSigner(t *testing.T, clock *fakeClock) *Signer {
	t.Helper()
	s, err := NewSigner([]byte("test-secret"), WithClock(clock.Now))
	require.NoError(t, err)
	return s
}

func TestNewSigner_EmptySecret(t *testing.T) {
	_, err := NewSigner(nil)
	assert.ErrorIs(t, err, ErrEmptySecret)
}

func TestTick(t *testing.T) {
	s, err := NewSigner([]byte("k"))
	require.NoError(t, err)

	half := int64(12 * 60 * 60)
	tests := []struct {
		name string
		unix int64
		want int64
	}{
		{"exact boundary", 10 * half, 10},
		{"just after boundary", 10*half + 1, 11},
		{"just before boundary", 11*half - 1, 11},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, s.Tick(time.Unix(tt.unix, 0)))
		})
	}
}

func TestTick_CustomLifetime(t *testing.T) {
	s, err := NewSigner([]byte("k"), WithLifetime(2*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 2*time.Hour, s.Lifetime())
	assert.Equal(t, int64(2), s.Tick(time.Unix(7200, 0)))
}

func TestCreate_Deterministic(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	s := newTestSigner(t, clock)
	args := []byte(`[1,"two",{"k":3}]`)

	first := s.Create("echo", args)
	assert.Len(t, first, TokenLength)
	for j := 0; j < 10; j++ {
		assert.Equal(t, first, s.Create("echo", args))
	}

	assert.NotEqual(t, first, s.Create("echo", []byte(`[1,"two",{"k":4}]`)))
	assert.NotEqual(t, first, s.Create("echo", []byte(`["two",1,{"k":3}]`)))
}

func TestCreate_DifferentSecrets(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	a, err := NewSigner([]byte("secret-a"), WithClock(clock.Now))
	require.NoError(t, err)
	b, err := NewSigner([]byte("secret-b"), WithClock(clock.Now))
	require.NoError(t, err)

	tok := a.Create("echo", []byte(`[]`))
	assert.NotEqual(t, tok, b.Create("echo", []byte(`[]`)))

	_, ok := b.Verify(tok, "echo", []byte(`[]`))
	assert.False(t, ok)
}

func TestVerify_WindowTolerance(t *testing.T) {
	half := 12 * time.Hour
	mint := time.Unix(1_700_000_000, 0)
	clock := &fakeClock{t: mint}
	s := newTestSigner(t, clock)
	args := []byte(`["x"]`)

	tok := s.Create("echo", args)
	tick := s.Tick(mint)

	tests := []struct {
		name   string
		at     time.Time
		want   Window
		wantOK bool
	}{
		{"same tick", mint, WindowCurrent, true},
		{"next tick", mint.Add(half), WindowPrevious, true},
		{"two ticks later", mint.Add(2 * half), WindowNone, false},
		{"far future", mint.Add(10 * half), WindowNone, false},
		{"previous tick", mint.Add(-half), WindowNone, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clock.t = tt.at
			w, ok := s.Verify(tok, "echo", args)
			assert.Equal(t, tt.wantOK, ok)
			assert.Equal(t, tt.want, w)
		})
	}

	clock.t = mint.Add(half)
	assert.Equal(t, tick+1, s.Tick(clock.t))
	clock.t = mint.Add(2 * half)
	assert.Equal(t, tick+2, s.Tick(clock.t))
}

func TestVerify_CrossPayloadRejected(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	s := newTestSigner(t, clock)

	tok := s.Create("resize-image", []byte(`[42]`))

	tests := []struct {
		name       string
		identifier string
		args       string
	}{
		{"different identifier", "delete-image", `[42]`},
		{"different args", "resize-image", `[43]`},
		{"both different", "delete-image", `[43]`},
		{"shifted boundary", "resize-image[", `42]`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, ok := s.Verify(tok, tt.identifier, []byte(tt.args))
			assert.False(t, ok)
		})
	}

	_, ok := s.Verify(tok, "resize-image", []byte(`[42]`))
	assert.True(t, ok)
}

func TestVerify_MalformedToken(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	s := newTestSigner(t, clock)
	args := []byte(`[]`)
	tok := s.Create("echo", args)

	for _, bad := range []string{"", tok[:9], tok + "0", "zzzzzzzzzz"} {
		_, ok := s.Verify(bad, "echo", args)
		assert.False(t, ok, "token %q should not verify", bad)
	}
}

func TestAction(t *testing.T) {
	a := Action("echo", []byte(`[1]`))
	assert.Len(t, a, 64)
	assert.Equal(t, a, Action("echo", []byte(`[1]`)))
	assert.NotEqual(t, a, Action("ech", []byte(`o[1]`)))
}

func TestWindowString(t *testing.T) {
	assert.Equal(t, "current", WindowCurrent.String())
	assert.Equal(t, "previous", WindowPrevious.String())
	assert.Equal(t, "none", WindowNone.String())
}
