package frame

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

// feedAll splits b at the given cut sizes and returns how many completions
// were reported plus the header seen on completion.
func feedAll(t require.TestingT, a *Assembler, b []byte, cuts []int) (int, Header) {
	completions := 0
	var got Header
	off := 0
	for _, c := range cuts {
		if off >= len(b) {
			break
		}
		end := off + c
		if end > len(b) {
			end = len(b)
		}
		h, done, err := a.Feed(b[off:end])
		require.NoError(t, err)
		if done {
			completions++
			got = h
		}
		off = end
	}
	if off < len(b) {
		h, done, err := a.Feed(b[off:])
		require.NoError(t, err)
		if done {
			completions++
			got = h
		}
	}
	return completions, got
}

func TestAssembler_WholeRequestAtOnce(t *testing.T) {
	b, err := Encode(100, 4000)
	require.NoError(t, err)

	a := NewAssembler()
	h, done, err := a.Feed(b)
	require.NoError(t, err)
	assert.True(t, done)
	assert.Equal(t, Header{RequestSize: 100, ResponseSize: 4000}, h)
	assert.Equal(t, uint64(100), a.Received())
}

func TestAssembler_OneByteAtATime(t *testing.T) {
	b, err := Encode(20, 77)
	require.NoError(t, err)

	a := NewAssembler()
	for i := 0; i < len(b)-1; i++ {
		_, done, err := a.Feed(b[i : i+1])
		require.NoError(t, err)
		require.False(t, done, "completed early at byte %d", i)
		if i < HeaderLen-1 {
			_, ok := a.Header()
			assert.False(t, ok)
		}
	}
	h, done, err := a.Feed(b[len(b)-1:])
	require.NoError(t, err)
	assert.True(t, done)
	assert.Equal(t, uint32(77), h.ResponseSize)
}

func TestAssembler_HeaderOnlyRequest(t *testing.T) {
	b, err := Encode(HeaderLen, 12)
	require.NoError(t, err)

	a := NewAssembler()
	_, done, err := a.Feed(b[:3])
	require.NoError(t, err)
	assert.False(t, done)

	h, done, err := a.Feed(b[3:])
	require.NoError(t, err)
	assert.True(t, done)
	assert.Equal(t, uint32(12), h.ResponseSize)
}

func TestAssembler_HeaderLatchedOnce(t *testing.T) {
	b, err := Encode(24, 10)
	require.NoError(t, err)
	// Filler that looks like a different header must not be re-decoded.
	PutHeader(b[HeaderLen:], Header{RequestSize: 9999, ResponseSize: 1})

	a := NewAssembler()
	_, done, err := a.Feed(b[:HeaderLen])
	require.NoError(t, err)
	require.False(t, done)

	_, done, err = a.Feed(b[HeaderLen:16])
	require.NoError(t, err)
	require.False(t, done)

	h, done, err := a.Feed(b[16:])
	require.NoError(t, err)
	assert.True(t, done)
	assert.Equal(t, Header{RequestSize: 24, ResponseSize: 10}, h)
}

func TestAssembler_MalformedHeader(t *testing.T) {
	b := make([]byte, HeaderLen)
	PutHeader(b, Header{RequestSize: 4, ResponseSize: 10})

	a := NewAssembler()
	_, done, err := a.Feed(b)
	assert.False(t, done)
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestAssembler_Overrun(t *testing.T) {
	b, err := Encode(10, 1)
	require.NoError(t, err)
	b = append(b, 0, 0)

	a := NewAssembler()
	_, done, err := a.Feed(b)
	assert.False(t, done)
	assert.ErrorIs(t, err, ErrOverrun)
}

func TestAssembler_DataAfterCompletion(t *testing.T) {
	b, err := Encode(10, 1)
	require.NoError(t, err)

	a := NewAssembler()
	_, done, err := a.Feed(b)
	require.NoError(t, err)
	require.True(t, done)

	_, done, err = a.Feed([]byte{1})
	assert.False(t, done)
	assert.ErrorIs(t, err, ErrOverrun)
}

func TestAssembler_ArbitrarySplitsCompleteOnce(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		req := rapid.Uint32Range(HeaderLen, 4096).Draw(t, "requestSize")
		resp := rapid.Uint32Range(0, 1<<20).Draw(t, "responseSize")
		cuts := rapid.SliceOf(rapid.IntRange(1, 512)).Draw(t, "cuts")

		b, err := Encode(req, resp)
		if err != nil {
			t.Fatalf("encode: %v", err)
		}

		a := NewAssembler()
		n, h := feedAll(t, a, b, cuts)
		if n != 1 {
			t.Fatalf("completed %d times, want 1", n)
		}
		if h.RequestSize != req || h.ResponseSize != resp {
			t.Fatalf("header %+v, want (%d, %d)", h, req, resp)
		}
	})
}
