package frame

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestEncode_Layout(t *testing.T) {
	b, err := Encode(16, 0x01020304)
	require.NoError(t, err)

	require.Len(t, b, 16)
	assert.Equal(t, []byte{0, 0, 0, 16, 1, 2, 3, 4}, b[:HeaderLen])
}

func TestEncode_HeaderOnly(t *testing.T) {
	b, err := Encode(HeaderLen, 0)
	require.NoError(t, err)
	assert.Len(t, b, HeaderLen)
}

func TestEncode_RejectsShortRequest(t *testing.T) {
	for _, size := range []uint32{0, 1, 7} {
		_, err := Encode(size, 100)
		assert.ErrorIs(t, err, ErrRequestTooSmall, "size %d", size)
	}
}

func TestTryDecodeHeader_NotYetAvailable(t *testing.T) {
	b, err := Encode(32, 5)
	require.NoError(t, err)

	for n := 0; n < HeaderLen; n++ {
		_, ok := TryDecodeHeader(b[:n])
		assert.False(t, ok, "prefix of %d bytes", n)
	}

	h, ok := TryDecodeHeader(b[:HeaderLen])
	require.True(t, ok)
	assert.Equal(t, Header{RequestSize: 32, ResponseSize: 5}, h)
}

func TestTryDecodeHeader_IgnoresTrailingBytes(t *testing.T) {
	b, err := Encode(12, 9)
	require.NoError(t, err)
	copy(b[HeaderLen:], []byte{0xff, 0xff, 0xff, 0xff})

	h, ok := TryDecodeHeader(b)
	require.True(t, ok)
	assert.Equal(t, Header{RequestSize: 12, ResponseSize: 9}, h)
}

func TestFrame_RoundTrip(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		req := rapid.Uint32Range(HeaderLen, 1<<16).Draw(t, "requestSize")
		resp := rapid.Uint32().Draw(t, "responseSize")

		b, err := Encode(req, resp)
		if err != nil {
			t.Fatalf("encode: %v", err)
		}
		if uint32(len(b)) != req {
			t.Fatalf("encoded %d bytes, want %d", len(b), req)
		}
		h, ok := TryDecodeHeader(b)
		if !ok || h.RequestSize != req || h.ResponseSize != resp {
			t.Fatalf("decoded %+v ok=%v, want (%d, %d)", h, ok, req, resp)
		}
	})
}
