package transport

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFrame(t *testing.T) {
	f := frame{typ: frameHandle, flags: flagReadOnly | flagTransparent, nonce: 7, a: 4096, b: 12}
	b := f.append(nil)
	require.Len(t, b, frameSize)
	assert.Equal(t, []byte{0x58, 0x4d, 0x48, 0x53}, b[:4])

	got, err := parseFrame(b)
	require.NoError(t, err)
	assert.Equal(t, f, got)

	_, err = parseFrame(b[:20])
	assert.Error(t, err)
	b[0] = 0
	_, err = parseFrame(b)
	assert.Error(t, err)
	assert.Equal(t, "frame(9)", frameType(9).String())
}
