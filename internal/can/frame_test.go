package can

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFrameBE16(t *testing.T) {
	f := NewFrame(0x444)
	f.PutBE16(0, 0x1234)
	require.EqualValues(t, 0x1234, f.BE16(0))
}

func TestFrameLE16(t *testing.T) {
	f := NewFrame(0x444)
	f.PutLE16(0, 0x1234)
	require.Equal(t, byte(0x34), f.Data[0])
	require.Equal(t, byte(0x12), f.Data[1])
	require.EqualValues(t, 0x1234, f.LE16(0))
}

func TestFrameBE32(t *testing.T) {
	f := NewFrame(0x1)
	f.PutBE32(2, 0xDEADBEEF)
	require.EqualValues(t, 0xDEADBEEF, f.BE32(2))
}
