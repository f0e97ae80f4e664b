package binstruct_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"btrfsqcow.dev/audit/internal/binstruct"
)

type innerFixture struct {
	A             uint32 `bin:"off=0x0, siz=0x4"`
	B             uint8  `bin:"off=0x4, siz=0x1"`
	binstruct.End `bin:"off=0x5"`
}

type outerFixture struct {
	Head          innerFixture `bin:"off=0x0, siz=0x5"`
	Tail          [3]byte      `bin:"off=0x5, siz=0x3"`
	binstruct.End `bin:"off=0x8"`
}

func TestUnmarshalNestedStruct(t *testing.T) {
	dat := []byte{0x01, 0x00, 0x00, 0x00, 0x7f, 'x', 'y', 'z'}

	var out outerFixture
	n, err := binstruct.Unmarshal(dat, &out)
	require.NoError(t, err)
	require.Equal(t, len(dat), n)
	require.Equal(t, uint32(1), out.Head.A)
	require.Equal(t, uint8(0x7f), out.Head.B)
	require.Equal(t, [3]byte{'x', 'y', 'z'}, out.Tail)
}

func TestUnmarshalTruncated(t *testing.T) {
	var out innerFixture
	_, err := binstruct.Unmarshal([]byte{0x01, 0x02}, &out)
	require.Error(t, err)
}

func TestStaticSize(t *testing.T) {
	require.Equal(t, 5, binstruct.StaticSize(innerFixture{}))
	require.Equal(t, 8, binstruct.StaticSize(outerFixture{}))
}
