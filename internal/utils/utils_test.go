package utils

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sample struct {
	Name  string
	Data  []byte
	Count uint64
	Tags  map[string]string
}

func TestMsgPackRoundTrip(t *testing.T) {
	in := sample{Name: "a", Data: []byte{0, 1, 2}, Count: 7, Tags: map[string]string{"k": "v"}}
	buf, err := EncodeMsgPack(in)
	require.NoError(t, err)

	var out sample
	require.NoError(t, DecodeMsgPack(buf.Bytes(), &out))
	assert.Equal(t, in, out)
}

func TestPathExists(t *testing.T) {
	dir := t.TempDir()
	assert.True(t, PathExists(dir))
	assert.False(t, PathExists(filepath.Join(dir, "missing")))

	f := filepath.Join(dir, "file")
	require.NoError(t, os.WriteFile(f, []byte("x"), 0644))
	assert.True(t, PathExists(f))
}

func TestResolvableAddress(t *testing.T) {
	h, err := ResolvableAddress("localhost:4000")
	require.NoError(t, err)
	assert.Equal(t, "localhost", h)
}
