package buffer

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type flushRecorder struct {
	bytes.Buffer
	flushes int
}

func (f *flushRecorder) Flush() { f.flushes++ }

func TestGetHasCapacity(t *testing.T) {
	bp := NewBufferPool(1024)
	buf := bp.Get()
	assert.Equal(t, 0, buf.Len())
	assert.GreaterOrEqual(t, cap(buf.B), 1024)

	buf.WriteString("data")
	bp.Put(buf)

	again := bp.Get()
	assert.Equal(t, 0, again.Len())
	bp.Put(again)
	bp.Put(nil)
}

func TestCopyFlushesPerChunk(t *testing.T) {
	bp := NewBufferPool(4)
	dst := &flushRecorder{}

	n, err := bp.Copy(dst, strings.NewReader("0123456789"))
	require.NoError(t, err)
	assert.Equal(t, int64(10), n)
	assert.Equal(t, "0123456789", dst.String())
	assert.Equal(t, 3, dst.flushes)
}

type failingReader struct{ sent bool }

func (r *failingReader) Read(p []byte) (int, error) {
	if r.sent {
		return 0, errors.New("connection reset")
	}
	r.sent = true
	return copy(p, "abc"), nil
}

func TestCopyReturnsReadError(t *testing.T) {
	bp := NewBufferPool(16)
	var dst bytes.Buffer
	n, err := bp.Copy(&dst, &failingReader{})
	assert.EqualError(t, err, "connection reset")
	assert.Equal(t, int64(3), n)
	assert.Equal(t, "abc", dst.String())
}

func TestReadLimited(t *testing.T) {
	bp := NewBufferPool(8)

	buf, truncated, err := bp.ReadLimited(strings.NewReader("#EXTM3U\n"), 64)
	require.NoError(t, err)
	assert.False(t, truncated)
	assert.Equal(t, "#EXTM3U\n", buf.String())
	bp.Put(buf)

	buf, truncated, err = bp.ReadLimited(strings.NewReader("0123456789"), 5)
	require.NoError(t, err)
	assert.True(t, truncated)
	assert.Equal(t, "01234", buf.String())
	bp.Put(buf)
}
