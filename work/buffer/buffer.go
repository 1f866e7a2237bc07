package buffer

import (
	"io"

	"github.com/valyala/bytebufferpool"
)

// BufferPool hands out reusable byte buffers through valyala/bytebufferpool. The
// relay takes one per response: as a fixed-size copy buffer for segments and as a
// growable body buffer for nested playlists.
type BufferPool struct {
	pool       *bytebufferpool.Pool
	bufferSize int
}

// NewBufferPool creates a pool whose buffers have at least bufferSize bytes of
// capacity.
func NewBufferPool(bufferSize int64) *BufferPool {
	if bufferSize <= 0 {
		bufferSize = 32 * 1024
	}
	return &BufferPool{
		bufferSize: int(bufferSize),
		pool:       &bytebufferpool.Pool{},
	}
}

// Get retrieves an empty buffer with at least the configured capacity.
func (bp *BufferPool) Get() *bytebufferpool.ByteBuffer {
	buf := bp.pool.Get()
	buf.Reset()
	if cap(buf.B) < bp.bufferSize {
		buf.B = make([]byte, 0, bp.bufferSize)
	}
	return buf
}

// Put returns a buffer to the pool.
func (bp *BufferPool) Put(buf *bytebufferpool.ByteBuffer) {
	if buf != nil {
		bp.pool.Put(buf)
	}
}

// Size returns the configured buffer size.
func (bp *BufferPool) Size() int {
	return bp.bufferSize
}

// FlushWriter is an io.Writer that can push buffered output to the client.
type FlushWriter interface {
	io.Writer
	Flush()
}

// Copy streams src to dst through a pooled buffer, flushing after every chunk when
// dst supports it. It returns the number of bytes written and the first read or
// write error other than io.EOF.
func (bp *BufferPool) Copy(dst io.Writer, src io.Reader) (int64, error) {
	buf := bp.Get()
	defer bp.Put(buf)

	chunk := buf.B[:bp.bufferSize]
	flusher, canFlush := dst.(FlushWriter)

	var written int64
	for {
		n, rerr := src.Read(chunk)
		if n > 0 {
			w, werr := dst.Write(chunk[:n])
			written += int64(w)
			if werr != nil {
				return written, werr
			}
			if w != n {
				return written, io.ErrShortWrite
			}
			if canFlush {
				flusher.Flush()
			}
		}
		if rerr == io.EOF {
			return written, nil
		}
		if rerr != nil {
			return written, rerr
		}
	}
}

// ReadLimited reads at most limit bytes of src into a pooled buffer. The caller
// owns the returned buffer and must Put it back. truncated is true when src had
// more than limit bytes.
func (bp *BufferPool) ReadLimited(src io.Reader, limit int64) (buf *bytebufferpool.ByteBuffer, truncated bool, err error) {
	buf = bp.Get()
	n, err := buf.ReadFrom(io.LimitReader(src, limit+1))
	if err != nil {
		bp.Put(buf)
		return nil, false, err
	}
	if n > limit {
		buf.B = buf.B[:limit]
		return buf, true, nil
	}
	return buf, false, nil
}
