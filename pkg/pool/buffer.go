package pool

import (
	"sync"
	"sync/atomic"
)

// BufferPool hands out fixed-size copy buffers to sync workers.
type BufferPool struct {
	pool     sync.Pool
	size     int
	inUse    atomic.Int64
	borrowed atomic.Int64
}

// NewBufferPool creates a pool of bufferSize-byte buffers.
func NewBufferPool(bufferSize int) *BufferPool {
	if bufferSize <= 0 {
		bufferSize = 128 * 1024
	}
	bp := &BufferPool{size: bufferSize}
	bp.pool.New = func() any {
		buf := make([]byte, bufferSize)
		return &buf
	}
	return bp
}

// Get borrows a buffer. Return it with Put.
func (bp *BufferPool) Get() *[]byte {
	bp.inUse.Add(1)
	bp.borrowed.Add(1)
	return bp.pool.Get().(*[]byte)
}

// Put returns a buffer obtained from Get.
func (bp *BufferPool) Put(buf *[]byte) {
	if buf == nil || cap(*buf) != bp.size {
		return
	}
	bp.inUse.Add(-1)
	*buf = (*buf)[:bp.size]
	bp.pool.Put(buf)
}

// BufferPoolStats describes pool usage.
type BufferPoolStats struct {
	Size     int   `json:"size"`
	InUse    int64 `json:"in_use"`
	Borrowed int64 `json:"borrowed"`
}

func (bp *BufferPool) Stats() BufferPoolStats {
	return BufferPoolStats{
		Size:     bp.size,
		InUse:    bp.inUse.Load(),
		Borrowed: bp.borrowed.Load(),
	}
}
