package meridian

import (
	"sync"
	"sync/atomic"
)

// bufferPool is a capped sync.Pool (spec.md §5 resource policy): once
// outstanding > cap, Release drops the buffer on the floor instead of
// returning it, and Get falls back to a fresh allocation.
type bufferPool struct {
	pool        sync.Pool
	targetSize  int
	cap         int64
	outstanding atomic.Int64
}

func newBufferPool(targetSize int, cap int64) *bufferPool {
	bp := &bufferPool{targetSize: targetSize, cap: cap}
	bp.pool.New = func() any {
		buf := make([]byte, targetSize)
		return &buf
	}
	return bp
}

func (bp *bufferPool) Get() []byte {
	bp.outstanding.Add(1)
	buf := bp.pool.Get().(*[]byte)
	return (*buf)[:bp.targetSize]
}

func (bp *bufferPool) Release(buf []byte) {
	n := bp.outstanding.Add(-1)
	if n < 0 {
		bp.outstanding.Store(0)
	}
	if bp.cap > 0 && bp.outstanding.Load() >= bp.cap {
		// heap-collected, not pooled: we're over the configured cap.
		return
	}
	buf = buf[:cap(buf)]
	bp.pool.Put(&buf)
}

// bufferPools bundles the header/payload pools the Transport contract
// (spec.md §4.3) exposes to an Application.
type bufferPools struct {
	header  *bufferPool
	payload *bufferPool
}

func newBufferPools(cfg config) *bufferPools {
	return &bufferPools{
		header:  newBufferPool(baspHeaderSize, int64(cfg.maxHeaderBuffers)),
		payload: newBufferPool(4096, int64(cfg.maxPayloadBuffers)),
	}
}

func (p *bufferPools) NextHeaderBuffer() []byte  { return p.header.Get() }
func (p *bufferPools) ReleaseHeaderBuffer(b []byte)  { p.header.Release(b) }
func (p *bufferPools) NextPayloadBuffer() []byte { return p.payload.Get() }
func (p *bufferPools) ReleasePayloadBuffer(b []byte) { p.payload.Release(b) }
