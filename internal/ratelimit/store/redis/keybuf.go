// Package redisstore provides pooled key building.
package redisstore

import (
	"strconv"
	"sync"

	"github.com/limitd/limitd/internal/ratelimit/core"
)

// keyBufferPool recycles byte slices used to compose store keys on the hot
// path.
type keyBufferPool struct {
	pool sync.Pool
}

func newKeyBufferPool(size int) *keyBufferPool {
	if size <= 0 {
		size = 64
	}
	return &keyBufferPool{
		pool: sync.Pool{
			New: func() any {
				return make([]byte, 0, size)
			},
		},
	}
}

func (p *keyBufferPool) get() []byte {
	return p.pool.Get().([]byte)[:0]
}

func (p *keyBufferPool) put(b []byte) {
	if b == nil {
		return
	}
	p.pool.Put(b[:0]) //nolint:staticcheck // slice reuse is intentional
}

// buildKey composes "<prefix><algo>:<policy>:v<version>:<key>" with an
// optional window start suffix for rotating window counters.
func (p *keyBufferPool) buildKey(prefix string, algo core.Algorithm, policy *core.Policy, key string, windowStart int64) string {
	buf := p.get()
	buf = append(buf, prefix...)
	buf = append(buf, algo...)
	buf = append(buf, ':')
	buf = append(buf, policy.ID...)
	buf = append(buf, ":v"...)
	buf = strconv.AppendInt(buf, policy.Version, 10)
	buf = append(buf, ':')
	buf = append(buf, key...)
	if windowStart > 0 {
		buf = append(buf, ':')
		buf = strconv.AppendInt(buf, windowStart, 10)
	}
	out := string(buf)
	p.put(buf)
	return out
}
