package offload

import (
	"errors"
	"fmt"
	"maps"
	"slices"

	"github.com/samcharles93/scfdev/internal/device"
	"github.com/samcharles93/scfdev/internal/logger"
)

// Pool holds named scratch buffers on one device. A buffer is only ever
// replaced by a larger one; capacities never shrink until Close.
type Pool struct {
	dev   device.Device
	log   logger.Logger
	bufs  map[string]device.Buffer
	grows int
}

func NewPool(dev device.Device, log logger.Logger) *Pool {
	return &Pool{dev: dev, log: log, bufs: make(map[string]device.Buffer)}
}

// Ensure returns a buffer of at least n elements under name and reports
// whether it had to be (re)allocated.
func (p *Pool) Ensure(name string, n int) (device.Buffer, bool, error) {
	if n < 1 {
		n = 1
	}
	cur, ok := p.bufs[name]
	if ok && cur.Len() >= n {
		return cur, false, nil
	}
	if ok {
		if err := p.dev.Free(cur); err != nil {
			return nil, false, fmt.Errorf("free %s: %w", name, err)
		}
		delete(p.bufs, name)
	}
	buf, err := p.dev.Alloc(n)
	if err != nil {
		return nil, false, allocError(name, err)
	}
	p.bufs[name] = buf
	p.grows++
	p.log.Debug("pool buffer grown", "name", name, "elements", n)
	return buf, true, nil
}

// Get returns the buffer under name, or nil.
func (p *Pool) Get(name string) device.Buffer {
	return p.bufs[name]
}

func (p *Pool) Capacity(name string) int {
	if b, ok := p.bufs[name]; ok {
		return b.Len()
	}
	return 0
}

// Capacities lists every buffer's size in elements.
func (p *Pool) Capacities() map[string]int {
	out := make(map[string]int, len(p.bufs))
	for name, b := range p.bufs {
		out[name] = b.Len()
	}
	return out
}

func (p *Pool) Bytes() int64 {
	var total int64
	for _, b := range p.bufs {
		total += int64(b.Len()) * 8
	}
	return total
}

// Grows counts allocations made by Ensure.
func (p *Pool) Grows() int { return p.grows }

func (p *Pool) Close() error {
	var errs []error
	for _, name := range slices.Sorted(maps.Keys(p.bufs)) {
		if err := p.dev.Free(p.bufs[name]); err != nil {
			errs = append(errs, fmt.Errorf("free %s: %w", name, err))
		}
	}
	p.bufs = make(map[string]device.Buffer)
	return errors.Join(errs...)
}
