// Package eri keeps ERI blocks resident on a device across SCF cycles.
//
// Each device owns one Cache. An entry is keyed by the host object that
// produced the integrals (its Origin) and the block index within it, and
// moves through absent → valid → stale → valid until the cache is closed.
// Acquire tells the caller whether the block must be copied; Commit records a
// queued copy. Copies stay pending until the device stream is synchronized:
// Settle confirms them, Rollback marks their entries stale again.
package eri

import (
	"container/list"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"math"
	"sync"
	"sync/atomic"

	"github.com/samcharles93/scfdev/internal/device"
	"github.com/samcharles93/scfdev/internal/logger"
)

var (
	ErrCacheDesync = errors.New("eri cache desync")
	ErrShape       = errors.New("eri block shape mismatch")
	ErrClosed      = errors.New("eri cache closed")
)

// DefaultSlack is the number of extra block slots reserved per origin.
const DefaultSlack = 2

// OriginID identifies the host object that produced a set of ERI blocks.
type OriginID uint64

type Key struct {
	Origin OriginID
	Block  int
}

func (k Key) String() string { return fmt.Sprintf("%d/%d", k.Origin, k.Block) }

// Entry is one device-resident block.
type Entry struct {
	Key         Key
	DeviceID    int
	Buf         device.Buffer
	Rows, Cols  int
	Uses        int
	Updates     int
	Valid       bool
	Fingerprint uint32

	elem *list.Element
}

func (e *Entry) Len() int { return e.Rows * e.Cols }

func (e *Entry) Bytes() int64 { return int64(e.Len()) * 8 }

// Allocator is the slice of device.Device the cache needs.
type Allocator interface {
	Alloc(n int) (device.Buffer, error)
	Free(b device.Buffer) error
}

type Config struct {
	// LimitBytes caps resident bytes. Zero means unbounded.
	LimitBytes int64
	// Slack is extra per-origin block capacity. Negative means none.
	Slack int
	// Verify keeps a crc32 of every transferred block and checks it on hits.
	Verify bool
}

// Lease is the outcome of Acquire.
type Lease struct {
	Key Key
	// Buf is the cached device buffer, nil when Bypass is set.
	Buf device.Buffer
	// Transfer reports that the host block must be copied into Buf.
	Transfer bool
	// Bypass means the block is not cached; the caller supplies scratch.
	Bypass bool

	fingerprint uint32
	keepValid   bool
}

type Stats struct {
	Hits      int64 `json:"hits" msgpack:"hits"`
	Misses    int64 `json:"misses" msgpack:"misses"`
	Transfers int64 `json:"transfers" msgpack:"transfers"`
	Evictions int64 `json:"evictions" msgpack:"evictions"`
	Bypassed  int64 `json:"bypassed" msgpack:"bypassed"`
	Entries   int   `json:"entries" msgpack:"entries"`
	Bytes     int64 `json:"bytes" msgpack:"bytes"`
}

// Status summarizes one origin.
type Status struct {
	Origin  OriginID `json:"origin" msgpack:"origin"`
	Blocks  int      `json:"blocks" msgpack:"blocks"`
	Valid   int      `json:"valid" msgpack:"valid"`
	Devices int      `json:"devices" msgpack:"devices"`
	Bytes   int64    `json:"bytes" msgpack:"bytes"`
	Uses    int      `json:"uses" msgpack:"uses"`
	Updates int      `json:"updates" msgpack:"updates"`
}

// Merge folds another device's status for the same origin into s.
func (s *Status) Merge(o Status) {
	if o.Blocks > 0 {
		s.Devices++
	}
	s.Blocks += o.Blocks
	s.Valid += o.Valid
	s.Bytes += o.Bytes
	s.Uses += o.Uses
	s.Updates += o.Updates
}

type pendingCopy struct {
	key Key
	buf device.Buffer
}

type Cache struct {
	alloc    Allocator
	deviceID int
	cfg      Config
	log      logger.Logger

	mu      sync.Mutex
	enabled bool
	closed  bool
	entries map[Key]*Entry
	origins map[OriginID][]Key
	lru     *list.List
	bytes   int64
	pending []pendingCopy

	hits      atomic.Int64
	misses    atomic.Int64
	transfers atomic.Int64
	evictions atomic.Int64
	bypassed  atomic.Int64
}

func New(alloc Allocator, deviceID int, cfg Config, log logger.Logger) *Cache {
	if cfg.Slack < 0 {
		cfg.Slack = 0
	}
	if log == nil {
		log = logger.Discard()
	}
	return &Cache{
		alloc:    alloc,
		deviceID: deviceID,
		cfg:      cfg,
		log:      log.With("component", "eri", "device", deviceID),
		enabled:  true,
		entries:  make(map[Key]*Entry),
		origins:  make(map[OriginID][]Key),
		lru:      list.New(),
	}
}

func (c *Cache) SetEnabled(on bool) {
	c.mu.Lock()
	c.enabled = on
	c.mu.Unlock()
}

func (c *Cache) Enabled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.enabled
}

// Fingerprint hashes the bit patterns of a host block.
func Fingerprint(host []float64) uint32 {
	h := crc32.NewIEEE()
	var buf [8 * 512]byte
	for len(host) > 0 {
		n := min(len(host), 512)
		for i, v := range host[:n] {
			binary.LittleEndian.PutUint64(buf[i*8:], math.Float64bits(v))
		}
		_, _ = h.Write(buf[:n*8])
		host = host[n:]
	}
	return h.Sum32()
}

// Acquire looks up key for a rows×cols block whose host copy is host.
//
// A valid entry is a hit and needs no transfer. A stale or new entry needs a
// transfer followed by Commit; until then it stays stale. With the cache
// disabled every call is a miss: a present entry is refilled without
// changing its validity, an absent one is bypassed.
func (c *Cache) Acquire(key Key, rows, cols int, host []float64) (Lease, error) {
	if rows <= 0 || cols <= 0 {
		return Lease{}, fmt.Errorf("%w: %s has shape %dx%d", ErrShape, key, rows, cols)
	}
	if len(host) != rows*cols {
		return Lease{}, fmt.Errorf("%w: %s holds %d values, want %d", ErrShape, key, len(host), rows*cols)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return Lease{}, ErrClosed
	}

	var fp uint32
	if c.cfg.Verify {
		fp = Fingerprint(host)
	}

	e, ok := c.entries[key]
	if !c.enabled {
		c.misses.Add(1)
		if ok && e.Rows == rows && e.Cols == cols {
			c.lru.MoveToFront(e.elem)
			return Lease{Key: key, Buf: e.Buf, Transfer: true, fingerprint: fp, keepValid: true}, nil
		}
		c.bypassed.Add(1)
		return Lease{Key: key, Transfer: true, Bypass: true}, nil
	}

	if ok && (e.Rows != rows || e.Cols != cols) {
		if e.Valid {
			return Lease{}, fmt.Errorf("%w: %s cached as %dx%d, got %dx%d", ErrShape, key, e.Rows, e.Cols, rows, cols)
		}
		c.log.Debug("reallocating stale block", "key", key.String(), "rows", rows, "cols", cols)
		if err := c.remove(e); err != nil {
			return Lease{}, err
		}
		ok = false
	}

	if ok {
		c.lru.MoveToFront(e.elem)
		if e.Valid {
			if c.cfg.Verify && fp != e.Fingerprint {
				return Lease{}, fmt.Errorf("%w: %s fingerprint %08x, host %08x", ErrCacheDesync, key, e.Fingerprint, fp)
			}
			e.Uses++
			c.hits.Add(1)
			return Lease{Key: key, Buf: e.Buf}, nil
		}
		c.misses.Add(1)
		return Lease{Key: key, Buf: e.Buf, Transfer: true, fingerprint: fp}, nil
	}

	c.misses.Add(1)
	size := int64(rows*cols) * 8
	if c.cfg.LimitBytes > 0 {
		if size > c.cfg.LimitBytes {
			c.bypassed.Add(1)
			return Lease{Key: key, Transfer: true, Bypass: true}, nil
		}
		for c.bytes+size > c.cfg.LimitBytes {
			if !c.evictOne() {
				c.bypassed.Add(1)
				return Lease{Key: key, Transfer: true, Bypass: true}, nil
			}
		}
	}

	buf, err := c.alloc.Alloc(rows * cols)
	if err != nil {
		return Lease{}, fmt.Errorf("eri block %s: %w", key, err)
	}
	e = &Entry{Key: key, DeviceID: c.deviceID, Buf: buf, Rows: rows, Cols: cols}
	e.elem = c.lru.PushFront(e)
	c.entries[key] = e
	c.track(key)
	c.bytes += size
	c.log.Debug("eri block allocated", "key", key.String(), "bytes", size)
	return Lease{Key: key, Buf: buf, Transfer: true, fingerprint: fp}, nil
}

// Commit records that the transfer for l has been queued.
func (c *Cache) Commit(l Lease) {
	if !l.Transfer || l.Bypass {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[l.Key]
	if !ok || e.Buf != l.Buf {
		return
	}
	e.Updates++
	if c.cfg.Verify {
		e.Fingerprint = l.fingerprint
	}
	if !l.keepValid {
		e.Valid = true
	}
	c.pending = append(c.pending, pendingCopy{key: l.Key, buf: l.Buf})
	c.transfers.Add(1)
}

// Pending returns the number of committed copies not yet settled.
func (c *Cache) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Settle confirms every pending copy. Call it after the stream that carried
// the copies synchronized without error.
func (c *Cache) Settle() {
	c.mu.Lock()
	c.pending = c.pending[:0]
	c.mu.Unlock()
}

// Rollback marks the entries of every pending copy stale and returns how many
// were still resident. Call it when the stream reported a failure, since any
// queued copy may never have landed.
func (c *Cache) Rollback() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, p := range c.pending {
		e, ok := c.entries[p.key]
		if !ok || e.Buf != p.buf {
			continue
		}
		e.Valid = false
		n++
	}
	c.pending = c.pending[:0]
	return n
}

func (c *Cache) track(key Key) {
	keys := c.origins[key.Origin]
	if len(keys) == cap(keys) {
		grown := make([]Key, len(keys), len(keys)+1+c.cfg.Slack)
		copy(grown, keys)
		keys = grown
	}
	c.origins[key.Origin] = append(keys, key)
}

func (c *Cache) untrack(key Key) {
	keys := c.origins[key.Origin]
	for i, k := range keys {
		if k == key {
			keys = append(keys[:i], keys[i+1:]...)
			break
		}
	}
	if len(keys) == 0 {
		delete(c.origins, key.Origin)
		return
	}
	c.origins[key.Origin] = keys
}

// remove frees e. Caller holds c.mu.
func (c *Cache) remove(e *Entry) error {
	c.lru.Remove(e.elem)
	delete(c.entries, e.Key)
	c.untrack(e.Key)
	c.bytes -= e.Bytes()
	return c.alloc.Free(e.Buf)
}

// evictOne frees the least recently used entry. Caller holds c.mu.
func (c *Cache) evictOne() bool {
	back := c.lru.Back()
	if back == nil {
		return false
	}
	e := back.Value.(*Entry)
	if err := c.remove(e); err != nil {
		c.log.Warn("eri eviction free failed", "key", e.Key.String(), "error", err)
	}
	c.evictions.Add(1)
	c.log.Info("eri block evicted", "key", e.Key.String(), "bytes", e.Bytes())
	return true
}

// Invalidate marks every entry of origin stale and returns how many there were.
func (c *Cache) Invalidate(origin OriginID) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	keys := c.origins[origin]
	for _, k := range keys {
		c.entries[k].Valid = false
	}
	return len(keys)
}

// Lookup returns a copy of the entry for key.
func (c *Cache) Lookup(key Key) (Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		return Entry{}, false
	}
	out := *e
	out.elem = nil
	return out, true
}

func (c *Cache) Status(origin OriginID) Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := Status{Origin: origin}
	for _, k := range c.origins[origin] {
		e := c.entries[k]
		s.Blocks++
		if e.Valid {
			s.Valid++
		}
		s.Bytes += e.Bytes()
		s.Uses += e.Uses
		s.Updates += e.Updates
	}
	if s.Blocks > 0 {
		s.Devices = 1
	}
	return s
}

func (c *Cache) Stats() Stats {
	c.mu.Lock()
	entries, bytes := len(c.entries), c.bytes
	c.mu.Unlock()
	return Stats{
		Hits:      c.hits.Load(),
		Misses:    c.misses.Load(),
		Transfers: c.transfers.Load(),
		Evictions: c.evictions.Load(),
		Bypassed:  c.bypassed.Load(),
		Entries:   entries,
		Bytes:     bytes,
	}
}

// Close frees every entry. Later calls are no-ops.
func (c *Cache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	var errs []error
	for e := c.lru.Front(); e != nil; e = e.Next() {
		entry := e.Value.(*Entry)
		if err := c.alloc.Free(entry.Buf); err != nil {
			errs = append(errs, fmt.Errorf("free %s: %w", entry.Key, err))
		}
	}
	c.entries = map[Key]*Entry{}
	c.pending = nil
	c.origins = map[OriginID][]Key{}
	c.lru.Init()
	c.bytes = 0
	return errors.Join(errs...)
}
