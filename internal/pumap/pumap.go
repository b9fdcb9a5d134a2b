// Package pumap memoizes the index maps that translate between packed
// lower-triangular storage and dense square storage.
package pumap

import (
	"fmt"
	"sync"
)

type Kind int

const (
	// Unpack2D maps every dense element (i,j) of an n×n matrix to its packed
	// lower-triangular index.
	Unpack2D Kind = iota
	// H2effUnpack is Unpack2D over the active-space dimension.
	H2effUnpack
	// H2effPack maps each packed index k back to the dense row-major position
	// of its lower-triangle element.
	H2effPack
)

func (k Kind) String() string {
	switch k {
	case Unpack2D:
		return "unpack2d"
	case H2effUnpack:
		return "h2eff_unpack"
	case H2effPack:
		return "h2eff_pack"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

type key struct {
	kind Kind
	size int
}

// Entry is an immutable index map.
type Entry struct {
	Kind Kind
	Size int
	Map  []int32
}

// Bytes reports the storage held by the map.
func (e *Entry) Bytes() int64 { return int64(len(e.Map)) * 4 }

// Table builds each (kind, size) map once and hands out the same entry on
// every later request.
type Table struct {
	mu      sync.Mutex
	entries map[key]*Entry
	builds  int
}

func NewTable() *Table {
	return &Table{entries: make(map[key]*Entry)}
}

// Fetch returns the map for kind and size, building it on first use.
func (t *Table) Fetch(kind Kind, size int) *Entry {
	t.mu.Lock()
	defer t.mu.Unlock()
	k := key{kind: kind, size: size}
	if e, ok := t.entries[k]; ok {
		return e
	}
	e := &Entry{Kind: kind, Size: size, Map: build(kind, size)}
	t.entries[k] = e
	t.builds++
	return e
}

// Len reports the number of distinct maps held.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// Builds reports how many maps were constructed.
func (t *Table) Builds() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.builds
}

// Bytes sums the storage of all maps.
func (t *Table) Bytes() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	var total int64
	for _, e := range t.entries {
		total += e.Bytes()
	}
	return total
}

// Reset drops every map.
func (t *Table) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	clear(t.entries)
}

// TrilIndex is the packed position of (i,j) with j <= i.
func TrilIndex(i, j int) int {
	if j > i {
		i, j = j, i
	}
	return i*(i+1)/2 + j
}

func build(kind Kind, n int) []int32 {
	if n <= 0 {
		return nil
	}
	switch kind {
	case Unpack2D, H2effUnpack:
		out := make([]int32, n*n)
		for i := 0; i < n; i++ {
			for j := 0; j < n; j++ {
				out[i*n+j] = int32(TrilIndex(i, j))
			}
		}
		return out
	case H2effPack:
		out := make([]int32, n*(n+1)/2)
		k := 0
		for i := 0; i < n; i++ {
			for j := 0; j <= i; j++ {
				out[k] = int32(i*n + j)
				k++
			}
		}
		return out
	default:
		panic(fmt.Sprintf("pumap: unknown kind %d", int(kind)))
	}
}
