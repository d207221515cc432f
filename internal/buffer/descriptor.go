// Package buffer implements buffer descriptors and the bounded pools used to
// pass them between the capture source, pipeline stages and links.
package buffer

import (
	"fmt"
	"sync/atomic"
	"time"
)

// Flags carried with the payload of a descriptor.
type Flags uint32

const (
	FlagEOS Flags = 1 << iota
	FlagStartTime
	FlagDecodeOnly
	FlagDataCorrupt
	FlagEndOfFrame
	FlagSyncFrame
	FlagExtraData
	FlagCodecConfig
)

func (f Flags) Has(x Flags) bool { return f&x == x }

func (f Flags) String() string {
	if f == 0 {
		return "-"
	}
	names := []string{"eos", "start", "decodeonly", "corrupt", "eof", "sync", "extra", "config"}
	s := ""
	for i, name := range names {
		if f&(1<<uint(i)) != 0 {
			if s != "" {
				s += "|"
			}
			s += name
		}
	}
	return s
}

// Owner identifies who holds a descriptor.
type Owner int32

const (
	// OwnerFree: parked in a Pool queue.
	OwnerFree Owner = iota
	// OwnerClient: held by the orchestrator, e.g. being filled from capture.
	OwnerClient
	// OwnerComponent: submitted to a stage, being processed.
	OwnerComponent
	// OwnerLink: in transit across a link.
	OwnerLink
)

var ownerNames = [...]string{"free", "client", "component", "link"}

func (o Owner) String() string {
	if o < 0 || int(o) >= len(ownerNames) {
		return fmt.Sprintf("owner(%d)", int32(o))
	}
	return ownerNames[o]
}

// Descriptor describes one fixed memory region used to carry one unit of
// media data. Data is the memory handle; len(Data) is the allocated length.
type Descriptor struct {
	Data      []byte
	FilledLen int
	Offset    int
	Flags     Flags

	// Capture instant, carried across stages for latency accounting.
	Timestamp time.Time

	// Port index of the component port the descriptor was allocated for.
	Port int

	set   *Set
	index int

	owner atomic.Int32
	pool  atomic.Pointer[Pool]
}

// Payload returns the valid bytes.
func (d *Descriptor) Payload() []byte {
	return d.Data[d.Offset : d.Offset+d.FilledLen]
}

// Reset clears fill metadata, leaving the memory handle in place.
func (d *Descriptor) Reset() {
	d.FilledLen = 0
	d.Offset = 0
	d.Flags = 0
	d.Timestamp = time.Time{}
}

// Index is the descriptor's position in its Set.
func (d *Descriptor) Index() int { return d.index }

// Set returns the set the descriptor was allocated in.
func (d *Descriptor) Set() *Set { return d.set }

func (d *Descriptor) Owner() Owner { return Owner(d.owner.Load()) }

// SetOwner records a change of ownership and returns the previous owner.
func (d *Descriptor) SetOwner(o Owner) Owner {
	return Owner(d.owner.Swap(int32(o)))
}

// Queued reports whether the descriptor currently sits in a pool.
func (d *Descriptor) Queued() bool { return d.pool.Load() != nil }

func (d *Descriptor) String() string {
	name := "?"
	if d.set != nil {
		name = d.set.name
	}
	return fmt.Sprintf("%s#%d[%d/%d %s %s]", name, d.index, d.FilledLen, len(d.Data), d.Flags, d.Owner())
}

// SwapData exchanges the memory handles of two descriptors. Fill metadata is
// left alone.
func SwapData(a, b *Descriptor) {
	a.Data, b.Data = b.Data, a.Data
}

// CopyMeta copies fill metadata from src to dst.
func CopyMeta(dst, src *Descriptor) {
	dst.FilledLen = src.FilledLen
	dst.Offset = src.Offset
	dst.Flags = src.Flags
	dst.Timestamp = src.Timestamp
}

// A Set is the fixed arena of descriptors allocated for one port.
type Set struct {
	name  string
	descs []*Descriptor
}

// NewSet allocates count descriptors of size bytes each.
func NewSet(name string, port, count, size int) *Set {
	s := &Set{name: name, descs: make([]*Descriptor, count)}
	for i := range s.descs {
		d := &Descriptor{Data: make([]byte, size), Port: port, set: s, index: i}
		d.owner.Store(int32(OwnerClient))
		s.descs[i] = d
	}
	return s
}

func (s *Set) Name() string { return s.name }

func (s *Set) Len() int { return len(s.descs) }

// At returns the i'th descriptor.
func (s *Set) At(i int) *Descriptor { return s.descs[i] }

// Descriptors returns the arena in index order. The slice must not be modified.
func (s *Set) Descriptors() []*Descriptor { return s.descs }

// Contains reports whether d was allocated in this set.
func (s *Set) Contains(d *Descriptor) bool {
	return d != nil && d.set == s && d.index < len(s.descs) && s.descs[d.index] == d
}

// Owners counts descriptors by owner. The counts always sum to Len().
func (s *Set) Owners() map[Owner]int {
	m := make(map[Owner]int)
	for _, d := range s.descs {
		m[d.Owner()]++
	}
	return m
}
