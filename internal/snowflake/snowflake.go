// Package snowflake generates 64-bit monotonically increasing serial numbers
// composed of ts(41) || node_id(8) || core_id(6) || seq(9), grounded on
// original_source/Neverland/neverland/components/idgeneration.py and adapted
// to Go's time/sync primitives in the teacher's style.
package snowflake

import (
	"fmt"
	"sync"
	"time"
)

const (
	MaxNodeID  = 0xff
	MaxCoreID  = 0x3f
	MaxSeq     = 0x1ff

	tsBits   = 41
	nodeBits = 8
	coreBits = 6
	seqBits  = 9
)

// Generator produces unique 64-bit IDs for one (nodeID, coreID) pair. Gen is
// guarded by an internal mutex, so concurrent calls are safe; each worker
// still holds its own private Generator (spec §4.3: "each worker holds a
// private generator").
type Generator struct {
	mu sync.Mutex

	nodeID uint64
	coreID uint64

	lastTS uint64
	seq    uint64

	now func() time.Time
}

// New creates a Generator for the given node and core IDs. Overflow of
// either is a fatal configuration error.
func New(nodeID, coreID uint8) (*Generator, error) {
	if nodeID > MaxNodeID {
		return nil, fmt.Errorf("snowflake: node_id %d overflows %d bits", nodeID, nodeBits)
	}
	if coreID > MaxCoreID {
		return nil, fmt.Errorf("snowflake: core_id %d overflows %d bits", coreID, coreBits)
	}
	return &Generator{
		nodeID: uint64(nodeID),
		coreID: uint64(coreID),
		now:    time.Now,
	}, nil
}

// Gen returns the next unique ID, blocking (via sleep) if the sequence space
// for the current millisecond is exhausted.
func (g *Generator) Gen() uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()

	ts := g.nowMS()
	if ts == g.lastTS {
		if g.seq >= MaxSeq {
			ts = g.sleepToNextMS()
			g.seq = 0
		} else {
			g.seq++
		}
	} else {
		g.seq = 0
	}
	g.lastTS = ts

	return (ts&((1<<tsBits)-1))<<(nodeBits+coreBits+seqBits) |
		(g.nodeID&((1<<nodeBits)-1))<<(coreBits+seqBits) |
		(g.coreID&((1<<coreBits)-1))<<seqBits |
		(g.seq & ((1 << seqBits) - 1))
}

func (g *Generator) nowMS() uint64 {
	return uint64(g.now().UnixMilli())
}

func (g *Generator) sleepToNextMS() uint64 {
	for {
		ts := g.nowMS()
		if ts > g.lastTS {
			return ts
		}
		time.Sleep(time.Millisecond / 10)
	}
}
