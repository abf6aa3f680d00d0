// Package pktstore implements the special-packet store and repeater: a
// cache of outbound control packets that are retransmitted on a timer until
// acknowledged or abandoned. Grounded on
// original_source/Neverland/neverland/components/pktmgmt.py for the
// repeat_state bookkeeping and repeater loop branching, and on
// pkg/nspkt/listener.go's atomic-counter metrics style.
package pktstore

import (
	"crypto/rand"
	"sync"
	"time"

	"github.com/VictoriaMetrics/metrics"

	"github.com/ovrmesh/meshnode/internal/wire"
)

// DefaultMaxRepeatTimes is the default retransmit cap (spec §4.6), used when
// StorePkt is given a cap of zero or less.
const DefaultMaxRepeatTimes = 5

// Sender transmits a wire-encoded packet to its destination. The store
// regenerates the packet's salt (and therefore its MAC) before each
// transmission, so the sender is handed a fresh encode on every call.
type Sender interface {
	Send(pkt *wire.Packet) error
}

// entry tracks one stored packet plus its repeat bookkeeping.
type entry struct {
	pkt *wire.Packet

	lastTS          time.Time
	nextTS          time.Time
	maxRepeatTimes  int
	repeatedTimes   int
	hasTimestamps   bool
	cancelled       bool
}

// Store holds in-flight special packets keyed by serial number, and repeats
// them until acked, cancelled, or exhausted.
type Store struct {
	mu      sync.Mutex
	entries map[uint64]*entry
	sender  Sender

	interval time.Duration
	closing  chan struct{}

	mStored    *metrics.Counter
	mRepeated  *metrics.Counter
	mExhausted *metrics.Counter
	mAcked     *metrics.Counter
}

// New creates a Store. interval is how often the repeater loop wakes to
// check for due packets (spec §4.6: driven by a periodic timer, not one
// timer per packet).
func New(sender Sender, interval time.Duration) *Store {
	if interval <= 0 {
		interval = 200 * time.Millisecond
	}
	return &Store{
		entries:    make(map[uint64]*entry),
		sender:     sender,
		interval:   interval,
		closing:    make(chan struct{}),
		mStored:    metrics.NewCounter(`meshnode_pktstore_stored_total`),
		mRepeated:  metrics.NewCounter(`meshnode_pktstore_repeated_total`),
		mExhausted: metrics.NewCounter(`meshnode_pktstore_exhausted_total`),
		mAcked:     metrics.NewCounter(`meshnode_pktstore_acked_total`),
	}
}

// StorePkt caches pkt for repeated delivery. Any existing salt on pkt is
// cleared immediately (spec §4.6: "store_pkt clears any existing salt"); a
// fresh salt is generated on the first and every subsequent transmission.
func (s *Store) StorePkt(pkt *wire.Packet, maxRepeatTimes int) {
	if maxRepeatTimes <= 0 {
		maxRepeatTimes = DefaultMaxRepeatTimes
	}
	pkt.Salt = nil

	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[pkt.SN] = &entry{
		pkt:            pkt,
		maxRepeatTimes: maxRepeatTimes,
	}
	s.mStored.Inc()
}

// GetPkt returns the stored packet for sn, if any.
func (s *Store) GetPkt(sn uint64) (*wire.Packet, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[sn]
	if !ok {
		return nil, false
	}
	return e.pkt, true
}

// RemovePkt drops the stored packet for sn, e.g. once its RESPONSE has been
// received.
func (s *Store) RemovePkt(sn uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[sn]; ok {
		delete(s.entries, sn)
		s.mAcked.Inc()
	}
}

// CancelRepeat stops future retransmission of sn without removing it from
// the store (spec §4.6 cancel_repeat: the packet stays available via
// GetPkt, only the repeater skips it).
func (s *Store) CancelRepeat(sn uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[sn]; ok {
		e.cancelled = true
	}
}

// Len reports how many packets are currently stored.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Run drives the repeater loop until ctx-like Close is called.
func (s *Store) Run() {
	t := time.NewTicker(s.interval)
	defer t.Stop()
	for {
		select {
		case <-s.closing:
			return
		case <-t.C:
			s.tick()
		}
	}
}

// Close stops Run.
func (s *Store) Close() {
	select {
	case <-s.closing:
	default:
		close(s.closing)
	}
}

// tick implements the repeater's per-packet branch table (spec §4.6):
//
//	missing timestamps + repeated_times == 0  -> due now, first transmission
//	repeated_times >= max_repeat_times         -> exhausted, drop
//	now < next_ts                              -> not yet due, skip
//	now >= next_ts                             -> due, retransmit
func (s *Store) tick() {
	now := time.Now()

	s.mu.Lock()
	var due []*entry
	var exhausted []uint64
	for sn, e := range s.entries {
		if e.cancelled {
			continue
		}
		switch {
		case e.repeatedTimes >= e.maxRepeatTimes:
			exhausted = append(exhausted, sn)
		case !e.hasTimestamps:
			due = append(due, e)
		case now.Before(e.nextTS):
			// not yet due
		default:
			due = append(due, e)
		}
	}
	for _, sn := range exhausted {
		delete(s.entries, sn)
	}
	s.mu.Unlock()

	s.mExhausted.Add(len(exhausted))

	for _, e := range due {
		s.retransmit(e, now)
	}
}

func (s *Store) retransmit(e *entry, now time.Time) {
	salt := make([]byte, 8)
	if _, err := rand.Read(salt); err != nil {
		return
	}

	s.mu.Lock()
	e.pkt.Salt = salt
	e.lastTS = now
	e.nextTS = now.Add(s.backoff(e.repeatedTimes))
	e.hasTimestamps = true
	e.repeatedTimes++
	repeated := e.repeatedTimes
	s.mu.Unlock()

	if err := s.sender.Send(e.pkt); err == nil {
		if repeated > 1 {
			s.mRepeated.Inc()
		}
	}
}

// backoff returns the delay before the next retransmission attempt n+1,
// growing linearly with attempt count (spec leaves the exact curve
// unspecified; this mirrors the teacher's fixed-step reconnect backoff in
// pkg/nspkt rather than introducing exponential jitter here).
func (s *Store) backoff(attemptsSoFar int) time.Duration {
	step := time.Duration(attemptsSoFar+1) * 500 * time.Millisecond
	if step > 5*time.Second {
		step = 5 * time.Second
	}
	return step
}
