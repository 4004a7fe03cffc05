// Package reliability implements the GSP Reliability Engine: per-peer
// sequence tracking, selective-ACK bitfields, and duplicate suppression.
package reliability

import (
	"sync"

	"github.com/mbarleon-org/R-Type-Server/internal/gsp"
	"github.com/mbarleon-org/R-Type-Server/pkg/metrics"
)

// PeerID identifies a GSP peer. Identity for UDP is purely
// address-based: (ip, port), never a socket handle.
type PeerID struct {
	IP   string
	Port uint16
}

// PeerState is the per-peer reliability state
type PeerState struct {
	mu sync.Mutex

	nextSendSeq  uint32
	lastRecvSeq  uint32
	haveRecvOnce bool
	sackBits     uint8

	// seenSeqs is a small dedup set of most-recently-applied sequence
	// numbers, so a duplicate delivery is folded into the ack fields
	// without re-invoking any command handler.
	seenSeqs map[uint32]struct{}
}

func newPeerState() *PeerState {
	return &PeerState{seenSeqs: make(map[uint32]struct{})}
}

// Engine owns the reliability state for every peer of one GSP endpoint.
type Engine struct {
	mu    sync.RWMutex
	peers map[PeerID]*PeerState

	frags *fragmentTable
}

// NewEngine constructs an empty Reliability Engine.
func NewEngine() *Engine {
	return &Engine{
		peers: make(map[PeerID]*PeerState),
		frags: newFragmentTable(),
	}
}

func (e *Engine) peer(id PeerID) *PeerState {
	e.mu.RLock()
	p, ok := e.peers[id]
	e.mu.RUnlock()
	if ok {
		return p
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if p, ok := e.peers[id]; ok {
		return p
	}
	p = newPeerState()
	e.peers[id] = p
	return p
}

// RemovePeer destroys all reliability state for id.
func (e *Engine) RemovePeer(id PeerID) {
	e.mu.Lock()
	delete(e.peers, id)
	e.mu.Unlock()
	e.frags.removePeer(id)
}

// RecvOutcome tells the caller what happened to a received datagram and
// what it needs to do next.
type RecvOutcome struct {
	// Duplicate is true when Seq had already been applied for this
	// peer; the caller MUST NOT re-run any state-mutating command
	// handler. A duplicate still updates the ack fields, so it is
	// acknowledged only by the ack_base/ack_bits of the next packet sent
	// to the peer; no standalone ACK is emitted for it.
	Duplicate bool

	// Reassembled carries a fully-reassembled message when the received
	// packet completed a fragmented transfer; the caller should
	// dispatch it as if it had arrived atomically at BaseSeq.
	Reassembled []byte
	BaseSeq     uint32
	IsFragment  bool
	// FragmentComplete is false when IsFragment is true but the slot is
	// still waiting on more pieces; there is nothing to dispatch yet.
	FragmentComplete bool
	// FragmentError is true when the fragment's total_size exceeds
	// maxReassembledSize; the caller must count this as a parse error
	// against the peer rather than silently waiting for more pieces.
	FragmentError bool
}

// Receive applies one parsed GSP header to peer id's reliability state:
// it updates last_recv_seq and sack_bits and folds fragments into the
// reassembly table.
func (e *Engine) Receive(id PeerID, hdr gsp.Header, payload []byte) RecvOutcome {
	p := e.peer(id)
	p.mu.Lock()
	defer p.mu.Unlock()

	_, dup := p.seenSeqs[hdr.Seq]

	if hdr.Flags.Has(gsp.FlagFragment) {
		p.applyReceipt(hdr.Seq)
		if !dup {
			p.remember(hdr.Seq)
		}
		base, total, off, chunk, err := gsp.DecodeFragment(payload)
		if err != nil {
			return RecvOutcome{Duplicate: dup, IsFragment: true}
		}
		if total > maxReassembledSize {
			return RecvOutcome{Duplicate: dup, IsFragment: true, FragmentError: true}
		}
		msg, done := e.frags.addFragment(id, base, total, off, chunk)
		metrics.IncrCounter("reliability.fragment_received", 1)
		return RecvOutcome{
			Duplicate:        dup,
			IsFragment:       true,
			FragmentComplete: done,
			Reassembled:      msg,
			BaseSeq:          base,
		}
	}

	p.applyReceipt(hdr.Seq)
	if !dup {
		p.remember(hdr.Seq)
	} else {
		metrics.IncrCounter("reliability.duplicate_received", 1)
	}
	return RecvOutcome{Duplicate: dup}
}

// applyReceipt updates last_recv_seq and the sack bitfield for one
// received sequence number: on seq > last_recv_seq, it shifts the
// bitfield left by the gap and sets bit 0; on seq <= last_recv_seq, it
// sets the bit for that offset if still within the eight-packet window.
// Shifting by the gap (rather than by one on every packet) keeps a
// packet's relative position in the window exact instead of losing
// precision under bursty reordering.
func (p *PeerState) applyReceipt(seq uint32) {
	if !p.haveRecvOnce {
		p.haveRecvOnce = true
		p.lastRecvSeq = seq
		p.sackBits = 1
		return
	}
	if seq > p.lastRecvSeq {
		gap := seq - p.lastRecvSeq
		if gap >= 8 {
			p.sackBits = 1
		} else {
			p.sackBits = (p.sackBits << gap) | 1
		}
		p.lastRecvSeq = seq
		return
	}
	back := p.lastRecvSeq - seq
	if back == 0 {
		p.sackBits |= 1
		return
	}
	if back <= 8 {
		p.sackBits |= 1 << back
	}
}

func (p *PeerState) remember(seq uint32) {
	p.seenSeqs[seq] = struct{}{}
	if len(p.seenSeqs) > 256 {
		// Bound the dedup set: anything more than 256 sequences behind
		// the window is already outside the 8-bit sack window and can
		// never be re-examined for duplicate suppression.
		for k := range p.seenSeqs {
			if p.lastRecvSeq-k > 256 {
				delete(p.seenSeqs, k)
			}
		}
	}
}

// AckFields returns the (ack_base, ack_bits) a caller should stamp on
// its next outbound packet to id.
func (e *Engine) AckFields(id PeerID) (ackBase uint32, ackBits uint8) {
	p := e.peer(id)
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastRecvSeq, p.sackBits
}

// NextSendSeq assigns and increments the outbound sequence number for
// id; sequence numbers are strictly increasing across all outbound
// packets to that peer.
func (e *Engine) NextSendSeq(id PeerID) uint32 {
	p := e.peer(id)
	p.mu.Lock()
	defer p.mu.Unlock()
	seq := p.nextSendSeq
	p.nextSendSeq++
	return seq
}

// Stamp builds a complete outbound packet for id: it assigns Seq,
// AckBase and AckBits, leaving every other field to the caller.
func (e *Engine) Stamp(id PeerID, params gsp.BuildParams) ([]byte, error) {
	params.Seq = e.NextSendSeq(id)
	params.AckBase, params.AckBits = e.AckFields(id)
	return gsp.BuildPacket(params)
}

// ExpireFragments drops fragment reassembly slots that have been
// incomplete for longer than 1 second.
func (e *Engine) ExpireFragments() {
	e.frags.expire()
}
