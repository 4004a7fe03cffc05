package reliability

import (
	"sync"
	"time"
)

// FragmentExpiry is the lifetime of a reassembly slot from its first
// fragment.
const FragmentExpiry = 1 * time.Second

// maxReassembledSize bounds total_size on an incoming FRAGMENT: a
// sender can never legitimately fragment a message larger than the
// largest snapshot the game server ever builds, so anything above this
// ceiling is a malformed packet rather than an allocation request.
const maxReassembledSize = 1 << 20

type fragKey struct {
	peer    PeerID
	baseSeq uint32
}

type fragSlot struct {
	totalSize  uint32
	assembled  int
	have       []bool
	buf        []byte
	firstSeen  time.Time
}

// fragmentTable implements the fragment reassembly buffers, keyed by
// (peer, base_seq).
type fragmentTable struct {
	mu    sync.Mutex
	slots map[fragKey]*fragSlot
	now   func() time.Time
}

func newFragmentTable() *fragmentTable {
	return &fragmentTable{
		slots: make(map[fragKey]*fragSlot),
		now:   time.Now,
	}
}

// addFragment folds one fragment into its (peer, base_seq) slot. It
// returns the reassembled message and true once every byte in
// [0, total_size) has arrived without gap or contradiction;
// fragments that would push assembled bytes past total_size are
// rejected and simply not applied.
func (t *fragmentTable) addFragment(peer PeerID, baseSeq, totalSize, offset uint32, chunk []byte) ([]byte, bool) {
	if totalSize > maxReassembledSize {
		return nil, false
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	key := fragKey{peer: peer, baseSeq: baseSeq}
	slot, ok := t.slots[key]
	if !ok {
		slot = &fragSlot{
			totalSize: totalSize,
			buf:       make([]byte, totalSize),
			have:      make([]bool, totalSize),
			firstSeen: t.now(),
		}
		t.slots[key] = slot
	}

	end := uint64(offset) + uint64(len(chunk))
	if end > uint64(slot.totalSize) {
		// Would grow assembled bytes beyond total_size: reject.
		return nil, false
	}

	for i, b := range chunk {
		idx := int(offset) + i
		if slot.have[idx] {
			if slot.buf[idx] != b {
				// Overlap with contradicting bytes at the same offset:
				// reject the whole slot.
				delete(t.slots, key)
				return nil, false
			}
			continue
		}
		slot.have[idx] = true
		slot.buf[idx] = b
		slot.assembled++
	}

	if slot.assembled < int(slot.totalSize) {
		return nil, false
	}

	msg := slot.buf
	delete(t.slots, key)
	return msg, true
}

// expire discards every slot older than FragmentExpiry.
func (t *fragmentTable) expire() {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now()
	for k, s := range t.slots {
		if now.Sub(s.firstSeen) > FragmentExpiry {
			delete(t.slots, k)
		}
	}
}

func (t *fragmentTable) removePeer(peer PeerID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for k := range t.slots {
		if k.peer == peer {
			delete(t.slots, k)
		}
	}
}
