// Package sim defines the simulation collaborator boundary: the game
// world itself (entity-component state, movement, snapshot encoding) is
// an external concern the session layer only calls into through this
// interface, never implements.
package sim

// SlotResult is returned by AssignPlayerSlot.
type SlotResult int

const (
	SlotAssigned SlotResult = iota
	SlotRejected
)

// World is the interface the session layer drives a simulation through.
// A real game would implement this over its entity-component store; the
// core never inspects state beyond these four calls.
type World interface {
	// ApplyInput forwards one decoded (type, value) event, tagged with
	// the client that produced it.
	ApplyInput(clientID uint32, inputType uint8, value uint8)

	// LatestSnapshot returns the most recently produced snapshot: its
	// monotonic sequence number and opaque state bytes. Called once per
	// broadcast tick and on RESYNC.
	LatestSnapshot() (seq uint32, state []byte)

	// AssignPlayerSlot reserves a slot for a newly authenticated client,
	// called once on successful JOIN. SlotRejected causes the session
	// layer to KICK the client instead of admitting it.
	AssignPlayerSlot(clientID uint32) SlotResult

	// RemovePlayer releases clientID's slot, called on disconnect or
	// KICK.
	RemovePlayer(clientID uint32)
}

// StubWorld is a minimal in-memory World good enough to make the game
// server binary runnable without a real simulation wired in: it holds no
// entities, never rejects a slot, and its "snapshot" is just a
// zero-length blob tagged with an incrementing sequence.
type StubWorld struct {
	seq     uint32
	players map[uint32]struct{}
}

// NewStubWorld constructs an empty StubWorld.
func NewStubWorld() *StubWorld {
	return &StubWorld{players: make(map[uint32]struct{})}
}

func (w *StubWorld) ApplyInput(clientID uint32, inputType uint8, value uint8) {
	// No world state to mutate; a real simulation would step here.
}

func (w *StubWorld) LatestSnapshot() (uint32, []byte) {
	w.seq++
	return w.seq, nil
}

func (w *StubWorld) AssignPlayerSlot(clientID uint32) SlotResult {
	w.players[clientID] = struct{}{}
	return SlotAssigned
}

func (w *StubWorld) RemovePlayer(clientID uint32) {
	delete(w.players, clientID)
}
