package reliability

import (
	"testing"

	"github.com/mbarleon-org/R-Type-Server/internal/gsp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mkPeer() PeerID { return PeerID{IP: "127.0.0.1", Port: 9000} }

func TestOutboundSeqIsContiguousFromZero(t *testing.T) {
	e := NewEngine()
	peer := mkPeer()
	for i := uint32(0); i < 5; i++ {
		got := e.NextSendSeq(peer)
		assert.Equal(t, i, got)
	}
}

func TestLastRecvSeqNonDecreasing(t *testing.T) {
	e := NewEngine()
	peer := mkPeer()
	seqs := []uint32{0, 1, 3, 2, 5, 4}
	last := uint32(0)
	for _, s := range seqs {
		hdr := gsp.Header{Seq: s, Channel: gsp.ChanUU, Cmd: gsp.CmdPing}
		e.Receive(peer, hdr, nil)
		ab, _ := e.AckFields(peer)
		assert.GreaterOrEqual(t, ab, last)
		last = ab
	}
	ab, _ := e.AckFields(peer)
	assert.EqualValues(t, 5, ab)
}

func TestDuplicateReceiveDoesNotDoubleApply(t *testing.T) {
	e := NewEngine()
	peer := mkPeer()
	hdr := gsp.Header{Seq: 10, Channel: gsp.ChanRO, Cmd: gsp.CmdPing}

	out1 := e.Receive(peer, hdr, nil)
	assert.False(t, out1.Duplicate)

	out2 := e.Receive(peer, hdr, nil)
	assert.True(t, out2.Duplicate)
}

func TestFragmentReassemblyRoundTrip(t *testing.T) {
	e := NewEngine()
	peer := mkPeer()
	msg := []byte("the quick brown fox jumps over the lazy dog")
	parts := gsp.SplitIntoFragments(msg)
	require.Greater(t, len(parts), 0)

	var reassembled []byte
	for i, p := range parts {
		payload, err := gsp.EncodeFragment(100, uint32(len(msg)), p.Offset, p.Chunk)
		require.NoError(t, err)
		hdr := gsp.Header{
			Seq:     uint32(200 + i),
			Flags:   gsp.FlagFragment,
			Channel: gsp.ChanRO,
			Cmd:     gsp.CmdFragment,
		}
		out := e.Receive(peer, hdr, payload)
		if out.FragmentComplete {
			reassembled = out.Reassembled
		}
	}
	assert.Equal(t, msg, reassembled)
}

func TestFragmentContradictingOverlapFails(t *testing.T) {
	e := NewEngine()
	peer := mkPeer()

	payload1, _ := gsp.EncodeFragment(1, 10, 0, []byte("hello"))
	out1 := e.Receive(peer, gsp.Header{Seq: 1, Flags: gsp.FlagFragment, Cmd: gsp.CmdFragment}, payload1)
	assert.False(t, out1.FragmentComplete)

	payload2, _ := gsp.EncodeFragment(1, 10, 0, []byte("HELLO"))
	out2 := e.Receive(peer, gsp.Header{Seq: 2, Flags: gsp.FlagFragment, Cmd: gsp.CmdFragment}, payload2)
	assert.False(t, out2.FragmentComplete)
	assert.Nil(t, out2.Reassembled)
}

func TestStampAssignsAckFields(t *testing.T) {
	e := NewEngine()
	peer := mkPeer()
	e.Receive(peer, gsp.Header{Seq: 7, Cmd: gsp.CmdPing}, nil)

	pkt, err := e.Stamp(peer, gsp.BuildParams{Cmd: gsp.CmdPong, Channel: gsp.ChanUU})
	require.NoError(t, err)
	hdr, err := gsp.ParseHeader(pkt)
	require.NoError(t, err)
	assert.EqualValues(t, 0, hdr.Seq)
	assert.EqualValues(t, 7, hdr.AckBase)
}

func TestRemovePeerClearsFragmentState(t *testing.T) {
	e := NewEngine()
	peer := mkPeer()
	payload, _ := gsp.EncodeFragment(1, 10, 0, []byte("hello"))
	e.Receive(peer, gsp.Header{Seq: 1, Flags: gsp.FlagFragment, Cmd: gsp.CmdFragment}, payload)
	e.RemovePeer(peer)

	// Completing what used to be the same slot after removal must start
	// a fresh slot rather than resuming the old one.
	out := e.Receive(peer, gsp.Header{Seq: 2, Flags: gsp.FlagFragment, Cmd: gsp.CmdFragment}, payload)
	assert.False(t, out.FragmentComplete)
}
