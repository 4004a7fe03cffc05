package session

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbarleon-org/R-Type-Server/internal/auth"
	"github.com/mbarleon-org/R-Type-Server/internal/gsp"
	"github.com/mbarleon-org/R-Type-Server/internal/reliability"
	"github.com/mbarleon-org/R-Type-Server/internal/sim"
)

type recordedPacket struct {
	peer reliability.PeerID
	pkt  []byte
}

type fakeSink struct {
	sent []recordedPacket
}

func (f *fakeSink) SendUDP(peer reliability.PeerID, packet []byte) {
	f.sent = append(f.sent, recordedPacket{peer: peer, pkt: packet})
}

func (f *fakeSink) last() []byte {
	if len(f.sent) == 0 {
		return nil
	}
	return f.sent[len(f.sent)-1].pkt
}

type fakeWorld struct {
	rejectSlot bool
	applied    []struct {
		clientID uint32
		typ      uint8
		value    uint8
	}
	removed []uint32
	seq     uint32
	state   []byte
}

func (w *fakeWorld) ApplyInput(clientID uint32, typ uint8, value uint8) {
	w.applied = append(w.applied, struct {
		clientID uint32
		typ      uint8
		value    uint8
	}{clientID, typ, value})
}

func (w *fakeWorld) LatestSnapshot() (uint32, []byte) { return w.seq, w.state }

func (w *fakeWorld) AssignPlayerSlot(clientID uint32) sim.SlotResult {
	if w.rejectSlot {
		return sim.SlotRejected
	}
	return sim.SlotAssigned
}

func (w *fakeWorld) RemovePlayer(clientID uint32) { w.removed = append(w.removed, clientID) }

const testSecret = "session-test-secret"

func newTestLayer() (*Layer, *fakeSink, *fakeWorld, *auth.Engine) {
	rel := reliability.NewEngine()
	authE := auth.NewEngine([]byte(testSecret))
	world := &fakeWorld{}
	sink := &fakeSink{}
	l := NewLayer(rel, authE, world, sink)
	return l, sink, world, authE
}

func joinAndAuth(t *testing.T, l *Layer, sink *fakeSink, authE *auth.Engine, peer reliability.PeerID, clientID uint32) {
	t.Helper()
	ip := []byte{0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0xff, 0xff, 127, 0, 0, 1}
	l.HandleJoin(peer, clientID, 0xAB, 1, ip)
	require.NotEmpty(t, sink.sent)

	hdr, err := gsp.ParseHeader(sink.last())
	require.NoError(t, err)
	require.Equal(t, gsp.CmdChallenge, hdr.Cmd)
	ts, cookie, err := gsp.DecodeChallenge(sink.last()[gsp.HeaderSize:])
	require.NoError(t, err)
	_ = ts

	l.HandleAuth(peer, clientID, 0xAB, cookie, ip)
}

func TestJoinChallengeAuthFlow(t *testing.T) {
	l, sink, _, _ := newTestLayer()
	peer := reliability.PeerID{IP: "127.0.0.1", Port: 9000}
	joinAndAuth(t, l, sink, nil, peer, 7)

	hdr, err := gsp.ParseHeader(sink.last())
	require.NoError(t, err)
	assert.Equal(t, gsp.CmdAuthOK, hdr.Cmd)

	_, ok := l.players[peer]
	assert.True(t, ok)
}

func TestAuthSlotRejectedSendsKick(t *testing.T) {
	l, sink, world, _ := newTestLayer()
	world.rejectSlot = true
	peer := reliability.PeerID{IP: "127.0.0.1", Port: 9001}
	joinAndAuth(t, l, sink, nil, peer, 8)

	hdr, err := gsp.ParseHeader(sink.last())
	require.NoError(t, err)
	assert.Equal(t, gsp.CmdKick, hdr.Cmd)
	_, ok := l.players[peer]
	assert.False(t, ok)
}

func TestInputGatedOnAuthentication(t *testing.T) {
	l, _, world, _ := newTestLayer()
	peer := reliability.PeerID{IP: "127.0.0.1", Port: 9002}

	payload := gsp.EncodeInput([]gsp.InputEvent{{Type: gsp.InputForward, Value: 1}})
	l.HandleInput(peer, payload)
	assert.Empty(t, world.applied, "unauthenticated peer must never mutate simulation state")
}

func TestInputAppliedAfterAuth(t *testing.T) {
	l, sink, world, _ := newTestLayer()
	peer := reliability.PeerID{IP: "127.0.0.1", Port: 9003}
	joinAndAuth(t, l, sink, nil, peer, 9)

	payload := gsp.EncodeInput([]gsp.InputEvent{{Type: gsp.InputForward, Value: 42}})
	l.HandleInput(peer, payload)
	require.Len(t, world.applied, 1)
	assert.EqualValues(t, 9, world.applied[0].clientID)
	assert.EqualValues(t, 42, world.applied[0].value)
}

func TestPingSchedulerRespectsInterval(t *testing.T) {
	l, sink, _, _ := newTestLayer()
	now := time.Unix(1000, 0)
	l.clock = func() time.Time { return now }
	peer := reliability.PeerID{IP: "127.0.0.1", Port: 9004}
	joinAndAuth(t, l, sink, nil, peer, 10)

	before := len(sink.sent)
	l.pingDue()
	assert.Equal(t, before, len(sink.sent), "ping must not fire before PingInterval elapses")

	now = now.Add(2 * time.Second)
	l.pingDue()
	assert.Greater(t, len(sink.sent), before)
	hdr, err := gsp.ParseHeader(sink.last())
	require.NoError(t, err)
	assert.Equal(t, gsp.CmdPing, hdr.Cmd)
}

func TestPongUpdatesRTTStats(t *testing.T) {
	l, sink, _, _ := newTestLayer()
	now := time.Unix(2000, 0)
	l.clock = func() time.Time { return now }
	peer := reliability.PeerID{IP: "127.0.0.1", Port: 9005}
	joinAndAuth(t, l, sink, nil, peer, 11)

	l.pingDue()
	now = now.Add(50 * time.Millisecond)
	l.HandlePong(peer)

	stats, ok := l.RTT(peer)
	require.True(t, ok)
	assert.EqualValues(t, 1, stats.Samples)
	assert.Equal(t, 50*time.Millisecond, stats.Min)
	assert.Equal(t, 50*time.Millisecond, stats.Max)
}

func TestBroadcastFragmentsLargeSnapshot(t *testing.T) {
	l, sink, _, _ := newTestLayer()
	peer := reliability.PeerID{IP: "127.0.0.1", Port: 9006}
	joinAndAuth(t, l, sink, nil, peer, 12)

	before := len(sink.sent)
	state := make([]byte, 3000)
	l.broadcast(1, state)

	frags := sink.sent[before:]
	assert.Len(t, frags, 3, "a 3000-byte state must split into 3 FRAGMENT packets")
	for _, rp := range frags {
		hdr, err := gsp.ParseHeader(rp.pkt)
		require.NoError(t, err)
		assert.Equal(t, gsp.CmdSnapshot, hdr.Cmd)
		assert.True(t, hdr.Flags.Has(gsp.FlagFragment))
	}
}

func TestBroadcastSinglePacketWhenSmall(t *testing.T) {
	l, sink, _, _ := newTestLayer()
	peer := reliability.PeerID{IP: "127.0.0.1", Port: 9007}
	joinAndAuth(t, l, sink, nil, peer, 13)

	before := len(sink.sent)
	l.broadcast(1, make([]byte, 100))
	assert.Len(t, sink.sent[before:], 1)
}

func TestChatPassthroughExcludesSender(t *testing.T) {
	l, sink, _, _ := newTestLayer()
	peerA := reliability.PeerID{IP: "127.0.0.1", Port: 9008}
	peerB := reliability.PeerID{IP: "127.0.0.1", Port: 9009}
	joinAndAuth(t, l, sink, nil, peerA, 14)
	joinAndAuth(t, l, sink, nil, peerB, 15)

	before := len(sink.sent)
	l.HandleChat(peerA, []byte("hello"))
	after := sink.sent[before:]
	require.Len(t, after, 1)
	assert.Equal(t, peerB, after[0].peer)
}

func TestDisconnectReleasesSlotAndState(t *testing.T) {
	l, sink, world, _ := newTestLayer()
	peer := reliability.PeerID{IP: "127.0.0.1", Port: 9010}
	joinAndAuth(t, l, sink, nil, peer, 16)

	l.Disconnect(peer)
	_, ok := l.players[peer]
	assert.False(t, ok)
	assert.Contains(t, world.removed, uint32(16))
}
