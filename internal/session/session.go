// Package session implements the Game Server Session Layer: the player
// table, PING/PONG RTT tracking, and the command handlers that sit
// between the Reliability/Auth engines and the simulation.
package session

import (
	"time"

	"github.com/mbarleon-org/R-Type-Server/internal/auth"
	"github.com/mbarleon-org/R-Type-Server/internal/gsp"
	"github.com/mbarleon-org/R-Type-Server/internal/reliability"
	"github.com/mbarleon-org/R-Type-Server/internal/sim"
	"github.com/mbarleon-org/R-Type-Server/pkg/log"
	"github.com/mbarleon-org/R-Type-Server/pkg/metrics"
)

// PingInterval is the minimum spacing between PINGs to one peer.
const PingInterval = time.Second

// Sink is how the session layer hands finished datagrams to the I/O
// loop; ioloop supplies the concrete UDP-backed implementation.
type Sink interface {
	SendUDP(peer reliability.PeerID, packet []byte)
}

// Player is one authenticated peer's session-layer state.
type Player struct {
	ClientID uint32
	Peer     reliability.PeerID

	lastPing time.Time
	rttMin   time.Duration
	rttMax   time.Duration
	rttAvg   float64
	samples  uint64
}

// RTTStats reports a player's tracked round-trip-time statistics.
type RTTStats struct {
	Min, Max time.Duration
	Avg      time.Duration
	Samples  uint64
}

// Layer owns the player table and drives commands into the simulation.
type Layer struct {
	rel   *reliability.Engine
	authE *auth.Engine
	world sim.World
	sink  Sink
	clock func() time.Time

	players map[reliability.PeerID]*Player
}

// NewLayer wires a session Layer over its collaborators. sink is the
// outbound datagram destination; world is the simulation collaborator the
// layer calls into on JOIN, INPUT, RESYNC and each broadcast tick.
func NewLayer(rel *reliability.Engine, authE *auth.Engine, world sim.World, sink Sink) *Layer {
	return &Layer{
		rel:     rel,
		authE:   authE,
		world:   world,
		sink:    sink,
		clock:   time.Now,
		players: make(map[reliability.PeerID]*Player),
	}
}

func (l *Layer) now() time.Time { return l.clock() }

func peerKey(p reliability.PeerID) string { return p.IP + ":" + itoa(p.Port) }

func itoa(port uint16) string {
	const digits = "0123456789"
	if port == 0 {
		return "0"
	}
	var buf [5]byte
	i := len(buf)
	for port > 0 {
		i--
		buf[i] = digits[port%10]
		port /= 10
	}
	return string(buf[i:])
}

// send stamps and hands one packet to the sink.
func (l *Layer) send(peer reliability.PeerID, params gsp.BuildParams) {
	pkt, err := l.rel.Stamp(peer, params)
	if err != nil {
		log.Warn().Str("peer", peer.IP).Err(err).Msg("session: failed to build outbound packet")
		return
	}
	l.sink.SendUDP(peer, pkt)
}

// HandleJoin processes a JOIN(7): it forwards to the auth engine as a
// challenge request and, if accepted, sends CHALLENGE(9). A JOIN whose
// version is not 1 is answered with a KICK; a JOIN from an already
// authenticated peer yields no reply. The caller's parse-error/ownership
// accounting is unaffected since both are protocol-level, not
// wire-level, rejections.
func (l *Layer) HandleJoin(peer reliability.PeerID, clientID uint32, nonce, version uint8, srcIP []byte) {
	ts, cookie, ok := l.authE.Challenge(peerKey(peer), netIP(srcIP), clientID, nonce, version)
	if !ok {
		if version != 1 {
			log.Debug().Str("peer", peer.IP).Msg("join rejected: unsupported version")
			l.send(peer, gsp.BuildParams{
				Flags:    gsp.FlagReliable,
				Channel:  gsp.ChanRO,
				ClientID: clientID,
				Cmd:      gsp.CmdKick,
			})
			return
		}
		log.Debug().Str("peer", peer.IP).Msg("join rejected: already authenticated")
		return
	}
	l.send(peer, gsp.BuildParams{
		Flags:    gsp.FlagReliable,
		Channel:  gsp.ChanRO,
		ClientID: clientID,
		Cmd:      gsp.CmdChallenge,
		Payload:  gsp.EncodeChallenge(ts, cookie),
	})
}

// HandleAuth processes an AUTH(10): on success it registers the player,
// reserves a simulation slot, and replies AUTH_OK; a rejected slot KICKs
// the client instead of admitting it.
func (l *Layer) HandleAuth(peer reliability.PeerID, clientID uint32, nonce uint8, cookie [32]byte, srcIP []byte) {
	result, key := l.authE.Verify(peerKey(peer), netIP(srcIP), cookie)
	switch result {
	case auth.VerifyOK:
		if l.world.AssignPlayerSlot(clientID) == sim.SlotRejected {
			l.sendKick(peer, clientID, "no player slot available")
			return
		}
		l.players[peer] = &Player{ClientID: clientID, Peer: peer, lastPing: l.now()}
		l.send(peer, gsp.BuildParams{
			Flags:    gsp.FlagReliable,
			Channel:  gsp.ChanRO,
			ClientID: clientID,
			Cmd:      gsp.CmdAuthOK,
			Payload:  gsp.EncodeAuthOK(clientID, key),
		})
		metrics.IncrCounter("session.player_joined", 1)
		log.Info().Str("peer", peer.IP).Uint32("clientId", clientID).Msg("player joined")
	case auth.VerifyDestroyed:
		l.rel.RemovePeer(peer)
	default:
		// VerifyFailedRetry / VerifyUnexpectedState: silently await the
		// next AUTH attempt or the challenge's own expiry.
	}
}

func (l *Layer) sendKick(peer reliability.PeerID, clientID uint32, reason string) {
	l.send(peer, gsp.BuildParams{
		Flags:    gsp.FlagReliable,
		Channel:  gsp.ChanRO,
		ClientID: clientID,
		Cmd:      gsp.CmdKick,
	})
	l.authE.Destroy(peerKey(peer))
	l.rel.RemovePeer(peer)
	delete(l.players, peer)
	log.Info().Str("peer", peer.IP).Str("reason", reason).Msg("player kicked")
}

// HandleInput processes INPUT(1); gated on authentication so a peer that
// never completed the handshake can never mutate simulation state.
func (l *Layer) HandleInput(peer reliability.PeerID, payload []byte) {
	if !l.authE.CheckAuthenticated(peerKey(peer)) {
		return
	}
	p, ok := l.players[peer]
	if !ok {
		return
	}
	events, err := gsp.DecodeInput(payload)
	if err != nil {
		return
	}
	for _, e := range events {
		l.world.ApplyInput(p.ClientID, uint8(e.Type), e.Value)
	}
}

// HandleResync processes RESYNC(12): gated identically to INPUT, it
// pulls the latest snapshot and sends it immediately rather than waiting
// for the next broadcast tick.
func (l *Layer) HandleResync(peer reliability.PeerID) {
	if !l.authE.CheckAuthenticated(peerKey(peer)) {
		return
	}
	p, ok := l.players[peer]
	if !ok {
		return
	}
	seq, state := l.world.LatestSnapshot()
	l.sendSnapshot(p, seq, state)
}

// HandleChat passes a CHAT(3) payload through to every other
// authenticated player, unreliable-ordered.
func (l *Layer) HandleChat(from reliability.PeerID, payload []byte) {
	p, ok := l.players[from]
	if !ok {
		return
	}
	for peer, other := range l.players {
		if peer == from {
			continue
		}
		l.send(peer, gsp.BuildParams{
			Channel:  gsp.ChanUO,
			ClientID: other.ClientID,
			Cmd:      gsp.CmdChat,
			Payload:  payload,
		})
	}
	_ = p
}

// HandlePong records the reply to an outstanding PING and folds the
// measured RTT into the player's running statistics.
func (l *Layer) HandlePong(peer reliability.PeerID) {
	p, ok := l.players[peer]
	if !ok {
		return
	}
	rtt := l.now().Sub(p.lastPing)
	if p.samples == 0 || rtt < p.rttMin {
		p.rttMin = rtt
	}
	if rtt > p.rttMax {
		p.rttMax = rtt
	}
	p.rttAvg = (p.rttAvg*float64(p.samples) + float64(rtt)) / float64(p.samples+1)
	p.samples++
}

// RTT reports a player's tracked round-trip statistics, if known.
func (l *Layer) RTT(peer reliability.PeerID) (RTTStats, bool) {
	p, ok := l.players[peer]
	if !ok {
		return RTTStats{}, false
	}
	return RTTStats{Min: p.rttMin, Max: p.rttMax, Avg: time.Duration(p.rttAvg), Samples: p.samples}, true
}

// Disconnect removes peer from the player table and releases its
// simulation slot, on connection loss or a 3-strikes teardown.
func (l *Layer) Disconnect(peer reliability.PeerID) {
	p, ok := l.players[peer]
	if !ok {
		return
	}
	l.world.RemovePlayer(p.ClientID)
	l.authE.Destroy(peerKey(peer))
	l.rel.RemovePeer(peer)
	delete(l.players, peer)
}
