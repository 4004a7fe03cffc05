package session

import (
	"net"

	"github.com/mbarleon-org/R-Type-Server/internal/gsp"
	"github.com/mbarleon-org/R-Type-Server/pkg/metrics"
)

func netIP(b []byte) net.IP { return net.IP(b) }

// Tick runs the PING scheduler and periodic snapshot broadcast; the I/O
// loop calls it each time its TickInterval ticker fires.
func (l *Layer) Tick(snapshotSeq uint32, snapshotState []byte) {
	l.pingDue()
	l.broadcast(snapshotSeq, snapshotState)
}

// pingDue emits PING(4) to every authenticated player whose last PING
// was at least PingInterval ago.
func (l *Layer) pingDue() {
	now := l.now()
	for peer, p := range l.players {
		if now.Sub(p.lastPing) < PingInterval {
			continue
		}
		p.lastPing = now
		l.send(peer, gsp.BuildParams{
			Flags:    gsp.FlagConn,
			Channel:  gsp.ChanUU,
			ClientID: p.ClientID,
			Cmd:      gsp.CmdPing,
		})
	}
}

// broadcast sends the current simulation snapshot to every authenticated
// player, auto-fragmenting when it exceeds a single packet.
func (l *Layer) broadcast(seq uint32, state []byte) {
	if len(l.players) == 0 {
		return
	}
	for _, p := range l.players {
		l.sendSnapshot(p, seq, state)
	}
}

// sendSnapshot builds and sends the snapshot message to one player,
// splitting into FRAGMENT packets when the encoded message exceeds
// gsp.MaxPayloadSize.
func (l *Layer) sendSnapshot(p *Player, seq uint32, state []byte) {
	msg, fits := gsp.BuildSnapshotMessage(seq, state)
	if fits {
		l.send(p.Peer, gsp.BuildParams{
			Flags:    gsp.FlagReliable,
			Channel:  gsp.ChanRO,
			ClientID: p.ClientID,
			Cmd:      gsp.CmdSnapshot,
			Payload:  msg,
		})
		return
	}

	baseSeq := l.rel.NextSendSeq(p.Peer)
	fragments := gsp.SplitIntoFragments(msg)
	for i, frag := range fragments {
		payload, err := gsp.EncodeFragment(baseSeq, uint32(len(msg)), frag.Offset, frag.Chunk)
		if err != nil {
			continue
		}
		ackBase, ackBits := l.rel.AckFields(p.Peer)
		seqForPacket := baseSeq
		if i > 0 {
			seqForPacket = l.rel.NextSendSeq(p.Peer)
		}
		pkt, err := gsp.BuildPacket(gsp.BuildParams{
			Flags:    gsp.FlagReliable | gsp.FlagFragment,
			Seq:      seqForPacket,
			AckBase:  ackBase,
			AckBits:  ackBits,
			Channel:  gsp.ChanRO,
			ClientID: p.ClientID,
			Cmd:      gsp.CmdSnapshot,
			Payload:  payload,
		})
		if err != nil {
			continue
		}
		l.sink.SendUDP(p.Peer, pkt)
	}
	metrics.IncrCounter("session.snapshot_fragmented", 1)
}
