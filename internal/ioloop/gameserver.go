package ioloop

import (
	"net"
	"time"

	"github.com/mbarleon-org/R-Type-Server/internal/auth"
	"github.com/mbarleon-org/R-Type-Server/internal/gsp"
	"github.com/mbarleon-org/R-Type-Server/internal/ratelimit"
	"github.com/mbarleon-org/R-Type-Server/internal/reliability"
	"github.com/mbarleon-org/R-Type-Server/internal/session"
	"github.com/mbarleon-org/R-Type-Server/internal/sim"
	"github.com/mbarleon-org/R-Type-Server/pkg/log"
	"github.com/mbarleon-org/R-Type-Server/pkg/metrics"
)

// TickInterval drives the PING scheduler and snapshot broadcast.
const TickInterval = 100 * time.Millisecond

// cmdRate and cmdBurst bound how many GSP commands one peer may
// dispatch per second, independent of the 3-strikes parse-error
// counter: a well-formed command flood strikes nothing but still must
// not be allowed to monopolize the core goroutine.
const cmdRate = 50
const cmdBurst = 100

type gsDatagram struct {
	peer reliability.PeerID
	data []byte
}

// udpSink implements session.Sink over a real *net.UDPConn.
type udpSink struct {
	conn *net.UDPConn
}

func (s *udpSink) SendUDP(peer reliability.PeerID, packet []byte) {
	addr := &net.UDPAddr{IP: net.ParseIP(peer.IP), Port: int(peer.Port)}
	if _, err := s.conn.WriteToUDP(packet, addr); err != nil {
		log.Warn().Str("peer", peer.IP).Err(err).Msg("gameserver: send failed")
	}
}

// GameServerLoop is the game server process's I/O loop: a UDP recv
// goroutine feeding a single core goroutine that drives the reliability,
// auth and session layers.
type GameServerLoop struct {
	bindAddr string
	rel      *reliability.Engine
	authE    *auth.Engine
	sess     *session.Layer
	errs     *ratelimit.ParseErrorTracker
	cmds     *ratelimit.PerKeyLimiter

	datagrams chan gsDatagram
}

// NewGameServerLoop constructs a loop bound to bindAddr, authenticating
// against secret. The session layer (and its sink) is wired once Run
// resolves a live UDP socket.
func NewGameServerLoop(bindAddr string, secret []byte) *GameServerLoop {
	return &GameServerLoop{
		bindAddr:  bindAddr,
		rel:       reliability.NewEngine(),
		authE:     auth.NewEngine(secret),
		errs:      ratelimit.NewParseErrorTracker(),
		cmds:      ratelimit.NewPerKeyLimiter(cmdRate, cmdBurst),
		datagrams: make(chan gsDatagram, 1024),
	}
}

// Run resolves bindAddr, starts the receive goroutine, and drives the
// core loop (recv dispatch + periodic tick) until sd requests shutdown.
func (l *GameServerLoop) Run(sd *Shutdown, world sim.World) error {
	addr, err := net.ResolveUDPAddr("udp", l.bindAddr)
	if err != nil {
		return err
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return err
	}
	defer conn.Close()

	sink := &udpSink{conn: conn}
	l.sess = session.NewLayer(l.rel, l.authE, world, sink)

	go l.recvLoop(conn, sd)

	tick := time.NewTicker(TickInterval)
	defer tick.Stop()
	expiry := time.NewTicker(time.Second)
	defer expiry.Stop()

	log.Info().Str("addr", l.bindAddr).Msg("game server listening")

	for !sd.Requested() {
		select {
		case dg := <-l.datagrams:
			l.handleDatagram(dg)
		case <-tick.C:
			seq, state := world.LatestSnapshot()
			l.sess.Tick(seq, state)
		case <-expiry.C:
			l.rel.ExpireFragments()
			l.authE.ExpireChallenges()
		}
	}
	return nil
}

func (l *GameServerLoop) recvLoop(conn *net.UDPConn, sd *Shutdown) {
	buf := make([]byte, gsp.MaxPacketSize)
	for {
		n, addr, err := conn.ReadFromUDP(buf)
		if err != nil {
			if sd.Requested() {
				return
			}
			continue
		}
		peer := reliability.PeerID{IP: addr.IP.String(), Port: uint16(addr.Port)}
		data := append([]byte(nil), buf[:n]...)
		l.datagrams <- gsDatagram{peer: peer, data: data}
	}
}

func peerKeyStr(p reliability.PeerID) string { return p.IP + ":" + itoa64(uint64(p.Port)) }

func (l *GameServerLoop) strike(peer reliability.PeerID, reason string) {
	log.Debug().Str("peer", peer.IP).Str("reason", reason).Msg("gameserver: parse error")
	if l.errs.Strike(peerKeyStr(peer)) {
		l.sess.Disconnect(peer)
		l.errs.Forget(peerKeyStr(peer))
		l.cmds.Forget(peerKeyStr(peer))
	}
}

func (l *GameServerLoop) handleDatagram(dg gsDatagram) {
	hdr, err := gsp.ParseHeader(dg.data)
	if err != nil {
		if pe, ok := err.(*gsp.ParseError); ok && pe.DropSilently() {
			return
		}
		l.strike(dg.peer, "bad header")
		return
	}
	if !l.cmds.Allow(peerKeyStr(dg.peer)) {
		log.Debug().Str("peer", dg.peer.IP).Msg("gameserver: command rate exceeded, dropping datagram")
		return
	}

	payload := dg.data[gsp.HeaderSize:]

	outcome := l.rel.Receive(dg.peer, hdr, payload)
	metrics.IncrCounter("gameserver.packet_received", 1)

	cmd := hdr.Cmd
	body := payload
	if outcome.IsFragment {
		if outcome.FragmentError {
			l.strike(dg.peer, "oversized fragment total_size")
			return
		}
		if !outcome.FragmentComplete {
			return
		}
		if len(outcome.Reassembled) < 1 {
			return
		}
		// Only SNAPSHOT broadcasts are ever large enough to fragment, and
		// those flow server-to-client, never client-to-server: there is no
		// inbound command to dispatch a reassembled body to.
		return
	}
	if outcome.Duplicate {
		return
	}

	switch cmd {
	case gsp.CmdJoin:
		clientID, nonce, version, err := gsp.DecodeJoin(body)
		if err != nil {
			l.strike(dg.peer, "malformed JOIN")
			return
		}
		l.sess.HandleJoin(dg.peer, clientID, nonce, version, ip16(dg.peer.IP))
	case gsp.CmdAuth:
		nonce, cookie, err := gsp.DecodeAuth(body)
		if err != nil {
			l.strike(dg.peer, "malformed AUTH")
			return
		}
		l.sess.HandleAuth(dg.peer, hdr.ClientID, nonce, cookie, ip16(dg.peer.IP))
	case gsp.CmdInput:
		l.sess.HandleInput(dg.peer, body)
	case gsp.CmdResync:
		l.sess.HandleResync(dg.peer)
	case gsp.CmdChat:
		l.sess.HandleChat(dg.peer, body)
	case gsp.CmdPong:
		l.sess.HandlePong(dg.peer)
	default:
		l.strike(dg.peer, "unexpected command")
	}
}

func ip16(addr string) []byte {
	ip := net.ParseIP(addr)
	if ip == nil {
		return make([]byte, 16)
	}
	return ip.To16()
}
