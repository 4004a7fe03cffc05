package ioloop

import (
	"net"
	"time"

	"github.com/mbarleon-org/R-Type-Server/internal/gwp"
	"github.com/mbarleon-org/R-Type-Server/internal/ratelimit"
	"github.com/mbarleon-org/R-Type-Server/internal/router"
	"github.com/mbarleon-org/R-Type-Server/pkg/log"
	"github.com/mbarleon-org/R-Type-Server/pkg/metrics"
)

// maxAccumulator is the TCP per-connection buffer bound;
// exceeding it tears the connection down.
const maxAccumulator = 64 * 1024

// cmdRate and cmdBurst bound how many GWP commands one TCP connection
// may dispatch per second, independent of the 3-strikes parse-error
// counter: a well-formed command flood strikes nothing but still must
// not be allowed to monopolize the core goroutine.
const cmdRate = 50
const cmdBurst = 100

type connRole int

const (
	roleUnknown connRole = iota
	roleGS
)

type gwConn struct {
	id     uint64
	nc     net.Conn
	role   connRole
	handle router.Handle
	accum  []byte
	out    chan []byte
	closed bool
}

func (c *gwConn) send(pkt []byte) {
	select {
	case c.out <- pkt:
	default:
		log.Warn().Int("connId", int(c.id)).Msg("gateway: outbound queue full, dropping packet")
	}
}

type gwEventKind int

const (
	gwEvAccept gwEventKind = iota
	gwEvData
	gwEvClose
)

type gwEvent struct {
	kind   gwEventKind
	connID uint64
	nc     net.Conn
	data   []byte
}

// GatewayLoop is the Gateway process's I/O loop: TCP accept/recv/send
// funneled through a single core goroutine driving a router.Router.
type GatewayLoop struct {
	listenAddr string
	router     *router.Router
	errs       *ratelimit.ParseErrorTracker
	cmds       *ratelimit.PerKeyLimiter

	events chan gwEvent
	conns  map[uint64]*gwConn
	nextID uint64
}

// NewGatewayLoop constructs a loop bound to listenAddr, dispatching into r.
func NewGatewayLoop(listenAddr string, r *router.Router) *GatewayLoop {
	return &GatewayLoop{
		listenAddr: listenAddr,
		router:     r,
		errs:       ratelimit.NewParseErrorTracker(),
		cmds:       ratelimit.NewPerKeyLimiter(cmdRate, cmdBurst),
		events:     make(chan gwEvent, 256),
		conns:      make(map[uint64]*gwConn),
	}
}

// Run accepts connections and drives the core loop until sd requests
// shutdown.
func (g *GatewayLoop) Run(sd *Shutdown) error {
	ln, err := net.Listen("tcp", g.listenAddr)
	if err != nil {
		return err
	}
	log.Info().Str("addr", g.listenAddr).Msg("gateway listening")

	go g.acceptLoop(ln, sd)

	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	for !sd.Requested() {
		select {
		case ev := <-g.events:
			g.handle(ev)
		case <-ticker.C:
		}
	}
	for _, c := range g.conns {
		g.closeConn(c)
	}
	return ln.Close()
}

func (g *GatewayLoop) acceptLoop(ln net.Listener, sd *Shutdown) {
	for !sd.Requested() {
		nc, err := ln.Accept()
		if err != nil {
			if sd.Requested() {
				return
			}
			log.Warn().Err(err).Msg("gateway: accept failed")
			continue
		}
		g.events <- gwEvent{kind: gwEvAccept, nc: nc}
	}
}

func (g *GatewayLoop) readLoop(id uint64, nc net.Conn) {
	buf := make([]byte, 4096)
	for {
		n, err := nc.Read(buf)
		if n > 0 {
			chunk := append([]byte(nil), buf[:n]...)
			g.events <- gwEvent{kind: gwEvData, connID: id, data: chunk}
		}
		if err != nil {
			g.events <- gwEvent{kind: gwEvClose, connID: id}
			return
		}
	}
}

func (g *GatewayLoop) writeLoop(c *gwConn) {
	for pkt := range c.out {
		if _, err := c.nc.Write(pkt); err != nil {
			log.Warn().Int("connId", int(c.id)).Err(err).Msg("gateway: write failed")
			return
		}
	}
}

func (g *GatewayLoop) handle(ev gwEvent) {
	switch ev.kind {
	case gwEvAccept:
		g.nextID++
		id := g.nextID
		c := &gwConn{id: id, nc: ev.nc, out: make(chan []byte, 64)}
		g.conns[id] = c
		go g.writeLoop(c)
		go g.readLoop(id, ev.nc)
		metrics.IncrCounter("gateway.connection_accepted", 1)
	case gwEvData:
		c, ok := g.conns[ev.connID]
		if !ok {
			return
		}
		c.accum = append(c.accum, ev.data...)
		if len(c.accum) > maxAccumulator {
			log.Warn().Int("connId", int(ev.connID)).Msg("gateway: accumulator overflow, closing")
			g.closeConn(c)
			return
		}
		g.drainFrames(c)
	case gwEvClose:
		c, ok := g.conns[ev.connID]
		if !ok {
			return
		}
		g.closeConn(c)
	}
}

func (g *GatewayLoop) closeConn(c *gwConn) {
	if c.closed {
		return
	}
	c.closed = true
	close(c.out)
	c.nc.Close()
	delete(g.conns, c.id)
	if c.role == roleGS {
		g.router.RemoveGS(c.handle)
	}
	g.errs.Forget(connKey(c.id))
	g.cmds.Forget(connKey(c.id))
	metrics.IncrCounter("gateway.connection_closed", 1)
}

func connKey(id uint64) string {
	return "conn:" + itoa64(id)
}

func itoa64(v uint64) string {
	if v == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = byte('0' + v%10)
		v /= 10
	}
	return string(buf[i:])
}

// frameLen determines how many bytes a complete GWP frame needs, given
// its 5-byte header and the sender's connection role (JOIN's payload
// shape differs by direction: a registered GS replying to a pending
// CREATE sends the 22-byte form, a client sends the 4-byte form). It
// returns needMore=true when GID's length-prefixed payload hasn't
// arrived yet.
func frameLen(hdr gwp.Header, role connRole, accum []byte) (total int, needMore bool) {
	switch hdr.Cmd {
	case gwp.CmdJoin:
		if role == roleGS {
			return 27, false
		}
		return 9, false
	case gwp.CmdJoinKO, gwp.CmdCreateKO, gwp.CmdGSOK, gwp.CmdGSKO:
		return 5, false
	case gwp.CmdCreate:
		return 6, false
	case gwp.CmdGameEnd:
		return 9, false
	case gwp.CmdGS:
		return 23, false
	case gwp.CmdOccupancy:
		return 6, false
	case gwp.CmdGID:
		if len(accum) < gwp.HeaderSize+1 {
			return 0, true
		}
		n := int(accum[gwp.HeaderSize])
		return gwp.HeaderSize + 1 + 4*n, false
	default:
		return -1, false
	}
}

func (g *GatewayLoop) drainFrames(c *gwConn) {
	for {
		if len(c.accum) < gwp.HeaderSize {
			return
		}
		hdr, err := gwp.ParseHeader(c.accum)
		if err != nil {
			if pe, ok := err.(*gwp.ParseError); ok && pe.DropSilently() {
				c.accum = c.accum[1:]
				continue
			}
			g.strike(c, "bad header")
			return
		}
		total, needMore := frameLen(hdr, c.role, c.accum)
		if needMore {
			return
		}
		if total < 0 {
			g.strike(c, "unknown command")
			return
		}
		if len(c.accum) < total {
			return
		}
		frame := c.accum[:total]
		c.accum = c.accum[total:]
		if !g.cmds.Allow(connKey(c.id)) {
			log.Debug().Int("connId", int(c.id)).Msg("gateway: command rate exceeded, dropping frame")
			continue
		}
		g.dispatch(c, hdr, frame[gwp.HeaderSize:])
	}
}

// strike counts one parse error against c, tearing it down at the
// 4-error threshold.
func (g *GatewayLoop) strike(c *gwConn, reason string) {
	log.Debug().Int("connId", int(c.id)).Str("reason", reason).Msg("gateway: parse error")
	if g.errs.Strike(connKey(c.id)) {
		g.closeConn(c)
	}
}

func (g *GatewayLoop) dispatch(c *gwConn, hdr gwp.Header, payload []byte) {
	switch hdr.Cmd {
	case gwp.CmdGS:
		g.handleGS(c, payload)
	case gwp.CmdOccupancy:
		g.handleOccupancy(c, payload)
	case gwp.CmdGID:
		g.handleGID(c, payload)
	case gwp.CmdCreate:
		g.handleCreate(c, payload)
	case gwp.CmdJoin:
		g.handleJoin(c, payload)
	case gwp.CmdGameEnd:
		g.handleGameEnd(c, payload)
	default:
		g.strike(c, "unexpected command from peer")
	}
}

func (g *GatewayLoop) handleGS(c *gwConn, payload []byte) {
	ip, port, err := gwp.ParseGS(payload)
	if err != nil {
		g.strike(c, "malformed GS")
		return
	}
	c.handle = router.NewHandle()
	_, ok := g.router.RegisterGS(c.handle, ip, port)
	c.role = roleGS
	if ok {
		c.send(gwp.BuildGSOK())
	} else {
		c.send(gwp.BuildGSKO())
	}
}

func (g *GatewayLoop) handleOccupancy(c *gwConn, payload []byte) {
	occ, err := gwp.ParseOccupancy(payload)
	if err != nil {
		g.strike(c, "malformed OCCUPANCY")
		return
	}
	if err := g.router.UpdateOccupancy(c.handle, occ); err != nil {
		g.strike(c, "OCCUPANCY from non-GS")
	}
}

func (g *GatewayLoop) handleGID(c *gwConn, payload []byte) {
	ids, err := gwp.ParseGID(payload)
	if err != nil {
		g.strike(c, "malformed GID")
		return
	}
	if err := g.router.UpdateGID(c.handle, ids); err != nil {
		g.strike(c, "GID from non-GS")
	}
}

func (g *GatewayLoop) handleCreate(c *gwConn, payload []byte) {
	gametype, err := gwp.ParseCreate(payload)
	if err != nil {
		g.strike(c, "malformed CREATE")
		return
	}
	if c.handle == "" {
		c.handle = router.NewHandle()
	}
	_, gsHandle, selErr := g.router.SelectLeastLoaded()
	if selErr != nil {
		c.send(gwp.BuildCreateKO())
		return
	}
	gsConn := g.connForHandle(gsHandle)
	if gsConn == nil {
		c.send(gwp.BuildCreateKO())
		return
	}
	g.router.RecordPendingCreate(gsHandle, c.handle, gametype)
	gsConn.send(gwp.BuildCreate(gametype))
	metrics.IncrCounter("gateway.create_routed", 1)
}

func (g *GatewayLoop) handleJoin(c *gwConn, payload []byte) {
	if c.role == roleGS {
		gameID, ip, port, err := gwp.ParseJoinResp(payload)
		if err != nil {
			g.strike(c, "malformed JOIN reply")
			return
		}
		pc, ok := g.router.TakePendingCreate(c.handle)
		if !ok {
			g.strike(c, "unsolicited JOIN reply")
			return
		}
		if key, ok := g.router.KeyForHandle(c.handle); ok {
			g.router.RecordGameRoute(gameID, key)
		}
		if clientConn := g.connForHandle(pc.ClientHandle); clientConn != nil {
			clientConn.send(gwp.BuildJoinResp(gameID, ip, port))
		}
		return
	}

	gameID, err := gwp.ParseJoinReq(payload)
	if err != nil {
		g.strike(c, "malformed JOIN")
		return
	}
	if c.handle == "" {
		c.handle = router.NewHandle()
	}
	key, ok := g.router.RouteForGame(gameID)
	if !ok {
		c.send(gwp.BuildJoinKO())
		return
	}
	gsHandle, ok := g.router.HandleForKey(key)
	if !ok {
		c.send(gwp.BuildJoinKO())
		return
	}
	gsConn := g.connForHandle(gsHandle)
	if gsConn == nil {
		c.send(gwp.BuildJoinKO())
		return
	}
	gsConn.send(gwp.BuildJoinReq(gameID))
}

func (g *GatewayLoop) handleGameEnd(c *gwConn, payload []byte) {
	gameID, err := gwp.ParseGameEnd(payload)
	if err != nil {
		g.strike(c, "malformed GAME_END")
		return
	}
	if err := g.router.EndGame(c.handle, gameID); err != nil {
		g.strike(c, "GAME_END ownership violation")
	}
}

func (g *GatewayLoop) connForHandle(h router.Handle) *gwConn {
	for _, c := range g.conns {
		if c.handle == h {
			return c
		}
	}
	return nil
}
