// Package router implements the Gateway Router: game-server registry,
// least-loaded placement, and game-to-server routing.
package router

import (
	"errors"
	"fmt"
	"net"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/mbarleon-org/R-Type-Server/internal/ratelimit"
	"github.com/mbarleon-org/R-Type-Server/pkg/log"
	"github.com/mbarleon-org/R-Type-Server/pkg/metrics"
)

// createRoutingRate bounds how many CREATE-routing decisions the Router
// paces per second under registry churn; it is independent of how many
// clients are sending CREATE.
const createRoutingRate = 50

// GSKey uniquely identifies a registered game server.
type GSKey struct {
	IP   string
	Port uint16
}

func (k GSKey) String() string { return fmt.Sprintf("%s:%d", k.IP, k.Port) }

// Handle is an opaque connection identifier, generated with
// github.com/google/uuid rather than a counter-plus-timestamp scheme,
// since a UUID needs no wall-clock read to stay collision-free.
type Handle string

// NewHandle mints a fresh connection handle.
func NewHandle() Handle { return Handle(uuid.NewString()) }

// PendingCreate is the CREATE correlation record, consumed exactly once:
// either by the GS's JOIN reply, or by connection loss.
type PendingCreate struct {
	ClientHandle Handle
	GameType     uint8
}

// OwnershipError reports a command that a non-owning connection tried to
// perform (GAME_END/OCCUPANCY/GID from an unregistered or non-owning GS).
type OwnershipError struct {
	Op  string
	Key GSKey
}

func (e *OwnershipError) Error() string {
	return fmt.Sprintf("router: %s rejected: %s is not a known/owning game server", e.Op, e.Key)
}

// ErrRegistryEmpty is returned by SelectLeastLoaded when no game server
// is registered.
var ErrRegistryEmpty = errors.New("router: no game server registered")

// Router owns the maps that back game-server registration, occupancy
// tracking, and game-to-server routing. It is exclusively owned by the
// I/O loop's single goroutine in the canonical deployment, but is
// internally synchronized so tests and an admin HTTP endpoint can read it
// concurrently.
type Router struct {
	mu sync.RWMutex

	registry       map[GSKey]bool
	addrToHandle   map[GSKey]Handle
	handleToAddr   map[Handle]GSKey
	occupancy      map[GSKey]uint8
	gameToGS       map[uint32]GSKey
	pendingCreates map[Handle]PendingCreate

	registrar Registrar
	creates   *ratelimit.GlobalLimiter
}

// Registrar mirrors registry changes into an external service discovery
// system; router/consul.go supplies the Consul-backed implementation.
// A nil Registrar (the default) makes mirroring a no-op.
type Registrar interface {
	Register(key GSKey) error
	Deregister(key GSKey) error
}

// New constructs an empty Router. reg may be nil.
func New(reg Registrar) *Router {
	return &Router{
		registry:       make(map[GSKey]bool),
		addrToHandle:   make(map[GSKey]Handle),
		handleToAddr:   make(map[Handle]GSKey),
		occupancy:      make(map[GSKey]uint8),
		gameToGS:       make(map[uint32]GSKey),
		pendingCreates: make(map[Handle]PendingCreate),
		registrar:      reg,
		creates:        ratelimit.NewGlobalLimiter(createRoutingRate),
	}
}

func gsKeyFromIP(ip net.IP, port uint16) GSKey {
	return GSKey{IP: ip.String(), Port: port}
}

// RegisterGS handles GS(20): if key is unknown, it is inserted (ok=true);
// if already present, the existing registration is left untouched
// (ok=false) and the caller replies GS_KO without replacing it.
func (r *Router) RegisterGS(handle Handle, ip net.IP, port uint16) (key GSKey, ok bool) {
	key = gsKeyFromIP(ip, port)
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.registry[key] {
		return key, false
	}
	r.registry[key] = true
	r.addrToHandle[key] = handle
	r.handleToAddr[handle] = key
	r.occupancy[key] = 0

	if r.registrar != nil {
		if err := r.registrar.Register(key); err != nil {
			log.Warn().Str("key", key.String()).Err(err).Msg("registrar mirror failed")
		}
	}
	metrics.SetGauge("router.registry_size", float32(len(r.registry)))
	log.Info().Str("key", key.String()).Msg("game server registered")
	return key, true
}

// RemoveGS handles connection loss for handle: it clears every map entry
// this GS owned. It purges every game_to_gs entry pointing at the lost GS
// rather than leaving stale entries until an explicit GAME_END that will
// never arrive; see DESIGN.md for the tradeoff.
func (r *Router) RemoveGS(handle Handle) {
	r.mu.Lock()
	key, ok := r.handleToAddr[handle]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(r.handleToAddr, handle)
	delete(r.addrToHandle, key)
	delete(r.registry, key)
	delete(r.occupancy, key)
	for gid, gk := range r.gameToGS {
		if gk == key {
			delete(r.gameToGS, gid)
		}
	}
	delete(r.pendingCreates, handle)
	if r.registrar != nil {
		if err := r.registrar.Deregister(key); err != nil {
			log.Warn().Str("key", key.String()).Err(err).Msg("registrar unmirror failed")
		}
	}
	metrics.SetGauge("router.registry_size", float32(len(r.registry)))
	r.mu.Unlock()
	log.Info().Str("key", key.String()).Msg("game server removed")
}

// keyForHandle reports whether handle is a currently-registered GS, and
// its key.
func (r *Router) keyForHandle(handle Handle) (GSKey, bool) {
	k, ok := r.handleToAddr[handle]
	return k, ok
}

// KeyForHandle is the exported, synchronized form of keyForHandle for
// callers outside the package (e.g. the I/O loop resolving a GS
// connection's registry key after a CREATE reply).
func (r *Router) KeyForHandle(handle Handle) (GSKey, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.keyForHandle(handle)
}

// UpdateOccupancy handles OCCUPANCY(23); it is rejected as an
// OwnershipError unless handle is a known GS.
func (r *Router) UpdateOccupancy(handle Handle, occupancy uint8) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	key, ok := r.keyForHandle(handle)
	if !ok {
		return &OwnershipError{Op: "OCCUPANCY"}
	}
	r.occupancy[key] = occupancy
	metrics.IncrCounter("router.occupancy_update", 1)
	return nil
}

// UpdateGID handles GID(24): registers each game id to the sender's key.
// Rejected as an OwnershipError unless handle is a known GS.
func (r *Router) UpdateGID(handle Handle, gameIDs []uint32) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	key, ok := r.keyForHandle(handle)
	if !ok {
		return &OwnershipError{Op: "GID"}
	}
	for _, id := range gameIDs {
		r.gameToGS[id] = key
	}
	return nil
}

// SelectLeastLoaded implements argmin occupancy placement, called once
// per CREATE-routing decision. It blocks on the Router's global leaky
// bucket first, pacing outbound placement decisions under registry
// churn independently of the lock below.
// Tie-breaking is deterministic: sorted by GSKey string, so the result
// never depends on Go's randomized map iteration order.
func (r *Router) SelectLeastLoaded() (GSKey, Handle, error) {
	r.creates.Take()

	r.mu.RLock()
	defer r.mu.RUnlock()
	if len(r.registry) == 0 {
		return GSKey{}, "", ErrRegistryEmpty
	}
	keys := make([]GSKey, 0, len(r.registry))
	for k := range r.registry {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })

	best := keys[0]
	for _, k := range keys[1:] {
		if r.occupancy[k] < r.occupancy[best] {
			best = k
		}
	}
	handle, ok := r.addrToHandle[best]
	if !ok {
		return GSKey{}, "", fmt.Errorf("router: no connection handle for %s", best)
	}
	return best, handle, nil
}

// RecordPendingCreate stores the CREATE correlation entry.
func (r *Router) RecordPendingCreate(gsHandle Handle, clientHandle Handle, gametype uint8) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pendingCreates[gsHandle] = PendingCreate{ClientHandle: clientHandle, GameType: gametype}
}

// TakePendingCreate consumes (removes) the pending-CREATE entry for
// gsHandle, if any. Each entry is consumed exactly once.
func (r *Router) TakePendingCreate(gsHandle Handle) (PendingCreate, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	pc, ok := r.pendingCreates[gsHandle]
	if ok {
		delete(r.pendingCreates, gsHandle)
	}
	return pc, ok
}

// RecordGameRoute sets game_to_gs[gameID] = key (called when a CREATE
// reply establishes ownership; GID batches go through UpdateGID).
func (r *Router) RecordGameRoute(gameID uint32, key GSKey) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.gameToGS[gameID] = key
}

// RouteForGame looks up the GS key hosting gameID.
func (r *Router) RouteForGame(gameID uint32) (GSKey, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	k, ok := r.gameToGS[gameID]
	return k, ok
}

// HandleForKey resolves a GS key to its live connection handle.
func (r *Router) HandleForKey(key GSKey) (Handle, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.addrToHandle[key]
	return h, ok
}

// EndGame handles GAME_END(5): accepted only from the GS that owns
// gameID; a mismatched owner is an OwnershipError, which the caller
// treats as a fatal parse error for that connection.
func (r *Router) EndGame(handle Handle, gameID uint32) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	owner, ok := r.gameToGS[gameID]
	if !ok {
		return &OwnershipError{Op: "GAME_END"}
	}
	callerKey, ok := r.keyForHandle(handle)
	if !ok || callerKey != owner {
		return &OwnershipError{Op: "GAME_END", Key: owner}
	}
	delete(r.gameToGS, gameID)
	metrics.IncrCounter("router.game_end", 1)
	return nil
}

// RegistrySize reports the number of registered game servers, mostly for
// tests and metrics.
func (r *Router) RegistrySize() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.registry)
}
