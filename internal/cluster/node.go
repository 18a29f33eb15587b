// Package cluster owns the Node state machine: role, membership, the
// failure detector, and the handlers that turn received frames into
// storage operations, replication broadcasts, and replies (§4.6-4.7).
package cluster

import (
	"context"
	"distributed-kvstore/internal/codec"
	"distributed-kvstore/internal/logging"
	"distributed-kvstore/internal/store"
	"distributed-kvstore/internal/transport"
	"sort"
	"sync"
	"time"
)

const (
	// DefaultHeartbeatInterval is how often a Primary heartbeats each
	// subscribed backup, and how often a Backup checks the failure
	// detector (§4.7).
	DefaultHeartbeatInterval = time.Second
	// DefaultPrimaryTimeout is how long a Backup waits without a
	// Heartbeat before starting promotion (§4.7).
	DefaultPrimaryTimeout = 5 * time.Second
)

// Config wires a Node to its dependencies. Exactly one of Single or
// PrimaryAddr determines the starting role: Single wins if set,
// otherwise a non-empty PrimaryAddr starts the Node as a Backup, and
// an empty PrimaryAddr starts it as a Primary (§6).
type Config struct {
	SelfAddr    string
	PrimaryAddr string
	Single      bool

	Store    *store.Store
	Simple   *transport.SimpleSender
	Reliable *transport.ReliableSender

	ClientInbound  <-chan transport.Envelope
	NetworkInbound <-chan transport.Envelope

	Log *logging.Logger

	HeartbeatInterval time.Duration
	PrimaryTimeout    time.Duration
}

// Node is the event loop described in §4.7: it consumes envelopes from
// the client and network inbound channels and is the sole writer of
// its Store. Handling of any single envelope is dispatched onto its
// own goroutine so a slow forward-to-primary round trip on one
// connection never stalls replies on another — store.Store already
// serializes concurrent writers internally, and per-connection /
// per-destination FIFO ordering is owned by the Receiver and the
// senders respectively, not by this loop.
type Node struct {
	selfAddr string
	store    *store.Store
	simple   *transport.SimpleSender
	reliable *transport.ReliableSender

	clientInbound  <-chan transport.Envelope
	networkInbound <-chan transport.Envelope

	log *logging.Logger

	heartbeatInterval time.Duration
	primaryTimeout    time.Duration

	membership *Membership

	mu                   sync.RWMutex
	role                 Role
	primaryAddr          string
	lastPrimaryHeartbeat time.Time
	promoted             bool
	subscribedOK         bool
	heartbeatTargets     map[string]struct{}
}

// New builds a Node in the role implied by cfg. It does not start the
// event loop; call Run for that.
func New(cfg Config) *Node {
	heartbeatInterval := cfg.HeartbeatInterval
	if heartbeatInterval == 0 {
		heartbeatInterval = DefaultHeartbeatInterval
	}
	primaryTimeout := cfg.PrimaryTimeout
	if primaryTimeout == 0 {
		primaryTimeout = DefaultPrimaryTimeout
	}

	role := RolePrimary
	switch {
	case cfg.Single:
		role = RoleSingle
	case cfg.PrimaryAddr != "":
		role = RoleBackup
	}

	n := &Node{
		selfAddr:          cfg.SelfAddr,
		store:             cfg.Store,
		simple:            cfg.Simple,
		reliable:          cfg.Reliable,
		clientInbound:     cfg.ClientInbound,
		networkInbound:    cfg.NetworkInbound,
		log:               cfg.Log,
		heartbeatInterval: heartbeatInterval,
		primaryTimeout:    primaryTimeout,
		membership:        newMembership(),
		role:              role,
		heartbeatTargets:  make(map[string]struct{}),
	}

	switch role {
	case RolePrimary:
		n.primaryAddr = cfg.SelfAddr
	case RoleBackup:
		n.primaryAddr = cfg.PrimaryAddr
		n.lastPrimaryHeartbeat = time.Now()
		n.membership.Learn(cfg.PrimaryAddr)
	}

	return n
}

// Role returns the Node's current role.
func (n *Node) Role() Role {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.role
}

// SelfAddr returns the Node's own network (peer) address.
func (n *Node) SelfAddr() string {
	return n.selfAddr
}

// PrimaryAddr returns the address of the primary as currently known to
// this Node: itself if Primary, the last heartbeat source if Backup,
// or the empty string if unknown or Single.
func (n *Node) PrimaryAddr() string {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.primaryAddr
}

// Backups returns the addresses this Node currently replicates writes
// to. Empty unless the Node is a Primary.
func (n *Node) Backups() []string {
	return n.membership.Backups()
}

// KnownPeers returns every address this Node has ever learned of.
func (n *Node) KnownPeers() []string {
	return n.membership.Peers()
}

// Run drives the event loop until ctx is cancelled. It returns
// ctx.Err() on cancellation.
func (n *Node) Run(ctx context.Context) error {
	if n.Role() == RoleBackup {
		go n.resubscribe(n.PrimaryAddr())
	}

	var tickerCh <-chan time.Time
	if n.Role() == RoleBackup {
		ticker := time.NewTicker(n.heartbeatInterval)
		defer ticker.Stop()
		tickerCh = ticker.C
	}

	clientInbound := n.clientInbound
	networkInbound := n.networkInbound

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case env, ok := <-clientInbound:
			if !ok {
				clientInbound = nil
				continue
			}
			go n.handleClientEnvelope(env)

		case env, ok := <-networkInbound:
			if !ok {
				networkInbound = nil
				continue
			}
			go n.handleNetworkEnvelope(env)

		case <-tickerCh:
			n.tick()
		}
	}
}

func (n *Node) tick() {
	n.mu.RLock()
	needsSubscribe := n.role == RoleBackup && !n.subscribedOK
	primaryAddr := n.primaryAddr
	n.mu.RUnlock()

	if needsSubscribe && primaryAddr != "" {
		n.resubscribe(primaryAddr)
	}

	n.checkFailureDetector()
}

// ─── client-port dispatch ───────────────────────────────────────────

func (n *Node) handleClientEnvelope(env transport.Envelope) {
	cmd, err := codec.DecodeClientCommand(env.Payload)
	if err != nil {
		n.log.Warnf("decode client command: %v", err)
		env.Reply(nil)
		return
	}

	reply := n.dispatchClientCommand(cmd)
	n.replyWith(env, reply)
}

func (n *Node) dispatchClientCommand(cmd codec.ClientCommand) codec.Reply {
	switch n.Role() {
	case RoleSingle, RolePrimary:
		return n.applyCommandLocally(cmd)
	case RoleBackup:
		return n.handleBackupCommand(cmd)
	default:
		return codec.Reply{}
	}
}

// applyCommandLocally runs a Get or Set directly against the Store.
// Used by Single and Primary roles for client commands, and by Primary
// for commands forwarded from a Backup (§4.7: "treat as if received
// from a client").
func (n *Node) applyCommandLocally(cmd codec.ClientCommand) codec.Reply {
	switch cmd.Kind {
	case codec.CmdGet:
		v, ok := n.store.Get(cmd.Key)
		return codec.Reply{Present: ok, Value: v}

	case codec.CmdSet:
		v, err := n.store.Set(cmd.Key, cmd.Value)
		if err != nil {
			n.log.Errorf("store set %q: %v", cmd.Key, err)
			return codec.Reply{}
		}
		if n.Role() == RolePrimary {
			n.broadcastReplicate(cmd.Key, v)
		}
		return codec.Reply{Present: true, Value: v}

	default:
		return codec.Reply{}
	}
}

// handleBackupCommand implements the Backup role's client-port
// behavior: Get is served locally (possibly stale); Set is forwarded
// to the primary via the Reliable Sender and the primary's reply is
// relayed verbatim (§4.7).
func (n *Node) handleBackupCommand(cmd codec.ClientCommand) codec.Reply {
	if cmd.Kind == codec.CmdGet {
		v, ok := n.store.Get(cmd.Key)
		return codec.Reply{Present: ok, Value: v}
	}

	primaryAddr := n.PrimaryAddr()
	if primaryAddr == "" {
		n.log.Warnf("forward %q: %v", cmd.Key, ErrUnknownPrimary)
		return codec.Reply{}
	}

	msg := codec.Message{Kind: codec.MsgForward, Cmd: &cmd}
	data, err := codec.EncodeMessage(msg)
	if err != nil {
		n.log.Errorf("encode forward: %v", err)
		return codec.Reply{}
	}

	handle := n.reliable.Send(primaryAddr, data)
	reply, err := handle.Wait(context.Background())
	if err != nil {
		n.log.Warnf("forward %q to primary %s: %v", cmd.Key, primaryAddr, err)
		return codec.Reply{}
	}

	decoded, err := codec.DecodeReply(reply)
	if err != nil {
		n.log.Errorf("decode forwarded reply: %v", err)
		return codec.Reply{}
	}
	return decoded
}

func (n *Node) broadcastReplicate(key, value string) {
	targets := n.membership.Backups()
	if len(targets) == 0 {
		return
	}

	msg := codec.Message{Kind: codec.MsgReplicate, Key: key, Value: value}
	data, err := codec.EncodeMessage(msg)
	if err != nil {
		n.log.Errorf("encode replicate: %v", err)
		return
	}
	for _, addr := range targets {
		n.simple.Send(addr, data)
	}
}

func (n *Node) replyWith(env transport.Envelope, reply codec.Reply) {
	data, err := codec.EncodeReply(reply)
	if err != nil {
		n.log.Errorf("encode reply: %v", err)
		env.Reply(nil)
		return
	}
	env.Reply(data)
}

// ─── network-port dispatch ──────────────────────────────────────────

func (n *Node) handleNetworkEnvelope(env transport.Envelope) {
	msg, err := codec.DecodeMessage(env.Payload)
	if err != nil {
		n.log.Warnf("decode message: %v", err)
		env.Reply(nil)
		return
	}

	reply, ok := n.dispatchMessage(msg)
	if !ok {
		env.Reply(nil)
		return
	}
	n.replyWith(env, reply)
}

func (n *Node) dispatchMessage(msg codec.Message) (codec.Reply, bool) {
	switch msg.Kind {
	case codec.MsgSubscribe:
		if n.Role() != RolePrimary {
			n.log.Warnf("reject subscribe from %s: %v", msg.BackupAddr, ErrWrongRole)
			return codec.Reply{}, false
		}
		n.handleSubscribe(msg.BackupAddr)
		return codec.Reply{}, false

	case codec.MsgReplicate:
		if n.Role() != RoleBackup {
			n.log.Warnf("reject replicate for %q: %v", msg.Key, ErrWrongRole)
			return codec.Reply{}, false
		}
		if _, err := n.store.Set(msg.Key, msg.Value); err != nil {
			n.log.Errorf("apply replicate %q: %v", msg.Key, err)
		}
		return codec.Reply{}, false

	case codec.MsgForward:
		if n.Role() != RolePrimary {
			n.log.Warnf("reject forward: %v", ErrWrongRole)
			return codec.Reply{}, false
		}
		if msg.Cmd == nil {
			return codec.Reply{}, false
		}
		return n.applyCommandLocally(*msg.Cmd), true

	case codec.MsgHeartbeat:
		if n.Role() != RoleBackup {
			return codec.Reply{}, false
		}
		n.handleHeartbeat(msg)
		return codec.Reply{}, false

	case codec.MsgPrimaryAddress:
		addr := n.PrimaryAddr()
		return codec.Reply{Present: addr != "", Value: addr}, true

	default:
		return codec.Reply{}, false
	}
}

// handleSubscribe implements the Primary side of §4.7's Subscribe
// behavior: idempotently add to membership, then start (if not
// already running) a per-backup heartbeat loop.
func (n *Node) handleSubscribe(backupAddr string) {
	added := n.membership.AddBackup(backupAddr)

	n.mu.Lock()
	_, running := n.heartbeatTargets[backupAddr]
	if !running {
		n.heartbeatTargets[backupAddr] = struct{}{}
	}
	n.mu.Unlock()

	if added {
		n.log.Infof("backup %s subscribed", backupAddr)
	}
	if !running {
		go n.heartbeatLoop(backupAddr)
	}
}

func (n *Node) heartbeatLoop(addr string) {
	n.sendHeartbeat(addr)

	ticker := time.NewTicker(n.heartbeatInterval)
	defer ticker.Stop()
	for range ticker.C {
		if n.Role() != RolePrimary {
			return
		}
		n.sendHeartbeat(addr)
	}
}

func (n *Node) sendHeartbeat(addr string) {
	peers := append([]string{n.selfAddr}, n.membership.Backups()...)
	msg := codec.Message{Kind: codec.MsgHeartbeat, PrimaryAddr: n.selfAddr, Peers: peers}
	data, err := codec.EncodeMessage(msg)
	if err != nil {
		n.log.Errorf("encode heartbeat: %v", err)
		return
	}
	n.simple.Send(addr, data)
}

// handleHeartbeat implements the Backup side of §4.7: refresh the
// liveness clock, adopt the heartbeat's source as the known primary
// (this is how a co-backup learns of a promotion), and merge the
// piggybacked peer list into the learn-only membership set used for
// promotion ranking.
func (n *Node) handleHeartbeat(msg codec.Message) {
	n.mu.Lock()
	changedPrimary := msg.PrimaryAddr != n.primaryAddr
	n.primaryAddr = msg.PrimaryAddr
	n.lastPrimaryHeartbeat = time.Now()
	n.subscribedOK = true
	n.mu.Unlock()

	for _, peer := range msg.Peers {
		n.membership.Learn(peer)
	}
	n.membership.Learn(msg.PrimaryAddr)

	if changedPrimary && msg.PrimaryAddr != "" && msg.PrimaryAddr != n.selfAddr {
		n.log.Infof("learned new primary %s", msg.PrimaryAddr)
		n.resubscribe(msg.PrimaryAddr)
	}
}

func (n *Node) resubscribe(primaryAddr string) {
	if primaryAddr == "" {
		return
	}
	msg := codec.Message{Kind: codec.MsgSubscribe, BackupAddr: n.selfAddr}
	data, err := codec.EncodeMessage(msg)
	if err != nil {
		n.log.Errorf("encode subscribe: %v", err)
		return
	}
	n.simple.Send(primaryAddr, data)
}

// ─── failure detector & promotion (§4.7) ────────────────────────────

func (n *Node) checkFailureDetector() {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.role != RoleBackup || n.promoted {
		return
	}

	elapsed := time.Since(n.lastPrimaryHeartbeat)
	if elapsed <= n.primaryTimeout {
		return
	}

	rank := n.promotionRankLocked()
	skew := time.Duration(rank) * n.primaryTimeout
	if elapsed <= n.primaryTimeout+skew {
		return
	}

	n.promoteLocked()
}

// promotionRankLocked returns this Node's 0-based position in the
// lexicographically sorted address list of every known peer (excluding
// the presumed-dead primary) plus itself. Rank 0 promotes as soon as
// PRIMARY_TIMEOUT elapses; higher ranks defer by PRIMARY_TIMEOUT * rank
// so that, absent a heartbeat from a newly-promoted peer in the
// meantime, promotion still converges deterministically (§4.7, §9).
// n.mu must be held.
func (n *Node) promotionRankLocked() int {
	candidates := map[string]struct{}{n.selfAddr: {}}
	for _, addr := range n.membership.Peers() {
		if addr == n.primaryAddr {
			continue
		}
		candidates[addr] = struct{}{}
	}

	addrs := make([]string, 0, len(candidates))
	for addr := range candidates {
		addrs = append(addrs, addr)
	}
	sort.Strings(addrs)

	for i, addr := range addrs {
		if addr == n.selfAddr {
			return i
		}
	}
	return 0
}

// promoteLocked transitions Backup -> Primary. n.mu must be held.
func (n *Node) promoteLocked() {
	n.role = RolePrimary
	n.primaryAddr = n.selfAddr
	n.promoted = true

	peers := n.membership.Peers()
	n.log.Infof("promoted to primary at %s", n.selfAddr)

	go n.announcePromotion(peers)
}

// announcePromotion heartbeats every ever-seen peer once so co-backups
// learn of the new primary and re-subscribe (§9's "learn-only
// membership" design note).
func (n *Node) announcePromotion(peers []string) {
	for _, addr := range peers {
		if addr == n.selfAddr {
			continue
		}
		n.sendHeartbeat(addr)
	}
}
