package vireo

import (
	"context"
	"sort"
	"sync"
	"time"

	clog "github.com/charmbracelet/log"
)

// Pool owns every NodeClient and picks which one a new player should bind
// to, or migrate to, by health score (§4.7).
type Pool struct {
	mu    sync.RWMutex
	nodes map[string]*NodeClient
	cfg   *PoolConfig
	log   *clog.Logger

	healthMu     sync.Mutex
	healthCached time.Time
	healthOrder  []*NodeClient

	ctx    context.Context
	cancel context.CancelFunc

	onAllDisconnected func()
}

// NewPool builds an empty Pool.
func NewPool(ctx context.Context, cfg *PoolConfig, log *clog.Logger) *Pool {
	if cfg == nil {
		cfg = NewPoolConfig()
	}
	if log == nil {
		log = clog.Default()
	}
	cctx, cancel := context.WithCancel(ctx)
	return &Pool{
		nodes:             map[string]*NodeClient{},
		cfg:               cfg,
		log:               log.With("component", "pool"),
		ctx:               cctx,
		cancel:            cancel,
		onAllDisconnected: func() {},
	}
}

// OnAllDisconnected registers a callback fired when a node gives up
// reconnecting and no node in the pool is connected (§7). Orchestrator's
// callback logs the condition at error level.
func (pl *Pool) OnAllDisconnected(fn func()) { pl.onAllDisconnected = fn }

// AddNode registers a node and starts its connection loop.
func (pl *Pool) AddNode(node *NodeClient) {
	pl.mu.Lock()
	pl.nodes[node.Name()] = node
	pl.mu.Unlock()
	node.OnDropped(func(err error) { pl.checkAllDisconnected() })
	node.Connect()
}

// RemoveNode stops and forgets a node.
func (pl *Pool) RemoveNode(name string) {
	pl.mu.Lock()
	node, ok := pl.nodes[name]
	delete(pl.nodes, name)
	pl.mu.Unlock()
	if ok {
		node.Close()
	}
}

// Node returns the node registered under name, if any.
func (pl *Pool) Node(name string) (*NodeClient, bool) {
	pl.mu.RLock()
	defer pl.mu.RUnlock()
	n, ok := pl.nodes[name]
	return n, ok
}

// Nodes returns a snapshot of every registered node.
func (pl *Pool) Nodes() []*NodeClient {
	pl.mu.RLock()
	defer pl.mu.RUnlock()
	out := make([]*NodeClient, 0, len(pl.nodes))
	for _, n := range pl.nodes {
		out = append(out, n)
	}
	return out
}

func (pl *Pool) connectedNodes() []*NodeClient {
	pl.mu.RLock()
	defer pl.mu.RUnlock()
	out := make([]*NodeClient, 0, len(pl.nodes))
	for _, n := range pl.nodes {
		if n.Connected() {
			out = append(out, n)
		}
	}
	return out
}

func (pl *Pool) checkAllDisconnected() {
	pl.mu.RLock()
	total := len(pl.nodes)
	connected := 0
	for _, n := range pl.nodes {
		if n.Connected() {
			connected++
		}
	}
	pl.mu.RUnlock()
	if total > 0 && connected == 0 {
		pl.onAllDisconnected()
	}
}

// leastUsed returns the connected node with the lowest health score. The
// sorted order is cached for HealthCacheTTL to avoid recomputing on every
// call during a burst of joins (§4.7).
func (pl *Pool) leastUsed() *NodeClient {
	ordered := pl.healthOrdered()
	if len(ordered) == 0 {
		return nil
	}
	return ordered[0]
}

func (pl *Pool) healthOrdered() []*NodeClient {
	pl.healthMu.Lock()
	defer pl.healthMu.Unlock()
	if time.Since(pl.healthCached) < pl.cfg.HealthCacheTTL && pl.healthOrder != nil {
		return pl.healthOrder
	}
	nodes := pl.connectedNodes()
	sort.Slice(nodes, func(i, j int) bool {
		return nodes[i].Health().Score < nodes[j].Health().Score
	})
	pl.healthOrder = nodes
	pl.healthCached = time.Now()
	return nodes
}

// forRegion returns the least-loaded connected node that advertises region,
// falling back to leastUsed across all connected nodes if none match (§4.7).
func (pl *Pool) forRegion(region string) *NodeClient {
	ordered := pl.healthOrdered()
	for _, n := range ordered {
		for _, r := range n.Regions() {
			if r == region {
				return n
			}
		}
	}
	return pl.leastUsed()
}

// Rebalance runs the periodic migration sweep: any player bound to a node
// whose score exceeds the pool's least-loaded node by more than
// MigrationThreshold*100 is migrated (§4.7).
func (pl *Pool) Rebalance(players map[string]*Player) {
	ordered := pl.healthOrdered()
	if len(ordered) < 2 {
		return
	}
	best := ordered[0]
	bestScore := best.Health().Score
	for _, p := range players {
		node := p.currentNode()
		if node == nil || node == best {
			continue
		}
		if node.Health().Score-bestScore > pl.cfg.MigrationThreshold*100 {
			pl.Migrate(p, best)
		}
	}
}

// RunRebalanceLoop starts the periodic rebalance sweep; it runs until the
// pool's context is cancelled.
func (pl *Pool) RunRebalanceLoop(players func() map[string]*Player) {
	go func() {
		ticker := time.NewTicker(pl.cfg.RebalanceInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				pl.Rebalance(players())
			case <-pl.ctx.Done():
				return
			}
		}
	}()
}

// Migrate moves a player onto a different node: it points the player's REST
// client and event registration at target and calls restart(), which pushes
// track, position, volume, paused and filters. Queue and history stay in
// memory untouched; the voice block is not re-sent. Migrating a player
// already on the target node is a no-op (§4.7, §8 idempotence).
func (pl *Pool) Migrate(p *Player, target *NodeClient) {
	if p.currentNode() == target {
		return
	}
	pl.log.Info("migrating player", "guild", p.GuildID(), "target", target.Name())
	p.rebind(target)
}

// Close tears down every node and stops the rebalance loop.
func (pl *Pool) Close() {
	pl.cancel()
	for _, n := range pl.Nodes() {
		n.Close()
	}
}
