package core

// Peer health checking (C10, spec.md §4.9): EWMA-smoothed RTT scoring
// per peer, feeding fault marks back to the peer manager, which skips a
// faulty peer in fairFind. Autopeering's reject filter is not touched
// from here. Grounded on the teacher's
// `fault_tolerance.go` `HealthChecker` (EWMA scoring, `maxRTT`/
// `maxMisses` thresholds, periodic ticker loop) — re-keyed from
// `Address` (a ledger-ownership concept, not a network address here) to
// `PeerID`, and with the HotStuff-style `ViewChanger`/leader
// view-change trigger replaced by a plain `onFaulty(PeerID)` callback:
// there is no consensus leader in a Tangle to fail over from, only
// peers to stop routing requests to. `NetPinger`'s raw `net.Conn`
// ping/pong is replaced by `GossipPinger`, which derives a liveness
// signal from each peer's periodic `HeartbeatPayload` instead of a
// dedicated ping frame, since the gossip session protocol has none.

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// peerStat holds one peer's smoothed RTT score and consecutive miss
// count.
type peerStat struct {
	EWMA       float64
	Misses     int
	LastUpdate time.Time
}

// Pinger measures one peer's round-trip latency.
type Pinger interface {
	Ping(ctx context.Context, p PeerID) (time.Duration, error)
}

// PeerHealth is a point-in-time snapshot of one peer's health score.
type PeerHealth struct {
	Peer    PeerID
	RTT     float64
	Misses  int
	Updated int64
}

// HealthChecker pings every tracked peer on a fixed interval, keeps an
// EWMA-smoothed RTT, and calls onFaulty once a peer crosses maxMisses
// consecutive failures or maxRTT milliseconds.
type HealthChecker struct {
	mu        sync.RWMutex
	peers     map[PeerID]*peerStat
	interval  time.Duration
	alpha     float64
	maxRTT    float64
	maxMisses int
	ping      Pinger
	onFaulty  func(PeerID)
	stop      chan struct{}
}

// NewHealthChecker starts the background scoring loop immediately.
func NewHealthChecker(ping Pinger, onFaulty func(PeerID), initial []PeerID) *HealthChecker {
	hc := &HealthChecker{
		peers:     make(map[PeerID]*peerStat),
		interval:  3 * time.Second,
		alpha:     0.2,
		maxRTT:    1500,
		maxMisses: 3,
		ping:      ping,
		onFaulty:  onFaulty,
		stop:      make(chan struct{}),
	}
	for _, p := range initial {
		hc.peers[p] = &peerStat{}
	}
	go hc.loop()
	return hc
}

func (hc *HealthChecker) loop() {
	t := time.NewTicker(hc.interval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			hc.tick()
		case <-hc.stop:
			return
		}
	}
}

// Stop terminates background health checks.
func (hc *HealthChecker) Stop() {
	hc.mu.Lock()
	defer hc.mu.Unlock()
	select {
	case <-hc.stop:
		return
	default:
		close(hc.stop)
	}
}

func (hc *HealthChecker) tick() {
	hc.mu.RLock()
	peers := make([]PeerID, 0, len(hc.peers))
	for p := range hc.peers {
		peers = append(peers, p)
	}
	hc.mu.RUnlock()

	var wg sync.WaitGroup
	for _, id := range peers {
		wg.Add(1)
		go func(p PeerID) {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), hc.interval)
			defer cancel()
			rtt, err := hc.ping.Ping(ctx, p)

			hc.mu.Lock()
			ps, ok := hc.peers[p]
			if !ok {
				hc.mu.Unlock()
				return
			}
			if err != nil {
				ps.Misses++
			} else {
				ps.Misses = 0
				ms := float64(rtt.Milliseconds())
				if ps.EWMA == 0 {
					ps.EWMA = ms
				} else {
					ps.EWMA = hc.alpha*ms + (1-hc.alpha)*ps.EWMA
				}
			}
			ps.LastUpdate = time.Now()
			faulty := ps.Misses >= hc.maxMisses || ps.EWMA > hc.maxRTT
			hc.mu.Unlock()

			if faulty && hc.onFaulty != nil {
				hc.onFaulty(p)
			}
		}(id)
	}
	wg.Wait()
}

// AddPeer starts tracking a peer.
func (hc *HealthChecker) AddPeer(p PeerID) {
	hc.mu.Lock()
	hc.peers[p] = &peerStat{}
	hc.mu.Unlock()
}

// RemovePeer stops tracking a peer.
func (hc *HealthChecker) RemovePeer(p PeerID) {
	hc.mu.Lock()
	delete(hc.peers, p)
	hc.mu.Unlock()
}

// Snapshot returns every tracked peer's current score, for CLI/metrics
// inspection.
func (hc *HealthChecker) Snapshot() []PeerHealth {
	hc.mu.RLock()
	defer hc.mu.RUnlock()
	out := make([]PeerHealth, 0, len(hc.peers))
	for p, st := range hc.peers {
		out = append(out, PeerHealth{Peer: p, RTT: st.EWMA, Misses: st.Misses, Updated: st.LastUpdate.Unix()})
	}
	return out
}

// Reconfigure replaces the tracked peer set wholesale.
func (hc *HealthChecker) Reconfigure(newPeers []PeerID) {
	hc.mu.Lock()
	defer hc.mu.Unlock()
	hc.peers = make(map[PeerID]*peerStat)
	for _, p := range newPeers {
		hc.peers[p] = &peerStat{}
	}
}

// GossipPinger derives a liveness signal from a peer's most recent
// HeartbeatPayload rather than a dedicated ping frame: the gossip
// session protocol has no ping/pong packet type, only a periodic
// heartbeat each side already sends.
type GossipPinger struct {
	pm               *PeerManager
	heartbeatPeriod  time.Duration
}

// NewGossipPinger reports a peer as unreachable once its last heartbeat
// is older than 2x heartbeatPeriod.
func NewGossipPinger(pm *PeerManager, heartbeatPeriod time.Duration) *GossipPinger {
	return &GossipPinger{pm: pm, heartbeatPeriod: heartbeatPeriod}
}

func (g *GossipPinger) Ping(ctx context.Context, p PeerID) (time.Duration, error) {
	g.pm.mu.RLock()
	mp, ok := g.pm.peers[p]
	g.pm.mu.RUnlock()
	if !ok {
		return 0, fmt.Errorf("fault_tolerance: unknown peer %s", p.Short())
	}
	age := time.Since(mp.seenAt)
	if age > 2*g.heartbeatPeriod {
		return 0, fmt.Errorf("fault_tolerance: peer %s heartbeat stale (%s)", p.Short(), age)
	}
	return age, nil
}

var _ Pinger = (*GossipPinger)(nil)
