package chain

import (
	"context"
	"log"
	"time"

	"github.com/terminal-bench/clearnet/pkg/messaging"
)

// Guard runs the health tick loop and drives automatic failover and
// switchback decisions through the switcher.
type Guard struct {
	monitors map[ID]*Monitor
	switcher *Switcher
	flags    FlagStore
	sink     MetricsSink
	pub      messaging.Publisher
	interval time.Duration
}

// NewGuard creates the health guard.
func NewGuard(monitors map[ID]*Monitor, switcher *Switcher, flags FlagStore, sink MetricsSink, pub messaging.Publisher, interval time.Duration) *Guard {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	if sink == nil {
		sink = NopSink{}
	}
	return &Guard{
		monitors: monitors,
		switcher: switcher,
		flags:    flags,
		sink:     sink,
		pub:      pub,
		interval: interval,
	}
}

// Run ticks until ctx is done.
func (g *Guard) Run(ctx context.Context) {
	ticker := time.NewTicker(g.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			g.TickOnce(ctx)
		}
	}
}

// TickOnce probes every chain once and applies the failover rules.
func (g *Guard) TickOnce(ctx context.Context) {
	for _, monitor := range g.monitors {
		snap := monitor.Tick(ctx)
		if err := g.sink.WriteSnapshot(ctx, snap); err != nil {
			log.Printf("guard: metrics write failed: %v", err)
		}
		g.publishHealth(ctx, snap)
	}

	active, err := g.flags.ActiveChain(ctx)
	if err != nil {
		log.Printf("guard: failed to read active chain: %v", err)
		return
	}

	if monitor, ok := g.monitors[active]; ok && monitor.ShouldFailover() {
		target := other(active)
		if _, ok := g.monitors[target]; !ok {
			return
		}
		log.Printf("guard: %s crossed failover triggers, switching to %s", active, target)
		if result, err := g.switcher.SwitchOver(ctx, active, target); err != nil {
			log.Printf("guard: failover to %s failed (rolled back: %v): %v", target, result.RolledBack, err)
		}
		return
	}

	// return to primary only after a sustained healthy run
	if active == Backup {
		primary, pok := g.monitors[Primary]
		backup, bok := g.monitors[Backup]
		if pok && bok && ShouldSwitchBack(primary, backup) {
			log.Printf("guard: primary recovered, switching back")
			if result, err := g.switcher.SwitchOver(ctx, Backup, Primary); err != nil {
				log.Printf("guard: switchback failed (rolled back: %v): %v", result.RolledBack, err)
			}
		}
	}
}

func other(id ID) ID {
	if id == Primary {
		return Backup
	}
	return Primary
}

func (g *Guard) publishHealth(ctx context.Context, snap Snapshot) {
	if g.pub == nil {
		return
	}
	event := messaging.ChainHealthEvent{
		Chain:          string(snap.Chain),
		Status:         string(snap.Status),
		HealthScore:    snap.Score,
		LastBlockAgeMs: snap.BlockAge.Milliseconds(),
		RPCLatencyMs:   snap.RPCLatency.Milliseconds(),
		ErrorRate:      snap.ErrorRate,
		Timestamp:      snap.At,
	}
	if err := g.pub.Publish(ctx, messaging.EventTypeChainHealth, event); err != nil {
		log.Printf("guard: publish health failed: %v", err)
	}
}
