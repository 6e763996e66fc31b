package registry

import (
	"time"

	"github.com/garrisonhq/garrison/pkg/events"
	"github.com/garrisonhq/garrison/pkg/metrics"
	"github.com/garrisonhq/garrison/pkg/types"
)

// Start launches the staleness sweep loop.
func (r *Registry) Start() {
	go r.sweepLoop()
	r.logger.Info().
		Dur("interval", r.opts.SweepInterval).
		Dur("stale_after", r.opts.StaleAfter).
		Msg("staleness sweep started")
}

// Stop terminates the staleness sweep loop.
func (r *Registry) Stop() {
	close(r.stopCh)
}

func (r *Registry) sweepLoop() {
	ticker := time.NewTicker(r.opts.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.SweepStale()
		case <-r.stopCh:
			return
		}
	}
}

// SweepStale marks every online or degraded node whose last heartbeat is
// older than the staleness window as offline. The mark is conditional on the
// node still being stale inside the write transaction, so a heartbeat racing
// the sweep wins and no duplicate NodeOffline event is emitted. Each run also
// refreshes the per-status node gauge from the swept fleet view.
func (r *Registry) SweepStale() {
	nodes, err := r.store.ListNodes()
	if err != nil {
		r.logger.Error().Err(err).Msg("staleness sweep: list nodes")
		return
	}

	staleBefore := r.now().Add(-r.opts.StaleAfter)
	for _, node := range nodes {
		if node.Status != types.NodeStatusOnline && node.Status != types.NodeStatusDegraded {
			continue
		}
		if !node.LastHeartbeatAt.Before(staleBefore) {
			continue
		}
		changed, err := r.store.MarkNodeOffline(node.ID, staleBefore)
		if err != nil {
			r.logger.Error().Err(err).Str("node_id", node.ID).Msg("staleness sweep: mark offline")
			continue
		}
		if !changed {
			continue
		}
		node.Status = types.NodeStatusOffline
		r.publish(events.EventNodeOffline, node, "node missed heartbeat window")
		metrics.NodesMarkedOffline.Inc()
		r.logger.Warn().
			Str("node_id", node.ID).
			Time("last_heartbeat", node.LastHeartbeatAt).
			Msg("node marked offline")
	}

	counts := make(map[types.NodeStatus]int)
	for _, node := range nodes {
		counts[node.Status]++
	}
	metrics.NodesTotal.Reset()
	for status, n := range counts {
		metrics.NodesTotal.WithLabelValues(string(status)).Set(float64(n))
	}
}
