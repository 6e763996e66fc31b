package registry

import (
	"context"

	"github.com/garrisonhq/garrison/pkg/errdefs"
	"github.com/garrisonhq/garrison/pkg/events"
	"github.com/garrisonhq/garrison/pkg/metrics"
	"github.com/garrisonhq/garrison/pkg/types"
)

// Heartbeat is the periodic status report sent by a node agent. The node's
// identity comes from its client certificate, not from the payload.
type Heartbeat struct {
	CPUPercent      float64
	MemoryPercent   float64
	DiskPercent     float64
	ActiveWorkloads int
	AgentVersion    string
	HealthIssues    []string
	// Inventory, when set, refreshes the stored hardware profile.
	Inventory *types.HardwareInventory
}

// RecordHeartbeat updates the node's liveness and metrics and applies the
// status transitions a heartbeat can cause. The whole update runs inside one
// store transaction with the decommission check against the stored row, so a
// heartbeat racing a decommission can never resurrect the node. Maintenance
// is sticky: the heartbeat data is recorded but the status stays until the
// operator exits maintenance.
func (r *Registry) RecordHeartbeat(ctx context.Context, nodeID string, hb Heartbeat) (*types.Node, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	now := r.now()
	var cameOnline, degraded bool
	node, err := r.store.MutateNode(nodeID, func(node *types.Node) (bool, error) {
		if node.Status == types.NodeStatusDecommissioned {
			return false, errdefs.InvalidStatef("node %s is decommissioned", nodeID)
		}

		node.CPUPercent = hb.CPUPercent
		node.MemoryPercent = hb.MemoryPercent
		node.DiskPercent = hb.DiskPercent
		node.HealthIssues = hb.HealthIssues
		node.LastHeartbeatAt = now
		node.UpdatedAt = now
		if hb.AgentVersion != "" {
			node.AgentVersion = hb.AgentVersion
		}

		cameOnline, degraded = false, false
		if node.Status != types.NodeStatusMaintenance {
			if node.Status == types.NodeStatusOffline {
				node.Status = types.NodeStatusOnline
				cameOnline = true
			}
			if hb.CPUPercent > r.opts.DegradedCPUPercent || len(hb.HealthIssues) > 0 {
				if node.Status != types.NodeStatusDegraded {
					node.Status = types.NodeStatusDegraded
					degraded = true
				}
			} else if node.Status == types.NodeStatusDegraded {
				// Recovered. No event: NodeOnline marks return from offline only.
				node.Status = types.NodeStatusOnline
			}
		}
		return true, nil
	})
	if err != nil {
		return nil, err
	}

	if cameOnline {
		r.publish(events.EventNodeOnline, node, "node back online")
		r.logger.Info().Str("node_id", nodeID).Msg("node back online")
	}
	if degraded {
		r.publish(events.EventNodeDegraded, node, "node degraded")
		r.logger.Warn().
			Str("node_id", nodeID).
			Float64("cpu_percent", hb.CPUPercent).
			Strs("health_issues", hb.HealthIssues).
			Msg("node degraded")
	}
	if err := r.store.UpdateWorkloadCount(nodeID, hb.ActiveWorkloads, now); err != nil {
		return nil, errdefs.Internal(err)
	}
	if hb.Inventory != nil {
		inv := *hb.Inventory
		inv.NodeID = nodeID
		if inv.CollectedAt.IsZero() {
			inv.CollectedAt = now
		}
		if err := r.store.PutInventory(&inv); err != nil {
			return nil, errdefs.Internal(err)
		}
	}

	metrics.HeartbeatsProcessed.Inc()
	return node, nil
}
