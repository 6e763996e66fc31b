// Package types defines the core data structures shared across the engine:
// enrollment tokens, nodes and their status state machine, hardware
// inventories, agent certificates, node capacities, and reservations.
package types
