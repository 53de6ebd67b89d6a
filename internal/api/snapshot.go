package api

import (
	"time"

	"arbpilot/internal/agent"
)

// SnapshotProvider is the pull-based dashboard contract: every stateful
// agent exposes a defensive-copy snapshot, and the engine aggregates them.
type SnapshotProvider interface {
	Health() agent.Health
	Snapshot() map[string]any
}

// BuildSnapshot assembles the full dashboard payload.
func BuildSnapshot(provider SnapshotProvider) map[string]any {
	health := provider.Health()
	agents := make(map[string]any, len(health.Agents))
	for name, h := range health.Agents {
		agents[name] = map[string]any{
			"running":        h.Running,
			"restarts":       h.Restarts,
			"terminal":       h.TerminalFail,
			"last_heartbeat": h.LastHeartbeat,
		}
	}

	snapshot := provider.Snapshot()
	snapshot["health"] = map[string]any{
		"running": health.Running,
		"uptime":  health.Uptime.String(),
		"agents":  agents,
	}
	snapshot["generated_at"] = time.Now().UTC()
	return snapshot
}
