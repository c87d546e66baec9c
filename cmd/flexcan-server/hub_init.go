package main

import (
	"log/slog"

	"github.com/canstack/flexcanfd/internal/hub"
)

// parsePolicy maps a config string to a hub policy, falling back to
// drop for anything it does not recognize.
func parsePolicy(name string, l *slog.Logger) (hub.BackpressurePolicy, string) {
	switch name {
	case "kick":
		return hub.PolicyKick, "kick"
	case "drop":
		return hub.PolicyDrop, "drop"
	default:
		l.Warn("unknown_hub_policy", "policy", name, "used", "drop")
		return hub.PolicyDrop, "drop"
	}
}

func initHub(cfg *appConfig, l *slog.Logger) *hub.Hub {
	h := hub.New()
	h.OutBufSize = cfg.hubBuffer
	policy, policyName := parsePolicy(cfg.hubPolicy, l)
	h.Policy = policy
	l.Info("build_info", "version", version, "commit", commit, "date", date)
	l.Info("hub_config", "policy", policyName, "buffer", h.OutBufSize)
	return h
}
