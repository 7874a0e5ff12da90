package domain

import "time"

type NetworkStatus string

const (
	NetworkGood    NetworkStatus = "good"
	NetworkPoor    NetworkStatus = "poor"
	NetworkOffline NetworkStatus = "offline"
)

// NetworkState is the process-wide health snapshot produced by the prober.
type NetworkState struct {
	Status              NetworkStatus `json:"status"`
	LastProbe           time.Time     `json:"last_probe"`
	LastLatency         time.Duration `json:"last_latency"`
	ConsecutiveFailures int           `json:"consecutive_failures"`
	// Degraded marks a reachable API whose round trip reached the poor threshold.
	Degraded bool `json:"degraded"`
}
