package controllers

import (
	"time"

	"github.com/datallboy/gofetch/internal/domain"
	"github.com/datallboy/gofetch/internal/retry"
)

type HealthResponse struct {
	Status string `json:"status"`
	Uptime string `json:"uptime"`
}

type NetworkResponse struct {
	Status              string     `json:"status"`
	LastProbe           *time.Time `json:"last_probe,omitempty"`
	LatencySeconds      float64    `json:"latency_seconds"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
	Degraded            bool       `json:"degraded"`
	Log                 []string   `json:"log"`
}

type HistoryResponse struct {
	Total   int                      `json:"total"`
	Records []*domain.DownloadRecord `json:"records"`
}

type RetryResponse struct {
	Network string      `json:"network"`
	Stats   retry.Stats `json:"stats"`
}
