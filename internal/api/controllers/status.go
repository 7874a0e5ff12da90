package controllers

import (
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v5"

	"github.com/datallboy/gofetch/internal/app"
	"github.com/datallboy/gofetch/internal/domain"
)

const (
	defaultNetworkLines = 20
	defaultHistoryLimit = 50
	maxLimit            = 1000
)

type StatusController struct {
	App *app.Context
}

// Health is the liveness probe.
func (ctrl *StatusController) Health(c *echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{Status: "ok", Uptime: ctrl.App.Uptime().Round(time.Second).String()})
}

// Network returns the current classification and the tail of the network log.
func (ctrl *StatusController) Network(c *echo.Context) error {
	limit, err := limitParam(c, defaultNetworkLines)
	if err != nil {
		return err
	}

	state := ctrl.App.Network.State()
	resp := NetworkResponse{
		Status:              string(state.Status),
		LatencySeconds:      state.LastLatency.Seconds(),
		ConsecutiveFailures: state.ConsecutiveFailures,
		Degraded:            state.Degraded,
		Log:                 ctrl.App.Network.Tail(limit),
	}
	if !state.LastProbe.IsZero() {
		t := state.LastProbe
		resp.LastProbe = &t
	}
	if resp.Log == nil {
		resp.Log = []string{}
	}
	return c.JSON(http.StatusOK, resp)
}

// History lists the most recent download records, newest first.
func (ctrl *StatusController) History(c *echo.Context) error {
	limit, err := limitParam(c, defaultHistoryLimit)
	if err != nil {
		return err
	}

	records := ctrl.App.History.Recent(c.Request().Context(), limit)
	if records == nil {
		records = []*domain.DownloadRecord{}
	}
	return c.JSON(http.StatusOK, HistoryResponse{Total: len(records), Records: records})
}

func (ctrl *StatusController) RetryStats(c *echo.Context) error {
	stats := ctrl.App.History.RetryStats(c.Request().Context(), ctrl.App.Config.Retry.MaxRetries)
	return c.JSON(http.StatusOK, stats)
}

// RunRetry triggers one retry pass and reports its counts.
func (ctrl *StatusController) RunRetry(c *echo.Context) error {
	stats := ctrl.App.Retry.RetryPass(c.Request().Context())
	return c.JSON(http.StatusOK, RetryResponse{
		Network: string(ctrl.App.Network.Status()),
		Stats:   stats,
	})
}

func limitParam(c *echo.Context, def int) (int, error) {
	raw := c.QueryParam("limit")
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, echo.NewHTTPError(http.StatusBadRequest, "limit must be a positive integer")
	}
	return min(n, maxLimit), nil
}
