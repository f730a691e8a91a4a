package vrr

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/jetkvm/vrr/internal/logging"
	"github.com/jetkvm/vrr/internal/vrr"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var webLogger = logging.GetSubsystemLogger("web")

const requestIDHeader = "X-Request-Id"

type ConfigurationRequest struct {
	ID                 int32 `json:"id"`
	MinFrameIntervalNs int64 `json:"min_frame_interval_ns"`
	RenderingTimeoutNs int64 `json:"rendering_timeout_ns"`
	TeFrequency        int   `json:"te_frequency"`
}

type ActiveConfigurationRequest struct {
	ID *int32 `json:"id" binding:"required"`
}

type EnabledRequest struct {
	Enabled *bool `json:"enabled" binding:"required"`
}

type ExpectedPresentRequest struct {
	TimestampNs     int64 `json:"timestamp_ns"`
	FrameIntervalNs int64 `json:"frame_interval_ns"`
	// Notify marks the timing as a cadence change hint rather than the next present.
	Notify bool `json:"notify"`
}

type PresentRequest struct {
	TimestampNs int64 `json:"timestamp_ns"`
	Flag        int   `json:"flag"`
}

type PowerModeRequest struct {
	Mode *int `json:"mode" binding:"required"`
}

type VsyncRequest struct {
	TimestampNs   int64 `json:"timestamp_ns"`
	VsyncPeriodNs int64 `json:"vsync_period_ns"`
}

type DisplayResponse struct {
	vrr.Snapshot
	PowerMode   string `json:"power_mode"`
	RefreshRate int    `json:"refresh_rate"`
}

type StatisticsEntry struct {
	ConfigID        int32  `json:"config_id"`
	PowerMode       string `json:"power_mode"`
	Brightness      string `json:"brightness"`
	NumVsync        int    `json:"num_vsync"`
	Off             bool   `json:"off"`
	Count           uint64 `json:"count"`
	LastTimestampNs int64  `json:"last_timestamp_ns"`
}

func requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(requestIDHeader)
		if id == "" {
			id = uuid.New().String()
		}
		c.Set("request_id", id)
		c.Header(requestIDHeader, id)
		c.Next()
	}
}

func requestLogMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		webLogger.Debug().
			Str("request_id", c.GetString("request_id")).
			Str("method", c.Request.Method).
			Str("path", c.FullPath()).
			Int("status", c.Writer.Status()).
			Dur("latency", time.Since(start)).
			Msg("request handled")
	}
}

// setupRouter builds the producer and telemetry API over the registry.
func setupRouter(registry *Registry) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	gin.DisableConsoleColor()
	r := gin.New()
	r.Use(gin.Recovery(), requestIDMiddleware(), requestLogMiddleware())

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	displays := r.Group("/displays/:name")
	displays.Use(displayMiddleware(registry))
	{
		displays.GET("", handleGetDisplay)
		displays.GET("/statistics", handleGetStatistics)
		displays.DELETE("/statistics", handleResetStatistics)
		displays.POST("/configurations", handleSetConfigurations)
		displays.POST("/active-configuration", handleSetActiveConfiguration)
		displays.POST("/enabled", handleSetEnabled)
		displays.POST("/expected-present", handleExpectedPresent)
		displays.POST("/present", handlePresent)
		displays.POST("/power-mode", handlePowerMode)
		displays.POST("/vsync", handleVsync)
		displays.POST("/reset", handleReset)
	}
	return r
}

func displayMiddleware(registry *Registry) gin.HandlerFunc {
	return func(c *gin.Context) {
		d, err := registry.Get(c.Param("name"))
		if err != nil {
			c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		c.Set("display", d)
		c.Next()
	}
}

func displayFrom(c *gin.Context) *Display {
	return c.MustGet("display").(*Display)
}

func badRequest(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
}

func handleGetDisplay(c *gin.Context) {
	d := displayFrom(c)
	c.JSON(http.StatusOK, DisplayResponse{
		Snapshot:    d.Controller.Snapshot(),
		PowerMode:   d.Statistics.CurrentStatus().PowerMode.String(),
		RefreshRate: d.Calculator.RefreshRate(),
	})
}

func handleGetStatistics(c *gin.Context) {
	d := displayFrom(c)
	var stats vrr.DisplayPresentStatistics
	if c.Query("updated") == "1" {
		stats = d.Statistics.GetUpdatedStatistics()
	} else {
		stats = d.Statistics.GetStatistics()
	}

	entries := make([]StatisticsEntry, 0, len(stats))
	for _, p := range stats.Profiles() {
		record := stats[p]
		entries = append(entries, StatisticsEntry{
			ConfigID:        int32(p.Status.ActiveConfigID),
			PowerMode:       p.Status.PowerMode.String(),
			Brightness:      p.Status.BrightnessMode.String(),
			NumVsync:        p.NumVsync,
			Off:             p.IsOff(),
			Count:           record.Count,
			LastTimestampNs: record.LastTimestampNs,
		})
	}
	c.JSON(http.StatusOK, gin.H{"total": stats.TotalCount(), "entries": entries})
}

func handleResetStatistics(c *gin.Context) {
	displayFrom(c).ResetStatistics()
	c.Status(http.StatusNoContent)
}

func handleSetConfigurations(c *gin.Context) {
	var req []ConfigurationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	table := make(map[vrr.ConfigID]vrr.VrrConfig, len(req))
	for _, entry := range req {
		id := vrr.ConfigID(entry.ID)
		if _, dup := table[id]; dup {
			badRequest(c, fmt.Errorf("duplicate configuration id %d", entry.ID))
			return
		}
		if entry.MinFrameIntervalNs <= 0 || entry.RenderingTimeoutNs <= 0 {
			badRequest(c, fmt.Errorf("configuration %d: intervals must be positive", entry.ID))
			return
		}
		table[id] = vrr.VrrConfig{
			MinFrameIntervalNs: entry.MinFrameIntervalNs,
			RenderingTimeoutNs: entry.RenderingTimeoutNs,
			TeFrequency:        entry.TeFrequency,
		}
	}

	displayFrom(c).SetConfigurations(table)
	c.Status(http.StatusNoContent)
}

func handleSetActiveConfiguration(c *gin.Context) {
	var req ActiveConfigurationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	err := displayFrom(c).SetActiveConfiguration(vrr.ConfigID(*req.ID))
	if errors.Is(err, vrr.ErrUnknownConfiguration) {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.Status(http.StatusNoContent)
}

func handleSetEnabled(c *gin.Context) {
	var req EnabledRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	displayFrom(c).Controller.SetEnabled(*req.Enabled)
	c.Status(http.StatusNoContent)
}

func handleExpectedPresent(c *gin.Context) {
	var req ExpectedPresentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	ctrl := displayFrom(c).Controller
	if req.Notify {
		ctrl.NotifyExpectedPresent(req.TimestampNs, req.FrameIntervalNs)
	} else {
		ctrl.SetExpectedPresentTime(req.TimestampNs, req.FrameIntervalNs)
	}
	c.Status(http.StatusNoContent)
}

func handlePresent(c *gin.Context) {
	var req PresentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	committed := displayFrom(c).Present(req.TimestampNs, req.Flag)
	c.JSON(http.StatusOK, gin.H{"committed": committed})
}

func handlePowerMode(c *gin.Context) {
	var req PowerModeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	mode := vrr.PowerMode(*req.Mode)
	if mode < vrr.PowerModeOff || mode > vrr.PowerModeOnSuspend {
		badRequest(c, fmt.Errorf("unknown power mode %d", *req.Mode))
		return
	}
	displayFrom(c).SetPowerMode(mode)
	c.Status(http.StatusNoContent)
}

func handleVsync(c *gin.Context) {
	var req VsyncRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	displayFrom(c).Controller.OnVsync(req.TimestampNs, req.VsyncPeriodNs)
	c.Status(http.StatusNoContent)
}

func handleReset(c *gin.Context) {
	displayFrom(c).Reset()
	c.Status(http.StatusNoContent)
}

// RunWebServer serves the API on addr until ctx is cancelled.
func RunWebServer(ctx context.Context, addr string, registry *Registry) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           setupRouter(registry),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		webLogger.Info().Str("listen", addr).Msg("starting web server")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			webLogger.Warn().Err(err).Msg("web server shutdown failed")
		}
		return nil
	}
}
