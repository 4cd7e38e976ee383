// Package api exposes the query/command surface of §6 over HTTP with gin,
// external to the core engine (the engine package has no import on gin).
package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/opsintel/ops-agent/engine"
	"github.com/opsintel/ops-agent/injector"
	"github.com/opsintel/ops-agent/registry"
)

// NewRouter builds the gin engine wiring every operation in §6's
// query/command table to eng.
func NewRouter(eng *engine.Engine) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/metrics", getMetrics(eng))
	r.GET("/incidents", listIncidents(eng))
	r.GET("/incidents/:id", getIncident(eng))
	r.POST("/incidents/:id/ack", ackIncident(eng))
	r.POST("/incidents/:id/resolve", resolveIncident(eng))
	r.POST("/analysis/run", triggerAnalysis(eng))
	r.POST("/injection", setInjection(eng))
	r.DELETE("/injection", clearInjection(eng))
	r.GET("/injection", injectionStatus(eng))
	r.GET("/health", health(eng))

	return r
}

func getMetrics(eng *engine.Engine) gin.HandlerFunc {
	return func(c *gin.Context) {
		var since, until time.Time
		if s := c.Query("since"); s != "" {
			if t, err := time.Parse(time.RFC3339, s); err == nil {
				since = t
			}
		}
		if u := c.Query("until"); u != "" {
			if t, err := time.Parse(time.RFC3339, u); err == nil {
				until = t
			}
		}

		m, err := eng.Metrics(c.Request.Context(), since, until)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, m)
	}
}

func listIncidents(eng *engine.Engine) gin.HandlerFunc {
	return func(c *gin.Context) {
		f := registry.Filter{
			Severity: severityFromQuery(c.Query("severity")),
			Status:   statusFromQuery(c.Query("status")),
			Endpoint: c.Query("endpoint"),
		}
		incs, err := eng.Registry.List(c.Request.Context(), f)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, incs)
	}
}

func getIncident(eng *engine.Engine) gin.HandlerFunc {
	return func(c *gin.Context) {
		inc, err := eng.Registry.Get(c.Request.Context(), c.Param("id"))
		if err == registry.ErrNotFound {
			c.JSON(http.StatusNotFound, gin.H{"error": "incident not found"})
			return
		}
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, inc)
	}
}

func ackIncident(eng *engine.Engine) gin.HandlerFunc {
	return func(c *gin.Context) {
		inc, err := eng.Registry.Acknowledge(c.Request.Context(), c.Param("id"), time.Now())
		if err == registry.ErrNotFound {
			c.JSON(http.StatusNotFound, gin.H{"error": "incident not found"})
			return
		}
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, inc)
	}
}

func resolveIncident(eng *engine.Engine) gin.HandlerFunc {
	return func(c *gin.Context) {
		var body struct {
			Note string `json:"note"`
		}
		_ = c.ShouldBindJSON(&body)

		inc, err := eng.Registry.Resolve(c.Request.Context(), c.Param("id"), body.Note, time.Now())
		if err == registry.ErrNotFound {
			c.JSON(http.StatusNotFound, gin.H{"error": "incident not found"})
			return
		}
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, inc)
	}
}

func triggerAnalysis(eng *engine.Engine) gin.HandlerFunc {
	return func(c *gin.Context) {
		result, err := eng.Scheduler.RunOnce(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, result)
	}
}

func setInjection(eng *engine.Engine) gin.HandlerFunc {
	return func(c *gin.Context) {
		var body struct {
			Endpoint  string  `json:"endpoint" binding:"required"`
			DelayMs   int64   `json:"delay_ms"`
			ErrorRate float64 `json:"error_rate"`
		}
		if err := c.ShouldBindJSON(&body); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		eng.Injector.Set(body.Endpoint, injector.Rule{DelayMs: body.DelayMs, ErrorRate: body.ErrorRate})
		c.JSON(http.StatusOK, eng.Injector.Snapshot())
	}
}

func clearInjection(eng *engine.Engine) gin.HandlerFunc {
	return func(c *gin.Context) {
		eng.Injector.Clear()
		c.JSON(http.StatusOK, eng.Injector.Snapshot())
	}
}

func injectionStatus(eng *engine.Engine) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, eng.Injector.Snapshot())
	}
}

func health(eng *engine.Engine) gin.HandlerFunc {
	return func(c *gin.Context) {
		healthy, reason := eng.HealthStatus()
		status := http.StatusOK
		if !healthy {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, gin.H{"healthy": healthy, "reason": reason})
	}
}
