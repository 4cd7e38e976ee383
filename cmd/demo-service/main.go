// Command demo-service is a tiny illustrative monitored service exercising
// the engine's ingress hook end-to-end: /payment, /checkout and /inventory
// gin routes, instrumented via engine.Begin/engine.End and consulting
// engine.CheckInjection, matching the worked examples the original
// specification is written against.
package main

import (
	"context"
	"math/rand"
	"net/http"
	"os"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/opsintel/ops-agent/config"
	"github.com/opsintel/ops-agent/engine"
)

const serviceName = "demo-service"

const traceHeader = "X-Trace-Id"

func main() {
	conf := config.DefaultAgentConfig()
	eng, err := engine.New(conf)
	if err != nil {
		os.Exit(2)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	eng.Start(ctx)
	defer eng.Stop()

	r := gin.Default()
	r.GET("/payment", handlePayment(eng))
	r.GET("/checkout", handleCheckout(eng))
	r.GET("/inventory", handleInventory(eng))

	addr := ":9090"
	if err := r.Run(addr); err != nil {
		os.Exit(2)
	}
}

func handlePayment(eng *engine.Engine) gin.HandlerFunc {
	return func(c *gin.Context) {
		status, msg := simulate(eng, c, "/payment")
		c.JSON(status, gin.H{"endpoint": "/payment", "error": msg})
	}
}

func handleInventory(eng *engine.Engine) gin.HandlerFunc {
	return func(c *gin.Context) {
		status, msg := simulate(eng, c, "/inventory")
		c.JSON(status, gin.H{"endpoint": "/inventory", "error": msg})
	}
}

// handleCheckout internally calls /payment in-process, propagating the
// trace id, so a single top-level request produces records for both
// /checkout and /payment sharing one trace_id (scenario: cascading
// failure RCA).
func handleCheckout(eng *engine.Engine) gin.HandlerFunc {
	return func(c *gin.Context) {
		incoming := c.GetHeader(traceHeader)
		rc := eng.Begin("/checkout", c.Request.Method, incoming)
		c.Header(traceHeader, rc.TraceID)

		paymentStatus, paymentMsg := simulateWithTrace(eng, "/payment", rc.TraceID)

		status, msg := paymentStatus, paymentMsg
		if status < 500 {
			status, msg = decideOutcome(eng, "/checkout")
		}

		eng.End(c.Request.Context(), rc, serviceName, status, msg)
		c.JSON(status, gin.H{"endpoint": "/checkout", "error": msg})
	}
}

func simulate(eng *engine.Engine, c *gin.Context, endpoint string) (int, string) {
	incoming := c.GetHeader(traceHeader)
	rc := eng.Begin(endpoint, c.Request.Method, incoming)
	c.Header(traceHeader, rc.TraceID)

	status, msg := decideOutcome(eng, endpoint)
	eng.End(c.Request.Context(), rc, serviceName, status, msg)
	return status, msg
}

func simulateWithTrace(eng *engine.Engine, endpoint, traceID string) (int, string) {
	rc := eng.Begin(endpoint, http.MethodGet, traceID)
	status, msg := decideOutcome(eng, endpoint)
	eng.End(context.Background(), rc, serviceName, status, msg)
	return status, msg
}

// decideOutcome applies the failure injector's decision, then falls back
// to a small amount of natural jitter so a freshly-started demo has
// plausible baseline traffic.
func decideOutcome(eng *engine.Engine, endpoint string) (int, string) {
	decision := eng.CheckInjection(endpoint)
	if decision.DelayMs > 0 {
		time.Sleep(time.Duration(decision.DelayMs) * time.Millisecond)
	}
	if decision.ForceError {
		return http.StatusInternalServerError, decision.ErrorMsg
	}

	time.Sleep(time.Duration(150+rand.Intn(60)) * time.Millisecond)
	return http.StatusOK, ""
}
