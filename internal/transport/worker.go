package transport

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/23skdu/longbow-mesh/internal/monitoring"
	"github.com/23skdu/longbow-mesh/internal/protocol"
	"github.com/23skdu/longbow-mesh/internal/worker"
)

// Worker exposes a worker's model table over HTTP.
type Worker struct {
	state   *worker.State
	monitor *monitoring.HealthMonitor
}

func NewWorker(state *worker.State, monitor *monitoring.HealthMonitor) *Worker {
	return &Worker{state: state, monitor: monitor}
}

// Routes builds the worker's gin engine.
func (w *Worker) Routes() *gin.Engine {
	r := newEngine("worker")

	v1 := r.Group("/v1")
	v1.POST("/load", w.load)
	v1.POST("/work", w.work)
	v1.GET("/models", w.models)

	r.GET("/healthz", w.health)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	return r
}

// load acknowledges at once; the outcome is reported to the server.
func (w *Worker) load(c *gin.Context) {
	var req protocol.LoadModelRequest
	if !bind(c, "load", &req) {
		return
	}
	if err := req.Segment.Validate(); err != nil {
		invalid(c, "load", err)
		return
	}
	w.state.StartLoad(req)
	c.JSON(http.StatusOK, protocol.Acknowledge{OK: true})
}

func (w *Worker) work(c *gin.Context) {
	var req protocol.WorkRequest
	if !bind(c, "work", &req) {
		return
	}
	start := time.Now()
	res, err := w.state.Execute(req)
	tokens := 0
	if res.Output.Kind == protocol.TokenOutput {
		tokens = 1
	}
	w.monitor.RecordInference("work", tokens, time.Since(start), err)
	if err != nil {
		code := http.StatusBadRequest
		if errors.Is(err, worker.ErrModelNotLoaded) {
			code = statusOf(err)
		}
		abort(c, code, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (w *Worker) models(c *gin.Context) {
	c.JSON(http.StatusOK, w.state.Loaded())
}

func (w *Worker) health(c *gin.Context) {
	status := w.monitor.Status(monitoring.NodeInfo{Models: w.state.Loaded()})
	code := http.StatusOK
	if status.Status == "critical" {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, status)
}
