package transport

import (
	"fmt"
	"net/http"
	"sort"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/23skdu/longbow-mesh/internal/catalog"
	"github.com/23skdu/longbow-mesh/internal/cluster"
	"github.com/23skdu/longbow-mesh/internal/monitoring"
	"github.com/23skdu/longbow-mesh/internal/protocol"
)

// ModelInfo describes one model known to the server.
type ModelInfo struct {
	ModelID  string                 `json:"model_id"`
	Status   cluster.ModelStatus    `json:"status"`
	Segments []protocol.WorkSegment `json:"segments,omitempty"`
}

// Server exposes an orchestrator over HTTP.
type Server struct {
	orch      *cluster.Orchestrator
	modelRoot string
	monitor   *monitoring.HealthMonitor
}

func NewServer(orch *cluster.Orchestrator, modelRoot string, monitor *monitoring.HealthMonitor) *Server {
	return &Server{orch: orch, modelRoot: modelRoot, monitor: monitor}
}

// Routes builds the server's gin engine.
func (s *Server) Routes() *gin.Engine {
	r := newEngine("server")
	r.Use(cors.Default())

	v1 := r.Group("/v1")
	v1.POST("/join", s.join)
	v1.POST("/models/open", s.openModel)
	v1.GET("/models", s.listModels)
	v1.GET("/catalog", s.listCatalog)
	v1.POST("/sessions", s.startSession)
	v1.POST("/queries", s.submitQuery)
	v1.POST("/queries/poll", s.pollQuery)
	v1.POST("/tasks/complete", s.completeTask)

	r.GET("/healthz", s.health)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	return r
}

func (s *Server) join(c *gin.Context) {
	var msg protocol.ClientJoined
	if !bind(c, "join", &msg) {
		return
	}
	if err := s.orch.Join(msg); err != nil {
		invalid(c, "join", err)
		return
	}
	c.JSON(http.StatusOK, protocol.Acknowledge{OK: true})
}

func (s *Server) openModel(c *gin.Context) {
	var msg protocol.PollOpenModel
	if !bind(c, "open_model", &msg) {
		return
	}
	if msg.ModelID == "" {
		invalid(c, "open_model", fmt.Errorf("invalid model id: empty"))
		return
	}
	ready, err := s.orch.OpenModel(msg.ModelID, msg.Attempt)
	if err != nil {
		c.JSON(statusOf(err), protocol.OpenModelResult{ModelID: msg.ModelID, Error: err.Error()})
		return
	}
	c.JSON(http.StatusOK, protocol.OpenModelResult{ModelID: msg.ModelID, Ready: ready})
}

func (s *Server) listModels(c *gin.Context) {
	state := s.orch.State()
	statuses := state.Models()
	out := make([]ModelInfo, 0, len(statuses))
	for id, status := range statuses {
		out = append(out, ModelInfo{ModelID: id, Status: status, Segments: state.Segments(id)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ModelID < out[j].ModelID })
	c.JSON(http.StatusOK, out)
}

func (s *Server) listCatalog(c *gin.Context) {
	entries, err := catalog.List(s.modelRoot)
	if err != nil {
		abort(c, statusOf(err), err)
		return
	}
	c.JSON(http.StatusOK, entries)
}

func (s *Server) startSession(c *gin.Context) {
	c.JSON(http.StatusOK, protocol.SessionStarted{SessionID: s.orch.StartSession()})
}

func (s *Server) submitQuery(c *gin.Context) {
	var req protocol.QueryRequest
	if !bind(c, "query", &req) {
		return
	}
	id, err := s.orch.SubmitQuery(req)
	if err != nil {
		code := statusOf(err)
		if code == http.StatusInternalServerError {
			invalid(c, "query", err)
			return
		}
		abort(c, code, err)
		return
	}
	c.JSON(http.StatusOK, protocol.QueryAccepted{QueryID: id})
}

func (s *Server) pollQuery(c *gin.Context) {
	var msg protocol.PollQueryResult
	if !bind(c, "poll_query", &msg) {
		return
	}
	res, err := s.orch.PollQuery(msg.QueryID, msg.Attempt)
	if err != nil {
		abort(c, statusOf(err), err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (s *Server) completeTask(c *gin.Context) {
	var msg protocol.ModelLoaded
	if !bind(c, "complete_task", &msg) {
		return
	}
	go s.orch.TaskCompleted(msg)
	c.JSON(http.StatusOK, protocol.Acknowledge{OK: true})
}

func (s *Server) health(c *gin.Context) {
	state := s.orch.State()
	var active []string
	for id, status := range state.Models() {
		if status == cluster.StatusActive {
			active = append(active, id)
		}
	}
	sort.Strings(active)
	status := s.monitor.Status(monitoring.NodeInfo{Models: active, Workers: len(state.Workers())})
	code := http.StatusOK
	if status.Status == "critical" {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, status)
}
