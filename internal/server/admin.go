package server

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/careledger/internal/observability/logger"
	"github.com/smallbiznis/careledger/internal/reconcile"
	"github.com/smallbiznis/careledger/internal/scheduler"
	"go.uber.org/zap"
)

type taskRunResponse struct {
	Task   string           `json:"task"`
	Result scheduler.Result `json:"result"`
	Error  string           `json:"error,omitempty"`
}

func (s *Server) ListTasks(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"data": s.scheduler.Names()})
}

// RunTask runs a scheduled task now. Per-entity failures are already stored
// on their rows, so they come back in the body with a 200.
func (s *Server) RunTask(c *gin.Context) {
	name := c.Param("name")
	result, err := s.scheduler.RunTask(c.Request.Context(), name)
	if errors.Is(err, scheduler.ErrUnknownTask) || errors.Is(err, scheduler.ErrTaskRunning) {
		AbortWithError(c, err)
		return
	}

	resp := taskRunResponse{Task: name, Result: result}
	if err != nil {
		resp.Error = err.Error()
		logger.WithContext(c.Request.Context(), s.log).Warn("admin.task.partial_failure",
			zap.String("task", name),
			zap.Int("failed", result.Failed),
			zap.Error(err),
		)
	}
	c.JSON(http.StatusOK, resp)
}

type backfillResponse struct {
	Summary reconcile.Summary `json:"summary"`
	Error   string            `json:"error,omitempty"`
}

func (s *Server) BackfillAuctions(c *gin.Context) {
	s.backfill(c, reconcile.ScopeAuctions)
}

func (s *Server) BackfillDonations(c *gin.Context) {
	s.backfill(c, reconcile.ScopeDonations)
}

func (s *Server) backfill(c *gin.Context, scope reconcile.Scope) {
	limit, err := parseLimit(c, defaultListLimit)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	summary, err := s.reconciler.Sweep(c.Request.Context(), reconcile.Options{Scope: scope, Limit: limit})
	resp := backfillResponse{Summary: summary}
	if err != nil {
		resp.Error = err.Error()
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) SyncDonation(c *gin.Context) {
	id, err := parsePathID(c, "id")
	if err != nil {
		AbortWithError(c, err)
		return
	}

	result, err := s.donationSvc.Sync(c.Request.Context(), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": result})
}

func (s *Server) LinkAuction(c *gin.Context) {
	id, err := parsePathID(c, "id")
	if err != nil {
		AbortWithError(c, err)
		return
	}

	result, err := s.auctionSvc.Link(c.Request.Context(), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": result})
}
