package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/ChuLiYu/claimqueue/internal/engine"
	"github.com/ChuLiYu/claimqueue/internal/ledger"
	"github.com/ChuLiYu/claimqueue/pkg/types"
)

var log = slog.Default()

// Engine HTTP 層需要的引擎操作
type Engine interface {
	SubmitClaim(types.TaskID, types.UserID, types.BuyerAccountID) (*ledger.Handle, error)
	AwaitClaim(context.Context, *ledger.Handle, time.Duration) (types.ClaimResult, error)
	Lookup(handle string) (*ledger.Handle, error)
	CancelTask(context.Context, types.TaskID) (types.Outcome, error)
	CompleteTask(context.Context, types.TaskID) (types.Outcome, error)
	Pause()
	Resume()
	Paused() bool
	PurgeCompleted(olderThan time.Duration) int
	Stats() ledger.Stats
}

// API provides handlers for the claim endpoints.
type API struct {
	engine       Engine
	awaitTimeout time.Duration // 未指定 timeout_ms 時的等待上限
}

// NewAPI creates a new API handler.
func NewAPI(e Engine, awaitTimeout time.Duration) *API {
	return &API{engine: e, awaitTimeout: awaitTimeout}
}

type claimPayload struct {
	TaskID         string `json:"task_id" binding:"required"`
	UserID         string `json:"user_id" binding:"required"`
	BuyerAccountID string `json:"buyer_account_id" binding:"required"`
	WaitMs         int64  `json:"wait_ms"`
}

// claimResponse 對外的結果格式
type claimResponse struct {
	Handle  string `json:"handle,omitempty"`
	Status  string `json:"status"`
	OrderID string `json:"order_id,omitempty"`
	Reason  string `json:"reason,omitempty"`
}

func newClaimResponse(handle string, res types.ClaimResult, done bool) claimResponse {
	resp := claimResponse{Handle: handle}
	switch {
	case res.TimedOut:
		resp.Status = "timed_out"
	case !done:
		resp.Status = "pending"
	case res.Accepted:
		resp.Status = "accepted"
		resp.OrderID = string(res.OrderID)
	default:
		resp.Status = "rejected"
		resp.Reason = string(res.Reason)
	}
	return resp
}

// SubmitClaimHandler queues a claim. With wait_ms it blocks for the outcome.
func (a *API) SubmitClaimHandler(c *gin.Context) {
	var payload claimPayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request payload"})
		return
	}

	h, err := a.engine.SubmitClaim(
		types.TaskID(payload.TaskID),
		types.UserID(payload.UserID),
		types.BuyerAccountID(payload.BuyerAccountID),
	)
	if err != nil {
		a.fail(c, err)
		return
	}

	if payload.WaitMs <= 0 {
		out, done := h.Outcome()
		c.JSON(http.StatusAccepted, newClaimResponse(string(h.ID()), types.ClaimResult{Outcome: out}, done))
		return
	}
	a.await(c, h, time.Duration(payload.WaitMs)*time.Millisecond)
}

// AwaitClaimHandler waits for a previously submitted claim.
func (a *API) AwaitClaimHandler(c *gin.Context) {
	h, err := a.engine.Lookup(c.Param("handle"))
	if err != nil {
		a.fail(c, err)
		return
	}

	timeout := a.awaitTimeout
	if ms := c.Query("timeout_ms"); ms != "" {
		n, err := strconv.ParseInt(ms, 10, 64)
		if err != nil || n < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid timeout_ms"})
			return
		}
		timeout = time.Duration(n) * time.Millisecond
	}
	a.await(c, h, timeout)
}

func (a *API) await(c *gin.Context, h *ledger.Handle, timeout time.Duration) {
	res, err := a.engine.AwaitClaim(c.Request.Context(), h, timeout)
	if err != nil {
		a.fail(c, err)
		return
	}
	code := http.StatusOK
	if res.TimedOut {
		code = http.StatusAccepted
	}
	c.JSON(code, newClaimResponse(string(h.ID()), res, true))
}

// StatsHandler returns queue depths.
func (a *API) StatsHandler(c *gin.Context) {
	c.JSON(http.StatusOK, a.engine.Stats())
}

// PauseHandler stops dispatching.
func (a *API) PauseHandler(c *gin.Context) {
	a.engine.Pause()
	c.JSON(http.StatusOK, gin.H{"paused": a.engine.Paused()})
}

// ResumeHandler restarts dispatching.
func (a *API) ResumeHandler(c *gin.Context) {
	a.engine.Resume()
	c.JSON(http.StatusOK, gin.H{"paused": a.engine.Paused()})
}

// PurgeHandler drops outcomes older than ?older_than= (Go duration, default 0).
func (a *API) PurgeHandler(c *gin.Context) {
	olderThan, err := time.ParseDuration(c.DefaultQuery("older_than", "0s"))
	if err != nil || olderThan < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid older_than"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"purged": a.engine.PurgeCompleted(olderThan)})
}

// CancelTaskHandler cancels a task through its lane.
func (a *API) CancelTaskHandler(c *gin.Context) {
	out, err := a.engine.CancelTask(c.Request.Context(), types.TaskID(c.Param("id")))
	a.adminResult(c, out, err)
}

// CompleteTaskHandler completes a task through its lane.
func (a *API) CompleteTaskHandler(c *gin.Context) {
	out, err := a.engine.CompleteTask(c.Request.Context(), types.TaskID(c.Param("id")))
	a.adminResult(c, out, err)
}

func (a *API) adminResult(c *gin.Context, out types.Outcome, err error) {
	if err != nil {
		a.fail(c, err)
		return
	}
	resp := newClaimResponse("", types.ClaimResult{Outcome: out}, true)
	code := http.StatusOK
	switch out.Reason {
	case types.ReasonTaskNotFound:
		code = http.StatusNotFound
	case types.ReasonTaskNotOpen:
		code = http.StatusConflict
	}
	c.JSON(code, resp)
}

func (a *API) fail(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ledger.ErrInvalidRequest):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, ledger.ErrUnknownHandle):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, engine.ErrStopped), errors.Is(err, engine.ErrNotStarted):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		c.JSON(http.StatusRequestTimeout, gin.H{"error": err.Error()})
	default:
		log.Error("request failed", "path", c.FullPath(), "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}

// requestLogger 以 slog 記錄每個請求
func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.Debug("http request",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"duration", time.Since(start))
	}
}
