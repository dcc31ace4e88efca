package httpapi

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mohans/researchq/researchq"
)

const maxListLimit = 1000

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Detail    string    `json:"detail"`
	ErrorCode string    `json:"error_code,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

func writeError(c *gin.Context, code int, errorCode, detail string) {
	c.JSON(code, ErrorResponse{Detail: detail, ErrorCode: errorCode, Timestamp: time.Now().UTC()})
}

func abortError(c *gin.Context, code int, errorCode, detail string) {
	writeError(c, code, errorCode, detail)
	c.Abort()
}

// fail maps core errors onto HTTP responses.
func (s *Server) fail(c *gin.Context, err error) {
	var verr *researchq.ValidationError
	switch {
	case errors.As(err, &verr):
		writeError(c, http.StatusUnprocessableEntity, "VALIDATION_ERROR", verr.Error())
	case errors.Is(err, researchq.ErrNotFound):
		writeError(c, http.StatusNotFound, "TASK_NOT_FOUND", "Task not found")
	case errors.Is(err, researchq.ErrAlreadyTerminal):
		writeError(c, http.StatusBadRequest, "TASK_ALREADY_TERMINAL", "Cannot cancel a finished task")
	case errors.Is(err, researchq.ErrRateLimited):
		writeError(c, http.StatusTooManyRequests, "RATE_LIMITED", "too many submissions, retry later")
	case errors.Is(err, researchq.ErrQueuePublish):
		s.logger.Error("submission not queued", "error", err)
		writeError(c, http.StatusServiceUnavailable, "QUEUE_UNAVAILABLE", "research request could not be queued")
	default:
		s.logger.Error("request failed", "path", c.FullPath(), "error", err)
		writeError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "internal error")
	}
}

// wireState is the lower-case status clients see.
func wireState(st researchq.State) string {
	return strings.ToLower(string(st))
}

type submitRequest struct {
	Query          string `json:"query"`
	Priority       string `json:"priority"`
	MaxIterations  *int   `json:"max_iterations"`
	IncludeSources *bool  `json:"include_sources"`
	CreateReport   bool   `json:"create_report"`
}

type submitResponse struct {
	TaskID        string `json:"task_id"`
	Status        string `json:"status"`
	Message       string `json:"message"`
	EstimatedTime string `json:"estimated_time,omitempty"`
}

func (s *Server) handleSubmit(c *gin.Context) {
	var body submitRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		writeError(c, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "invalid request body: "+err.Error())
		return
	}
	req := researchq.SubmitRequest{
		Query:          body.Query,
		Priority:       body.Priority,
		CreateReport:   body.CreateReport,
		IncludeSources: true,
	}
	if body.IncludeSources != nil {
		req.IncludeSources = *body.IncludeSources
	}
	if body.MaxIterations != nil {
		if *body.MaxIterations == 0 {
			writeError(c, http.StatusUnprocessableEntity, "VALIDATION_ERROR",
				"max_iterations: must be between 1 and "+strconv.Itoa(researchq.MaxIterationsLimit))
			return
		}
		req.MaxIterations = *body.MaxIterations
	}

	sub, err := s.dispatcher.Submit(c.Request.Context(), req)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, submitResponse{
		TaskID:        sub.Task.ID,
		Status:        wireState(sub.Task.State),
		Message:       "Research request submitted successfully",
		EstimatedTime: sub.EstimatedTime,
	})
}

type summary struct {
	TaskID    string    `json:"task_id"`
	Status    string    `json:"status"`
	Query     string    `json:"query"`
	CreatedAt time.Time `json:"created_at"`
}

type listResponse struct {
	TotalTasks int       `json:"total_tasks"`
	Tasks      []summary `json:"tasks"`
}

func (s *Server) handleList(c *gin.Context) {
	var state researchq.State
	if v := c.Query("status"); v != "" {
		st, ok := researchq.ParseState(v)
		if !ok {
			writeError(c, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "unknown status "+strconv.Quote(v))
			return
		}
		state = st
	}
	limit := 0
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > maxListLimit {
			writeError(c, http.StatusUnprocessableEntity, "VALIDATION_ERROR",
				"limit must be between 1 and "+strconv.Itoa(maxListLimit))
			return
		}
		limit = n
	}

	items, err := s.notifier.List(c.Request.Context(), state, limit)
	if err != nil {
		s.fail(c, err)
		return
	}
	resp := listResponse{TotalTasks: len(items), Tasks: make([]summary, 0, len(items))}
	for _, it := range items {
		resp.Tasks = append(resp.Tasks, summary{
			TaskID:    it.ID,
			Status:    wireState(it.State),
			Query:     it.Query,
			CreatedAt: it.CreatedAt,
		})
	}
	c.JSON(http.StatusOK, resp)
}

type statusResponse struct {
	TaskID      string     `json:"task_id"`
	Status      string     `json:"status"`
	Progress    int        `json:"progress"`
	CreatedAt   time.Time  `json:"created_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

func (s *Server) handleStatus(c *gin.Context) {
	v, err := s.notifier.GetStatus(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, statusResponse{
		TaskID:      v.ID,
		Status:      wireState(v.State),
		Progress:    v.Progress,
		CreatedAt:   v.CreatedAt,
		CompletedAt: v.CompletedAt,
	})
}

type resultResponse struct {
	TaskID         string               `json:"task_id"`
	Status         string               `json:"status"`
	Query          string               `json:"query"`
	Progress       int                  `json:"progress"`
	Message        string               `json:"message,omitempty"`
	Result         *string              `json:"result,omitempty"`
	Error          *researchq.TaskError `json:"error,omitempty"`
	FilesGenerated []string             `json:"files_generated,omitempty"`
	CreatedAt      time.Time            `json:"created_at"`
	CompletedAt    *time.Time           `json:"completed_at,omitempty"`
}

func (s *Server) handleResult(c *gin.Context) {
	v, err := s.notifier.GetResult(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	resp := resultResponse{
		TaskID:         v.ID,
		Status:         wireState(v.State),
		Query:          v.Query,
		Progress:       v.Progress,
		Result:         v.Result,
		Error:          v.Error,
		FilesGenerated: v.Artifacts,
		CreatedAt:      v.CreatedAt,
		CompletedAt:    v.CompletedAt,
	}
	if !v.State.Terminal() {
		resp.Message = "Research in progress..."
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) handleCancel(c *gin.Context) {
	t, err := s.dispatcher.Cancel(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"task_id": t.ID,
		"status":  wireState(t.State),
		"message": "Task cancelled successfully",
	})
}
