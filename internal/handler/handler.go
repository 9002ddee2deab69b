package handler

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"smart-mail-sorter-go/internal/apperr"
	"smart-mail-sorter-go/internal/connection"
	"smart-mail-sorter-go/internal/ledger"
	"smart-mail-sorter-go/internal/model"
	"smart-mail-sorter-go/internal/pipeline"
	"smart-mail-sorter-go/internal/provider"
	"smart-mail-sorter-go/internal/repository"
	"smart-mail-sorter-go/internal/scheduler"
)

// HistoryStore lists processed emails and processing logs
type HistoryStore interface {
	repository.ProcessingLogStore
	ListProcessed(ctx context.Context, customerID string, page, limit int) ([]model.ProcessedEmail, int64, error)
}

// Deps are the components the handlers delegate to
type Deps struct {
	Connections *connection.Manager
	Providers   *provider.Registry
	Ledger      *ledger.CreditLedger
	Pipeline    *pipeline.Pipeline
	Scheduler   *scheduler.Scheduler
	History     HistoryStore
	// Ping checks the primary datastore
	Ping func(ctx context.Context) error
	// FrontendURL, when set, receives the browser after the OAuth callback
	FrontendURL string
}

// Handlers contains all HTTP handlers
type Handlers struct {
	Deps
}

// NewHandlers creates new HTTP handlers
func NewHandlers(deps Deps) *Handlers {
	return &Handlers{Deps: deps}
}

// HealthCheck handles health check requests
func (h *Handlers) HealthCheck(c *gin.Context) {
	response := HealthResponse{
		Status:    "ok",
		Timestamp: time.Now().UTC(),
		Database:  "ok",
		Scheduler: map[string]string{"status": "stopped"},
	}

	if h.Ping != nil {
		if err := h.Ping(c.Request.Context()); err != nil {
			response.Status = "error"
			response.Database = "error"
			logrus.Errorf("Database health check failed: %v", err)
		}
	}

	if h.Scheduler != nil && h.Scheduler.IsRunning() {
		response.Scheduler["status"] = "running"
		response.Scheduler["next_run"] = h.Scheduler.GetNextRun().Format(time.RFC3339)
		if last := h.Scheduler.GetLastRun(); !last.IsZero() {
			response.Scheduler["last_run"] = last.Format(time.RFC3339)
		}
	}

	status := http.StatusOK
	if response.Status != "ok" {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, response)
}

// respondError writes err as an ErrorResponse. Errors that are not part of
// the application taxonomy are logged and reported as a generic 500.
func respondError(c *gin.Context, err error) {
	appErr := apperr.As(err)
	if appErr.Status >= http.StatusInternalServerError {
		logrus.WithError(err).WithFields(logrus.Fields{
			"path":   c.FullPath(),
			"method": c.Request.Method,
		}).Error("Request failed")
	}
	c.JSON(appErr.Status, ErrorResponse{
		Error:   appErr.Code,
		Message: appErr.Message,
		Code:    appErr.Status,
	})
}

// pagination reads page and limit query parameters
func pagination(c *gin.Context) (int, int) {
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))

	if page < 1 {
		page = 1
	}
	if limit < 1 || limit > 100 {
		limit = 50
	}
	return page, limit
}
