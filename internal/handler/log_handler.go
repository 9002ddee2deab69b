package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"smart-mail-sorter-go/internal/middleware"
	"smart-mail-sorter-go/internal/model"
)

// GetLogs returns the caller's processing logs with pagination
func (h *Handlers) GetLogs(c *gin.Context) {
	page, limit := pagination(c)

	logs, total, err := h.History.ListLogs(c.Request.Context(), middleware.CustomerID(c), page, limit)
	if err != nil {
		respondError(c, err)
		return
	}
	if logs == nil {
		logs = []model.ProcessingLog{}
	}

	c.JSON(http.StatusOK, gin.H{
		"logs":       logs,
		"pagination": Pagination{Page: page, Limit: limit, Total: total},
	})
}
