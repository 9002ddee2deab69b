package handler

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"smart-mail-sorter-go/internal/middleware"
	"smart-mail-sorter-go/internal/model"
)

// CategorizeEmails runs the categorization pipeline for the caller now
func (h *Handlers) CategorizeEmails(c *gin.Context) {
	customerID := middleware.CustomerID(c)
	name := model.Provider(strings.ToLower(c.DefaultQuery("provider", string(model.ProviderOutlook))))

	result, err := h.Pipeline.Run(c.Request.Context(), customerID, name)
	if err != nil {
		respondError(c, err)
		return
	}

	response := CategorizeResponse{
		Processed:        result.Processed,
		Fetched:          result.Fetched,
		Skipped:          result.Skipped,
		Fallbacks:        result.Fallbacks,
		CreditsExhausted: result.CreditsExhausted,
	}
	if balance, err := h.Ledger.GetBalance(c.Request.Context(), customerID); err == nil {
		response.Credits = balance
	} else {
		logrus.WithError(err).WithField("customer_id", customerID).Warn("Failed to read balance after run")
	}
	c.JSON(http.StatusOK, response)
}

// ListEmails returns the caller's categorized emails, newest first
func (h *Handlers) ListEmails(c *gin.Context) {
	page, limit := pagination(c)

	emails, total, err := h.History.ListProcessed(c.Request.Context(), middleware.CustomerID(c), page, limit)
	if err != nil {
		respondError(c, err)
		return
	}
	if emails == nil {
		emails = []model.ProcessedEmail{}
	}

	c.JSON(http.StatusOK, gin.H{
		"emails":     emails,
		"pagination": Pagination{Page: page, Limit: limit, Total: total},
	})
}

// GetCredits returns the caller's credit balance
func (h *Handlers) GetCredits(c *gin.Context) {
	balance, err := h.Ledger.GetBalance(c.Request.Context(), middleware.CustomerID(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, balance)
}
