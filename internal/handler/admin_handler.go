package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"smart-mail-sorter-go/internal/apperr"
)

// GrantCredits tops up a customer's credit balance
func (h *Handlers) GrantCredits(c *gin.Context) {
	var req GrantCreditsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apperr.BadRequest("amount must be a positive integer"))
		return
	}

	balance, err := h.Ledger.Grant(c.Request.Context(), c.Param("id"), req.Amount)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, balance)
}
