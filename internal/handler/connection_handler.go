package handler

import (
	"net/http"
	"net/url"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"smart-mail-sorter-go/internal/apperr"
	"smart-mail-sorter-go/internal/middleware"
	"smart-mail-sorter-go/internal/model"
)

// GetAvailableProviders lists every provider with its availability
func (h *Handlers) GetAvailableProviders(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"providers": h.Providers.Available(),
	})
}

// InitiateConnect returns the consent URL for the provider in the path
func (h *Handlers) InitiateConnect(c *gin.Context) {
	name := model.Provider(strings.ToLower(c.Param("provider")))

	authURL, err := h.Connections.InitiateConnect(c.Request.Context(), middleware.CustomerID(c), name)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, ConnectResponse{AuthURL: authURL, Provider: name})
}

// OAuthCallback completes the authorization round trip. It is reached by
// the provider redirect, so the customer is identified by the state only.
func (h *Handlers) OAuthCallback(c *gin.Context) {
	name := model.Provider(strings.ToLower(c.Param("provider")))
	code := c.Query("code")
	state := c.Query("state")

	if providerErr := c.Query("error"); providerErr != "" {
		detail := providerErr
		if desc := c.Query("error_description"); desc != "" {
			detail = providerErr + ": " + desc
		}
		h.Connections.RecordProviderError(c.Request.Context(), name, state, detail)
		logrus.WithFields(logrus.Fields{"provider": name, "error": providerErr}).Warn("Provider returned an authorization error")
		h.callbackFailure(c, name, apperr.BadRequest("authorization was not granted: "+detail))
		return
	}

	if code == "" || state == "" {
		h.callbackFailure(c, name, apperr.BadRequest("missing code or state parameter"))
		return
	}

	conn, err := h.Connections.CompleteConnect(c.Request.Context(), name, code, state)
	if err != nil {
		h.callbackFailure(c, name, err)
		return
	}

	if h.FrontendURL != "" {
		c.Redirect(http.StatusFound, h.frontendRedirect(url.Values{
			"status":   {"success"},
			"provider": {string(name)},
		}))
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"message":    "Mailbox connected successfully",
		"connection": newConnectionResponse(conn),
	})
}

func (h *Handlers) callbackFailure(c *gin.Context, name model.Provider, err error) {
	if h.FrontendURL == "" {
		respondError(c, err)
		return
	}
	appErr := apperr.As(err)
	if appErr.Status >= http.StatusInternalServerError {
		logrus.WithError(err).WithField("provider", name).Error("OAuth callback failed")
	}
	c.Redirect(http.StatusFound, h.frontendRedirect(url.Values{
		"status":   {"error"},
		"provider": {string(name)},
		"code":     {appErr.Code},
		"message":  {appErr.Message},
	}))
}

func (h *Handlers) frontendRedirect(params url.Values) string {
	return strings.TrimRight(h.FrontendURL, "/") + "/email-connections?" + params.Encode()
}

// ListConnections returns the caller's connections
func (h *Handlers) ListConnections(c *gin.Context) {
	conns, err := h.Connections.List(c.Request.Context(), middleware.CustomerID(c))
	if err != nil {
		respondError(c, err)
		return
	}

	responses := make([]ConnectionResponse, 0, len(conns))
	for i := range conns {
		responses = append(responses, newConnectionResponse(&conns[i]))
	}
	c.JSON(http.StatusOK, gin.H{"connections": responses})
}

// GetConnection returns one of the caller's connections
func (h *Handlers) GetConnection(c *gin.Context) {
	conn, err := h.Connections.Get(c.Request.Context(), middleware.CustomerID(c), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, newConnectionResponse(conn))
}

// DisconnectConnection revokes a connection and deletes its tokens
func (h *Handlers) DisconnectConnection(c *gin.Context) {
	if err := h.Connections.Disconnect(c.Request.Context(), middleware.CustomerID(c), c.Param("id")); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Connection disconnected successfully"})
}

// TestConnection checks that a connection can still produce a token
func (h *Handlers) TestConnection(c *gin.Context) {
	id := c.Param("id")
	status, err := h.Connections.Test(c.Request.Context(), middleware.CustomerID(c), id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, TestConnectionResponse{
		ID:     id,
		Status: status,
		Valid:  status == model.ConnectionActive,
	})
}
