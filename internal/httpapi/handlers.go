package httpapi

import (
	"errors"
	"net/http"

	"signaling-platform/internal/calls"
	"signaling-platform/internal/presence"
	"signaling-platform/internal/signaling"

	"github.com/gin-gonic/gin"
)

// Handlers groups HTTP handlers for dependency injection.
// Keep these thin: parse/validate input, call internal services, return JSON.
//
// /v1 is the seam to the transport collaborator: the socket gateway feeds
// inbound events in and delivers the returned directives. /ops is internal
// operational tooling.
type Handlers struct {
	Records      *calls.RecordStore
	Presence     *presence.Registry
	Orchestrator *signaling.Orchestrator
}

// --- transport seam ---

// PostEvent accepts one inbound signaling event and returns the outbound
// directives the gateway must deliver.
func (h Handlers) PostEvent(c *gin.Context) {
	var ev signaling.InboundEvent
	if err := c.ShouldBindJSON(&ev); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	if ev.Event == "" || ev.SenderConnectionID == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "event and senderConnectionId required"})
		return
	}

	ds, err := h.Orchestrator.HandleEvent(c.Request.Context(), ev)
	if err != nil {
		if errors.Is(err, calls.ErrStoreUnavailable) {
			c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "store unavailable", "retryable": true})
			return
		}
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if ds == nil {
		ds = []signaling.Directive{}
	}
	c.JSON(http.StatusOK, gin.H{"directives": ds})
}

type registerConnectionRequest struct {
	UserID       string `json:"userId"`
	ConnectionID string `json:"connectionId"`
}

func (h Handlers) RegisterConnection(c *gin.Context) {
	var req registerConnectionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	if req.UserID == "" || req.ConnectionID == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "userId and connectionId required"})
		return
	}
	if err := h.Presence.Register(c.Request.Context(), req.UserID, req.ConnectionID); err != nil {
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "store unavailable", "retryable": true})
		return
	}
	c.Status(http.StatusNoContent)
}

func (h Handlers) Heartbeat(c *gin.Context) {
	connectionID := c.Param("connection_id")
	userID, ok, err := h.Presence.UserFor(c.Request.Context(), connectionID)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "store unavailable", "retryable": true})
		return
	}
	if !ok {
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "unknown connection"})
		return
	}
	if err := h.Presence.Heartbeat(c.Request.Context(), userID); err != nil {
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "store unavailable", "retryable": true})
		return
	}
	c.Status(http.StatusNoContent)
}

func (h Handlers) Disconnect(c *gin.Context) {
	connectionID := c.Param("connection_id")
	if err := h.Orchestrator.HandleDisconnect(c.Request.Context(), connectionID); err != nil {
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "store unavailable", "retryable": true})
		return
	}
	c.Status(http.StatusNoContent)
}

type putTokensRequest struct {
	UserID    string `json:"userId"`
	VoipToken string `json:"voipToken,omitempty"`
	FCMToken  string `json:"fcmToken,omitempty"`
}

// PutTokens upserts push-token records on behalf of the push collaborator.
func (h Handlers) PutTokens(c *gin.Context) {
	var req putTokensRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	if req.UserID == "" || (req.VoipToken == "" && req.FCMToken == "") {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "userId and at least one token required"})
		return
	}
	ctx := c.Request.Context()
	if req.VoipToken != "" {
		if err := h.Presence.SetVoipToken(ctx, req.UserID, req.VoipToken); err != nil {
			c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "store unavailable", "retryable": true})
			return
		}
	}
	if req.FCMToken != "" {
		if err := h.Presence.SetFCMToken(ctx, req.UserID, req.FCMToken); err != nil {
			c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "store unavailable", "retryable": true})
			return
		}
	}
	c.Status(http.StatusNoContent)
}

// --- ops ---

func (h Handlers) GetCall(c *gin.Context) {
	callID := c.Param("call_id")
	rec, err := h.Records.Get(c.Request.Context(), callID)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "store unavailable"})
		return
	}
	if rec == nil {
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "call not found"})
		return
	}
	c.JSON(http.StatusOK, rec)
}

// ForceCleanup runs the expired-record sweep outside its usual schedule.
func (h Handlers) ForceCleanup(c *gin.Context) {
	removed, err := h.Records.CleanupExpired(c.Request.Context())
	if err != nil {
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "store unavailable"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"removed": removed})
}

func (h Handlers) GetPresence(c *gin.Context) {
	userID := c.Param("user_id")
	ctx := c.Request.Context()

	connectionID, online, err := h.Presence.ConnectionFor(ctx, userID)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "store unavailable"})
		return
	}
	grace, err := h.Presence.InGrace(ctx, userID)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "store unavailable"})
		return
	}
	activeCall, _, err := h.Presence.ActiveCall(ctx, userID)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "store unavailable"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"userId":         userID,
		"online":         online,
		"connectionId":   connectionID,
		"reconnectGrace": grace,
		"activeCallId":   activeCall,
	})
}
