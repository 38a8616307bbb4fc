package server

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	auditdomain "github.com/smallbiznis/rastro/internal/audit/domain"
	obscontext "github.com/smallbiznis/rastro/internal/observability/context"
	ticketdomain "github.com/smallbiznis/rastro/internal/ticketcounter/domain"
)

const actorHeader = "X-Actor-Id"

type resetCounterRequest struct {
	Actor   string `json:"actor"`
	Reason  string `json:"reason"`
	Confirm bool   `json:"confirm"`
}

type clearManualResetRequest struct {
	Confirm bool `json:"confirm"`
}

// actorFromHeader tags the request context with the operator named in X-Actor-Id.
func actorFromHeader() gin.HandlerFunc {
	return func(c *gin.Context) {
		if actor := strings.TrimSpace(c.GetHeader(actorHeader)); actor != "" {
			ctx := obscontext.WithActor(c.Request.Context(), string(auditdomain.ActorTypeOperator), actor)
			c.Request = c.Request.WithContext(ctx)
		}
		c.Next()
	}
}

func (s *Server) GetTicketCounter(c *gin.Context) {
	locationID, err := locationIDParam(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	resp, err := s.ticketSvc.GetCounter(c.Request.Context(), locationID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}

func (s *Server) ResetTicketCounter(c *gin.Context) {
	locationID, err := locationIDParam(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	var req resetCounterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	if !req.Confirm {
		AbortWithError(c, ErrConfirmRequired)
		return
	}

	if s.resetLimiter.Enabled() {
		res := s.resetLimiter.AllowReset(c.Request.Context(), locationID)
		if !res.Allowed {
			if seconds := res.RetryAfterSeconds(); seconds > 0 {
				c.Header("Retry-After", strconv.Itoa(seconds))
			}
			AbortWithError(c, ErrTooManyRequests)
			return
		}
	}

	err = s.ticketSvc.ResetCounter(c.Request.Context(), ticketdomain.ResetCounterRequest{
		LocationID: locationID,
		ActorID:    strings.TrimSpace(req.Actor),
		Reason:     strings.TrimSpace(req.Reason),
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	resp, err := s.ticketSvc.GetCounter(c.Request.Context(), locationID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}

func (s *Server) ClearManualResetFlags(c *gin.Context) {
	var req clearManualResetRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	if !req.Confirm {
		AbortWithError(c, ErrConfirmRequired)
		return
	}

	cleared, err := s.ticketSvc.ClearManualResetFlags(c.Request.Context())
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": gin.H{"cleared": cleared}})
}
