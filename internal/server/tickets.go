package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

type allocateTicketResponse struct {
	TicketNumber int64 `json:"ticket_number"`
}

func (s *Server) AllocateTicket(c *gin.Context) {
	locationID, err := locationIDParam(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	ticket, err := s.ticketSvc.AllocateTicket(c.Request.Context(), locationID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.Set("ticket_number", ticket)
	c.JSON(http.StatusCreated, gin.H{"data": allocateTicketResponse{TicketNumber: ticket}})
}
