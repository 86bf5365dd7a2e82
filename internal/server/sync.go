package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/speechgate/internal/plansync"
)

type syncRequest struct {
	Trigger string `json:"trigger"`
}

// ForceSync re-primes every limit kind for the user. Concurrent calls for
// the same user share one run.
func (s *Server) ForceSync(c *gin.Context) {
	var req syncRequest
	if err := bindOptionalJSON(c, &req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	trigger, err := plansync.ParseTrigger(req.Trigger)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	ctx := c.Request.Context()
	s.obsMetrics.RecordSyncRequest(ctx, string(trigger))

	result, err := s.syncer.ForceSync(ctx, c.Param("user_id"), trigger)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}
