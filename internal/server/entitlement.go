package server

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/speechgate/internal/entitlement"
	ledgerdomain "github.com/smallbiznis/speechgate/internal/ledger/domain"
	"github.com/smallbiznis/speechgate/internal/observability/logger"
	"go.uber.org/zap"
)

type peekResponse struct {
	State       entitlement.State              `json:"state"`
	Entitlement *entitlement.CachedEntitlement `json:"entitlement"`
}

// GetEntitlement answers the gate for one limit kind. When no decision can
// be obtained it still answers 200 with a retryable denial.
func (s *Server) GetEntitlement(c *gin.Context) {
	kind, err := ledgerdomain.ParseLimitKind(c.Param("limit_kind"))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	ctx := c.Request.Context()
	entry, err := s.decisions.GetDecision(ctx, c.Param("user_id"), kind)
	if err != nil {
		if !errors.Is(err, entitlement.ErrDecisionUnavailable) {
			AbortWithError(c, err)
			return
		}
		logger.FromContext(ctx).Warn("entitlement decision unavailable", zap.String("limit_kind", string(kind)), zap.Error(err))
	}

	s.obsMetrics.RecordDecisionServed(ctx, string(kind), entry.CanCreateSpeech)
	c.JSON(http.StatusOK, entry)
}

// PeekEntitlement returns the stored decision for display without going
// remote.
func (s *Server) PeekEntitlement(c *gin.Context) {
	kind, err := ledgerdomain.ParseLimitKind(c.Param("limit_kind"))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	entry, state, err := s.decisions.Peek(c.Request.Context(), c.Param("user_id"), kind)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	resp := peekResponse{State: state}
	if state != entitlement.StateEmpty {
		resp.Entitlement = &entry
	}
	c.JSON(http.StatusOK, resp)
}
