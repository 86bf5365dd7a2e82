package server

import (
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/speechgate/internal/entitlement"
	"github.com/smallbiznis/speechgate/internal/observability/logger"
	"github.com/smallbiznis/speechgate/internal/profile"
	"github.com/smallbiznis/speechgate/internal/reconcile"
	"go.uber.org/zap"
)

type routeRequest struct {
	Route string `json:"route"`
}

type loginResponse struct {
	UserID       string                          `json:"user_id"`
	Route        reconcile.Route                 `json:"route"`
	Profile      profile.Profile                 `json:"profile"`
	Entitlements []entitlement.CachedEntitlement `json:"entitlements"`
}

func (s *Server) Login(c *gin.Context) {
	var req routeRequest
	if err := bindOptionalJSON(c, &req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	userID := c.Param("user_id")
	route := reconcile.ParseRoute(req.Route)
	result, err := s.sessions.Login(c.Request.Context(), userID, route)
	if err != nil {
		logger.FromContext(c.Request.Context()).Warn("session login failed", zap.Error(err))
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusCreated, loginResponse{
		UserID:       result.UserID,
		Route:        route,
		Profile:      result.Profile,
		Entitlements: result.Entitlements,
	})
}

func (s *Server) Logout(c *gin.Context) {
	if err := s.sessions.Logout(c.Request.Context(), c.Param("user_id")); err != nil {
		AbortWithError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) SetRoute(c *gin.Context) {
	var req routeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	if strings.TrimSpace(req.Route) == "" {
		AbortWithError(c, newValidationError("route", "required", "route is required"))
		return
	}

	if err := s.sessions.SetRoute(c.Param("user_id"), reconcile.ParseRoute(req.Route)); err != nil {
		AbortWithError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) GetProfile(c *gin.Context) {
	p, err := s.profiles.GetOrRefresh(c.Request.Context(), c.Param("user_id"))
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, p)
}

// bindOptionalJSON accepts an empty body as the zero request.
func bindOptionalJSON(c *gin.Context, dst any) error {
	if c.Request.Body == nil || c.Request.ContentLength == 0 {
		return nil
	}
	if err := c.ShouldBindJSON(dst); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}
