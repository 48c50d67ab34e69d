package mteam

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"kyri56xcaesar/eventteams/internal/logger"
	"kyri56xcaesar/eventteams/internal/membership"
)

// Service binds the membership engine and the query side to HTTP.
type Service struct {
	engine *membership.Engine
	query  *Query
	log    *logger.Logger
}

func NewService(engine *membership.Engine, query *Query, log *logger.Logger) *Service {
	if log == nil {
		log = logger.Nop()
	}
	return &Service{engine: engine, query: query, log: log}
}

func (s *Service) createHandler(c *gin.Context) {
	actor, ok := mustUsername(c)
	if !ok {
		unauthorized(c)
		return
	}

	var req CreateTeamRequest
	if err := c.ShouldBind(&req); err != nil {
		s.log.WithContext(c.Request.Context()).Debug("failed to bind input", "error", err)
		badInput(c, "eventId is required")
		return
	}

	team, err := s.engine.CreateTeam(c.Request.Context(), actor, req.EventID, req.Name)
	if err != nil {
		s.writeError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"team": s.view(c, team)})
}

func (s *Service) getHandler(c *gin.Context) {
	view, err := s.query.Get(c.Request.Context(), c.Param("teamid"))
	if err != nil {
		s.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"team": view})
}

func (s *Service) renameHandler(c *gin.Context) {
	actor, ok := mustUsername(c)
	if !ok {
		unauthorized(c)
		return
	}

	var req RenameTeamRequest
	if err := c.ShouldBind(&req); err != nil {
		badInput(c, "invalid input")
		return
	}

	team, err := s.engine.Rename(c.Request.Context(), actor, c.Param("teamid"), req.Name)
	if err != nil {
		s.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"team": s.view(c, team)})
}

func (s *Service) deleteHandler(c *gin.Context) {
	actor, ok := mustUsername(c)
	if !ok {
		unauthorized(c)
		return
	}

	if err := s.engine.DeleteTeam(c.Request.Context(), actor, c.Param("teamid")); err != nil {
		s.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Service) inviteHandler(c *gin.Context) {
	actor, ok := mustUsername(c)
	if !ok {
		unauthorized(c)
		return
	}

	var req InviteRequest
	if err := c.ShouldBind(&req); err != nil {
		badInput(c, "userId is required")
		return
	}

	team, err := s.engine.Invite(c.Request.Context(), actor, c.Param("teamid"), req.UserID)
	if err != nil {
		s.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"team": s.view(c, team)})
}

func (s *Service) revokeHandler(c *gin.Context) {
	actor, ok := mustUsername(c)
	if !ok {
		unauthorized(c)
		return
	}

	team, err := s.engine.RevokeInvite(c.Request.Context(), actor, c.Param("teamid"), c.Param("username"))
	if err != nil {
		s.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"team": s.view(c, team)})
}

func (s *Service) joinHandler(c *gin.Context) {
	s.selfAction(c, s.engine.AcceptInvite)
}

func (s *Service) declineHandler(c *gin.Context) {
	s.selfAction(c, s.engine.DeclineInvite)
}

func (s *Service) leaveHandler(c *gin.Context) {
	s.selfAction(c, s.engine.Leave)
}

type selfOp func(ctx context.Context, actorID, teamID string) (*membership.Team, error)

// selfAction runs an operation the caller performs on their own holding.
func (s *Service) selfAction(c *gin.Context, op selfOp) {
	actor, ok := mustUsername(c)
	if !ok {
		unauthorized(c)
		return
	}

	team, err := op(c.Request.Context(), actor, c.Param("teamid"))
	if err != nil {
		s.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"team": s.view(c, team)})
}

func (s *Service) eventTeamsHandler(c *gin.Context) {
	teams, err := s.query.ByEvent(c.Request.Context(), c.Param("eventid"))
	if err != nil {
		s.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, TeamListResponse{Items: teams, Total: len(teams)})
}

func (s *Service) handleMyTeams(c *gin.Context) {
	username, ok := mustUsername(c)
	if !ok {
		unauthorized(c)
		return
	}

	teams, err := s.query.MyTeams(c.Request.Context(), username)
	if err != nil {
		s.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, TeamListResponse{Items: teams, Total: len(teams)})
}

func (s *Service) handleMyInvites(c *gin.Context) {
	username, ok := mustUsername(c)
	if !ok {
		unauthorized(c)
		return
	}

	teams, err := s.query.MyInvites(c.Request.Context(), username)
	if err != nil {
		s.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, TeamListResponse{Items: teams, Total: len(teams)})
}

func (s *Service) view(c *gin.Context, team *membership.Team) TeamView {
	return s.query.Views(c.Request.Context(), team)[0]
}

// writeError renders err as {"error","code","reason"}. Internal details are
// logged, never returned.
func (s *Service) writeError(c *gin.Context, err error) {
	var merr *membership.Error
	if !errors.As(membership.Classify(err), &merr) {
		merr = membership.Internal(err)
	}

	msg := merr.Message
	if merr.Kind == membership.KindInternal {
		s.log.WithContext(c.Request.Context()).Error("request failed", "path", c.FullPath(), "error", err)
		msg = "db error"
	}

	c.JSON(statusFor(merr.Kind), gin.H{
		"error":  msg,
		"code":   merr.Kind.String(),
		"reason": merr.Reason,
	})
}

func statusFor(kind membership.Kind) int {
	switch kind {
	case membership.KindInvalidArgument, membership.KindConflict:
		return http.StatusBadRequest
	case membership.KindNotFound:
		return http.StatusNotFound
	case membership.KindForbidden:
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}

func badInput(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, gin.H{
		"error":  msg,
		"code":   membership.KindInvalidArgument.String(),
		"reason": membership.ReasonMissingField,
	})
}

func unauthorized(c *gin.Context) {
	c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized", "code": "UNAUTHENTICATED"})
}

func mustUsername(c *gin.Context) (string, bool) {
	v, ok := c.Get("kc.username")
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok && s != ""
}
