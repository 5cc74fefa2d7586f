package server

import (
	"io"
	"net/http"

	apierrors "github.com/aimerfeng/taskhub/internal/errors"
	"github.com/aimerfeng/taskhub/internal/middleware"
	"github.com/aimerfeng/taskhub/internal/review"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// CompleteRequest is the body of a review completion
type CompleteRequest struct {
	TaskID string `json:"task_id" binding:"required"`
}

// CompleteResponse reports the completed submission and the applied cooldown signals
type CompleteResponse struct {
	*review.CompletionOutcome
	Degraded bool `json:"degraded"`
}

// userID returns the authenticated user, responding 401 when missing
func userID(c *gin.Context) (uuid.UUID, bool) {
	id, ok := middleware.GetUserIDFromContext(c)
	if !ok {
		middleware.RespondWithError(c, apierrors.ErrUnauthorizedError)
	}
	return id, ok
}

// uuidParam parses a path parameter, responding 400 when it is not a UUID
func uuidParam(c *gin.Context, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param(name))
	if err != nil {
		middleware.RespondWithError(c, apierrors.NewInvalidRequestError("Invalid "+name))
		return uuid.Nil, false
	}
	return id, true
}

// handleListProfiles returns the caller's view of a job's profiles
func (s *APIServer) handleListProfiles(c *gin.Context) {
	user, ok := userID(c)
	if !ok {
		return
	}
	jobID, ok := uuidParam(c, "id")
	if !ok {
		return
	}

	snap, err := s.deps.Service.FetchAvailableProfiles(c.Request.Context(), user, jobID)
	if err != nil {
		respondServiceError(c, "fetch_profiles", err)
		return
	}
	c.JSON(http.StatusOK, snap)
}

// handleStreamProfiles streams snapshots of the caller's board as server-sent
// events until the client goes away
func (s *APIServer) handleStreamProfiles(c *gin.Context) {
	user, ok := userID(c)
	if !ok {
		return
	}
	jobID, ok := uuidParam(c, "id")
	if !ok {
		return
	}

	ctx := c.Request.Context()
	// Fail fast on an unknown job instead of streaming errors
	if _, err := s.deps.Service.FetchAvailableProfiles(ctx, user, jobID); err != nil {
		respondServiceError(c, "stream_profiles", err)
		return
	}

	board := review.NewBoard(s.deps.Service, s.deps.Subscriber, user, jobID, s.config.Review.PollInterval)
	if err := board.Start(ctx); err != nil {
		respondServiceError(c, "stream_profiles", err)
		return
	}
	defer board.Stop()

	snapshots, stop := board.Listen()
	defer stop()

	c.Header("Cache-Control", "no-cache")
	c.Header("X-Accel-Buffering", "no")
	c.Stream(func(w io.Writer) bool {
		select {
		case snap, ok := <-snapshots:
			if !ok {
				return false
			}
			c.SSEvent("profiles", snap)
			return true
		case <-ctx.Done():
			return false
		}
	})
}

// handleSelectProfile reserves a profile for the caller
func (s *APIServer) handleSelectProfile(c *gin.Context) {
	user, ok := userID(c)
	if !ok {
		return
	}
	jobID, ok := uuidParam(c, "id")
	if !ok {
		return
	}
	profileID, ok := uuidParam(c, "profileId")
	if !ok {
		return
	}

	sel, err := s.deps.Service.SelectProfile(c.Request.Context(), user, jobID, profileID)
	if err != nil {
		respondServiceError(c, "select_profile", err)
		return
	}
	c.JSON(http.StatusCreated, sel)
}

// handleCompleteReview completes the caller's review of a profile
func (s *APIServer) handleCompleteReview(c *gin.Context) {
	user, ok := userID(c)
	if !ok {
		return
	}
	profileID, ok := uuidParam(c, "profileId")
	if !ok {
		return
	}

	var req CompleteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		middleware.RespondWithError(c, apierrors.NewValidationError(err.Error()))
		return
	}

	outcome, err := s.deps.Service.CompleteReview(c.Request.Context(), user, profileID, req.TaskID)
	if err != nil {
		respondServiceError(c, "complete_review", err)
		return
	}
	c.JSON(http.StatusOK, CompleteResponse{CompletionOutcome: outcome, Degraded: outcome.Degraded()})
}

// handleCancelSelection releases the caller's reservation of a profile
func (s *APIServer) handleCancelSelection(c *gin.Context) {
	user, ok := userID(c)
	if !ok {
		return
	}
	profileID, ok := uuidParam(c, "profileId")
	if !ok {
		return
	}

	if err := s.deps.Service.CancelSelection(c.Request.Context(), user, profileID); err != nil {
		respondServiceError(c, "cancel_selection", err)
		return
	}
	c.Status(http.StatusNoContent)
}

// handleSweeperStatus reports the lock sweeper state
func (s *APIServer) handleSweeperStatus(c *gin.Context) {
	if s.deps.Sweeper == nil {
		middleware.RespondWithError(c, apierrors.ErrServiceUnavailableError)
		return
	}
	c.JSON(http.StatusOK, s.deps.Sweeper.GetStatus())
}

// handleSweeperRun runs a sweep immediately
func (s *APIServer) handleSweeperRun(c *gin.Context) {
	if s.deps.Sweeper == nil {
		middleware.RespondWithError(c, apierrors.ErrServiceUnavailableError)
		return
	}
	result, err := s.deps.Sweeper.RunNow(c.Request.Context())
	if err != nil {
		respondServiceError(c, "sweep", err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// handleReleaseProfile force-releases every lock and in-progress submission of a profile
func (s *APIServer) handleReleaseProfile(c *gin.Context) {
	profileID, ok := uuidParam(c, "profileId")
	if !ok {
		return
	}

	result, err := s.deps.Service.ReleaseProfile(c.Request.Context(), profileID)
	if err != nil {
		respondServiceError(c, "release_profile", err)
		return
	}
	s.logger.Info().
		Str("profile_id", profileID.String()).
		Str("admin_id", c.GetString(middleware.ContextKeyUserID)).
		Int64("locks_removed", result.LocksRemoved).
		Int64("submissions_released", result.SubmissionsReleased).
		Msg("Profile force-released")
	c.JSON(http.StatusOK, result)
}
