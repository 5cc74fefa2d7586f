package server

import (
	"errors"

	apierrors "github.com/aimerfeng/taskhub/internal/errors"
	"github.com/aimerfeng/taskhub/internal/logging"
	"github.com/aimerfeng/taskhub/internal/middleware"
	"github.com/aimerfeng/taskhub/internal/review"
	"github.com/gin-gonic/gin"
)

// toAPIError maps a review service error to its API error
func toAPIError(err error) *apierrors.APIError {
	var unavailable *review.UnavailableError
	switch {
	case errors.As(err, &unavailable):
		return apierrors.NewUnavailableUntilError(string(unavailable.Status), unavailable.UnlocksAt)
	case errors.Is(err, review.ErrJobNotFound):
		return apierrors.ErrJobNotFoundError
	case errors.Is(err, review.ErrProfileNotFound):
		return apierrors.ErrProfileNotFoundError
	case errors.Is(err, review.ErrProfileNotInJob):
		return apierrors.ErrProfileNotInJobError
	case errors.Is(err, review.ErrInProgressExists):
		return apierrors.ErrInProgressExistsError
	case errors.Is(err, review.ErrProfileNotAvailable):
		return apierrors.ErrProfileNotAvailableError
	case errors.Is(err, review.ErrRaceLost):
		return apierrors.ErrProfileRaceLostError
	case errors.Is(err, review.ErrNoInProgress):
		return apierrors.ErrNoInProgressError
	case errors.Is(err, review.ErrTaskIDRequired):
		return apierrors.NewValidationError(map[string]string{"task_id": "required"})
	default:
		return apierrors.ErrInternalServerError
	}
}

// respondServiceError logs unexpected failures and sends the mapped error
func respondServiceError(c *gin.Context, operation string, err error) {
	apiErr := toAPIError(err)
	if apierrors.IsServerError(apiErr) {
		logging.LogError(err, middleware.GetRequestIDFromContext(c), "api", operation)
	}
	middleware.RespondWithError(c, apiErr)
}
