package server

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/aimerfeng/taskhub/internal/config"
	apierrors "github.com/aimerfeng/taskhub/internal/errors"
	"github.com/aimerfeng/taskhub/internal/middleware"
	"github.com/aimerfeng/taskhub/internal/models"
	"github.com/aimerfeng/taskhub/internal/notify"
	"github.com/aimerfeng/taskhub/internal/ratelimit"
	"github.com/aimerfeng/taskhub/internal/review"
	"github.com/aimerfeng/taskhub/internal/review/memstore"
	"github.com/aimerfeng/taskhub/internal/settings"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "test-secret-key-for-jwt-testing-32chars"

func init() {
	gin.SetMode(gin.TestMode)
}

type failingPinger struct{}

func (failingPinger) Ping(context.Context) error { return errors.New("connection refused") }

type testEnv struct {
	store    *memstore.Store
	server   *APIServer
	jobID    uuid.UUID
	profiles []uuid.UUID
}

func newTestEnv(t *testing.T, db Pinger) *testEnv {
	t.Helper()
	store := memstore.New(nil)
	hub := notify.NewHub()

	env := &testEnv{store: store, jobID: uuid.New()}
	job := models.Job{ID: env.jobID, Title: "Review job", Reward: decimal.NewFromFloat(2.5), Status: models.JobStatusActive}
	for i := 0; i < 3; i++ {
		p := models.ReviewProfile{ID: uuid.New(), Name: "profile", CooldownMinutes: 60, IsActive: true}
		store.AddProfile(p)
		store.AddReview(models.Review{ID: uuid.New(), ProfileID: p.ID, Content: "nice", Status: models.ReviewStatusActive})
		env.profiles = append(env.profiles, p.ID)
		job.ProfileIDs = append(job.ProfileIDs, p.ID)
	}
	store.AddJob(job)

	source := settings.StaticSource{models.SettingProfileSelectionLockMinutes: "30"}
	svc := review.NewService(store, settings.NewProvider(source, 0, zerolog.Nop()), hub, review.DefaultConfig())

	cfg := &config.Config{
		Server: config.ServerConfig{Name: "taskhub-test", Env: "test"},
		JWT:    config.JWTConfig{Secret: testSecret},
		Review: config.ReviewConfig{PollInterval: time.Second},
	}
	env.server = NewAPIServer(cfg, Deps{
		DB:         db,
		Service:    svc,
		Sweeper:    review.NewSweeper(svc, time.Minute),
		Subscriber: hub,
	})
	return env
}

func token(t *testing.T, userID uuid.UUID, role models.UserRole) string {
	t.Helper()
	claims := &middleware.Claims{
		Role: string(role),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID.String(),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
	require.NoError(t, err)
	return s
}

func (e *testEnv) do(t *testing.T, method, path, body string, userID uuid.UUID, role models.UserRole) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if userID != uuid.Nil {
		req.Header.Set("Authorization", "Bearer "+token(t, userID, role))
	}
	w := httptest.NewRecorder()
	e.server.Router().ServeHTTP(w, req)
	return w
}

func (e *testEnv) profilesPath() string {
	return "/api/v1/jobs/" + e.jobID.String() + "/profiles"
}

func (e *testEnv) selectPath(i int) string {
	return e.profilesPath() + "/" + e.profiles[i].String() + "/select"
}

func (e *testEnv) profilePath(i int, action string) string {
	return "/api/v1/profiles/" + e.profiles[i].String() + "/" + action
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) apierrors.ErrorResponse {
	t.Helper()
	var body apierrors.ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return body
}

type snapshotBody struct {
	Job struct {
		Reward string `json:"reward"`
	} `json:"job"`
	Profiles []struct {
		Profile struct {
			ID uuid.UUID `json:"id"`
		} `json:"profile"`
		Status string `json:"status"`
	} `json:"profiles"`
	LockedUntil       *time.Time `json:"locked_until"`
	InProgressProfile *struct {
		ID uuid.UUID `json:"id"`
	} `json:"in_progress_profile"`
}

func (e *testEnv) list(t *testing.T, userID uuid.UUID) snapshotBody {
	t.Helper()
	w := e.do(t, http.MethodGet, e.profilesPath(), "", userID, models.UserRoleUser)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var snap snapshotBody
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &snap))
	return snap
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t, nil)
	w := env.do(t, http.MethodGet, "/health", "", uuid.Nil, "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "healthy")

	env = newTestEnv(t, failingPinger{})
	w = env.do(t, http.MethodGet, "/health", "", uuid.Nil, "")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestRoutes_RequireAuthentication(t *testing.T) {
	env := newTestEnv(t, nil)
	for _, path := range []string{env.profilesPath(), env.profilesPath() + "/stream"} {
		w := env.do(t, http.MethodGet, path, "", uuid.Nil, "")
		assert.Equal(t, http.StatusUnauthorized, w.Code, path)
	}
	w := env.do(t, http.MethodPost, env.selectPath(0), "", uuid.Nil, "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestListProfiles(t *testing.T) {
	env := newTestEnv(t, nil)
	snap := env.list(t, uuid.New())

	assert.Equal(t, "2.5", snap.Job.Reward)
	require.Len(t, snap.Profiles, 3)
	for i, p := range snap.Profiles {
		assert.Equal(t, env.profiles[i], p.Profile.ID, "job order is kept")
		assert.Equal(t, "available", p.Status)
	}
	assert.Nil(t, snap.LockedUntil)
	assert.Nil(t, snap.InProgressProfile)
}

func TestListProfiles_BadRequests(t *testing.T) {
	env := newTestEnv(t, nil)
	user := uuid.New()

	w := env.do(t, http.MethodGet, "/api/v1/jobs/not-a-uuid/profiles", "", user, models.UserRoleUser)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = env.do(t, http.MethodGet, "/api/v1/jobs/"+uuid.NewString()+"/profiles", "", user, models.UserRoleUser)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, apierrors.ErrJobNotFound, decodeError(t, w).Error.Code)
}

func TestSelectCompleteFlow(t *testing.T) {
	env := newTestEnv(t, nil)
	alice, bob := uuid.New(), uuid.New()

	w := env.do(t, http.MethodPost, env.selectPath(0), "", alice, models.UserRoleUser)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	snap := env.list(t, alice)
	assert.Equal(t, "locked_by_you", snap.Profiles[0].Status)
	require.NotNil(t, snap.InProgressProfile)
	assert.Equal(t, env.profiles[0], snap.InProgressProfile.ID)

	// Bob sees the reservation and cannot take the profile
	assert.Equal(t, "locked_by_others", env.list(t, bob).Profiles[0].Status)
	w = env.do(t, http.MethodPost, env.selectPath(0), "", bob, models.UserRoleUser)
	require.Equal(t, http.StatusConflict, w.Code)
	body := decodeError(t, w)
	assert.Equal(t, apierrors.ErrProfileNotAvailable, body.Error.Code)
	details, ok := body.Error.Details.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "locked_by_others", details["status"])

	// Alice holds one review at a time
	w = env.do(t, http.MethodPost, env.selectPath(1), "", alice, models.UserRoleUser)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, apierrors.ErrInProgressExists, decodeError(t, w).Error.Code)

	w = env.do(t, http.MethodPost, env.profilePath(0, "complete"), `{}`, alice, models.UserRoleUser)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = env.do(t, http.MethodPost, env.profilePath(0, "complete"), `{"task_id":"task-1"}`, alice, models.UserRoleUser)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var outcome struct {
		Signals  []string `json:"signals"`
		Degraded bool     `json:"degraded"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &outcome))
	assert.False(t, outcome.Degraded)
	assert.ElementsMatch(t, []string{string(review.SignalProfileLastReviewed), string(review.SignalCooldownLock)}, outcome.Signals)

	snap = env.list(t, alice)
	require.NotNil(t, snap.LockedUntil, "completion starts the global cooldown")
	require.Len(t, snap.Profiles, 2, "completed profile is hidden")
	for _, p := range snap.Profiles {
		assert.Equal(t, "locked_by_others", p.Status, "global cooldown blocks every other profile")
	}
	assert.Equal(t, "on_cooldown", env.list(t, bob).Profiles[0].Status)
}

func TestCancelSelection(t *testing.T) {
	env := newTestEnv(t, nil)
	user := uuid.New()

	w := env.do(t, http.MethodPost, env.profilePath(0, "cancel"), "", user, models.UserRoleUser)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, apierrors.ErrNoInProgress, decodeError(t, w).Error.Code)

	require.Equal(t, http.StatusCreated, env.do(t, http.MethodPost, env.selectPath(0), "", user, models.UserRoleUser).Code)
	w = env.do(t, http.MethodPost, env.profilePath(0, "cancel"), "", user, models.UserRoleUser)
	assert.Equal(t, http.StatusNoContent, w.Code)

	assert.Equal(t, "available", env.list(t, user).Profiles[0].Status)
	assert.Empty(t, env.store.Locks())
}

func TestAdminRoutes(t *testing.T) {
	env := newTestEnv(t, nil)
	user, admin := uuid.New(), uuid.New()

	w := env.do(t, http.MethodPost, "/api/v1/admin/sweeper/run", "", user, models.UserRoleUser)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = env.do(t, http.MethodPost, "/api/v1/admin/sweeper/run", "", admin, models.UserRoleAdmin)
	assert.Equal(t, http.StatusOK, w.Code)

	w = env.do(t, http.MethodGet, "/api/v1/admin/sweeper/status", "", admin, models.UserRoleAdmin)
	require.Equal(t, http.StatusOK, w.Code)
	var status review.SweeperStatus
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &status))
	assert.False(t, status.Running)
	assert.NotNil(t, status.LastRun)

	require.Equal(t, http.StatusCreated, env.do(t, http.MethodPost, env.selectPath(1), "", user, models.UserRoleUser).Code)
	w = env.do(t, http.MethodDelete, "/api/v1/admin/profiles/"+env.profiles[1].String()+"/locks", "", admin, models.UserRoleAdmin)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var released review.ReleaseResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &released))
	assert.Equal(t, int64(1), released.LocksRemoved)
	assert.Equal(t, int64(1), released.SubmissionsReleased)

	assert.Equal(t, "available", env.list(t, user).Profiles[1].Status)
}

type denyLimiter struct{}

func (denyLimiter) Allow(context.Context, string, string) (*ratelimit.Result, error) {
	return &ratelimit.Result{Limit: 1, RetryAfter: time.Minute}, nil
}

func TestSelectProfile_RateLimited(t *testing.T) {
	env := newTestEnv(t, nil)
	deps := env.server.deps
	deps.SelectLimiter = denyLimiter{}
	env.server = NewAPIServer(env.server.config, deps)

	w := env.do(t, http.MethodPost, env.selectPath(0), "", uuid.New(), models.UserRoleUser)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "60", w.Header().Get("Retry-After"))
	assert.Empty(t, env.store.Locks())

	// Reads are not throttled
	env.list(t, uuid.New())
}

func TestStreamProfiles(t *testing.T) {
	env := newTestEnv(t, nil)
	ts := httptest.NewServer(env.server.Router())
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+env.profilesPath()+"/stream", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+token(t, uuid.New(), models.UserRoleUser))

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Type"), "text/event-stream")

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	var event, data string
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "event:") {
			event = strings.TrimPrefix(line, "event:")
		}
		if strings.HasPrefix(line, "data:") {
			data = strings.TrimPrefix(line, "data:")
			break
		}
	}
	require.NoError(t, scanner.Err())
	assert.Equal(t, "profiles", event)

	var snap snapshotBody
	require.NoError(t, json.Unmarshal([]byte(data), &snap))
	assert.Len(t, snap.Profiles, 3)
}

func TestStreamProfiles_UnknownJob(t *testing.T) {
	env := newTestEnv(t, nil)
	w := env.do(t, http.MethodGet, "/api/v1/jobs/"+uuid.NewString()+"/profiles/stream", "", uuid.New(), models.UserRoleUser)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestToAPIError(t *testing.T) {
	unlocks := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	tests := []struct {
		err  error
		code apierrors.ErrorCode
	}{
		{review.ErrJobNotFound, apierrors.ErrJobNotFound},
		{review.ErrProfileNotFound, apierrors.ErrProfileNotFound},
		{review.ErrProfileNotInJob, apierrors.ErrProfileNotInJob},
		{review.ErrInProgressExists, apierrors.ErrInProgressExists},
		{review.ErrRaceLost, apierrors.ErrProfileRaceLost},
		{review.ErrNoInProgress, apierrors.ErrNoInProgress},
		{review.ErrTaskIDRequired, apierrors.ErrValidationFailed},
		{&review.UnavailableError{Status: review.StatusOnCooldown, UnlocksAt: &unlocks}, apierrors.ErrProfileNotAvailable},
		{errors.New("connection reset"), apierrors.ErrInternalServer},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.code, toAPIError(tt.err).Code, tt.err.Error())
	}
}
