package handler

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/hitoshi/internboard/internal/middleware"
	"github.com/hitoshi/internboard/internal/model"
)

// mockVerifier はトークン文字列をそのままユーザーIDとして扱う。
type mockVerifier struct{}

func (mockVerifier) Verify(token string) (*model.CurrentUser, error) {
	if token == "" || token == "bad" {
		return nil, errors.New("invalid token")
	}
	return &model.CurrentUser{ID: token, Email: token + "@example.ac.id"}, nil
}

// mockRoles は"admin"で始まるユーザーだけを管理者とみなす。
type mockRoles struct{}

func (mockRoles) HasRole(ctx context.Context, userID string, role model.Role) (bool, error) {
	return role == model.RoleAdmin && strings.HasPrefix(userID, "admin"), nil
}

func newTestRouter(t *testing.T) http.Handler {
	t.Helper()
	limiter := middleware.NewRateLimiter(middleware.DefaultRateLimiterConfig())
	t.Cleanup(limiter.Stop)

	return NewRouter(&RouterDeps{
		Logger:             discardLogger(),
		Verifier:           mockVerifier{},
		Roles:              mockRoles{},
		CORSAllowedOrigin:  "http://localhost:3000",
		RateLimiter:        limiter,
		ListingService:     &mockListingService{},
		ActivityService:    &mockActivityService{},
		InteractionService: &mockInteractionService{},
		Stats:              newTestStatsReaders(),
		Students:           &mockStudentCounter{},
		Pulse:              newMockPulse(),
		Presence:           &mockPresence{},
		PresenceHeartbeat:  30 * time.Second,
		DB:                 &mockPinger{},
		Metrics: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte("# metrics\n"))
		}),
		BaseURL: "https://board.example.ac.id",
	})
}

func TestRouter_Access(t *testing.T) {
	router := newTestRouter(t)

	tests := []struct {
		name       string
		method     string
		path       string
		token      string
		wantStatus int
	}{
		{"health", http.MethodGet, "/health", "", http.StatusOK},
		{"metrics", http.MethodGet, "/metrics", "", http.StatusOK},
		{"rss", http.MethodGet, "/feed.xml", "", http.StatusOK},
		{"listings anonymous", http.MethodGet, "/api/listings", "", http.StatusOK},
		{"listing not found", http.MethodGet, "/api/listings/" + testListingID, "", http.StatusNotFound},
		{"view anonymous", http.MethodPost, "/api/listings/" + testListingID + "/view", "", http.StatusOK},
		{"star anonymous", http.MethodPut, "/api/listings/" + testListingID + "/star", "", http.StatusUnauthorized},
		{"star signed in", http.MethodPut, "/api/listings/" + testListingID + "/star", "student-1", http.StatusOK},
		{"interaction anonymous", http.MethodGet, "/api/listings/" + testListingID + "/interaction", "", http.StatusUnauthorized},
		{"interaction signed in", http.MethodGet, "/api/listings/" + testListingID + "/interaction", "student-1", http.StatusOK},
		{"invalid token", http.MethodGet, "/api/listings", "bad", http.StatusUnauthorized},
		{"my interactions anonymous", http.MethodGet, "/api/me/interactions", "", http.StatusUnauthorized},
		{"global stats anonymous", http.MethodGet, "/api/stats/global", "", http.StatusOK},
		{"rolling stats anonymous", http.MethodGet, "/api/stats/rolling", "", http.StatusOK},
		{"active users anonymous", http.MethodGet, "/api/stats/active-users", "", http.StatusOK},
		{"today stats anonymous", http.MethodGet, "/api/stats/today", "", http.StatusUnauthorized},
		{"today stats student", http.MethodGet, "/api/stats/today", "student-1", http.StatusForbidden},
		{"today stats admin", http.MethodGet, "/api/stats/today", "admin-1", http.StatusOK},
		{"students admin", http.MethodGet, "/api/stats/students", "admin-1", http.StatusOK},
		{"refetch global anonymous", http.MethodPost, "/api/stats/global/refetch", "", http.StatusOK},
		{"refetch rolling anonymous", http.MethodPost, "/api/stats/rolling/refetch", "", http.StatusOK},
		{"refetch today student", http.MethodPost, "/api/stats/today/refetch", "student-1", http.StatusForbidden},
		{"refetch monthly anonymous", http.MethodPost, "/api/stats/monthly/refetch", "", http.StatusUnauthorized},
		{"refetch monthly admin", http.MethodPost, "/api/stats/monthly/refetch", "admin-1", http.StatusOK},
		{"admin listings student", http.MethodGet, "/api/admin/listings", "student-1", http.StatusForbidden},
		{"admin listings admin", http.MethodGet, "/api/admin/listings", "admin-1", http.StatusOK},
		{"admin restore", http.MethodPost, "/api/admin/listings/" + testListingID + "/restore", "admin-1", http.StatusOK},
		{"admin delete", http.MethodDelete, "/api/admin/listings/" + testListingID, "admin-1", http.StatusOK},
		{"admin logs", http.MethodGet, "/api/admin/logs", "admin-1", http.StatusOK},
		{"admin delete log", http.MethodDelete, "/api/admin/logs/e-1", "admin-1", http.StatusOK},
		{"admin events", http.MethodGet, "/api/admin/events", "admin-1", http.StatusOK},
		{"admin events student", http.MethodGet, "/api/admin/events", "student-1", http.StatusForbidden},
		{"presence", http.MethodPost, "/api/presence", "", http.StatusOK},
		{"presence leave", http.MethodDelete, "/api/presence", "", http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, tt.path, nil)
			if tt.token != "" {
				req.Header.Set("Authorization", "Bearer "+tt.token)
			}
			w := httptest.NewRecorder()
			router.ServeHTTP(w, req)

			if w.Code != tt.wantStatus {
				t.Errorf("%s %s = %d, want %d; body=%s", tt.method, tt.path, w.Code, tt.wantStatus, w.Body.String())
			}
		})
	}
}

func TestRouter_CORSPreflight(t *testing.T) {
	router := newTestRouter(t)

	req := httptest.NewRequest(http.MethodOptions, "/api/presence", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusNoContent {
		t.Errorf("status = %d, want %d", w.Code, http.StatusNoContent)
	}
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "http://localhost:3000" {
		t.Errorf("Access-Control-Allow-Origin = %q", got)
	}
}

func TestRouter_TrackRateLimit(t *testing.T) {
	limiter := middleware.NewRateLimiter(middleware.RateLimiterConfig{
		GeneralRate:     100,
		GeneralBurst:    100,
		TrackRate:       1.0 / 60,
		TrackBurst:      2,
		CleanupInterval: time.Minute,
	})
	t.Cleanup(limiter.Stop)
	router := NewRouter(&RouterDeps{
		Logger:             discardLogger(),
		Verifier:           mockVerifier{},
		Roles:              mockRoles{},
		RateLimiter:        limiter,
		ListingService:     &mockListingService{},
		ActivityService:    &mockActivityService{},
		InteractionService: &mockInteractionService{},
		Stats:              newTestStatsReaders(),
		Students:           &mockStudentCounter{},
		Pulse:              newMockPulse(),
		Presence:           &mockPresence{},
		DB:                 &mockPinger{},
	})

	var last int
	for i := 0; i < 3; i++ {
		req := httptest.NewRequest(http.MethodPost, "/api/listings/"+testListingID+"/view", nil)
		req.RemoteAddr = "203.0.113.9:5000"
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
		last = w.Code
	}
	if last != http.StatusTooManyRequests {
		t.Errorf("third view status = %d, want %d", last, http.StatusTooManyRequests)
	}
}
