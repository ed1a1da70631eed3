package e2e

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"

	"github.com/clipvote/api/internal/auth"
	"github.com/clipvote/api/internal/config"
	"github.com/clipvote/api/internal/handler"
	"github.com/clipvote/api/internal/idempotency"
	"github.com/clipvote/api/internal/lease"
	"github.com/clipvote/api/internal/middleware"
	"github.com/clipvote/api/internal/model"
	"github.com/clipvote/api/internal/ratelimit"
	"github.com/clipvote/api/internal/service"
	"github.com/clipvote/api/internal/store"
	"github.com/clipvote/api/internal/store/memstore"
)

const testJWTSecret = "test-secret-for-e2e"

const seedYAML = `
clips:
  - id: clip-1
    asset_id: ep-01
    media_url: https://cdn.example.com/ep-01.mp4
    start_ms: 0
    end_ms: 5000
    speakers: [A]
tasks:
  - id: t-accent
    clip_id: clip-1
    task_type: accent_tag
    priority: 5
    price_cents: 3
  - id: t-emotion
    clip_id: clip-1
    task_type: emotion_tag
    priority: 1
    price_cents: 2
`

// testApp holds all components needed for testing
type testApp struct {
	app   *fiber.App
	store store.Store
}

// generous limits so flow tests are never throttled
var testLimits = config.RateLimitConfig{
	BundlePerHour:   10000,
	TasksPerHour:    10000,
	SubmitPerMin:    10000,
	SubmitPerHour:   10000,
	HeartbeatPerMin: 10000,
	ReleasePerMin:   10000,
}

// setupApp creates a Fiber app wired like main.go over an in-memory store
// seeded with seedYAML.
func setupApp(t *testing.T) *testApp {
	return setupAppWithLimits(t, testLimits)
}

func setupAppWithLimits(t *testing.T, limits config.RateLimitConfig) *testApp {
	t.Helper()

	st := memstore.New()
	if _, err := store.LoadSeed(context.Background(), st, strings.NewReader(seedYAML), time.Now().UTC()); err != nil {
		t.Fatalf("failed to seed store: %v", err)
	}

	validate := validator.New()
	taskService := service.NewTaskService(st, lease.NewManager(lease.Config{}),
		idempotency.NewMemory(time.Hour), service.DefaultConfig())

	authenticator := auth.NewAuthenticator(nil, testJWTSecret)
	taskHandler := handler.NewTaskHandler(taskService, validate)
	authHandler := handler.NewAuthHandler(authenticator)

	authMiddleware := middleware.NewAuthMiddleware(authenticator)
	rateLimiter := middleware.NewRateLimiter(ratelimit.NewMemory(), nil)

	app := fiber.New()

	app.Get("/", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"timestamp": 1234567890})
	})
	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status": "ok",
			"services": fiber.Map{
				"store": config.BackendMemory,
				"redis": false,
				"r2":    false,
				"auth":  true,
			},
		})
	})
	app.Get("/auth/verify", authHandler.Verify)

	api := app.Group("/api", authMiddleware.Authenticate())
	handler.RegisterTaskRoutes(api, taskHandler, rateLimiter, limits)

	return &testApp{app: app, store: st}
}

// generateToken creates a legacy HMAC JWT token for the given contributor.
func generateToken(t *testing.T, userID string) string {
	t.Helper()
	signed, err := auth.IssueLegacyToken(testJWTSecret, &model.Contributor{
		ID:   userID,
		Role: "contributor",
		Tier: model.TierBronze,
	}, time.Hour)
	if err != nil {
		t.Fatalf("failed to generate test token: %v", err)
	}
	return signed
}

// doRequest is a helper to perform HTTP requests against the test app.
func doRequest(app *fiber.App, method, path string, body string, headers map[string]string) (*http.Response, error) {
	var bodyReader io.Reader
	if body != "" {
		bodyReader = strings.NewReader(body)
	}

	req, err := http.NewRequest(method, path, bodyReader)
	if err != nil {
		return nil, err
	}

	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	return app.Test(req, -1)
}

// doAuthRequest performs a request authenticated as userID.
func doAuthRequest(t *testing.T, app *fiber.App, userID, method, path, body string) (*http.Response, error) {
	t.Helper()
	token := generateToken(t, userID)
	return doRequest(app, method, path, body, map[string]string{
		"Authorization": "Bearer " + token,
	})
}

// readBody reads and returns the response body as a string.
func readBody(t *testing.T, resp *http.Response) string {
	t.Helper()
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("failed to read response body: %v", err)
	}
	return string(b)
}

// parseJSON parses response body into a map.
func parseJSON(t *testing.T, resp *http.Response) map[string]interface{} {
	t.Helper()
	body := readBody(t, resp)
	var result map[string]interface{}
	if err := json.Unmarshal([]byte(body), &result); err != nil {
		t.Fatalf("failed to parse JSON: %v\nbody: %s", err, body)
	}
	return result
}

// errorCode extracts error.code from an error envelope.
func errorCode(t *testing.T, resp *http.Response) string {
	t.Helper()
	body := parseJSON(t, resp)
	e, ok := body["error"].(map[string]interface{})
	if !ok {
		t.Fatalf("expected error envelope, got %v", body)
	}
	code, _ := e["code"].(string)
	return code
}

// assertStatus checks the HTTP status code.
func assertStatus(t *testing.T, resp *http.Response, expected int) {
	t.Helper()
	if resp.StatusCode != expected {
		t.Errorf("expected status %d, got %d", expected, resp.StatusCode)
	}
}
