package handler

import (
	"github.com/gofiber/fiber/v2"

	"github.com/clipvote/api/internal/config"
	"github.com/clipvote/api/internal/middleware"
)

// RegisterTaskRoutes mounts the task API under router with its per-action
// rate limits.
func RegisterTaskRoutes(router fiber.Router, h *TaskHandler, rl *middleware.RateLimiter, limits config.RateLimitConfig) {
	tasks := router.Group("/tasks")
	tasks.Post("/bundle", rl.Limit(middleware.PerHour("bundle", limits.BundlePerHour)), h.ClaimBundle)
	tasks.Post("/claim", rl.Limit(middleware.PerHour("tasks", limits.TasksPerHour)), h.ClaimSingle)
	tasks.Post("/heartbeat", rl.Limit(middleware.PerMinute("heartbeat", limits.HeartbeatPerMin)), h.Heartbeat)
	tasks.Post("/release", rl.Limit(middleware.PerMinute("release", limits.ReleasePerMin)), h.Release)
	tasks.Post("/submit", rl.Limit(
		middleware.PerMinute("submit", limits.SubmitPerMin),
		middleware.PerHour("submit", limits.SubmitPerHour),
	), h.Submit)
	tasks.Get("/peek", h.Peek)
}
