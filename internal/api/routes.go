package api

import (
	"fmt"

	"github.com/gofiber/fiber/v2"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"campaign-pipeline/internal/auth"
	"campaign-pipeline/internal/observability"
)

func SetupRoutes(
	app *fiber.App,
	logger *zap.Logger,
	metrics *observability.Metrics,
	handlers *Handlers,
	authService *auth.AuthService,
) {
	SetupMiddleware(app, logger, metrics)

	// Health endpoints (no auth required)
	app.Get("/healthz", handlers.HealthCheck)
	app.Get("/readyz", handlers.ReadyCheck)

	app.Get("/docs", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"title":   "Campaign Pipeline API",
			"version": "1.0",
			"endpoints": fiber.Map{
				"health":          "GET /healthz - Health check",
				"ready":           "GET /readyz - Readiness check",
				"enqueue_run":     "POST /v1/pipeline/runs - Fan a campaign run out into jobs",
				"jobs":            "GET /v1/pipeline/jobs - List jobs with filters",
				"job":             "GET /v1/pipeline/jobs/{id} - Get one job",
				"campaign_stats":  "GET /v1/pipeline/jobs/campaign/{id}/stats - Per-status counts",
				"failures":        "GET /v1/pipeline/failures - Failure audit log",
				"dead":            "GET /v1/pipeline/dead - Dead jobs",
				"retry":           "POST /v1/pipeline/retry/{id} - Manual retry of a dead job",
				"pipeline_health": "GET /v1/pipeline/health - Pipeline health snapshot",
				"observe":         "GET /v1/pipeline/observe - Queue projections",
				"run_stats":       "GET /v1/pipeline/runs/{id}/stats - Run counters",
				"recalculate":     "POST /v1/pipeline/runs/{id}/recalculate - Recount run counters",
				"tenant_config":   "PUT /v1/pipeline/config - Set tenant pacing config",
				"email_webhook":   "POST /webhooks/email/events - Provider event webhook",
				"api_spec":        "GET /api-spec - OpenAPI specification",
				"metrics":         "GET /metrics - Prometheus metrics",
			},
			"auth": "Add headers: X-Tenant-ID and X-API-Key",
		})
	})

	// OpenAPI spec endpoint
	app.Get("/api-spec", func(c *fiber.Ctx) error {
		spec := map[string]interface{}{
			"openapi": "3.0.0",
			"info": map[string]interface{}{
				"title":       "Campaign Pipeline API",
				"description": "Multi-tenant outbound messaging pipeline",
				"version":     "1.0.0",
			},
			"components": map[string]interface{}{
				"securitySchemes": map[string]interface{}{
					"ApiKeyAuth": map[string]interface{}{
						"type": "apiKey",
						"in":   "header",
						"name": "X-API-Key",
					},
					"TenantHeader": map[string]interface{}{
						"type": "apiKey",
						"in":   "header",
						"name": "X-Tenant-ID",
					},
				},
			},
			"paths": map[string]interface{}{
				"/healthz": map[string]interface{}{
					"get": map[string]interface{}{
						"summary": "Health Check",
						"tags":    []string{"Health"},
						"responses": map[string]interface{}{
							"200": map[string]interface{}{"description": "OK"},
						},
					},
				},
				"/v1/pipeline/runs": map[string]interface{}{
					"post": map[string]interface{}{
						"summary":     "Enqueue Campaign Run",
						"description": "Fan a campaign run out into one pipeline job per contact",
						"tags":        []string{"Pipeline"},
						"security":    []map[string]interface{}{{"ApiKeyAuth": []string{}, "TenantHeader": []string{}}},
						"requestBody": map[string]interface{}{
							"required": true,
							"content": map[string]interface{}{
								"application/json": map[string]interface{}{
									"schema": map[string]interface{}{
										"type":     "object",
										"required": []string{"run_id", "campaign_id", "channel", "contacts"},
										"properties": map[string]interface{}{
											"run_id":              map[string]interface{}{"type": "string", "format": "uuid"},
											"campaign_id":         map[string]interface{}{"type": "string", "format": "uuid"},
											"channel":             map[string]interface{}{"type": "string", "enum": []string{"email", "sms", "whatsapp", "push"}},
											"template_version_id": map[string]interface{}{"type": "string", "format": "uuid"},
											"contacts":            map[string]interface{}{"type": "array"},
										},
									},
								},
							},
						},
						"responses": map[string]interface{}{
							"202": map[string]interface{}{"description": "Jobs created and queued"},
							"400": map[string]interface{}{"description": "Unknown channel or missing ids"},
						},
					},
				},
				"/v1/pipeline/jobs": map[string]interface{}{
					"get": map[string]interface{}{
						"summary":  "List Jobs",
						"tags":     []string{"Pipeline"},
						"security": []map[string]interface{}{{"ApiKeyAuth": []string{}, "TenantHeader": []string{}}},
						"responses": map[string]interface{}{
							"200": map[string]interface{}{"description": "OK"},
						},
					},
				},
				"/v1/pipeline/retry/{id}": map[string]interface{}{
					"post": map[string]interface{}{
						"summary":     "Manual Retry",
						"description": "Reset a dead job to PENDING for re-pickup",
						"tags":        []string{"Pipeline"},
						"security":    []map[string]interface{}{{"ApiKeyAuth": []string{}, "TenantHeader": []string{}}},
						"responses": map[string]interface{}{
							"200": map[string]interface{}{"description": "Job reset"},
							"400": map[string]interface{}{"description": "State machine refused the transition"},
						},
					},
				},
				"/webhooks/email/events": map[string]interface{}{
					"post": map[string]interface{}{
						"summary":     "Email Provider Events",
						"description": "HMAC-signed batch of delivery/bounce/engagement events",
						"tags":        []string{"Webhooks"},
						"responses": map[string]interface{}{
							"200": map[string]interface{}{"description": "Accepted"},
							"400": map[string]interface{}{"description": "Empty batch"},
							"403": map[string]interface{}{"description": "Invalid signature"},
						},
					},
				},
			},
		}
		return c.JSON(spec)
	})

	// Metrics endpoint (no auth required, but could be restricted in production)
	app.Get("/metrics", func(c *fiber.Ctx) error {
		registry := prometheus.DefaultGatherer
		metricFamilies, err := registry.Gather()
		if err != nil {
			return c.Status(500).SendString("Error gathering metrics")
		}

		c.Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")

		for _, mf := range metricFamilies {
			name := mf.GetName()
			for _, m := range mf.GetMetric() {
				if m.GetCounter() != nil {
					c.WriteString(fmt.Sprintf("# TYPE %s counter\n%s %g\n", name, name, m.GetCounter().GetValue()))
				} else if m.GetGauge() != nil {
					c.WriteString(fmt.Sprintf("# TYPE %s gauge\n%s %g\n", name, name, m.GetGauge().GetValue()))
				} else if m.GetHistogram() != nil {
					h := m.GetHistogram()
					c.WriteString(fmt.Sprintf("# TYPE %s histogram\n%s_count %d\n%s_sum %g\n",
						name, name, h.GetSampleCount(), name, h.GetSampleSum()))
				}
			}
		}
		return nil
	})

	// Provider webhooks authenticate by signature, not API key.
	app.Post("/webhooks/email/events", handlers.EmailEvents)

	v1 := app.Group("/v1")

	runs := v1.Group("/pipeline", authService.RequireAPIKey())
	runs.Post("/runs", handlers.EnqueueRun)
	runs.Get("/runs/:id/stats", handlers.RunStats)
	runs.Post("/runs/:id/recalculate", handlers.RecalculateRunStats)
	runs.Get("/jobs", handlers.ListJobs)
	runs.Get("/jobs/campaign/:id/stats", handlers.CampaignStats)
	runs.Get("/jobs/:id", handlers.GetJob)
	runs.Get("/failures", handlers.ListFailures)
	runs.Get("/dead", handlers.ListDead)
	runs.Post("/retry/:id", handlers.RetryJob)
	runs.Get("/health", handlers.PipelineHealth)
	runs.Get("/observe", handlers.Observe)
	runs.Put("/config", handlers.SetTenantConfig)
	runs.Delete("/config", handlers.ClearTenantConfig)
}
