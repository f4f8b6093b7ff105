package instrument

import (
	"math/rand"

	"github.com/gofiber/fiber/v2"

	"baas-gateway/internal/config"
	"baas-gateway/internal/metadata"
)

// Middleware returns a Fiber middleware that sets up tracing for each request.
// It generates (or propagates) a trace ID, creates a root HTTP span, and injects
// the instrumenter into the request context for downstream handlers.
func Middleware(cfg config.InstrumentationConfig, inst Instrumenter) fiber.Handler {
	return func(c *fiber.Ctx) error {
		if !cfg.Enabled || inst == nil {
			return c.Next()
		}

		// Sampling: skip tracing for a proportion of requests
		if cfg.SamplingRate < 1.0 && rand.Float64() > cfg.SamplingRate {
			return c.Next()
		}

		traceID := c.Get("X-Trace-ID")
		if traceID == "" {
			traceID = newUUID()
		}

		ctx := WithTraceID(c.UserContext(), traceID)
		ctx = WithInstrumenter(ctx, inst)
		ctx, span := inst.StartSpan(ctx, "http", "handler", "request")
		span.SetMetadata("method", c.Method())
		span.SetMetadata("path", c.Path())
		c.SetUserContext(ctx)
		c.Set("X-Trace-ID", traceID)

		err := c.Next()

		if sess, ok := c.Locals(metadata.SessionLocal).(*metadata.Session); ok && sess != nil {
			span.SetMetadata("user_id", sess.UserID)
		}

		statusCode := c.Response().StatusCode()
		span.SetMetadata("status_code", statusCode)
		if err != nil || statusCode >= 400 {
			span.SetStatus("error")
		} else {
			span.SetStatus("ok")
		}
		span.End()

		return err
	}
}
