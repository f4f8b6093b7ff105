package auth

import (
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/samber/lo"

	"baas-gateway/internal/config"
	"baas-gateway/internal/engine"
	"baas-gateway/internal/instrument"
	"baas-gateway/internal/logger"
	"baas-gateway/internal/metadata"
)

// Middleware verifies the bearer token and stores the session in
// c.Locals(metadata.SessionLocal). Requests without a token get a guest
// session when cfg.AllowGuest is set.
func Middleware(cfg config.AuthConfig) fiber.Handler {
	return func(c *fiber.Ctx) error {
		header := c.Get("Authorization")

		var sess *metadata.Session
		if header == "" {
			if !cfg.AllowGuest {
				return engine.UnauthorizedError("Missing auth token")
			}
			sess = &metadata.Session{Roles: lo.Uniq(cfg.GuestRoles)}
		} else {
			parts := strings.SplitN(header, " ", 2)
			if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
				return engine.UnauthorizedError("Invalid auth header format")
			}
			claims, err := ParseToken(parts[1], cfg.JWTSecret)
			if err != nil {
				return engine.UnauthorizedError("Invalid or expired token")
			}
			sess = claims.Session()
		}

		c.Locals(metadata.SessionLocal, sess)

		identity := sess.UserID
		if identity == "" {
			identity = "guest"
		}
		ctx, _ := logger.ContextWithLoggerIdentity(c.UserContext(), identity)
		c.SetUserContext(instrument.WithUserID(ctx, sess.UserID))

		return c.Next()
	}
}
