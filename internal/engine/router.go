package engine

import (
	"github.com/goccy/go-json"
	"github.com/gofiber/fiber/v2"
)

// RequestMethods are the verbs the fiber app must accept; MERGE is not a default one.
var RequestMethods = append(append([]string{}, fiber.DefaultMethods...), MethodMerge)

// AppConfig is the fiber configuration the CRUD routes run under. Params and
// query values are immutable since service and table names outlive the request.
func AppConfig() fiber.Config {
	return fiber.Config{
		ErrorHandler:   ErrorHandler,
		JSONEncoder:    json.Marshal,
		JSONDecoder:    json.Unmarshal,
		RequestMethods: RequestMethods,
		Immutable:      true,
	}
}

func RegisterRoutes(router fiber.Router, h *Handler) {
	api := router.Group("/api")

	api.Get("/", h.ListServices)
	api.Get("/:service", h.ListTables)
	api.Get("/:service/_schema/:table", h.DescribeTable)

	for _, method := range []string{fiber.MethodGet, fiber.MethodPost, fiber.MethodPut, fiber.MethodPatch, fiber.MethodDelete, MethodMerge} {
		api.Add(method, "/:service/:table", h.Dispatch)
		api.Add(method, "/:service/:table/:id", h.Dispatch)
	}
}
