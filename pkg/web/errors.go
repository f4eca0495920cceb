package web

import (
	"github.com/dukex/procession/pkg/deploy"
	"github.com/dukex/procession/pkg/migration"
	"github.com/dukex/procession/pkg/persistence"
	"github.com/dukex/procession/pkg/services"
	"github.com/dukex/procession/pkg/subscription"
	"github.com/gofiber/fiber/v3"
	"github.com/moogar0880/problems"
)

func badRequest(c fiber.Ctx, detail string) error {
	problem := problems.NewStatusProblem(400).
		WithInstance(c.Path()).
		WithType("validation_error").
		WithDetail(detail)

	return c.Status(fiber.StatusBadRequest).JSON(problem)
}

func notFound(c fiber.Ctx, detail string) error {
	problem := problems.NewStatusProblem(404).
		WithInstance(c.Path()).
		WithType("not_found").
		WithDetail(detail)

	return c.Status(fiber.StatusNotFound).JSON(problem)
}

func internalError(c fiber.Ctx, err error) error {
	problem := problems.NewStatusProblem(500).
		WithInstance(c.Path()).
		WithType("internal_error").
		WithError(err)

	return c.Status(fiber.StatusInternalServerError).JSON(problem)
}

// handleEngineError maps engine-layer errors onto problem responses.
func handleEngineError(c fiber.Ctx, err error) error {
	switch {
	case deploy.IsValidationError(err):
		return badRequest(c, err.Error())

	case migration.IsMigrationError(err):
		return badRequest(c, err.Error())

	case subscription.IsConflict(err):
		problem := problems.NewStatusProblem(409).
			WithInstance(c.Path()).
			WithType("subscription_conflict").
			WithDetail(err.Error())

		return c.Status(fiber.StatusConflict).JSON(problem)

	case subscription.IsNoSubscription(err):
		return notFound(c, err.Error())

	case services.IsNoHandler(err):
		problem := problems.NewStatusProblem(422).
			WithInstance(c.Path()).
			WithType("unhandled_error").
			WithDetail(err.Error())

		return c.Status(fiber.StatusUnprocessableEntity).JSON(problem)

	case persistence.IsNotFound(err):
		return notFound(c, err.Error())

	default:
		return internalError(c, err)
	}
}
