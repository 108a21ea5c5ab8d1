package router

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/basicauth"

	"github.com/ManuelReschke/warpstation/app/controllers"
	"github.com/ManuelReschke/warpstation/internal/pkg/config"
)

type AdminRouter struct {
	janitor *controllers.AdminJanitorController
	auth    config.Admin
}

func NewAdminRouter(janitor *controllers.AdminJanitorController, auth config.Admin) *AdminRouter {
	return &AdminRouter{janitor: janitor, auth: auth}
}

func (h AdminRouter) InstallRouter(app *fiber.App) {
	adminGroup := app.Group("/api/admin", BasicAuth(h.auth))
	adminGroup.Get("/janitor", h.janitor.HandleStatus)
	adminGroup.Post("/janitor/run", h.janitor.HandleRun)
}

// BasicAuth guards operator routes with the configured admin credentials.
func BasicAuth(auth config.Admin) fiber.Handler {
	return basicauth.New(basicauth.Config{
		Users: map[string]string{
			auth.Username: auth.Password,
		},
	})
}
