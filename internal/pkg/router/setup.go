package router

import (
	"github.com/gofiber/fiber/v2"
)

// Router installs one group of routes on the app.
type Router interface {
	InstallRouter(app *fiber.App)
}

// InstallRouter registers the API first, then the operator routes.
func InstallRouter(app *fiber.App, api *ApiRouter, admin *AdminRouter) {
	setup(app, api, admin)
}

func setup(app *fiber.App, router ...Router) {
	for _, r := range router {
		r.InstallRouter(app)
	}
}
