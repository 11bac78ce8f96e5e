// README: HTTP router registration.
package http

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"ridedispatch/internal/http/handlers"
	"ridedispatch/internal/http/middleware"
	"ridedispatch/internal/types"
)

func NewRouter(deps ServerDeps) *gin.Engine {
	log := deps.logger()
	r := gin.New()
	r.Use(middleware.Recovery(log), middleware.Logging(log))

	r.GET("/health", func(c *gin.Context) { c.String(http.StatusOK, "OK") })
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	auth := middleware.Auth(deps.Verifier)
	api := r.Group("/api", auth)
	if deps.Limiter != nil {
		api.Use(deps.Limiter.Middleware())
	}

	rides := handlers.NewRideHandler(deps.App.Rides, deps.App.Dispatch, deps.App.Pricing)
	api.POST("/rides", rides.Create)
	api.POST("/rides/estimate", rides.Estimate)
	api.GET("/rides/active", rides.Active)
	api.GET("/rides/history", rides.History)
	api.GET("/rides/:id", rides.Get)
	api.POST("/rides/:id/accept", rides.Accept)
	api.POST("/rides/:id/reject", rides.Reject)
	api.POST("/rides/:id/status", rides.ChangeStatus)
	api.POST("/rides/:id/cancel", rides.Cancel)
	api.POST("/rides/:id/rate", rides.Rate)

	drivers := handlers.NewDriverHandler(deps.App.Drivers, deps.App.Rides, deps.App.Location)
	me := api.Group("/drivers/me", middleware.RequireRole(types.RoleDriver))
	me.PUT("/availability", drivers.SetAvailability)
	me.GET("/requests", drivers.Requests)
	me.GET("/locations", drivers.Locations)

	if deps.Hub != nil {
		r.GET("/ws", auth, func(c *gin.Context) {
			if err := deps.Hub.ServeWS(c.Writer, c.Request, middleware.CallerUID(c), middleware.CallerRole(c)); err != nil {
				log.Debug("websocket closed", zap.Error(err))
			}
		})
	}
	return r
}
