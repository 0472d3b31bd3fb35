package httpapi

import (
	"net/http"

	"licensing-controlplane/pkg/config"
	"licensing-controlplane/pkg/health"
	"licensing-controlplane/pkg/middleware"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/fx"
)

// Module provides the gin engine every HTTP route hangs off, exposed to the
// server as a plain http.Handler.
var Module = fx.Module("httpapi",
	fx.Provide(
		NewEngine,
		func(e *gin.Engine) http.Handler { return e },
	),
	fx.Invoke(registerOperationalEndpoints),
)

func NewEngine(cfg *config.Config) *gin.Engine {
	if cfg.AppEnv == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(
		gin.Recovery(),
		middleware.Tracing(cfg.AppName),
		middleware.Logger(),
		middleware.Error(),
	)
	return r
}

func registerOperationalEndpoints(r *gin.Engine, h health.HealthService) {
	h.Register(r)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
}
