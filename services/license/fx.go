package license

import (
	"licensing-controlplane/pkg/config"
	"licensing-controlplane/pkg/taskname"

	"github.com/gin-gonic/gin"
	"github.com/hibiken/asynq"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var Module = fx.Module("license.module",
	fx.Provide(NewService),
	fx.Invoke(migrate),
)

// ServerModule exposes the HTTP API and runs the in-process sweep.
var ServerModule = fx.Module("license.server",
	Module,
	fx.Provide(NewHandler, NewScheduler),
	fx.Invoke(
		registerRoutes,
		StartScheduler,
	),
)

// WorkerModule handles the periodic sweep task enqueued by asynq.
var WorkerModule = fx.Module("license.worker",
	Module,
	fx.Invoke(registerTaskHandlers),
)

func migrate(cfg *config.Config, db *gorm.DB) error {
	if !cfg.Database.AutoMigrate {
		return nil
	}
	if err := db.AutoMigrate(&License{}); err != nil {
		zap.L().Error("failed to migrate licenses table", zap.Error(err))
		return err
	}
	zap.L().Info("licenses table migrated")
	return nil
}

func registerRoutes(r *gin.Engine, h *Handler) {
	h.Register(r)
}

func registerTaskHandlers(mux *asynq.ServeMux, svc *Service) {
	mux.HandleFunc(taskname.LicenseAgingSweep, svc.HandleAgingSweep)
}
