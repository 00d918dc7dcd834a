package http

import (
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	httpH "github.com/taskmill/taskmill-backend/internal/http/handlers"
	httpMW "github.com/taskmill/taskmill-backend/internal/http/middleware"
	"github.com/taskmill/taskmill-backend/internal/pkg/logger"
)

type RouterConfig struct {
	Log            *logger.Logger
	ServiceName    string
	ProcessHandler *httpH.ProcessHandler
	HealthHandler  *httpH.HealthHandler
}

func NewRouter(cfg RouterConfig) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	if cfg.Log != nil {
		r.Use(httpMW.RequestLogger(cfg.Log))
	}
	r.Use(httpMW.CORS())
	r.Use(otelgin.Middleware(cfg.ServiceName))

	if cfg.HealthHandler != nil {
		r.GET("/healthcheck", cfg.HealthHandler.HealthCheck)
	}

	api := r.Group("/api")
	{
		if cfg.ProcessHandler != nil {
			api.GET("/process-types", cfg.ProcessHandler.ListProcessTypes)

			api.POST("/processes", cfg.ProcessHandler.CreateProcess)
			api.GET("/processes", cfg.ProcessHandler.ListProcesses)
			api.GET("/processes/:id", cfg.ProcessHandler.GetProcess)
			api.DELETE("/processes/:id", cfg.ProcessHandler.DeleteProcess)

			api.POST("/processes/:id/start", cfg.ProcessHandler.StartProcess)
			api.POST("/processes/:id/stop", cfg.ProcessHandler.StopProcess)
			api.POST("/processes/:id/restart", cfg.ProcessHandler.RestartProcess)
			api.GET("/processes/:id/tasks", cfg.ProcessHandler.ListProcessTasks)
		}
	}

	return r
}
