package v1

import (
	"net/http"

	"go_rex/api/v1/jobs"
	"go_rex/api/v1/middleware"
	"go_rex/api/v1/store"
	"go_rex/api/v1/tasks"
	"go_rex/internal/auth"
	"go_rex/internal/httpx"
	"go_rex/internal/jobstore"
	"go_rex/internal/launcher"
	"go_rex/internal/memstore"
	"go_rex/internal/otp"
	"go_rex/internal/plan"
	"go_rex/internal/pulltask"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// Deps are the components the routes are served by
type Deps struct {
	Service    *pulltask.Service
	Launcher   *launcher.Launcher
	Registry   *jobstore.Registry
	Plans      plan.Store
	Files      memstore.Store
	Tokens     otp.Manager
	Signer     *auth.Signer
	AgentToken string
	Logger     *logrus.Entry

	// Optional
	Metrics http.Handler
	Live    http.Handler
}

// SetupRouter sets up the agent-facing routes and the API v1 routes
func SetupRouter(r *gin.Engine, deps Deps) {
	// Agent routes
	jobsHandler := jobs.NewHandler(deps.Registry, deps.Plans, deps.Logger)
	r.GET("/jobs/:host", middleware.AgentTokenRequired(deps.AgentToken), jobsHandler.List)

	storeHandler := store.NewHandler(deps.Files)
	r.GET("/dynflow/tasks/store/:task/:step/:file",
		middleware.TaskTokenRequired(deps.Tokens, "task"), storeHandler.Get)

	if deps.Metrics != nil {
		r.GET("/metrics", gin.WrapH(deps.Metrics))
	}
	if deps.Live != nil {
		r.Any("/socket.io/*any", gin.WrapH(deps.Live))
	}

	tasksHandler := tasks.NewHandler(deps.Service, deps.Launcher, deps.Logger)

	v1 := r.Group("/api/v1")
	{
		// Public routes
		v1.GET("/ping", pingHandler)

		// Agent callback, authenticated by the task token
		v1.POST("/tasks/:id/events", middleware.TaskTokenRequired(deps.Tokens, "id"), tasksHandler.Events)

		// Operator routes
		protected := v1.Group("")
		protected.Use(middleware.AuthRequired(deps.Signer))
		{
			protected.GET("/me", meHandler)

			tasksGroup := protected.Group("/tasks")
			{
				tasksGroup.POST("", tasksHandler.Create)
				tasksGroup.POST("/batch", tasksHandler.Batch)
				tasksGroup.GET("/:id", tasksHandler.Get)
				tasksGroup.POST("/:id/finalize", tasksHandler.Finalize)
				tasksGroup.POST("/:id/stop", tasksHandler.Stop)
			}
		}
	}
}

// pingHandler handles the ping request using unified response
func pingHandler(c *gin.Context) {
	httpx.OK(c, gin.H{
		"pong": true,
	})
}

// meHandler returns the operator behind the token
func meHandler(c *gin.Context) {
	httpx.OK(c, gin.H{
		"subject": c.GetString(middleware.KeySubject),
		"role":    c.GetString(middleware.KeyRole),
	})
}
