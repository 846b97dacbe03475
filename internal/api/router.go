// internal/api/router.go
package api

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/storyos/storyos/internal/config"
	"github.com/storyos/storyos/internal/di"
	"github.com/storyos/storyos/internal/services"
)

// SetupRouter 配置HTTP路由
// 只从容器获取服务，不创建新实例
func SetupRouter() (*gin.Engine, error) {
	cfg := config.GetCurrentConfig()
	container := di.GetContainer()

	engineService, ok := container.Get("engine").(*services.EngineService)
	if !ok {
		return nil, fmt.Errorf("回合引擎未正确初始化")
	}

	scenarioService, ok := container.Get("scenario").(*services.ScenarioService)
	if !ok {
		return nil, fmt.Errorf("场景服务未正确初始化")
	}

	sessionService, ok := container.Get("session").(*services.SessionService)
	if !ok {
		return nil, fmt.Errorf("会话服务未正确初始化")
	}

	chronicleService, ok := container.Get("chronicle").(*services.ChronicleService)
	if !ok {
		return nil, fmt.Errorf("编年史服务未正确初始化")
	}

	vaultService, ok := container.Get("vault").(*services.VaultService)
	if !ok {
		return nil, fmt.Errorf("保管库服务未正确初始化")
	}

	workerPool, ok := container.Get("struct_worker").(*services.StructWorkerPool)
	if !ok {
		return nil, fmt.Errorf("工作池未正确初始化")
	}

	lockManager, ok := container.Get("lock_manager").(*services.LockManager)
	if !ok {
		return nil, fmt.Errorf("锁管理器未正确初始化")
	}

	handler := NewHandler(
		engineService,
		scenarioService,
		sessionService,
		chronicleService,
		vaultService,
		workerPool,
		lockManager,
	)

	if !cfg.DebugMode {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.Default()

	r.Use(corsMiddleware())
	r.Use(requestIDMiddleware())

	// 健康检查在限流之外
	r.GET("/health", handler.GetHealth)

	// WebSocket 流式回合
	r.GET("/ws/sessions/:id/turn", handler.TurnWebSocket)

	apiGroup := r.Group("/api")
	apiGroup.Use(DefaultRateLimit())
	{
		// ===============================
		// 场景相关路由
		// ===============================
		scenariosGroup := apiGroup.Group("/scenarios")
		{
			scenariosGroup.GET("", handler.GetScenarios)
			scenariosGroup.GET("/:id", handler.GetScenario)
			scenariosGroup.POST("/validate", handler.ValidateScenario)
		}

		// ===============================
		// 会话相关路由
		// ===============================
		sessionsGroup := apiGroup.Group("/sessions")
		{
			sessionsGroup.POST("", handler.CreateSession)
			sessionsGroup.GET("/:id", handler.GetSession)
			sessionsGroup.POST("/:id/save", handler.SaveSession)
			sessionsGroup.POST("/:id/archive", handler.ArchiveSession)

			// 回合处理
			sessionsGroup.POST("/:id/turn", TurnRateLimit(), handler.ProcessTurn)
			sessionsGroup.GET("/:id/turn/poll", handler.PollTurn)

			// 编年史
			chronicleGroup := sessionsGroup.Group("/:id/chronicle")
			{
				chronicleGroup.GET("/search", handler.SearchChronicle)
				chronicleGroup.GET("/export", handler.ExportChronicle)
				chronicleGroup.POST("/compress", handler.CompressChronicle)
			}
		}

		// ===============================
		// 保管库管理路由
		// ===============================
		apiGroup.GET("/vault/:key", handler.RetrieveVaultEntry)

		// ===============================
		// 运行指标
		// ===============================
		apiGroup.GET("/metrics", handler.GetMetrics)
	}

	r.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{
			"success": false,
			"error": gin.H{
				"code":    "NOT_FOUND",
				"message": "路由不存在",
			},
		})
	})

	return r, nil
}
