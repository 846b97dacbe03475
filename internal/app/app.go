// internal/app/app.go
package app

import (
	"context"
	"encoding/hex"
	"fmt"
	"path/filepath"
	"time"

	"github.com/storyos/storyos/internal/config"
	"github.com/storyos/storyos/internal/di"
	"github.com/storyos/storyos/internal/llm"
	"github.com/storyos/storyos/internal/models"
	"github.com/storyos/storyos/internal/services"
	"github.com/storyos/storyos/internal/storage"
	"github.com/storyos/storyos/internal/utils"

	// 注册提供者
	_ "github.com/storyos/storyos/internal/llm/providers/grok"
	_ "github.com/storyos/storyos/internal/llm/providers/mock"
	_ "github.com/storyos/storyos/internal/llm/providers/openai"
)

// InitServices 按依赖顺序初始化所有服务并注册到容器
// 顺序：存储 -> 保管库 -> 编年史 -> 场景 -> 会话 -> 提供者 -> 引擎 -> 工作池
func InitServices() error {
	cfg := config.GetCurrentConfig()
	container := di.GetContainer()

	// 1. 文件存储
	fileStorage, err := storage.NewFileStorage(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("初始化文件存储失败: %w", err)
	}
	container.Register("storage", fileStorage)

	// 2. 内容保管库
	// 调试模式下无密钥时生成临时密钥，归档内容在进程重启后不可恢复
	vaultKey := cfg.VaultKey
	if vaultKey == "" && cfg.DebugMode {
		if raw, err := utils.GenerateSecureKey(32); err == nil {
			vaultKey = hex.EncodeToString(raw)
			utils.GetLogger().Warn("未配置加密密钥，使用本次进程的临时密钥", nil)
		}
	}
	vaultService := services.NewVaultService(fileStorage, vaultKey)
	container.Register("vault", vaultService)

	// 3. 编年史存储
	chronicleService := services.NewChronicleService(fileStorage, vaultService)
	container.Register("chronicle", chronicleService)

	// 4. 场景注册表，场景包目录独立于数据目录
	scenarioStorage, err := storage.NewFileStorage(cfg.ScenariosDir)
	if err != nil {
		return fmt.Errorf("初始化场景存储失败: %w", err)
	}
	scenarioService := services.NewScenarioService(scenarioStorage, ".")
	if err := scenarioService.LoadAll(); err != nil {
		return fmt.Errorf("加载场景注册表失败: %w", err)
	}
	container.Register("scenario", scenarioService)

	// 5. 会话存储
	sessionService := services.NewSessionService(fileStorage)
	container.Register("session", sessionService)

	// 6. 模型提供者
	provider, err := createProvider(cfg.LLMProvider, cfg.LLMConfig)
	if err != nil {
		return fmt.Errorf("初始化模型提供者失败: %w", err)
	}
	container.Register("llm", provider)

	// 廉价提供者用于图像提示词清洗等辅助任务，缺省共用主提供者
	cheapProvider := provider
	if cfg.CheapLLMProvider != "" && cfg.CheapLLMProvider != cfg.LLMProvider {
		if p, err := createProvider(cfg.CheapLLMProvider, cfg.CheapLLMConfig); err == nil {
			cheapProvider = p
		} else {
			utils.GetLogger().Warn("廉价提供者初始化失败，回退到主提供者", map[string]interface{}{
				"provider": cfg.CheapLLMProvider,
				"error":    err.Error(),
			})
		}
	}
	container.Register("cheap_llm", cheapProvider)

	// 7. 回合引擎
	engineService := services.NewEngineService(provider, cheapProvider, chronicleService, scenarioService)
	container.Register("engine", engineService)

	// 8. 结构化补全工作池和会话锁
	container.Register("struct_worker", services.NewStructWorkerPool(services.DefaultStructWorkers))
	container.Register("lock_manager", services.NewLockManager())

	// 9. 可选的文档存储
	if cfg.MongoURI != "" {
		initDocumentStore(cfg, scenarioService, container)
	}

	utils.GetLogger().Info("服务初始化完成", map[string]interface{}{
		"services": len(container.GetNames()),
		"provider": provider.GetName(),
	})

	return nil
}

// createProvider 按配置创建提供者，没有可用密钥时回退到mock
func createProvider(name string, providerConfig map[string]string) (llm.Provider, error) {
	if name == "" {
		name = "mock"
	}

	if name != "mock" && providerConfig["api_key"] == "" {
		utils.GetLogger().Warn("提供者缺少API密钥，回退到mock", map[string]interface{}{
			"provider": name,
		})
		name = "mock"
	}

	return llm.GetProvider(name, providerConfig)
}

// initDocumentStore 连接并播种文档存储，失败只记录不中断启动
func initDocumentStore(cfg *config.AppConfig, scenarioService *services.ScenarioService, container *di.Container) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	mongoService, err := services.NewMongoService(ctx, cfg.MongoURI, cfg.MongoDatabase)
	if err != nil {
		utils.GetLogger().Warn("文档存储初始化失败，将仅使用本地文件", map[string]interface{}{
			"error": err.Error(),
		})
		return
	}
	if mongoService == nil {
		return
	}

	container.Register("mongo", mongoService)

	// 播种场景模板和当前的系统提示词
	var scenarios []*models.Scenario
	for _, info := range scenarioService.List() {
		if scenario, err := scenarioService.Get(info.ID); err == nil {
			scenarios = append(scenarios, scenario)
		}
	}
	if err := mongoService.SeedScenarioTemplates(ctx, scenarios); err != nil {
		utils.GetLogger().Warn("场景模板播种失败", map[string]interface{}{
			"error": err.Error(),
		})
	}
	if err := mongoService.SeedSystemPrompt(ctx, "turn_engine",
		"You are the narrative engine for an interactive story."); err != nil {
		utils.GetLogger().Warn("系统提示词播种失败", map[string]interface{}{
			"error": err.Error(),
		})
	}
}

// InitLogger 初始化日志系统，日志文件按日期命名
func InitLogger(logDir string) error {
	logFile := filepath.Join(logDir, fmt.Sprintf("storyos_%s.log", time.Now().Format("2006-01-02")))
	return utils.InitLogger(logFile)
}
