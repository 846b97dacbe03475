// internal/config/config.go
package config

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"

	"github.com/joho/godotenv"
)

// 当前配置的单例实例
var (
	currentConfig *AppConfig
	configMutex   sync.RWMutex
	configFile    string
)

// AppConfig 包含应用程序的所有配置
type AppConfig struct {
	// 基础配置
	Port         string `json:"port"`
	DataDir      string `json:"data_dir"`
	ScenariosDir string `json:"scenarios_dir"`
	LogDir       string `json:"log_dir"`
	DebugMode    bool   `json:"debug_mode"`

	// 编年史加密密钥，提供后才启用保险库归档；永不写入日志
	VaultKey string `json:"-"`

	// LLM相关配置
	LLMProvider      string            `json:"llm_provider"`
	LLMConfig        map[string]string `json:"llm_config"`
	CheapLLMProvider string            `json:"cheap_llm_provider,omitempty"`
	CheapLLMConfig   map[string]string `json:"cheap_llm_config,omitempty"`

	// 可选文档库（MongoDB），为空时引擎只用本地文件
	MongoURI      string `json:"-"`
	MongoDatabase string `json:"mongo_database,omitempty"`
}

// Config 存储基础应用配置
type Config struct {
	Port          string
	DataDir       string
	ScenariosDir  string
	LogDir        string
	DebugMode     bool
	VaultKey      string
	LLMProvider   string
	LLMAPIKey     string
	LLMBaseURL    string
	LLMModel      string

	// 廉价提供者用于图像提示词清洗等辅助任务
	CheapLLMProvider string
	CheapLLMAPIKey   string
	CheapLLMBaseURL  string
	CheapLLMModel    string

	MongoURI      string
	MongoDatabase string
}

// Load 从环境变量加载配置
func Load() (*Config, error) {
	// 尝试加载.env文件（可选）
	godotenv.Load()

	config := &Config{
		Port:          getEnv("PORT", "8080"),
		DataDir:       getEnvPath("DATA_DIR", "data"),
		ScenariosDir:  getEnvPath("SCENARIOS_DIR", "scenarios/packs"),
		LogDir:        getEnvPath("LOG_DIR", "logs"),
		DebugMode:     getEnvBool("DEBUG_MODE", true),
		VaultKey:      firstEnv("STORYOS_AES_KEY", "CHRONICLE_ENCRYPTION_KEY"),
		LLMProvider:   getEnv("LLM_PROVIDER", "grok"),
		LLMAPIKey:     firstEnv("XAI_API_KEY", "OPENAI_API_KEY"),
		LLMBaseURL:    firstEnv("XAI_BASE_URL", "OPENAI_BASE_URL"),
		LLMModel:      getEnv("DEFAULT_MODEL", ""),

		CheapLLMProvider: getEnv("CHEAP_LLM_PROVIDER", ""),
		CheapLLMAPIKey:   getEnv("CHEAP_LLM_API_KEY", ""),
		CheapLLMBaseURL:  getEnv("CHEAP_LLM_BASE_URL", ""),
		CheapLLMModel:    getEnv("CHEAP_LLM_MODEL", ""),

		MongoURI:      getEnv("MONGODB_URI", ""),
		MongoDatabase: getEnv("MONGODB_DATABASE_NAME", "storyos"),
	}

	// 廉价提供者默认复用主密钥，同一厂商的便宜型号最常见
	if config.CheapLLMProvider != "" && config.CheapLLMAPIKey == "" {
		config.CheapLLMAPIKey = config.LLMAPIKey
	}

	if config.LLMAPIKey == "" {
		// 只记录警告，不返回错误；无密钥时回退到 mock 提供者
		log.Println("警告: 未设置LLM API密钥，将使用mock提供者")
	}

	if config.VaultKey == "" {
		log.Println("警告: 未设置加密密钥，reference 模式将退化为 redact")
	}

	return config, nil
}

// getEnv 获取环境变量，如果不存在则返回默认值
func getEnv(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

// firstEnv 按顺序返回第一个非空的环境变量
func firstEnv(keys ...string) string {
	for _, key := range keys {
		if value := os.Getenv(key); value != "" {
			return value
		}
	}
	return ""
}

// getEnvPath 获取环境变量表示的路径，如果不存在则返回默认值
func getEnvPath(key, defaultValue string) string {
	path := getEnv(key, defaultValue)

	// 确保目录存在
	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := os.MkdirAll(path, 0755); err != nil {
			fmt.Printf("警告: 创建目录失败 %s: %v\n", path, err)
		}
	}

	return path
}

// getEnvBool 获取布尔类型环境变量
func getEnvBool(key string, defaultValue bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	return value == "true" || value == "1" || value == "yes"
}

// InitConfig 初始化配置管理器
func InitConfig(dataDir string) error {
	configFile = filepath.Join(dataDir, "config.json")

	baseConfig, err := Load()
	if err != nil {
		return err
	}

	configMutex.Lock()
	defer configMutex.Unlock()

	currentConfig = &AppConfig{
		Port:         baseConfig.Port,
		DataDir:      baseConfig.DataDir,
		ScenariosDir: baseConfig.ScenariosDir,
		LogDir:       baseConfig.LogDir,
		DebugMode:    baseConfig.DebugMode,
		VaultKey:     baseConfig.VaultKey,
		LLMProvider:  baseConfig.LLMProvider,
		LLMConfig: map[string]string{
			"api_key":       baseConfig.LLMAPIKey,
			"base_url":      baseConfig.LLMBaseURL,
			"default_model": baseConfig.LLMModel,
		},
		MongoURI:      baseConfig.MongoURI,
		MongoDatabase: baseConfig.MongoDatabase,
	}

	if baseConfig.CheapLLMProvider != "" {
		currentConfig.CheapLLMProvider = baseConfig.CheapLLMProvider
		currentConfig.CheapLLMConfig = map[string]string{
			"api_key":       baseConfig.CheapLLMAPIKey,
			"base_url":      baseConfig.CheapLLMBaseURL,
			"default_model": baseConfig.CheapLLMModel,
		}
	}

	// 尝试从文件加载已保存的配置，保留文件中的LLM设置
	if _, err := os.Stat(configFile); !os.IsNotExist(err) {
		data, err := os.ReadFile(configFile)
		if err == nil {
			var savedConfig AppConfig
			if json.Unmarshal(data, &savedConfig) == nil {
				savedConfig.Port = baseConfig.Port
				savedConfig.DataDir = baseConfig.DataDir
				savedConfig.ScenariosDir = baseConfig.ScenariosDir
				savedConfig.LogDir = baseConfig.LogDir
				savedConfig.DebugMode = baseConfig.DebugMode
				savedConfig.VaultKey = baseConfig.VaultKey
				savedConfig.MongoURI = baseConfig.MongoURI
				if savedConfig.MongoDatabase == "" {
					savedConfig.MongoDatabase = baseConfig.MongoDatabase
				}

				if savedConfig.LLMConfig != nil && savedConfig.LLMConfig["api_key"] == "" {
					savedConfig.LLMConfig["api_key"] = baseConfig.LLMAPIKey
				}

				// 环境变量中的廉价提供者设置优先于文件
				if baseConfig.CheapLLMProvider != "" {
					savedConfig.CheapLLMProvider = baseConfig.CheapLLMProvider
					savedConfig.CheapLLMConfig = map[string]string{
						"api_key":       baseConfig.CheapLLMAPIKey,
						"base_url":      baseConfig.CheapLLMBaseURL,
						"default_model": baseConfig.CheapLLMModel,
					}
				}

				currentConfig = &savedConfig
			}
		}
	}

	return SaveConfig()
}

// GetCurrentConfig 返回当前配置的副本
func GetCurrentConfig() *AppConfig {
	configMutex.RLock()
	defer configMutex.RUnlock()

	if currentConfig == nil {
		// 紧急情况，返回一个基本配置
		baseConfig, _ := Load()
		return &AppConfig{
			Port:        baseConfig.Port,
			DataDir:     baseConfig.DataDir,
			LogDir:      baseConfig.LogDir,
			DebugMode:   baseConfig.DebugMode,
			VaultKey:    baseConfig.VaultKey,
			LLMProvider: baseConfig.LLMProvider,
			LLMConfig: map[string]string{
				"api_key": baseConfig.LLMAPIKey,
			},
		}
	}

	configCopy := *currentConfig
	return &configCopy
}

// UpdateLLMConfig 更新LLM配置
func UpdateLLMConfig(provider string, config map[string]string) error {
	configMutex.Lock()
	defer configMutex.Unlock()

	if currentConfig == nil {
		return fmt.Errorf("配置系统未初始化")
	}

	currentConfig.LLMProvider = provider
	currentConfig.LLMConfig = config

	return SaveConfig()
}

// SaveConfig 保存当前配置到文件
func SaveConfig() error {
	if currentConfig == nil {
		return fmt.Errorf("没有配置可保存")
	}

	dir := filepath.Dir(configFile)
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("创建配置目录失败: %w", err)
		}
	}

	data, err := json.MarshalIndent(currentConfig, "", "  ")
	if err != nil {
		return fmt.Errorf("序列化配置失败: %w", err)
	}

	return os.WriteFile(configFile, data, 0644)
}
