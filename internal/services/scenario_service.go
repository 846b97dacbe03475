// internal/services/scenario_service.go
package services

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	apperrors "github.com/storyos/storyos/internal/errors"
	"github.com/storyos/storyos/internal/models"
	"github.com/storyos/storyos/internal/storage"
	"github.com/storyos/storyos/internal/utils"
)

// ScenarioService 场景注册表
// 从目录加载JSON/YAML场景包，校验失败的文件不会部分加载
type ScenarioService struct {
	FileStorage *storage.FileStorage
	dirPath     string
	scenarios   map[string]*models.Scenario
	mu          sync.RWMutex
}

// NewScenarioService 创建场景注册表
func NewScenarioService(fileStorage *storage.FileStorage, dirPath string) *ScenarioService {
	if dirPath == "" {
		dirPath = "scenarios"
	}
	return &ScenarioService{
		FileStorage: fileStorage,
		dirPath:     dirPath,
		scenarios:   make(map[string]*models.Scenario),
	}
}

// LoadAll 扫描目录加载所有场景文件
// 单个文件失败只记录警告，不影响其他文件
func (s *ScenarioService) LoadAll() error {
	var filenames []string

	for _, suffix := range []string{".json", ".yaml", ".yml"} {
		files, err := s.FileStorage.ListFiles(s.dirPath, suffix)
		if err != nil {
			return apperrors.NewProcessingError("场景目录扫描失败", err)
		}
		filenames = append(filenames, files...)
	}

	loaded := 0
	for _, filename := range filenames {
		scenario, err := s.loadFile(filename)
		if err != nil {
			utils.GetLogger().Warn("场景文件加载失败", map[string]interface{}{
				"file":  filename,
				"error": err.Error(),
			})
			continue
		}

		s.mu.Lock()
		s.scenarios[scenario.ID] = scenario
		s.mu.Unlock()
		loaded++
	}

	utils.GetLogger().Info("场景注册表已加载", map[string]interface{}{
		"loaded": loaded,
		"files":  len(filenames),
	})

	return nil
}

// loadFile 加载并校验单个场景文件
func (s *ScenarioService) loadFile(filename string) (*models.Scenario, error) {
	data, err := s.FileStorage.LoadRawFile(s.dirPath, filename)
	if err != nil {
		return nil, err
	}

	var raw map[string]interface{}
	if strings.HasSuffix(filename, ".json") {
		if err := json.Unmarshal(data, &raw); err != nil {
			return nil, apperrors.NewValidationError(fmt.Sprintf("%s: JSON解析失败", filename), err)
		}
	} else {
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return nil, apperrors.NewValidationError(fmt.Sprintf("%s: YAML解析失败", filename), err)
		}
	}

	return ParseScenario(filename, data, raw, strings.HasSuffix(filename, ".json"))
}

// ParseScenario 按文档形状选择详细或简化模式解析
// 简化模式的标志是 setting 为自由文本字符串
func ParseScenario(source string, data []byte, raw map[string]interface{}, isJSON bool) (*models.Scenario, error) {
	_, settingIsString := raw["setting"].(string)

	if settingIsString {
		var simple models.SimpleScenario
		if err := unmarshalAs(data, isJSON, &simple); err != nil {
			return nil, apperrors.NewValidationError(fmt.Sprintf("%s: 简化模式解析失败", source), err)
		}
		if err := validateSimpleScenario(source, simple); err != nil {
			return nil, err
		}
		scenario := simple.Expand()
		return &scenario, nil
	}

	var scenario models.Scenario
	if err := unmarshalAs(data, isJSON, &scenario); err != nil {
		return nil, apperrors.NewValidationError(fmt.Sprintf("%s: 详细模式解析失败", source), err)
	}
	if err := validateScenario(source, scenario); err != nil {
		return nil, err
	}
	return &scenario, nil
}

func unmarshalAs(data []byte, isJSON bool, v interface{}) error {
	if isJSON {
		return json.Unmarshal(data, v)
	}
	return yaml.Unmarshal(data, v)
}

// validateScenario 详细模式的字段级校验
func validateScenario(source string, scenario models.Scenario) error {
	fail := func(field, reason string) error {
		return apperrors.NewValidationError(
			fmt.Sprintf("%s: 字段 %s %s", source, field, reason), nil)
	}

	switch {
	case strings.TrimSpace(scenario.ID) == "":
		return fail("id", "是必需的")
	case strings.TrimSpace(scenario.Name) == "":
		return fail("name", "是必需的")
	case strings.TrimSpace(scenario.Description) == "":
		return fail("description", "是必需的")
	case len(scenario.Setting) == 0:
		return fail("setting", "不能为空")
	case scenario.Mechanics.TimeAdvancement == "":
		return fail("mechanics.time_advancement", "是必需的")
	case scenario.InitialState.Protagonist.Name == "":
		return fail("initial_state.protagonist.name", "是必需的")
	}

	validModes := map[string]bool{
		models.TimeAdvancementRealTime:   true,
		models.TimeAdvancementSceneBased: true,
		models.TimeAdvancementTurnBased:  true,
		models.TimeAdvancementFlexible:   true,
	}
	if !validModes[scenario.Mechanics.TimeAdvancement] {
		return fail("mechanics.time_advancement",
			fmt.Sprintf("取值无效: %s", scenario.Mechanics.TimeAdvancement))
	}

	return nil
}

// validateSimpleScenario 简化模式的字段级校验
func validateSimpleScenario(source string, simple models.SimpleScenario) error {
	fail := func(field, reason string) error {
		return apperrors.NewValidationError(
			fmt.Sprintf("%s: 字段 %s %s", source, field, reason), nil)
	}

	switch {
	case strings.TrimSpace(simple.ID) == "":
		return fail("id", "是必需的")
	case strings.TrimSpace(simple.Name) == "":
		return fail("name", "是必需的")
	case strings.TrimSpace(simple.Setting) == "":
		return fail("setting", "是必需的")
	case strings.TrimSpace(simple.InitialLocation) == "":
		return fail("initial_location", "是必需的")
	case strings.TrimSpace(simple.PlayerName) == "":
		return fail("player_name", "是必需的")
	}

	return nil
}

// Get 按ID获取场景
func (s *ScenarioService) Get(id string) (*models.Scenario, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	scenario, exists := s.scenarios[id]
	if !exists {
		return nil, apperrors.NewNotFoundError(fmt.Sprintf("场景不存在: %s", id), nil)
	}
	return scenario, nil
}

// List 列出全部场景的基本信息，按ID排序
func (s *ScenarioService) List() []models.ScenarioInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()

	infos := make([]models.ScenarioInfo, 0, len(s.scenarios))
	for _, scenario := range s.scenarios {
		infos = append(infos, models.ScenarioInfo{
			ID:          scenario.ID,
			Name:        scenario.Name,
			Description: scenario.Description,
			Version:     scenario.Version,
			Tags:        scenario.Tags,
			Author:      scenario.Author,
			SFWLock:     scenario.Safety.SFWLock,
		})
	}

	sort.Slice(infos, func(i, j int) bool {
		return infos[i].ID < infos[j].ID
	})

	return infos
}

// Register 校验后将场景放入注册表（供文档存储等外部来源使用）
func (s *ScenarioService) Register(scenario *models.Scenario) error {
	if err := validateScenario("registry", *scenario); err != nil {
		return err
	}

	s.mu.Lock()
	s.scenarios[scenario.ID] = scenario
	s.mu.Unlock()
	return nil
}

// Save 校验并持久化场景文件，同时更新注册表
func (s *ScenarioService) Save(scenario *models.Scenario) error {
	if err := validateScenario("save", *scenario); err != nil {
		return err
	}

	filename := fmt.Sprintf("%s.json", scenario.ID)
	if err := s.FileStorage.SaveJSONFile(s.dirPath, filename, scenario); err != nil {
		return apperrors.NewProcessingError("场景保存失败", err)
	}

	s.mu.Lock()
	s.scenarios[scenario.ID] = scenario
	s.mu.Unlock()
	return nil
}
