// internal/models/scenario.go
package models

import (
	"time"
)

// 时间推进模式
const (
	TimeAdvancementRealTime   = "real_time"
	TimeAdvancementSceneBased = "scene_based"
	TimeAdvancementTurnBased  = "turn_based"
	TimeAdvancementFlexible   = "flexible"
)

// 后果系统
const (
	ConsequenceSystemAcademic = "grades_stress_relationships"
)

// ScenarioMechanics 场景机制配置
type ScenarioMechanics struct {
	TimeAdvancement   string `json:"time_advancement" yaml:"time_advancement"`
	ConsequenceSystem string `json:"consequence_system" yaml:"consequence_system"`
	ChoiceStructure   string `json:"choice_structure" yaml:"choice_structure"`
}

// DMBehavior 叙事风格配置
type DMBehavior struct {
	Tone                string   `json:"tone" yaml:"tone"`
	Pacing              string   `json:"pacing" yaml:"pacing"`
	DescriptionStyle    string   `json:"description_style" yaml:"description_style"`
	InteractionStyle    string   `json:"interaction_style" yaml:"interaction_style"`
	SpecialInstructions []string `json:"special_instructions,omitempty" yaml:"special_instructions"`
}

// SafetyConstraints 安全约束
type SafetyConstraints struct {
	SFWLock           bool     `json:"sfw_lock" yaml:"sfw_lock"`
	ContentBoundaries []string `json:"content_boundaries,omitempty" yaml:"content_boundaries"`
	TriggerWarnings   []string `json:"trigger_warnings,omitempty" yaml:"trigger_warnings"`
}

// Scenario 完整的场景定义（详细嵌套模式）
type Scenario struct {
	ID           string                 `json:"id" yaml:"id"`
	Name         string                 `json:"name" yaml:"name"`
	Description  string                 `json:"description" yaml:"description"`
	Version      string                 `json:"version" yaml:"version"`
	Setting      map[string]interface{} `json:"setting" yaml:"setting"`
	DMBehavior   DMBehavior             `json:"dm_behavior" yaml:"dm_behavior"`
	Safety       SafetyConstraints      `json:"safety" yaml:"safety"`
	Mechanics    ScenarioMechanics      `json:"mechanics" yaml:"mechanics"`
	InitialState SessionState           `json:"initial_state" yaml:"initial_state"`
	Tags         []string               `json:"tags,omitempty" yaml:"tags"`
	Author       string                 `json:"author" yaml:"author"`
	CreatedAt    string                 `json:"created_at" yaml:"created_at"`
}

// SimpleScenario 简化的扁平场景模式
// 自由文本设定 + 初始位置 + 主角名/身份，注册表负责展开为完整 Scenario
type SimpleScenario struct {
	ID                      string `json:"id" yaml:"id"`
	Name                    string `json:"name" yaml:"name"`
	Description             string `json:"description" yaml:"description"`
	Version                 string `json:"version" yaml:"version"`
	Setting                 string `json:"setting" yaml:"setting"`
	DungeonMasterBehaviour  string `json:"dungeon_master_behaviour" yaml:"dungeon_master_behaviour"`
	InitialLocation         string `json:"initial_location" yaml:"initial_location"`
	PlayerName              string `json:"player_name" yaml:"player_name"`
	Role                    string `json:"role" yaml:"role"`
	Author                  string `json:"author" yaml:"author"`
	CreatedAt               string `json:"created_at" yaml:"created_at"`
}

// Expand 将简化模式展开为完整场景定义
func (s SimpleScenario) Expand() Scenario {
	protagonist := Character{
		Name:          s.PlayerName,
		Role:          s.Role,
		CurrentStatus: "Ready to begin",
	}

	createdAt := s.CreatedAt
	if createdAt == "" {
		createdAt = time.Now().Format(time.RFC3339)
	}

	version := s.Version
	if version == "" {
		version = "1.0.0"
	}

	return Scenario{
		ID:          s.ID,
		Name:        s.Name,
		Description: s.Description,
		Version:     version,
		Setting: map[string]interface{}{
			"summary": s.Setting,
		},
		DMBehavior: DMBehavior{
			Tone:                "immersive",
			Pacing:              "moderate",
			DescriptionStyle:    "vivid",
			InteractionStyle:    "open_ended",
			SpecialInstructions: []string{s.DungeonMasterBehaviour},
		},
		Safety: SafetyConstraints{},
		Mechanics: ScenarioMechanics{
			TimeAdvancement:   TimeAdvancementFlexible,
			ConsequenceSystem: ConsequenceSystemAcademic,
			ChoiceStructure:   "open_ended",
		},
		InitialState: NewSessionState(s.InitialLocation, protagonist),
		Author:       s.Author,
		CreatedAt:    createdAt,
	}
}

// ScenarioInfo 场景列表用的基本信息
type ScenarioInfo struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Version     string   `json:"version"`
	Tags        []string `json:"tags,omitempty"`
	Author      string   `json:"author"`
	SFWLock     bool     `json:"sfw_lock"`
}
