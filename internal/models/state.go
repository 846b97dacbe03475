// internal/models/state.go
package models

import (
	"encoding/json"
	"time"
)

// SessionState 回合引擎独占的会话状态
// 每回合整体替换为补丁应用后的新值，不做原地合并
type SessionState struct {
	CurrentLocation string                  `json:"current_location"`
	CurrentTime     string                  `json:"current_time"`
	Protagonist     Character               `json:"protagonist"`
	NPCs            map[string]Character    `json:"npcs"`
	Inventory       []string                `json:"inventory"`
	Relationships   map[string]Relationship `json:"relationships"`
	AcademicStatus  map[string]interface{}  `json:"academic_status"`
	StressLevel     int                     `json:"stress_level"`
	EnergyLevel     int                     `json:"energy_level"`
	Mood            string                  `json:"mood"`
	RecentEvents    []string                `json:"recent_events"`

	// 模型补丁可以引入引擎未建模的新键，保留在这里以便下回合回传
	Extra map[string]interface{} `json:"extra,omitempty"`
}

// 状态数值边界
const (
	MinStressLevel = 0
	MaxStressLevel = 100
	MinEnergyLevel = 0
	MaxEnergyLevel = 100
	MinGPA         = 0.0
	MaxGPA         = 4.0
)

// 缺失必填字段时的默认值
const (
	DefaultLocation = "Unknown location"
	DefaultMood     = "neutral"
)

// NewSessionState 创建带默认值的会话状态
func NewSessionState(location string, protagonist Character) SessionState {
	return SessionState{
		CurrentLocation: location,
		CurrentTime:     time.Now().Format(time.RFC3339),
		Protagonist:     protagonist,
		NPCs:            make(map[string]Character),
		Inventory:       []string{},
		Relationships:   make(map[string]Relationship),
		AcademicStatus:  make(map[string]interface{}),
		StressLevel:     50,
		EnergyLevel:     100,
		Mood:            DefaultMood,
		RecentEvents:    []string{},
	}
}

// ToMap 将状态转换为通用映射，补丁合并在映射层进行
func (s SessionState) ToMap() map[string]interface{} {
	data, err := json.Marshal(s)
	if err != nil {
		return map[string]interface{}{}
	}

	var m map[string]interface{}
	if err := json.Unmarshal(data, &m); err != nil {
		return map[string]interface{}{}
	}

	// extra 中的键提升到顶层，补丁按原始键名寻址
	if extra, ok := m["extra"].(map[string]interface{}); ok {
		delete(m, "extra")
		for k, v := range extra {
			if _, exists := m[k]; !exists {
				m[k] = v
			}
		}
	}

	return m
}

// SessionStateFromMap 从通用映射恢复强类型状态
// 未知键收进 Extra，不会丢失
func SessionStateFromMap(m map[string]interface{}) SessionState {
	known := map[string]bool{
		"current_location": true, "current_time": true, "protagonist": true,
		"npcs": true, "inventory": true, "relationships": true,
		"academic_status": true, "stress_level": true, "energy_level": true,
		"mood": true, "recent_events": true,
	}

	core := make(map[string]interface{}, len(m))
	extra := make(map[string]interface{})
	for k, v := range m {
		if known[k] {
			core[k] = v
		} else {
			extra[k] = v
		}
	}

	// 模型偶尔返回小数，整型字段截断取整，否则解码失败会静默归零
	for _, k := range []string{"stress_level", "energy_level"} {
		if f, ok := core[k].(float64); ok {
			core[k] = int(f)
		}
	}

	var state SessionState
	if data, err := json.Marshal(core); err == nil {
		json.Unmarshal(data, &state)
	}

	if state.NPCs == nil {
		state.NPCs = make(map[string]Character)
	}
	if state.Relationships == nil {
		state.Relationships = make(map[string]Relationship)
	}
	if state.AcademicStatus == nil {
		state.AcademicStatus = make(map[string]interface{})
	}
	if len(extra) > 0 {
		state.Extra = extra
	}

	return state
}
