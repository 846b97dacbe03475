// internal/models/chronicle.go
package models

import (
	"time"

	"github.com/google/uuid"
)

// SFWLevel 事件内容分级
const (
	SFWLevelSafe   = "sfw"
	SFWLevelMature = "mature"
)

// MatureHandling 成人内容处理模式
const (
	MatureHandlingRedact    = "redact"            // 替换为占位符
	MatureHandlingReference = "reference"          // 替换为占位符并加密归档
	MatureHandlingInline    = "inline_if_allowed" // 已验证年龄时保留原文
)

// Policy 编年史的内容策略
type Policy struct {
	SFWMode        bool   `json:"sfw_mode"`
	MatureHandling string `json:"mature_handling"` // redact|reference|inline_if_allowed
	AgeVerified    bool   `json:"age_verified"`
}

// Relationship 角色之间的关系
type Relationship struct {
	Status string `json:"status"`
	Score  int    `json:"score"`
}

// Character 主角或NPC的角色档案
// 角色只会被整体覆盖，不会被删除
type Character struct {
	Name          string                  `json:"name"`
	Role          string                  `json:"role"`
	CurrentStatus string                  `json:"current_status"`
	Traits        []string                `json:"traits,omitempty"`
	Relationships map[string]Relationship `json:"relationships,omitempty"`
	Inventory     []string                `json:"inventory,omitempty"`
	Goals         []string                `json:"goals,omitempty"`
	RecentChanges []string                `json:"recent_changes,omitempty"`
	SFWLevel      string                  `json:"sfw_level,omitempty"`
	MaturePointer *string                 `json:"mature_pointer"`
}

// Event 一个回合的行动/结果记录
type Event struct {
	EventID       string   `json:"event_id"`
	Title         string   `json:"title"`
	Timestamp     string   `json:"timestamp"`
	TimeAdvance   string   `json:"time_advance,omitempty"` // ISO-8601 时长，如 PT90S
	Location      string   `json:"location"`
	Participants  []string `json:"participants"`
	PlayerAction  string   `json:"player_action"`
	DMOutcome     string   `json:"dm_outcome"`
	Consequences  []string `json:"consequences,omitempty"`
	Tags          []string `json:"tags,omitempty"`
	Notes         string   `json:"notes,omitempty"`
	SFWLevel      string   `json:"sfw_level,omitempty"`
	MaturePointer *string  `json:"mature_pointer"`
}

// Phase 时间线中一段连续的事件块（如一个故事章节）
type Phase struct {
	PhaseID string  `json:"phase_id"`
	Title   string  `json:"title"`
	Events  []Event `json:"events"`
}

// Timeline 有序的阶段列表
type Timeline struct {
	Phases []Phase `json:"phases"`
}

// World 世界账本，四个列表均只追加不替换
type World struct {
	Setting        []string `json:"setting"`
	RulesMechanics []string `json:"rules_mechanics"`
	OngoingPlots   []string `json:"ongoing_plots"`
	GlobalChanges  []string `json:"global_changes"`
	SFWLevel       string   `json:"sfw_level,omitempty"`
	MaturePointer  *string  `json:"mature_pointer"`
}

// CurrentScenario 当前场景快照，每回合整体替换
type CurrentScenario struct {
	Location         string   `json:"location"`
	Time             string   `json:"time"`
	EmotionalContext string   `json:"emotional_context"`
	NPCsPresent      []string `json:"npcs_present"`
	OpenChoices      []string `json:"open_choices"`
	LastExchangeRef  string   `json:"last_exchange_ref,omitempty"`
	Prompt           string   `json:"prompt"`
	SFWLevel         string   `json:"sfw_level,omitempty"`
	MaturePointer    *string  `json:"mature_pointer"`
}

// ChronicleIndexes 反向索引：角色/标签 -> 事件ID列表
type ChronicleIndexes struct {
	ByCharacter map[string][]string `json:"by_character"`
	ByTag       map[string][]string `json:"by_tag"`
}

// Chronicle 会话的持久记录：时间线、角色、世界、当前快照、索引和策略
type Chronicle struct {
	ChronicleID string               `json:"chronicle_id"`
	SessionID   string               `json:"session_id"`
	ScenarioID  string               `json:"scenario_id"`
	CreatedAt   string               `json:"created_at"`
	UpdatedAt   string               `json:"updated_at"`
	Version     string               `json:"version"`
	Timeline    Timeline             `json:"timeline"`
	Characters  map[string]Character `json:"characters"`
	World       World                `json:"world"`
	Current     CurrentScenario      `json:"current"`
	Indexes     ChronicleIndexes     `json:"indexes"`
	Policy      Policy               `json:"policy"`
}

// NewChronicle 创建带初始快照的新编年史
func NewChronicle(scenarioID string, current CurrentScenario, policy Policy) *Chronicle {
	now := time.Now().Format(time.RFC3339)
	return &Chronicle{
		ChronicleID: uuid.NewString(),
		SessionID:   uuid.NewString(),
		ScenarioID:  scenarioID,
		CreatedAt:   now,
		UpdatedAt:   now,
		Version:     "1.0.0",
		Timeline:    Timeline{Phases: []Phase{}},
		Characters:  make(map[string]Character),
		World: World{
			Setting:        []string{},
			RulesMechanics: []string{},
			OngoingPlots:   []string{},
			GlobalChanges:  []string{},
		},
		Current: current,
		Indexes: ChronicleIndexes{
			ByCharacter: make(map[string][]string),
			ByTag:       make(map[string][]string),
		},
		Policy: policy,
	}
}

// VaultRef 把非空的保管库键包装为指针，空键序列化为显式 null
func VaultRef(key string) *string {
	if key == "" {
		return nil
	}
	return &key
}

// NewEventID 生成事件ID
func NewEventID() string {
	return uuid.NewString()
}

// NewPhaseID 生成阶段ID
func NewPhaseID() string {
	return uuid.NewString()
}

// AllEvents 按时间线顺序展开所有事件
func (c *Chronicle) AllEvents() []Event {
	var events []Event
	for _, phase := range c.Timeline.Phases {
		events = append(events, phase.Events...)
	}
	return events
}

// EventCount 时间线中的事件总数
func (c *Chronicle) EventCount() int {
	count := 0
	for _, phase := range c.Timeline.Phases {
		count += len(phase.Events)
	}
	return count
}

// Clone 返回编年史的深拷贝
// 存储层的每个操作都在拷贝上进行，失败时调用方保留原值
func (c *Chronicle) Clone() *Chronicle {
	clone := *c

	clone.Timeline.Phases = make([]Phase, len(c.Timeline.Phases))
	for i, phase := range c.Timeline.Phases {
		p := phase
		p.Events = append([]Event(nil), phase.Events...)
		for j := range p.Events {
			p.Events[j].MaturePointer = clonePointer(p.Events[j].MaturePointer)
		}
		clone.Timeline.Phases[i] = p
	}

	clone.Characters = make(map[string]Character, len(c.Characters))
	for name, ch := range c.Characters {
		clone.Characters[name] = ch.Clone()
	}

	clone.World.Setting = append([]string(nil), c.World.Setting...)
	clone.World.RulesMechanics = append([]string(nil), c.World.RulesMechanics...)
	clone.World.OngoingPlots = append([]string(nil), c.World.OngoingPlots...)
	clone.World.GlobalChanges = append([]string(nil), c.World.GlobalChanges...)
	clone.World.MaturePointer = clonePointer(c.World.MaturePointer)

	clone.Current.NPCsPresent = append([]string(nil), c.Current.NPCsPresent...)
	clone.Current.OpenChoices = append([]string(nil), c.Current.OpenChoices...)
	clone.Current.MaturePointer = clonePointer(c.Current.MaturePointer)

	clone.Indexes.ByCharacter = cloneIndex(c.Indexes.ByCharacter)
	clone.Indexes.ByTag = cloneIndex(c.Indexes.ByTag)

	return &clone
}

// Clone 角色深拷贝
func (ch Character) Clone() Character {
	clone := ch
	clone.Traits = append([]string(nil), ch.Traits...)
	clone.Inventory = append([]string(nil), ch.Inventory...)
	clone.Goals = append([]string(nil), ch.Goals...)
	clone.RecentChanges = append([]string(nil), ch.RecentChanges...)
	if ch.Relationships != nil {
		clone.Relationships = make(map[string]Relationship, len(ch.Relationships))
		for k, v := range ch.Relationships {
			clone.Relationships[k] = v
		}
	}
	clone.MaturePointer = clonePointer(ch.MaturePointer)
	return clone
}

func clonePointer(p *string) *string {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

func cloneIndex(src map[string][]string) map[string][]string {
	dst := make(map[string][]string, len(src))
	for k, v := range src {
		dst[k] = append([]string(nil), v...)
	}
	return dst
}
