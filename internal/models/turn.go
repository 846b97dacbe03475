// internal/models/turn.go
package models

// TurnResponse 模型返回的结构化回合结果
// 经过校验/矫正后保证满足契约：narrative 非空、suggested_actions 至少一项
type TurnResponse struct {
	Narrative        string                 `json:"narrative"`
	SuggestedActions []string               `json:"suggested_actions"`
	StatePatch       map[string]interface{} `json:"state_patch"`
	SceneTags        []string               `json:"scene_tags"`
	Meta             map[string]interface{} `json:"meta"`
}

// GameSession 一次游戏会话的持久快照
type GameSession struct {
	SessionID  string       `json:"session_id"`
	UserID     string       `json:"user_id,omitempty"`
	ScenarioID string       `json:"scenario_id"`
	Status     string       `json:"status"` // active|archived|completed
	State      SessionState `json:"game_state"`
	Chronicle  *Chronicle   `json:"chronicle"`
	CreatedAt  string       `json:"created_at"`
	UpdatedAt  string       `json:"updated_at"`
}

// 会话状态机
const (
	SessionStatusActive    = "active"
	SessionStatusArchived  = "archived"
	SessionStatusCompleted = "completed"
)
