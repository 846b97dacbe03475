// internal/services/validator.go
package services

import (
	"encoding/json"
	"fmt"
	"strings"

	apperrors "github.com/storyos/storyos/internal/errors"
	"github.com/storyos/storyos/internal/models"
)

// 校验契约的常量
const (
	minNarrativeLength  = 10
	maxSuggestedActions = 4
	coercedActionLimit  = 3
)

// 缺省的建议行动三连，矫正和回退时使用
var defaultActionTriad = []string{
	"Continue forward",
	"Look around",
	"Try something different",
}

// FallbackNarrativeFormat 回退叙事模板，带机器可读的系统标记
const FallbackNarrativeFormat = "The story continues, though something feels off... [System: %s]"

// ExtractJSON 从模型原始输出中提取JSON对象
// 剥离代码围栏后定位最外层大括号对
func ExtractJSON(raw string) (map[string]interface{}, error) {
	text := strings.TrimSpace(raw)

	// 剥离 markdown 代码围栏
	if strings.HasPrefix(text, "```") {
		if idx := strings.Index(text, "\n"); idx >= 0 {
			text = text[idx+1:]
		}
		text = strings.TrimSuffix(strings.TrimSpace(text), "```")
		text = strings.TrimSpace(text)
	}

	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return nil, apperrors.NewValidationError("输出中没有JSON对象", nil)
	}

	var payload map[string]interface{}
	if err := json.Unmarshal([]byte(text[start:end+1]), &payload); err != nil {
		return nil, apperrors.NewValidationError("JSON解析失败", err)
	}

	return payload, nil
}

// ValidateTurnResponse 校验结构化回合负载
// 错误消息精确指出违反契约的字段
func ValidateTurnResponse(payload map[string]interface{}) (*models.TurnResponse, error) {
	narrative, ok := payload["narrative"].(string)
	if !ok {
		return nil, apperrors.NewValidationError("字段 narrative 缺失或不是字符串", nil)
	}
	if len(strings.TrimSpace(narrative)) < minNarrativeLength {
		return nil, apperrors.NewValidationError(
			fmt.Sprintf("字段 narrative 过短，至少需要%d个字符", minNarrativeLength), nil)
	}

	actions, err := toStringSlice(payload["suggested_actions"])
	if err != nil || len(actions) == 0 {
		return nil, apperrors.NewValidationError("字段 suggested_actions 缺失或为空", nil)
	}
	for _, action := range actions {
		if strings.TrimSpace(action) == "" {
			return nil, apperrors.NewValidationError("字段 suggested_actions 包含空白项", nil)
		}
	}
	if len(actions) > maxSuggestedActions {
		actions = actions[:maxSuggestedActions]
	}

	var patch map[string]interface{}
	if raw, exists := payload["state_patch"]; exists && raw != nil {
		patch, ok = raw.(map[string]interface{})
		if !ok {
			return nil, apperrors.NewValidationError("字段 state_patch 不是映射", nil)
		}
	} else {
		return nil, apperrors.NewValidationError("字段 state_patch 缺失", nil)
	}

	tagsRaw, exists := payload["scene_tags"]
	if !exists || tagsRaw == nil {
		return nil, apperrors.NewValidationError("字段 scene_tags 缺失", nil)
	}
	tags, err := toStringSlice(tagsRaw)
	if err != nil {
		return nil, apperrors.NewValidationError("字段 scene_tags 不是字符串列表", nil)
	}

	meta := map[string]interface{}{}
	if raw, exists := payload["meta"]; exists && raw != nil {
		meta, ok = raw.(map[string]interface{})
		if !ok {
			return nil, apperrors.NewValidationError("字段 meta 不是映射", nil)
		}
	}

	return &models.TurnResponse{
		Narrative:        narrative,
		SuggestedActions: actions,
		StatePatch:       patch,
		SceneTags:        tags,
		Meta:             meta,
	}, nil
}

// CoerceTurnResponse 两阶段路径的矫正：
// 叙事取第一阶段已产出的文本，行动借用当前开放选项或缺省三连，
// 补丁默认为空映射，标签默认为 ["general"]
func CoerceTurnResponse(payload map[string]interface{}, narrativeText string, openChoices []string) *models.TurnResponse {
	response := &models.TurnResponse{
		Narrative:        narrativeText,
		SuggestedActions: nil,
		StatePatch:       map[string]interface{}{},
		SceneTags:        []string{"general"},
		Meta:             map[string]interface{}{},
	}

	if payload != nil {
		if narrative, ok := payload["narrative"].(string); ok &&
			len(strings.TrimSpace(narrative)) >= minNarrativeLength {
			response.Narrative = narrative
		}

		if actions, err := toStringSlice(payload["suggested_actions"]); err == nil && len(actions) > 0 {
			clean := actions[:0]
			for _, action := range actions {
				if strings.TrimSpace(action) != "" {
					clean = append(clean, action)
				}
			}
			if len(clean) > maxSuggestedActions {
				clean = clean[:maxSuggestedActions]
			}
			if len(clean) > 0 {
				response.SuggestedActions = clean
			}
		}

		if patch, ok := payload["state_patch"].(map[string]interface{}); ok {
			response.StatePatch = patch
		}

		if tags, err := toStringSlice(payload["scene_tags"]); err == nil && len(tags) > 0 {
			response.SceneTags = tags
		}

		if meta, ok := payload["meta"].(map[string]interface{}); ok {
			response.Meta = meta
		}
	}

	if len(response.SuggestedActions) == 0 {
		if len(openChoices) > 0 {
			choices := openChoices
			if len(choices) > coercedActionLimit {
				choices = choices[:coercedActionLimit]
			}
			response.SuggestedActions = append([]string(nil), choices...)
		} else {
			response.SuggestedActions = append([]string(nil), defaultActionTriad...)
		}
	}

	return response
}

// FallbackResponse 固定回退负载
// 携带机器可读的 validation_error 和用户可见的恢复叙事
func FallbackResponse(errMsg string) *models.TurnResponse {
	return &models.TurnResponse{
		Narrative:        fmt.Sprintf(FallbackNarrativeFormat, errMsg),
		SuggestedActions: append([]string(nil), defaultActionTriad...),
		StatePatch:       map[string]interface{}{},
		SceneTags:        []string{"system_recovery"},
		Meta: map[string]interface{}{
			"validation_error": errMsg,
		},
	}
}

func toStringSlice(raw interface{}) ([]string, error) {
	switch v := raw.(type) {
	case []string:
		return append([]string(nil), v...), nil
	case []interface{}:
		result := make([]string, 0, len(v))
		for _, item := range v {
			str, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("列表项不是字符串: %v", item)
			}
			result = append(result, str)
		}
		return result, nil
	default:
		return nil, fmt.Errorf("不是字符串列表: %T", raw)
	}
}
