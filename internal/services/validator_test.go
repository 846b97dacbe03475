// internal/services/validator_test.go
package services

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validPayload() map[string]interface{} {
	return map[string]interface{}{
		"narrative":         "You step into the lecture hall and find a seat near the back.",
		"suggested_actions": []interface{}{"Take notes", "Look around"},
		"state_patch":       map[string]interface{}{"stress_level": float64(40)},
		"scene_tags":        []interface{}{"academics"},
		"meta":              map[string]interface{}{},
	}
}

func TestValidateTurnResponse_AcceptsConformantPayload(t *testing.T) {
	result, err := ValidateTurnResponse(validPayload())
	require.NoError(t, err)

	assert.Equal(t, "You step into the lecture hall and find a seat near the back.", result.Narrative)
	assert.Equal(t, []string{"Take notes", "Look around"}, result.SuggestedActions)
	assert.Equal(t, map[string]interface{}{"stress_level": float64(40)}, result.StatePatch)
	assert.Equal(t, []string{"academics"}, result.SceneTags)
}

func TestValidateTurnResponse_MissingSceneTags(t *testing.T) {
	payload := validPayload()
	delete(payload, "scene_tags")

	_, err := ValidateTurnResponse(payload)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "scene_tags")
}

func TestValidateTurnResponse_MissingNarrative(t *testing.T) {
	payload := validPayload()
	delete(payload, "narrative")

	_, err := ValidateTurnResponse(payload)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "narrative")
}

func TestValidateTurnResponse_ShortNarrative(t *testing.T) {
	payload := validPayload()
	payload["narrative"] = "Short"

	_, err := ValidateTurnResponse(payload)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "narrative")
}

func TestValidateTurnResponse_EmptyActions(t *testing.T) {
	payload := validPayload()
	payload["suggested_actions"] = []interface{}{}

	_, err := ValidateTurnResponse(payload)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "suggested_actions")
}

func TestValidateTurnResponse_BlankActionItem(t *testing.T) {
	payload := validPayload()
	payload["suggested_actions"] = []interface{}{"Take notes", "   "}

	_, err := ValidateTurnResponse(payload)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "suggested_actions")
}

func TestValidateTurnResponse_CapsActionsAtFour(t *testing.T) {
	payload := validPayload()
	payload["suggested_actions"] = []interface{}{"a1", "a2", "a3", "a4", "a5", "a6"}

	result, err := ValidateTurnResponse(payload)
	require.NoError(t, err)
	assert.Len(t, result.SuggestedActions, 4)
}

func TestValidateTurnResponse_MissingStatePatch(t *testing.T) {
	payload := validPayload()
	delete(payload, "state_patch")

	_, err := ValidateTurnResponse(payload)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "state_patch")
}

func TestCoerceTurnResponse_EmptyPayloadUsesDefaults(t *testing.T) {
	narrative := "The morning sun slants through the dorm window as you wake."

	result := CoerceTurnResponse(nil, narrative, nil)

	assert.Equal(t, narrative, result.Narrative)
	assert.Equal(t, defaultActionTriad, result.SuggestedActions)
	assert.Empty(t, result.StatePatch)
	assert.Equal(t, []string{"general"}, result.SceneTags)
}

func TestCoerceTurnResponse_BorrowsOpenChoices(t *testing.T) {
	openChoices := []string{"Go to class", "Skip class", "Visit the library", "Call home"}

	result := CoerceTurnResponse(nil, "A quiet moment passes in the courtyard.", openChoices)

	// 开放选项裁剪到3个
	assert.Equal(t, []string{"Go to class", "Skip class", "Visit the library"}, result.SuggestedActions)
}

func TestCoerceTurnResponse_KeepsUsablePartialFields(t *testing.T) {
	payload := map[string]interface{}{
		"state_patch": map[string]interface{}{"mood": "focused"},
		"scene_tags":  []interface{}{"romance"},
	}

	result := CoerceTurnResponse(payload, "You share a long look across the table before speaking.", nil)

	assert.Equal(t, map[string]interface{}{"mood": "focused"}, result.StatePatch)
	assert.Equal(t, []string{"romance"}, result.SceneTags)
	assert.Equal(t, defaultActionTriad, result.SuggestedActions)
}

func TestFallbackResponse(t *testing.T) {
	result := FallbackResponse("字段 scene_tags 缺失")

	assert.Contains(t, result.Narrative, "[System: ")
	assert.Equal(t, []string{"system_recovery"}, result.SceneTags)
	assert.Equal(t, "字段 scene_tags 缺失", result.Meta["validation_error"])
	assert.NotEmpty(t, result.SuggestedActions)
	assert.Empty(t, result.StatePatch)
}

func TestExtractJSON_PlainObject(t *testing.T) {
	payload, err := ExtractJSON(`{"narrative": "ok"}`)
	require.NoError(t, err)
	assert.Equal(t, "ok", payload["narrative"])
}

func TestExtractJSON_StripsCodeFences(t *testing.T) {
	raw := "```json\n{\"narrative\": \"fenced\"}\n```"

	payload, err := ExtractJSON(raw)
	require.NoError(t, err)
	assert.Equal(t, "fenced", payload["narrative"])
}

func TestExtractJSON_SurroundingProse(t *testing.T) {
	raw := "Here is the result you asked for:\n{\"scene_tags\": [\"general\"]}\nHope that helps!"

	payload, err := ExtractJSON(raw)
	require.NoError(t, err)
	assert.NotNil(t, payload["scene_tags"])
}

func TestExtractJSON_NoObject(t *testing.T) {
	_, err := ExtractJSON("just some plain prose with no structure at all")
	assert.Error(t, err)
}
