// internal/services/prompt_test.go
package services

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/storyos/storyos/internal/models"
)

func promptFixtures(t *testing.T) (*models.Scenario, models.SessionState, *models.Chronicle) {
	t.Helper()

	scenario := testScenario()
	state := scenario.InitialState
	state.AcademicStatus = map[string]interface{}{"gpa": 3.2, "attendance": "regular"}

	svc := newTestChronicleService(t)
	chronicle := newTestChronicle(svc)

	var err error
	for i := 0; i < 5; i++ {
		chronicle, err = svc.PersistEvent(chronicle, sampleEvent(
			fmt.Sprintf("Event %d", i), "act", fmt.Sprintf("Outcome %d unfolds.", i),
			[]string{"Alex"}, []string{"general"}))
		require.NoError(t, err)
	}

	return scenario, state, chronicle
}

func TestBuildTurnPrompt_Deterministic(t *testing.T) {
	scenario, state, chronicle := promptFixtures(t)

	first := BuildTurnPrompt(scenario, state, chronicle, "go to class")
	second := BuildTurnPrompt(scenario, state, chronicle, "go to class")

	// 纯函数：相同输入逐字节相同，映射序列化按键名排序
	assert.Equal(t, first, second)
}

func TestBuildTurnPrompt_Content(t *testing.T) {
	scenario, state, chronicle := promptFixtures(t)

	prompt := BuildTurnPrompt(scenario, state, chronicle, "go to class")

	assert.Contains(t, prompt.System, "Campus Life")
	assert.Contains(t, prompt.System, "state_patch")
	assert.Contains(t, prompt.System, "Keep all content safe-for-work")
	assert.Equal(t, "Player action: go to class", prompt.User)
}

func TestBuildTurnPrompt_TrailingEventsCapped(t *testing.T) {
	scenario, state, chronicle := promptFixtures(t)

	prompt := BuildTurnPrompt(scenario, state, chronicle, "go to class")

	// 只携带最后3个事件
	assert.NotContains(t, prompt.System, "Event 0")
	assert.NotContains(t, prompt.System, "Event 1")
	assert.Contains(t, prompt.System, "Event 2")
	assert.Contains(t, prompt.System, "Event 4")
}

func TestBuildNarrativePrompt_ForbidsStructure(t *testing.T) {
	scenario, state, chronicle := promptFixtures(t)

	prompt := BuildNarrativePrompt(scenario, state, chronicle, "go to class")

	assert.Contains(t, prompt.System, "No JSON")
	assert.NotContains(t, prompt.System, "state_patch")
}

func TestBuildFollowupPrompt(t *testing.T) {
	scenario, state, _ := promptFixtures(t)

	narrative := "You settle into your seat as the lecture begins."
	prompt := BuildFollowupPrompt(scenario, state, narrative)

	assert.Contains(t, prompt.System, "state_patch")
	assert.Contains(t, prompt.System, scenario.Mechanics.ConsequenceSystem)
	assert.True(t, strings.HasPrefix(prompt.User, "Narration:\n"))
	assert.Contains(t, prompt.User, narrative)
}

func TestStableJSON(t *testing.T) {
	m := map[string]interface{}{"gpa": 3.2, "attendance": "regular", "credits": 12}

	out := stableJSON(m)
	assert.Equal(t, `{"attendance": "regular", "credits": 12, "gpa": 3.2}`, out)
	assert.Equal(t, out, stableJSON(m))
}

func TestChronicleSummary(t *testing.T) {
	svc := newTestChronicleService(t)
	chronicle := newTestChronicle(svc)

	var err error
	// Maya 出场2次，Jordan 1次；academics 标签2次，romance 1次
	chronicle, err = svc.PersistEvent(chronicle, sampleEvent(
		"Lecture", "attend", "The lecture drags on.", []string{"Alex", "Maya"}, []string{"academics"}))
	require.NoError(t, err)
	chronicle, err = svc.PersistEvent(chronicle, sampleEvent(
		"Coffee", "chat", "Coffee with friends.", []string{"Alex", "Maya", "Jordan"}, []string{"romance"}))
	require.NoError(t, err)
	chronicle, err = svc.PersistEvent(chronicle, sampleEvent(
		"Study", "study", "A long study session.", []string{"Alex"}, []string{"academics"}))
	require.NoError(t, err)

	summary := ChronicleSummary(chronicle)

	assert.Equal(t, 1, summary.PhaseCount)
	assert.Equal(t, 3, summary.EventCount)
	assert.Equal(t, []string{"Alex", "Maya", "Jordan"}, summary.KeyCharacters)
	assert.Equal(t, []string{"academics", "romance"}, summary.TopTags)
	assert.NotEmpty(t, summary.FirstEventAt)
	assert.NotEmpty(t, summary.LastEventAt)
}
