// internal/models/state_test.go
package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSessionStateMapRoundTrip(t *testing.T) {
	state := NewSessionState("Dorm room", Character{Name: "Alex", Role: "student"})
	state.StressLevel = 42
	state.Inventory = []string{"laptop", "coffee"}
	state.AcademicStatus["gpa"] = 3.4

	m := state.ToMap()
	restored := SessionStateFromMap(m)

	assert.Equal(t, state.CurrentLocation, restored.CurrentLocation)
	assert.Equal(t, state.StressLevel, restored.StressLevel)
	assert.Equal(t, state.Inventory, restored.Inventory)
	assert.Equal(t, state.Protagonist.Name, restored.Protagonist.Name)
	assert.Equal(t, 3.4, restored.AcademicStatus["gpa"])
}

func TestSessionStateFromMap_UnknownKeysToExtra(t *testing.T) {
	m := map[string]interface{}{
		"current_location": "Library",
		"stress_level":     float64(30),
		"club_membership":  "chess club",
		"weather":          "raining",
	}

	state := SessionStateFromMap(m)

	assert.Equal(t, "Library", state.CurrentLocation)
	assert.Equal(t, 30, state.StressLevel)
	require.NotNil(t, state.Extra)
	assert.Equal(t, "chess club", state.Extra["club_membership"])
	assert.Equal(t, "raining", state.Extra["weather"])
}

func TestSessionStateFromMap_FractionalNumbersTruncate(t *testing.T) {
	m := map[string]interface{}{
		"current_location": "Library",
		"stress_level":     15.5,
		"energy_level":     72.9,
	}

	state := SessionStateFromMap(m)

	// 小数截断为整数，而不是解码失败后整字段归零
	assert.Equal(t, 15, state.StressLevel)
	assert.Equal(t, 72, state.EnergyLevel)
}

func TestSessionStateToMap_PromotesExtra(t *testing.T) {
	state := NewSessionState("Dorm room", Character{Name: "Alex"})
	state.Extra = map[string]interface{}{"club_membership": "chess club"}

	m := state.ToMap()

	// extra 的键提升到顶层，补丁按原始键名寻址
	assert.Equal(t, "chess club", m["club_membership"])
	_, hasExtra := m["extra"]
	assert.False(t, hasExtra)
}

func TestSessionStateFromMap_NilMapsInitialized(t *testing.T) {
	state := SessionStateFromMap(map[string]interface{}{})

	assert.NotNil(t, state.NPCs)
	assert.NotNil(t, state.Relationships)
	assert.NotNil(t, state.AcademicStatus)
}
