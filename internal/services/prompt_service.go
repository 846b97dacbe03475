// internal/services/prompt_service.go
package services

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/storyos/storyos/internal/models"
)

// 提示词里携带的编年史尾部事件数上限
const promptTrailingEvents = 3

// TurnPrompt 组装好的提供者无关消息对
type TurnPrompt struct {
	System string
	User   string
}

// 本文件中的函数都是纯函数：相同输入产生相同输出，不读时钟不读随机源

// BuildTurnPrompt 组合模式：一次调用同时请求叙事和结构化增量
func BuildTurnPrompt(scenario *models.Scenario, state models.SessionState, chronicle *models.Chronicle, playerInput string) TurnPrompt {
	var sb strings.Builder

	sb.WriteString("You are the narrative engine for an interactive story.\n\n")
	writeScenarioContext(&sb, scenario)
	writeStateExcerpt(&sb, state)
	writeChronicleContext(&sb, chronicle)

	sb.WriteString("Respond with a single JSON object with exactly these fields:\n")
	sb.WriteString(`{"narrative": "...", "suggested_actions": ["..."], "state_patch": {}, "scene_tags": ["..."], "meta": {}}`)
	sb.WriteString("\nThe narrative must be vivid prose of at least two sentences. ")
	sb.WriteString("suggested_actions holds 2-4 concrete next moves. ")
	sb.WriteString("state_patch contains only the state keys that changed this turn. ")
	sb.WriteString("Do not wrap the JSON in markdown fences.\n")

	return TurnPrompt{
		System: sb.String(),
		User:   fmt.Sprintf("Player action: %s", playerInput),
	}
}

// BuildNarrativePrompt 分离模式第一阶段：仅要散文叙事
// 明确禁止任何结构化格式，给模型更高的创作自由度
func BuildNarrativePrompt(scenario *models.Scenario, state models.SessionState, chronicle *models.Chronicle, playerInput string) TurnPrompt {
	var sb strings.Builder

	sb.WriteString("You are the narrative engine for an interactive story.\n\n")
	writeScenarioContext(&sb, scenario)
	writeStateExcerpt(&sb, state)
	writeChronicleContext(&sb, chronicle)

	sb.WriteString("Write ONLY flowing narrative prose describing what happens next. ")
	sb.WriteString("No JSON, no lists, no headings, no markdown formatting of any kind. ")
	sb.WriteString("Two to four paragraphs, present tense, second person.\n")

	return TurnPrompt{
		System: sb.String(),
		User:   fmt.Sprintf("Player action: %s", playerInput),
	}
}

// BuildFollowupPrompt 分离模式第二阶段：基于已产出的叙事只要结构化增量
func BuildFollowupPrompt(scenario *models.Scenario, state models.SessionState, narrativeText string) TurnPrompt {
	var sb strings.Builder

	sb.WriteString("You extract structured game-state changes from narrative text.\n\n")
	writeStateExcerpt(&sb, state)

	if scenario != nil {
		sb.WriteString(fmt.Sprintf("Consequence system: %s\n\n", scenario.Mechanics.ConsequenceSystem))
	}

	sb.WriteString("Given the narration below, respond with a single JSON object:\n")
	sb.WriteString(`{"narrative": "<copy the narration verbatim>", "suggested_actions": ["..."], "state_patch": {}, "scene_tags": ["..."], "meta": {}}`)
	sb.WriteString("\nOnly include state keys that the narration actually changed.\n")

	return TurnPrompt{
		System: sb.String(),
		User:   fmt.Sprintf("Narration:\n%s", narrativeText),
	}
}

func writeScenarioContext(sb *strings.Builder, scenario *models.Scenario) {
	if scenario == nil {
		return
	}

	sb.WriteString(fmt.Sprintf("## Scenario: %s\n%s\n\n", scenario.Name, scenario.Description))

	if len(scenario.Setting) > 0 {
		sb.WriteString("### Setting\n")
		sb.WriteString(stableJSON(scenario.Setting))
		sb.WriteString("\n\n")
	}

	sb.WriteString("### Narration style\n")
	sb.WriteString(fmt.Sprintf("Tone: %s. Pacing: %s. Description: %s. Interaction: %s.\n",
		scenario.DMBehavior.Tone, scenario.DMBehavior.Pacing,
		scenario.DMBehavior.DescriptionStyle, scenario.DMBehavior.InteractionStyle))
	for _, instruction := range scenario.DMBehavior.SpecialInstructions {
		sb.WriteString(fmt.Sprintf("- %s\n", instruction))
	}
	sb.WriteString("\n")

	if scenario.Safety.SFWLock || len(scenario.Safety.ContentBoundaries) > 0 {
		sb.WriteString("### Safety constraints\n")
		if scenario.Safety.SFWLock {
			sb.WriteString("- Keep all content safe-for-work.\n")
		}
		for _, boundary := range scenario.Safety.ContentBoundaries {
			sb.WriteString(fmt.Sprintf("- Never include: %s\n", boundary))
		}
		sb.WriteString("\n")
	}

	sb.WriteString("### Mechanics\n")
	sb.WriteString(fmt.Sprintf("Time advancement: %s. Consequences: %s. Choices: %s.\n\n",
		scenario.Mechanics.TimeAdvancement, scenario.Mechanics.ConsequenceSystem,
		scenario.Mechanics.ChoiceStructure))
}

func writeStateExcerpt(sb *strings.Builder, state models.SessionState) {
	sb.WriteString("## Current state\n")
	sb.WriteString(fmt.Sprintf("Location: %s\nTime: %s\nMood: %s\nStress: %d/100\nEnergy: %d/100\n",
		state.CurrentLocation, state.CurrentTime, state.Mood, state.StressLevel, state.EnergyLevel))
	sb.WriteString(fmt.Sprintf("Protagonist: %s (%s) — %s\n",
		state.Protagonist.Name, state.Protagonist.Role, state.Protagonist.CurrentStatus))

	if len(state.NPCs) > 0 {
		names := make([]string, 0, len(state.NPCs))
		for name := range state.NPCs {
			names = append(names, name)
		}
		sort.Strings(names)
		sb.WriteString(fmt.Sprintf("NPCs: %s\n", strings.Join(names, ", ")))
	}

	if len(state.Inventory) > 0 {
		sb.WriteString(fmt.Sprintf("Inventory: %s\n", strings.Join(state.Inventory, ", ")))
	}

	if len(state.AcademicStatus) > 0 {
		sb.WriteString("Academic status: ")
		sb.WriteString(stableJSON(state.AcademicStatus))
		sb.WriteString("\n")
	}

	if len(state.RecentEvents) > 0 {
		recent := state.RecentEvents
		if len(recent) > 5 {
			recent = recent[len(recent)-5:]
		}
		sb.WriteString(fmt.Sprintf("Recent happenings: %s\n", strings.Join(recent, "; ")))
	}

	sb.WriteString("\n")
}

func writeChronicleContext(sb *strings.Builder, chronicle *models.Chronicle) {
	if chronicle == nil {
		return
	}

	events := chronicle.AllEvents()
	if len(events) > promptTrailingEvents {
		events = events[len(events)-promptTrailingEvents:]
	}

	if len(events) > 0 {
		sb.WriteString("## Recent events\n")
		for _, event := range events {
			sb.WriteString(fmt.Sprintf("- [%s] %s: %s\n", event.Timestamp, event.Title, event.DMOutcome))
		}
		sb.WriteString("\n")
	}

	if len(chronicle.Current.OpenChoices) > 0 {
		sb.WriteString(fmt.Sprintf("Open choices: %s\n", strings.Join(chronicle.Current.OpenChoices, "; ")))
	}

	if len(chronicle.World.OngoingPlots) > 0 {
		plots := chronicle.World.OngoingPlots
		if len(plots) > 3 {
			plots = plots[len(plots)-3:]
		}
		sb.WriteString(fmt.Sprintf("Ongoing plots: %s\n", strings.Join(plots, "; ")))
	}

	sb.WriteString("\n")
}

// stableJSON 按键名排序的确定性JSON序列化
func stableJSON(m map[string]interface{}) string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var sb strings.Builder
	sb.WriteString("{")
	for i, k := range keys {
		if i > 0 {
			sb.WriteString(", ")
		}
		value, err := json.Marshal(m[k])
		if err != nil {
			value = []byte(`"?"`)
		}
		sb.WriteString(fmt.Sprintf("%q: %s", k, value))
	}
	sb.WriteString("}")
	return sb.String()
}

// ChronicleSummaryInfo 编年史统计摘要，导出和状态端点使用
type ChronicleSummaryInfo struct {
	PhaseCount    int      `json:"phase_count"`
	EventCount    int      `json:"event_count"`
	KeyCharacters []string `json:"key_characters"`
	TopTags       []string `json:"top_tags"`
	FirstEventAt  string   `json:"first_event_at,omitempty"`
	LastEventAt   string   `json:"last_event_at,omitempty"`
}

// ChronicleSummary 生成编年史统计摘要
func ChronicleSummary(c *models.Chronicle) ChronicleSummaryInfo {
	events := c.AllEvents()

	summary := ChronicleSummaryInfo{
		PhaseCount: len(c.Timeline.Phases),
		EventCount: len(events),
	}

	if len(events) > 0 {
		summary.FirstEventAt = events[0].Timestamp
		summary.LastEventAt = events[len(events)-1].Timestamp
	}

	// 出场次数最多的角色在前
	type ranked struct {
		name  string
		count int
	}

	characters := make([]ranked, 0, len(c.Indexes.ByCharacter))
	for name, ids := range c.Indexes.ByCharacter {
		characters = append(characters, ranked{name, len(ids)})
	}
	sort.Slice(characters, func(i, j int) bool {
		if characters[i].count != characters[j].count {
			return characters[i].count > characters[j].count
		}
		return characters[i].name < characters[j].name
	})
	for i, r := range characters {
		if i >= 5 {
			break
		}
		summary.KeyCharacters = append(summary.KeyCharacters, r.name)
	}

	tags := make([]ranked, 0, len(c.Indexes.ByTag))
	for tag, ids := range c.Indexes.ByTag {
		tags = append(tags, ranked{tag, len(ids)})
	}
	sort.Slice(tags, func(i, j int) bool {
		if tags[i].count != tags[j].count {
			return tags[i].count > tags[j].count
		}
		return tags[i].name < tags[j].name
	})
	for i, r := range tags {
		if i >= 5 {
			break
		}
		summary.TopTags = append(summary.TopTags, r.name)
	}

	return summary
}
