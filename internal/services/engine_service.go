// internal/services/engine_service.go
package services

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	apperrors "github.com/storyos/storyos/internal/errors"
	"github.com/storyos/storyos/internal/llm"
	"github.com/storyos/storyos/internal/models"
	"github.com/storyos/storyos/internal/utils"
)

// 单次调用路径校验失败后追加的更严格指令
const stricterInstruction = "\n\nIMPORTANT: your previous response did not conform. " +
	"Respond with ONLY the JSON object described above. No prose outside the JSON, " +
	"no markdown fences, every required field present."

// EngineService 回合引擎
// 每回合完整执行读-改-写后才开始下一回合，会话内没有并发写者
type EngineService struct {
	Provider      llm.Provider
	CheapProvider llm.Provider
	Chronicles    *ChronicleService
	Scenarios     *ScenarioService
	Temperature   float32
	MaxTokens     int
}

// NewEngineService 创建回合引擎
func NewEngineService(provider llm.Provider, cheapProvider llm.Provider, chronicles *ChronicleService, scenarios *ScenarioService) *EngineService {
	return &EngineService{
		Provider:      provider,
		CheapProvider: cheapProvider,
		Chronicles:    chronicles,
		Scenarios:     scenarios,
		Temperature:   0.8,
		MaxTokens:     2048,
	}
}

// InitializeSession 从场景默认值创建新会话
// 状态取场景初始状态，编年史从初始快照创建并播种世界账本
func (s *EngineService) InitializeSession(scenario *models.Scenario, userID string) (*models.GameSession, error) {
	if scenario == nil {
		return nil, apperrors.NewValidationError("场景不能为空", nil)
	}

	state := scenario.InitialState
	if state.CurrentLocation == "" {
		state.CurrentLocation = models.DefaultLocation
	}
	if state.CurrentTime == "" {
		state.CurrentTime = time.Now().Format(time.RFC3339)
	}
	if state.Mood == "" {
		state.Mood = models.DefaultMood
	}

	policy := models.Policy{
		SFWMode:        scenario.Safety.SFWLock,
		MatureHandling: models.MatureHandlingRedact,
	}
	if !scenario.Safety.SFWLock {
		policy.MatureHandling = models.MatureHandlingReference
	}

	initial := models.CurrentScenario{
		Location:         state.CurrentLocation,
		Time:             state.CurrentTime,
		EmotionalContext: emotionalContext(state, ""),
		NPCsPresent:      npcNames(state),
		OpenChoices:      []string{},
		Prompt:           "What do you do?",
	}

	chronicle := s.Chronicles.Create(scenario.ID, initial, policy)

	// 播种世界账本
	var setting []string
	if summary, ok := scenario.Setting["summary"].(string); ok && summary != "" {
		setting = append(setting, summary)
	}
	chronicle, err := s.Chronicles.PersistWorldUpdate(chronicle, WorldFields{
		Setting: setting,
		RulesMechanics: []string{
			fmt.Sprintf("Time advancement: %s", scenario.Mechanics.TimeAdvancement),
			fmt.Sprintf("Consequence system: %s", scenario.Mechanics.ConsequenceSystem),
		},
	})
	if err != nil {
		return nil, err
	}

	chronicle, err = s.Chronicles.PersistCharacterUpdate(chronicle, state.Protagonist.Name, state.Protagonist)
	if err != nil {
		return nil, err
	}

	now := time.Now().Format(time.RFC3339)
	session := &models.GameSession{
		SessionID:  chronicle.SessionID,
		UserID:     userID,
		ScenarioID: scenario.ID,
		Status:     models.SessionStatusActive,
		State:      state,
		Chronicle:  chronicle,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	utils.GetLogger().Info("会话已初始化", map[string]interface{}{
		"session_id":  session.SessionID,
		"scenario_id": scenario.ID,
	})

	return session, nil
}

// ProcessTurn 单次调用路径处理一个回合
// 校验失败重试一次（附加严格指令），仍失败则使用固定回退负载
// 提供者/传输错误产生错误风格的回合结果，状态和编年史保持不变
func (s *EngineService) ProcessTurn(ctx context.Context, session *models.GameSession, scenario *models.Scenario, playerInput string) (*models.TurnResponse, error) {
	started := time.Now()

	prompt := BuildTurnPrompt(scenario, session.State, session.Chronicle, playerInput)

	response, provErr := s.requestStructured(ctx, prompt)
	if provErr != nil {
		utils.GetMetricsCollector().RecordTurn("single", time.Since(started), true)
		return providerErrorResponse(provErr), nil
	}

	result, valErr := s.validateRaw(response.Text)
	if valErr != nil {
		// 重试一次，附加更严格的格式指令
		retryPrompt := prompt
		retryPrompt.System += stricterInstruction

		response, provErr = s.requestStructured(ctx, retryPrompt)
		if provErr != nil {
			utils.GetMetricsCollector().RecordTurn("single", time.Since(started), true)
			return providerErrorResponse(provErr), nil
		}

		result, valErr = s.validateRaw(response.Text)
		if valErr != nil {
			result = FallbackResponse(valErr.Error())
		}
	}

	s.sanitizeMetaImagePrompt(ctx, result)

	if err := s.applyTurn(session, scenario, playerInput, result); err != nil {
		return nil, err
	}

	fallback := len(result.SceneTags) > 0 && result.SceneTags[0] == "system_recovery"
	utils.GetMetricsCollector().RecordTurn("single", time.Since(started), fallback)

	return result, nil
}

// GenerateNarrative 两阶段路径第一阶段：生成纯散文叙事
func (s *EngineService) GenerateNarrative(ctx context.Context, session *models.GameSession, scenario *models.Scenario, playerInput string) (string, error) {
	prompt := BuildNarrativePrompt(scenario, session.State, session.Chronicle, playerInput)

	response, err := s.Provider.CompleteText(ctx, llm.CompletionRequest{
		Prompt:       prompt.User,
		SystemPrompt: prompt.System,
		Temperature:  s.Temperature,
		MaxTokens:    s.MaxTokens,
	})
	if err != nil {
		return "", apperrors.NewProviderError("叙事生成失败", err)
	}

	utils.GetMetricsCollector().RecordLLMRequest(s.Provider.GetName(), response.PromptTokens, response.OutputTokens)
	return response.Text, nil
}

// StreamNarrative 流式版本的第一阶段
// 调用方完整消费流后才能进入第二阶段，未排空的流不持久化任何叙事
func (s *EngineService) StreamNarrative(ctx context.Context, session *models.GameSession, scenario *models.Scenario, playerInput string) (<-chan llm.StreamResponse, error) {
	if !s.Provider.Capabilities().SupportsStreaming {
		return nil, apperrors.NewProviderError("当前提供者不支持流式输出", nil)
	}

	prompt := BuildNarrativePrompt(scenario, session.State, session.Chronicle, playerInput)

	return s.Provider.StreamCompletion(ctx, llm.CompletionRequest{
		Prompt:       prompt.User,
		SystemPrompt: prompt.System,
		Temperature:  s.Temperature,
		MaxTokens:    s.MaxTokens,
		Stream:       true,
	})
}

// CompleteStructured 两阶段路径第二阶段：基于已产出的叙事请求结构化增量
// 负载不合规时矫正而不是重试，矫正结果总是满足契约
func (s *EngineService) CompleteStructured(ctx context.Context, session *models.GameSession, scenario *models.Scenario, playerInput, narrativeText string) (*models.TurnResponse, error) {
	started := time.Now()

	prompt := BuildFollowupPrompt(scenario, session.State, narrativeText)

	var payload map[string]interface{}
	response, provErr := s.requestStructured(ctx, prompt)
	if provErr == nil {
		payload, _ = ExtractJSON(response.Text)
	}

	var result *models.TurnResponse
	if payload != nil {
		if validated, err := ValidateTurnResponse(payload); err == nil {
			validated.Narrative = narrativeText
			result = validated
		}
	}

	if result == nil {
		result = CoerceTurnResponse(payload, narrativeText, session.Chronicle.Current.OpenChoices)
	}

	s.sanitizeMetaImagePrompt(ctx, result)

	if err := s.applyTurn(session, scenario, playerInput, result); err != nil {
		return nil, err
	}

	utils.GetMetricsCollector().RecordTurn("two_stage", time.Since(started), false)
	return result, nil
}

// requestStructured 以JSON模式调用提供者
func (s *EngineService) requestStructured(ctx context.Context, prompt TurnPrompt) (*llm.CompletionResponse, error) {
	req := llm.CompletionRequest{
		Prompt:       prompt.User,
		SystemPrompt: prompt.System,
		Temperature:  s.Temperature,
		MaxTokens:    s.MaxTokens,
	}

	// 能力记录声明支持时才请求JSON模式，否则靠提示词约束
	if s.Provider.Capabilities().SupportsJSONMode {
		req.JSONMode = true
	}

	response, err := s.Provider.CompleteText(ctx, req)
	if err != nil {
		return nil, apperrors.NewProviderError("模型调用失败", err)
	}

	utils.GetMetricsCollector().RecordLLMRequest(s.Provider.GetName(), response.PromptTokens, response.OutputTokens)
	return response, nil
}

// validateRaw 提取并校验原始模型输出
func (s *EngineService) validateRaw(raw string) (*models.TurnResponse, error) {
	payload, err := ExtractJSON(raw)
	if err != nil {
		return nil, err
	}
	return ValidateTurnResponse(payload)
}

// providerErrorResponse 提供者错误的回合结果，状态和编年史不被触碰
func providerErrorResponse(err error) *models.TurnResponse {
	code := "PROVIDER_ERROR"
	if appErr, ok := err.(*apperrors.AppError); ok {
		code = appErr.Code
	}

	return &models.TurnResponse{
		Narrative:        "The world seems to pause for a moment, waiting. Perhaps try again shortly.",
		SuggestedActions: append([]string(nil), defaultActionTriad...),
		StatePatch:       map[string]interface{}{},
		SceneTags:        []string{"system_recovery"},
		Meta: map[string]interface{}{
			"error_code": code,
			"error":      err.Error(),
		},
	}
}

// applyTurn 将校验后的回合结果落入状态和编年史
// 整组子更新要么全部生效，要么会话保持回合前状态
func (s *EngineService) applyTurn(session *models.GameSession, scenario *models.Scenario, playerInput string, result *models.TurnResponse) error {
	newState := ApplyStatePatch(session.State, result.StatePatch, scenario)

	chronicle, err := s.Chronicles.PersistEvent(session.Chronicle, EventFields{
		Title:        eventTitle(playerInput),
		TimeAdvance:  timeAdvance(scenario, result.Meta),
		Location:     newState.CurrentLocation,
		Participants: participants(newState, result.Narrative),
		PlayerAction: playerInput,
		DMOutcome:    result.Narrative,
		Consequences: consequences(result.StatePatch),
		Tags:         result.SceneTags,
	})
	if err != nil {
		return err
	}

	if plots := DerivePlotEntries(result.SceneTags); len(plots) > 0 {
		chronicle, err = s.Chronicles.PersistWorldUpdate(chronicle, WorldFields{OngoingPlots: plots})
		if err != nil {
			return err
		}
	}

	protagonist := newState.Protagonist
	protagonist.CurrentStatus = fmt.Sprintf("At %s, feeling %s", newState.CurrentLocation, newState.Mood)
	chronicle, err = s.Chronicles.PersistCharacterUpdate(chronicle, protagonist.Name, protagonist)
	if err != nil {
		return err
	}

	snapshot := models.CurrentScenario{
		Location:         newState.CurrentLocation,
		Time:             newState.CurrentTime,
		EmotionalContext: emotionalContext(newState, result.Narrative),
		NPCsPresent:      npcNames(newState),
		OpenChoices:      result.SuggestedActions,
		LastExchangeRef:  lastEventID(chronicle),
		Prompt:           extractPrompt(result.Narrative),
	}
	chronicle, err = s.Chronicles.SnapshotCurrent(chronicle, snapshot)
	if err != nil {
		return err
	}

	// 全部子更新成功后才对会话可见
	newState.RecentEvents = appendBounded(newState.RecentEvents, eventTitle(playerInput), 10)
	session.State = newState
	session.Chronicle = chronicle
	session.UpdatedAt = time.Now().Format(time.RFC3339)

	return nil
}

// ApplyStatePatch 确定性地合并模型增量到会话状态
// 纯函数且全域：任何通过校验的输入都不会失败
// 映射类型浅合并，其余整体替换，未知键直接加入
func ApplyStatePatch(old models.SessionState, patch map[string]interface{}, scenario *models.Scenario) models.SessionState {
	merged := old.ToMap()

	for key, newValue := range patch {
		oldValue, exists := merged[key]
		oldMap, oldIsMap := oldValue.(map[string]interface{})
		newMap, newIsMap := newValue.(map[string]interface{})

		if exists && oldIsMap && newIsMap {
			// 浅合并：新值按键覆盖旧值
			for k, v := range newMap {
				oldMap[k] = v
			}
			merged[key] = oldMap
		} else {
			merged[key] = newValue
		}
	}

	state := models.SessionStateFromMap(merged)

	// 场景约束
	if scenario != nil {
		switch scenario.Mechanics.TimeAdvancement {
		case models.TimeAdvancementRealTime:
			state.CurrentTime = time.Now().Format(time.RFC3339)
		}

		if scenario.Mechanics.ConsequenceSystem == models.ConsequenceSystemAcademic {
			ensureAcademicDefaults(&state)
		}
	}

	// 数值钳制
	state.StressLevel = clampInt(state.StressLevel, models.MinStressLevel, models.MaxStressLevel)
	state.EnergyLevel = clampInt(state.EnergyLevel, models.MinEnergyLevel, models.MaxEnergyLevel)
	clampGPAFields(state.AcademicStatus)

	// 必填字段回填
	if state.CurrentLocation == "" {
		state.CurrentLocation = models.DefaultLocation
	}
	if state.CurrentTime == "" {
		state.CurrentTime = time.Now().Format(time.RFC3339)
	}
	if state.Mood == "" {
		state.Mood = models.DefaultMood
	}

	return state
}

func ensureAcademicDefaults(state *models.SessionState) {
	if state.AcademicStatus == nil {
		state.AcademicStatus = make(map[string]interface{})
	}
	if _, ok := state.AcademicStatus["gpa"]; !ok {
		state.AcademicStatus["gpa"] = 3.0
	}
	if _, ok := state.AcademicStatus["attendance"]; !ok {
		state.AcademicStatus["attendance"] = "regular"
	}
	if _, ok := state.AcademicStatus["pending_assignments"]; !ok {
		state.AcademicStatus["pending_assignments"] = []interface{}{}
	}
}

func clampInt(v, min, max int) int {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}

// clampGPAFields 把类GPA数值钳制到[0,4.0]
func clampGPAFields(academic map[string]interface{}) {
	for key, value := range academic {
		if !strings.Contains(strings.ToLower(key), "gpa") {
			continue
		}
		if f, ok := toFloat(value); ok {
			if f < models.MinGPA {
				f = models.MinGPA
			}
			if f > models.MaxGPA {
				f = models.MaxGPA
			}
			academic[key] = f
		}
	}
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

// eventTitle 从玩家输入的前几个词生成事件标题
func eventTitle(playerInput string) string {
	words := strings.Fields(strings.TrimSpace(playerInput))
	if len(words) == 0 {
		return "Untitled action"
	}
	if len(words) > 4 {
		words = words[:4]
	}
	title := strings.Join(words, " ")
	return strings.ToUpper(title[:1]) + title[1:]
}

// timeAdvance 计算回合的ISO-8601时间推进量
func timeAdvance(scenario *models.Scenario, meta map[string]interface{}) string {
	if meta != nil {
		if seconds, ok := toFloat(meta["time_advance_seconds"]); ok && seconds > 0 {
			return fmt.Sprintf("PT%dS", int(seconds))
		}
	}

	if scenario != nil && scenario.Mechanics.TimeAdvancement == models.TimeAdvancementTurnBased {
		return "PT600S"
	}

	return ""
}

// participants 玩家加上叙事中点名的NPC
func participants(state models.SessionState, narrative string) []string {
	result := []string{protagonistName(state)}

	lower := strings.ToLower(narrative)
	names := make([]string, 0, len(state.NPCs))
	for name := range state.NPCs {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		if strings.Contains(lower, strings.ToLower(name)) {
			result = append(result, name)
		}
	}

	return result
}

func protagonistName(state models.SessionState) string {
	if state.Protagonist.Name != "" {
		return state.Protagonist.Name
	}
	return "Player"
}

// consequences 从补丁键推导后果描述
func consequences(patch map[string]interface{}) []string {
	if len(patch) == 0 {
		return nil
	}

	keys := make([]string, 0, len(patch))
	for key := range patch {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	result := make([]string, 0, len(keys))
	for _, key := range keys {
		switch v := patch[key].(type) {
		case map[string]interface{}:
			result = append(result, fmt.Sprintf("%s updated", key))
		case string:
			result = append(result, fmt.Sprintf("%s set to %s", key, v))
		default:
			result = append(result, fmt.Sprintf("%s set to %v", key, v))
		}
	}
	return result
}

// 叙事中的情绪关键词，命中第一个即采用
var emotionKeywords = []string{
	"anxious", "excited", "afraid", "relieved", "angry",
	"hopeful", "exhausted", "confident", "nervous", "calm",
}

// emotionalContext 心情 + 压力档位 + 叙事中的情绪关键词
func emotionalContext(state models.SessionState, narrative string) string {
	var band string
	switch {
	case state.StressLevel < 34:
		band = "low pressure"
	case state.StressLevel < 67:
		band = "under moderate pressure"
	default:
		band = "under heavy pressure"
	}

	context := fmt.Sprintf("%s, %s", state.Mood, band)

	lower := strings.ToLower(narrative)
	for _, keyword := range emotionKeywords {
		if strings.Contains(lower, keyword) {
			context = fmt.Sprintf("%s, %s undertone", context, keyword)
			break
		}
	}

	return context
}

// extractPrompt 取叙事末尾的问句作为下一步提示
func extractPrompt(narrative string) string {
	sentences := strings.FieldsFunc(narrative, func(r rune) bool {
		return r == '.' || r == '!' || r == '\n'
	})
	for i := len(sentences) - 1; i >= 0; i-- {
		sentence := strings.TrimSpace(sentences[i])
		if strings.HasSuffix(sentence, "?") {
			return sentence
		}
	}
	return "What do you do next?"
}

func npcNames(state models.SessionState) []string {
	names := make([]string, 0, len(state.NPCs))
	for name := range state.NPCs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func lastEventID(c *models.Chronicle) string {
	events := c.AllEvents()
	if len(events) == 0 {
		return ""
	}
	return events[len(events)-1].EventID
}

func appendBounded(list []string, item string, max int) []string {
	list = append(list, item)
	if len(list) > max {
		list = list[len(list)-max:]
	}
	return list
}

// sanitizeMetaImagePrompt 就地改写 meta 中的 image_prompt
// 清洗失败时保留原值，回合本身不因辅助任务失败而中断
func (s *EngineService) sanitizeMetaImagePrompt(ctx context.Context, result *models.TurnResponse) {
	if result == nil || result.Meta == nil {
		return
	}

	raw, ok := result.Meta["image_prompt"].(string)
	if !ok || strings.TrimSpace(raw) == "" {
		return
	}

	cleaned, err := s.SanitizeImagePrompt(ctx, raw)
	if err != nil {
		utils.GetLogger().Warn("图像提示词清洗失败，保留原值", map[string]interface{}{
			"error": err.Error(),
		})
		return
	}
	result.Meta["image_prompt"] = cleaned
}

// SanitizeImagePrompt 用廉价模型清洗图像提示词
// 图像合成本身不在引擎范围内
func (s *EngineService) SanitizeImagePrompt(ctx context.Context, rawPrompt string) (string, error) {
	if s.CheapProvider == nil {
		return rawPrompt, nil
	}

	response, err := s.CheapProvider.CompleteText(ctx, llm.CompletionRequest{
		SystemPrompt: "Rewrite the following image generation prompt so it contains no " +
			"named real people, no violence, and no mature content. Reply with only the rewritten prompt.",
		Prompt:      rawPrompt,
		Temperature: 0.2,
		MaxTokens:   256,
	})
	if err != nil {
		return rawPrompt, apperrors.NewProviderError("图像提示词清洗失败", err)
	}

	cleaned := strings.TrimSpace(response.Text)
	if cleaned == "" {
		return rawPrompt, nil
	}
	return cleaned, nil
}
