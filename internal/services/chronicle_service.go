// internal/services/chronicle_service.go
package services

import (
	"fmt"
	"sort"
	"strings"
	"time"

	apperrors "github.com/storyos/storyos/internal/errors"
	"github.com/storyos/storyos/internal/models"
	"github.com/storyos/storyos/internal/storage"
	"github.com/storyos/storyos/internal/utils"
)

// 压缩时保留的首尾事件数
const (
	compressKeepHead = 10
	compressKeepTail = 10
)

// OpeningPhaseTitle 首个事件落地时自动创建的阶段名
const OpeningPhaseTitle = "Opening"

// EventFields 追加事件所需的字段
type EventFields struct {
	Title        string
	TimeAdvance  string
	Location     string
	Participants []string
	PlayerAction string
	DMOutcome    string
	Consequences []string
	Tags         []string
	Notes        string
}

// WorldFields 世界账本更新，四个列表均为追加
type WorldFields struct {
	Setting        []string
	RulesMechanics []string
	OngoingPlots   []string
	GlobalChanges  []string
}

// ChronicleService 编年史存储
// 所有操作在拷贝上进行并返回新值，失败时调用方持有的编年史不变
type ChronicleService struct {
	FileStorage *storage.FileStorage
	Vault       *VaultService
	baseDir     string
}

// NewChronicleService 创建编年史服务
func NewChronicleService(fileStorage *storage.FileStorage, vault *VaultService) *ChronicleService {
	return &ChronicleService{
		FileStorage: fileStorage,
		Vault:       vault,
		baseDir:     "chronicles",
	}
}

// Create 从场景初始快照创建新编年史
func (s *ChronicleService) Create(scenarioID string, initial models.CurrentScenario, policy models.Policy) *models.Chronicle {
	return models.NewChronicle(scenarioID, initial, policy)
}

// routeField 将单个文本字段交给内容策略处理
// 策略失败时降级为保留原文：回合记录的持久化优先于策略闭合失败
func (s *ChronicleService) routeField(content string, policy models.Policy, fieldKind string) PolicyResult {
	result, err := s.Vault.Process(content, policy, fieldKind)
	if err != nil {
		utils.GetLogger().Warn("内容策略处理失败，字段按原文保留", map[string]interface{}{
			"field_kind": fieldKind,
			"error":      err.Error(),
		})
		return PolicyResult{StoredContent: content, SFWLevel: result.SFWLevel}
	}
	return result
}

// touch 更新时间戳，保证单调不减
// 按时间值比较而不是字符串比较，时区偏移不同的时间戳字符串序不可靠
func touch(c *models.Chronicle) {
	now := time.Now()
	if prev, err := time.Parse(time.RFC3339, c.UpdatedAt); err == nil && !now.After(prev) {
		return
	}
	c.UpdatedAt = now.Format(time.RFC3339)
}

// PersistEvent 追加一个事件到时间线最后一个阶段
// 没有阶段时先创建"Opening"阶段；参与者和标签同步写入反向索引
func (s *ChronicleService) PersistEvent(c *models.Chronicle, fields EventFields) (*models.Chronicle, error) {
	clone := c.Clone()

	actionResult := s.routeField(fields.PlayerAction, clone.Policy, FieldKindAction)
	outcomeResult := s.routeField(fields.DMOutcome, clone.Policy, FieldKindOutcome)

	sfwLevel := models.SFWLevelSafe
	if actionResult.SFWLevel == models.SFWLevelMature || outcomeResult.SFWLevel == models.SFWLevelMature {
		sfwLevel = models.SFWLevelMature
	}

	vaultKey := outcomeResult.VaultKey
	if vaultKey == "" {
		vaultKey = actionResult.VaultKey
	}

	event := models.Event{
		EventID:       models.NewEventID(),
		Title:         fields.Title,
		Timestamp:     time.Now().Format(time.RFC3339),
		TimeAdvance:   fields.TimeAdvance,
		Location:      fields.Location,
		Participants:  append([]string(nil), fields.Participants...),
		PlayerAction:  actionResult.StoredContent,
		DMOutcome:     outcomeResult.StoredContent,
		Consequences:  append([]string(nil), fields.Consequences...),
		Tags:          append([]string(nil), fields.Tags...),
		Notes:         fields.Notes,
		SFWLevel:      sfwLevel,
		MaturePointer: models.VaultRef(vaultKey),
	}

	if len(clone.Timeline.Phases) == 0 {
		clone.Timeline.Phases = append(clone.Timeline.Phases, models.Phase{
			PhaseID: models.NewPhaseID(),
			Title:   OpeningPhaseTitle,
			Events:  []models.Event{},
		})
	}

	last := len(clone.Timeline.Phases) - 1
	clone.Timeline.Phases[last].Events = append(clone.Timeline.Phases[last].Events, event)

	indexEvent(clone, event)
	touch(clone)

	return clone, nil
}

// indexEvent 将事件登记到两个反向索引
func indexEvent(c *models.Chronicle, event models.Event) {
	for _, participant := range event.Participants {
		c.Indexes.ByCharacter[participant] = append(c.Indexes.ByCharacter[participant], event.EventID)
	}
	for _, tag := range event.Tags {
		c.Indexes.ByTag[tag] = append(c.Indexes.ByTag[tag], event.EventID)
	}
}

// rebuildIndexes 从时间线重建全部索引，压缩后调用
func rebuildIndexes(c *models.Chronicle) {
	c.Indexes.ByCharacter = make(map[string][]string)
	c.Indexes.ByTag = make(map[string][]string)
	for _, phase := range c.Timeline.Phases {
		for _, event := range phase.Events {
			indexEvent(c, event)
		}
	}
}

// PersistCharacterUpdate 覆盖角色账本中的条目
// 角色不做版本管理，最后一次写入生效
func (s *ChronicleService) PersistCharacterUpdate(c *models.Chronicle, name string, character models.Character) (*models.Chronicle, error) {
	clone := c.Clone()

	updated := character.Clone()
	updated.Name = name

	statusResult := s.routeField(updated.CurrentStatus, clone.Policy, FieldKindStatus)
	updated.CurrentStatus = statusResult.StoredContent
	updated.SFWLevel = statusResult.SFWLevel
	updated.MaturePointer = models.VaultRef(statusResult.VaultKey)

	for i, change := range updated.RecentChanges {
		changeResult := s.routeField(change, clone.Policy, FieldKindStatus)
		updated.RecentChanges[i] = changeResult.StoredContent
		if changeResult.SFWLevel == models.SFWLevelMature {
			updated.SFWLevel = models.SFWLevelMature
			if updated.MaturePointer == nil {
				updated.MaturePointer = models.VaultRef(changeResult.VaultKey)
			}
		}
	}

	clone.Characters[name] = updated
	touch(clone)

	return clone, nil
}

// PersistWorldUpdate 向世界账本追加条目，四个列表只增不减
func (s *ChronicleService) PersistWorldUpdate(c *models.Chronicle, fields WorldFields) (*models.Chronicle, error) {
	clone := c.Clone()

	appendRouted := func(dst []string, entries []string) []string {
		for _, entry := range entries {
			result := s.routeField(entry, clone.Policy, FieldKindWorld)
			dst = append(dst, result.StoredContent)
			if result.SFWLevel == models.SFWLevelMature {
				clone.World.SFWLevel = models.SFWLevelMature
				if clone.World.MaturePointer == nil {
					clone.World.MaturePointer = models.VaultRef(result.VaultKey)
				}
			}
		}
		return dst
	}

	clone.World.Setting = appendRouted(clone.World.Setting, fields.Setting)
	clone.World.RulesMechanics = appendRouted(clone.World.RulesMechanics, fields.RulesMechanics)
	clone.World.OngoingPlots = appendRouted(clone.World.OngoingPlots, fields.OngoingPlots)
	clone.World.GlobalChanges = appendRouted(clone.World.GlobalChanges, fields.GlobalChanges)

	touch(clone)
	return clone, nil
}

// DerivePlotEntries 从事件标签推导世界剧情条目
func DerivePlotEntries(tags []string) []string {
	var plots []string
	for _, tag := range tags {
		switch strings.ToLower(tag) {
		case "romance":
			plots = append(plots, "Romance storyline developing")
		case "academics":
			plots = append(plots, "Academic storyline progressing")
		}
	}
	return plots
}

// SnapshotCurrent 整体替换当前场景快照
func (s *ChronicleService) SnapshotCurrent(c *models.Chronicle, snapshot models.CurrentScenario) (*models.Chronicle, error) {
	clone := c.Clone()

	emotionalResult := s.routeField(snapshot.EmotionalContext, clone.Policy, FieldKindEmotional)
	promptResult := s.routeField(snapshot.Prompt, clone.Policy, FieldKindPrompt)

	snapshot.EmotionalContext = emotionalResult.StoredContent
	snapshot.Prompt = promptResult.StoredContent

	snapshot.SFWLevel = models.SFWLevelSafe
	if emotionalResult.SFWLevel == models.SFWLevelMature || promptResult.SFWLevel == models.SFWLevelMature {
		snapshot.SFWLevel = models.SFWLevelMature
	}
	snapshot.MaturePointer = models.VaultRef(emotionalResult.VaultKey)
	if snapshot.MaturePointer == nil {
		snapshot.MaturePointer = models.VaultRef(promptResult.VaultKey)
	}

	clone.Current = snapshot
	touch(clone)

	return clone, nil
}

// CompressTimeline 压缩超过阈值的历史阶段
// 最后一个阶段永不压缩；被压缩段保留首尾各10个事件，中间替换为一个合成摘要事件
func (s *ChronicleService) CompressTimeline(c *models.Chronicle, maxEventsPerPhase int) (*models.Chronicle, error) {
	if maxEventsPerPhase <= 0 {
		return nil, apperrors.NewValidationError("压缩阈值必须为正数", nil)
	}

	clone := c.Clone()
	compressed := false

	for i := 0; i < len(clone.Timeline.Phases)-1; i++ {
		phase := &clone.Timeline.Phases[i]
		if len(phase.Events) <= maxEventsPerPhase || len(phase.Events) <= compressKeepHead+compressKeepTail {
			continue
		}

		head := phase.Events[:compressKeepHead]
		tail := phase.Events[len(phase.Events)-compressKeepTail:]
		excised := phase.Events[compressKeepHead : len(phase.Events)-compressKeepTail]

		summary := buildSummaryEvent(phase.Title, excised)

		newEvents := make([]models.Event, 0, compressKeepHead+1+compressKeepTail)
		newEvents = append(newEvents, head...)
		newEvents = append(newEvents, summary)
		newEvents = append(newEvents, tail...)
		phase.Events = newEvents
		compressed = true
	}

	if compressed {
		rebuildIndexes(clone)
		touch(clone)
	}

	return clone, nil
}

// buildSummaryEvent 构造覆盖被删段的合成摘要事件
// 参与者为被删事件参与者的并集，结果文本记录覆盖的时间跨度
func buildSummaryEvent(phaseTitle string, excised []models.Event) models.Event {
	participantSet := make(map[string]bool)
	for _, event := range excised {
		for _, p := range event.Participants {
			participantSet[p] = true
		}
	}

	participants := make([]string, 0, len(participantSet))
	for p := range participantSet {
		participants = append(participants, p)
	}
	sort.Strings(participants)

	first := excised[0]
	last := excised[len(excised)-1]

	return models.Event{
		EventID:      models.NewEventID(),
		Title:        fmt.Sprintf("Summary of %d events in %s", len(excised), phaseTitle),
		Timestamp:    first.Timestamp,
		Location:     first.Location,
		Participants: participants,
		PlayerAction: "",
		DMOutcome: fmt.Sprintf("Compressed summary covering %d events from %s to %s.",
			len(excised), first.Timestamp, last.Timestamp),
		Tags:     []string{"compressed_summary"},
		SFWLevel: models.SFWLevelSafe,
	}
}

// Search 按查询词/角色/标签检索事件
// 角色和标签走反向索引，自由文本在标题/行动/结果上做子串匹配
// 结果按事件ID去重并按时间倒序排列
func (s *ChronicleService) Search(c *models.Chronicle, query, character, tag string) []models.Event {
	allEvents := c.AllEvents()
	byID := make(map[string]models.Event, len(allEvents))
	order := make(map[string]int, len(allEvents))
	for i, event := range allEvents {
		byID[event.EventID] = event
		order[event.EventID] = i
	}

	matched := make(map[string]bool)

	if character != "" {
		for _, id := range c.Indexes.ByCharacter[character] {
			matched[id] = true
		}
	}

	if tag != "" {
		for _, id := range c.Indexes.ByTag[tag] {
			matched[id] = true
		}
	}

	if query != "" {
		lower := strings.ToLower(query)
		for _, event := range allEvents {
			if strings.Contains(strings.ToLower(event.Title), lower) ||
				strings.Contains(strings.ToLower(event.PlayerAction), lower) ||
				strings.Contains(strings.ToLower(event.DMOutcome), lower) {
				matched[event.EventID] = true
			}
		}
	}

	results := make([]models.Event, 0, len(matched))
	for id := range matched {
		if event, ok := byID[id]; ok {
			results = append(results, event)
		}
	}

	// 时间线位置越靠后越新
	sort.Slice(results, func(i, j int) bool {
		return order[results[i].EventID] > order[results[j].EventID]
	})

	return results
}

// RecentEvents 返回时间线末尾的最多n个事件，按时间正序
func (s *ChronicleService) RecentEvents(c *models.Chronicle, n int) []models.Event {
	events := c.AllEvents()
	if len(events) > n {
		events = events[len(events)-n:]
	}
	return events
}

// Save 将编年史持久化为单个JSON文档
func (s *ChronicleService) Save(c *models.Chronicle) error {
	filename := fmt.Sprintf("%s.json", c.SessionID)
	if err := s.FileStorage.SaveJSONFile(s.baseDir, filename, c); err != nil {
		return apperrors.NewProcessingError("编年史保存失败", err)
	}
	return nil
}

// Load 加载持久化的编年史
// 结构不符合（缺少必需字段）时立即失败：损坏的持久状态必须暴露
func (s *ChronicleService) Load(sessionID string) (*models.Chronicle, error) {
	filename := fmt.Sprintf("%s.json", sessionID)

	var c models.Chronicle
	if err := s.FileStorage.LoadJSONFile(s.baseDir, filename, &c); err != nil {
		return nil, apperrors.NewNotFoundError(fmt.Sprintf("编年史不存在: %s", sessionID), err)
	}

	if err := validateChronicleStructure(&c); err != nil {
		return nil, err
	}

	return &c, nil
}

// validateChronicleStructure 检查必需字段
func validateChronicleStructure(c *models.Chronicle) error {
	switch {
	case c.ChronicleID == "":
		return apperrors.NewCorruptStateError("编年史缺少chronicle_id", nil)
	case c.SessionID == "":
		return apperrors.NewCorruptStateError("编年史缺少session_id", nil)
	case c.ScenarioID == "":
		return apperrors.NewCorruptStateError("编年史缺少scenario_id", nil)
	case c.CreatedAt == "" || c.UpdatedAt == "":
		return apperrors.NewCorruptStateError("编年史缺少时间戳字段", nil)
	case c.Characters == nil:
		return apperrors.NewCorruptStateError("编年史缺少角色账本", nil)
	case c.Indexes.ByCharacter == nil || c.Indexes.ByTag == nil:
		return apperrors.NewCorruptStateError("编年史缺少索引", nil)
	}
	return nil
}

// Export 序列化编年史用于导出
// 默认清除所有保管库引用（隐私保护），includeVaultRefs为true时保留
func (s *ChronicleService) Export(c *models.Chronicle, includeVaultRefs bool) (*models.Chronicle, error) {
	clone := c.Clone()

	// 清除后字段序列化为显式 null，而不是从导出文档中消失
	if !includeVaultRefs {
		for i := range clone.Timeline.Phases {
			for j := range clone.Timeline.Phases[i].Events {
				clone.Timeline.Phases[i].Events[j].MaturePointer = nil
			}
		}
		for name, character := range clone.Characters {
			character.MaturePointer = nil
			clone.Characters[name] = character
		}
		clone.World.MaturePointer = nil
		clone.Current.MaturePointer = nil
	}

	return clone, nil
}
