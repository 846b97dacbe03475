// internal/services/vault_service.go
package services

import (
	"fmt"
	"strings"

	apperrors "github.com/storyos/storyos/internal/errors"
	"github.com/storyos/storyos/internal/models"
	"github.com/storyos/storyos/internal/storage"
	"github.com/storyos/storyos/internal/utils"
)

// 字段类别，决定脱敏占位符文案
const (
	FieldKindOutcome   = "outcome"
	FieldKindAction    = "action"
	FieldKindStatus    = "status"
	FieldKindWorld     = "world"
	FieldKindEmotional = "emotional"
	FieldKindPrompt    = "prompt"
)

// Classifier 内容分类函数，返回true表示内容属于成人级
// 可插拔：默认为关键词启发式，部署时可替换为更严格的分类器
type Classifier func(content string) bool

// 成人内容关键词启发式
var matureKeywords = []string{
	"explicit", "nsfw", "nudity", "naked", "erotic", "sexual",
	"intimate encounter", "graphic violence", "gore", "torture",
}

// KeywordClassifier 默认的关键词启发式分类器
func KeywordClassifier(content string) bool {
	lower := strings.ToLower(content)
	for _, kw := range matureKeywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}

// AllowAllClassifier 简化部署模式：不做任何分类，所有内容按安全级保留原文
func AllowAllClassifier(string) bool {
	return false
}

// 占位符按字段类别区分，便于阅读导出文档时理解被替换的位置
var placeholders = map[string]string{
	FieldKindOutcome:   "[Content withheld by content policy]",
	FieldKindAction:    "[Player action withheld by content policy]",
	FieldKindStatus:    "[Status withheld by content policy]",
	FieldKindWorld:     "[World detail withheld by content policy]",
	FieldKindEmotional: "[Emotional context withheld by content policy]",
	FieldKindPrompt:    "[Prompt withheld by content policy]",
}

// PolicyResult 策略处理结果
type PolicyResult struct {
	StoredContent string
	SFWLevel      string
	VaultKey      string
}

// VaultService 内容策略与加密保管库
// reference 模式下原文经AES-GCM加密写入保管库，文件名为明文摘要的短标识
type VaultService struct {
	FileStorage *storage.FileStorage
	Classify    Classifier
	vaultDir    string
	key         string
}

// NewVaultService 创建保管库服务
// key 为空时 reference 模式退化为 redact（只脱敏不归档）
func NewVaultService(fileStorage *storage.FileStorage, key string) *VaultService {
	return &VaultService{
		FileStorage: fileStorage,
		Classify:    KeywordClassifier,
		vaultDir:    "vault",
		key:         key,
	}
}

// Process 按策略处理一个文本字段
// 返回应持久化的内容、分级和可选的保管库键
func (s *VaultService) Process(content string, policy models.Policy, fieldKind string) (PolicyResult, error) {
	result := PolicyResult{
		StoredContent: content,
		SFWLevel:      models.SFWLevelSafe,
	}

	if content == "" || s.Classify == nil || !s.Classify(content) {
		return result, nil
	}

	result.SFWLevel = models.SFWLevelMature

	switch policy.MatureHandling {
	case models.MatureHandlingInline:
		// 已验证年龄时保留原文，否则与redact相同
		if policy.AgeVerified {
			return result, nil
		}
		result.StoredContent = placeholderFor(fieldKind)
		return result, nil

	case models.MatureHandlingReference:
		result.StoredContent = placeholderFor(fieldKind)
		key, err := s.archive(content)
		if err != nil {
			return result, err
		}
		result.VaultKey = key
		return result, nil

	default: // redact
		result.StoredContent = placeholderFor(fieldKind)
		return result, nil
	}
}

// archive 加密归档原文，返回内容派生的短标识
func (s *VaultService) archive(content string) (string, error) {
	if s.key == "" {
		return "", apperrors.NewVaultError("保管库密钥未配置", nil)
	}

	vaultKey := utils.ContentDigest(content)

	encrypted, err := utils.EncryptBytes([]byte(content), s.key)
	if err != nil {
		return "", apperrors.NewVaultError("内容加密失败", err)
	}

	filename := fmt.Sprintf("%s.bin", vaultKey)
	if err := s.FileStorage.SaveRawFile(s.vaultDir, filename, encrypted); err != nil {
		return "", apperrors.NewVaultError("保管库写入失败", err)
	}

	return vaultKey, nil
}

// Retrieve 按标识取回并解密原文
// 任何缺失或解密失败都返回未找到，不抛出错误
func (s *VaultService) Retrieve(vaultKey string) (string, bool) {
	if vaultKey == "" || s.key == "" {
		return "", false
	}

	filename := fmt.Sprintf("%s.bin", vaultKey)
	data, err := s.FileStorage.LoadRawFile(s.vaultDir, filename)
	if err != nil {
		return "", false
	}

	plaintext, err := utils.DecryptBytes(data, s.key)
	if err != nil {
		utils.GetLogger().Warn("保管库条目解密失败", map[string]interface{}{
			"vault_key": vaultKey,
		})
		return "", false
	}

	return string(plaintext), true
}

func placeholderFor(fieldKind string) string {
	if p, ok := placeholders[fieldKind]; ok {
		return p
	}
	return placeholders[FieldKindOutcome]
}
