// internal/services/vault_test.go
package services

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/storyos/storyos/internal/models"
	"github.com/storyos/storyos/internal/storage"
	"github.com/storyos/storyos/internal/utils"
)

const matureSample = "A scene of graphic violence unfolds in the alley."

func newTestVault(t *testing.T, key string) *VaultService {
	t.Helper()

	fs, err := storage.NewFileStorage(t.TempDir())
	require.NoError(t, err)
	return NewVaultService(fs, key)
}

func TestProcess_SafeContentPassesThrough(t *testing.T) {
	vault := newTestVault(t, "test-key")
	policy := models.Policy{MatureHandling: models.MatureHandlingRedact}

	result, err := vault.Process("You walk to the lecture hall.", policy, FieldKindOutcome)
	require.NoError(t, err)

	assert.Equal(t, "You walk to the lecture hall.", result.StoredContent)
	assert.Equal(t, models.SFWLevelSafe, result.SFWLevel)
	assert.Empty(t, result.VaultKey)
}

func TestProcess_RedactMode(t *testing.T) {
	vault := newTestVault(t, "test-key")
	policy := models.Policy{MatureHandling: models.MatureHandlingRedact}

	result, err := vault.Process(matureSample, policy, FieldKindOutcome)
	require.NoError(t, err)

	assert.Equal(t, "[Content withheld by content policy]", result.StoredContent)
	assert.Equal(t, models.SFWLevelMature, result.SFWLevel)
	// redact 模式不归档
	assert.Empty(t, result.VaultKey)
}

func TestProcess_ReferenceModeArchives(t *testing.T) {
	vault := newTestVault(t, "test-key")
	policy := models.Policy{MatureHandling: models.MatureHandlingReference}

	result, err := vault.Process(matureSample, policy, FieldKindOutcome)
	require.NoError(t, err)

	assert.Equal(t, "[Content withheld by content policy]", result.StoredContent)
	assert.Equal(t, models.SFWLevelMature, result.SFWLevel)
	require.NotEmpty(t, result.VaultKey)

	// 保管库键是内容派生的摘要
	assert.Equal(t, utils.ContentDigest(matureSample), result.VaultKey)

	// 取回解密后的原文
	plaintext, ok := vault.Retrieve(result.VaultKey)
	require.True(t, ok)
	assert.Equal(t, matureSample, plaintext)
}

func TestProcess_ReferenceModeWithoutKeyFails(t *testing.T) {
	vault := newTestVault(t, "")
	policy := models.Policy{MatureHandling: models.MatureHandlingReference}

	result, err := vault.Process(matureSample, policy, FieldKindOutcome)
	assert.Error(t, err)

	// 错误仍携带分级，调用方据此降级
	assert.Equal(t, models.SFWLevelMature, result.SFWLevel)
}

func TestProcess_InlineMode(t *testing.T) {
	vault := newTestVault(t, "test-key")

	// 已验证年龄：原文保留
	verified := models.Policy{MatureHandling: models.MatureHandlingInline, AgeVerified: true}
	result, err := vault.Process(matureSample, verified, FieldKindOutcome)
	require.NoError(t, err)
	assert.Equal(t, matureSample, result.StoredContent)
	assert.Equal(t, models.SFWLevelMature, result.SFWLevel)

	// 未验证年龄：与redact相同
	unverified := models.Policy{MatureHandling: models.MatureHandlingInline}
	result, err = vault.Process(matureSample, unverified, FieldKindOutcome)
	require.NoError(t, err)
	assert.Equal(t, "[Content withheld by content policy]", result.StoredContent)
}

func TestProcess_FieldKindPlaceholders(t *testing.T) {
	vault := newTestVault(t, "test-key")
	policy := models.Policy{MatureHandling: models.MatureHandlingRedact}

	result, err := vault.Process(matureSample, policy, FieldKindAction)
	require.NoError(t, err)
	assert.Equal(t, "[Player action withheld by content policy]", result.StoredContent)

	result, err = vault.Process(matureSample, policy, FieldKindEmotional)
	require.NoError(t, err)
	assert.Equal(t, "[Emotional context withheld by content policy]", result.StoredContent)
}

func TestAllowAllClassifier(t *testing.T) {
	vault := newTestVault(t, "test-key")
	vault.Classify = AllowAllClassifier
	policy := models.Policy{MatureHandling: models.MatureHandlingRedact}

	// 分类器全放行：成人内容也按安全级保留原文
	result, err := vault.Process(matureSample, policy, FieldKindOutcome)
	require.NoError(t, err)
	assert.Equal(t, matureSample, result.StoredContent)
	assert.Equal(t, models.SFWLevelSafe, result.SFWLevel)
}

func TestKeywordClassifier(t *testing.T) {
	assert.True(t, KeywordClassifier("An EXPLICIT description follows."))
	assert.True(t, KeywordClassifier(matureSample))
	assert.False(t, KeywordClassifier("An ordinary day at the library."))
	assert.False(t, KeywordClassifier(""))
}

func TestRetrieve_MissingEntry(t *testing.T) {
	vault := newTestVault(t, "test-key")

	_, ok := vault.Retrieve("0123456789abcdef")
	assert.False(t, ok)

	_, ok = vault.Retrieve("")
	assert.False(t, ok)
}

func TestRetrieve_WrongKeyFailsClosed(t *testing.T) {
	fs, err := storage.NewFileStorage(t.TempDir())
	require.NoError(t, err)

	writer := NewVaultService(fs, "key-one")
	policy := models.Policy{MatureHandling: models.MatureHandlingReference}
	result, err := writer.Process(matureSample, policy, FieldKindOutcome)
	require.NoError(t, err)

	// 换了密钥的读取者拿不到原文，也不报错
	reader := NewVaultService(fs, "key-two")
	_, ok := reader.Retrieve(result.VaultKey)
	assert.False(t, ok)
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	plaintext := []byte("the quick brown fox")

	encrypted, err := utils.EncryptBytes(plaintext, "some-key")
	require.NoError(t, err)
	assert.NotEqual(t, plaintext, encrypted)

	decrypted, err := utils.DecryptBytes(encrypted, "some-key")
	require.NoError(t, err)
	assert.Equal(t, plaintext, decrypted)

	_, err = utils.DecryptBytes(encrypted, "other-key")
	assert.Error(t, err)
}

func TestContentDigest(t *testing.T) {
	digest := utils.ContentDigest("some content")
	assert.Len(t, digest, 16)

	// 确定性：同样的内容产生同样的标识
	assert.Equal(t, digest, utils.ContentDigest("some content"))
	assert.NotEqual(t, digest, utils.ContentDigest("other content"))
}
