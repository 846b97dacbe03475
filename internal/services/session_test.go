// internal/services/session_test.go
package services

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/storyos/storyos/internal/models"
	"github.com/storyos/storyos/internal/storage"
)

func newTestSessionService(t *testing.T) *SessionService {
	t.Helper()

	fs, err := storage.NewFileStorage(t.TempDir())
	require.NoError(t, err)
	return NewSessionService(fs)
}

func sampleSession(sessionID string) *models.GameSession {
	now := time.Now().Format(time.RFC3339)
	return &models.GameSession{
		SessionID:  sessionID,
		ScenarioID: "campus-life",
		Status:     models.SessionStatusActive,
		State:      models.NewSessionState("Dorm room", models.Character{Name: "Alex"}),
		Chronicle: models.NewChronicle("campus-life", models.CurrentScenario{},
			models.Policy{MatureHandling: models.MatureHandlingRedact}),
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func TestSessionSaveLoadRoundTrip(t *testing.T) {
	svc := newTestSessionService(t)
	session := sampleSession("sess-1")

	require.NoError(t, svc.Save(session))

	loaded, err := svc.Load("sess-1")
	require.NoError(t, err)

	assert.Equal(t, session.SessionID, loaded.SessionID)
	assert.Equal(t, session.ScenarioID, loaded.ScenarioID)
	assert.Equal(t, "Alex", loaded.State.Protagonist.Name)
	require.NotNil(t, loaded.Chronicle)
	assert.Equal(t, session.Chronicle.ChronicleID, loaded.Chronicle.ChronicleID)
}

func TestSessionGet_CacheThenDisk(t *testing.T) {
	svc := newTestSessionService(t)
	session := sampleSession("sess-1")

	// 缓存命中返回同一实例
	svc.Put(session)
	got, err := svc.Get("sess-1")
	require.NoError(t, err)
	assert.Same(t, session, got)

	// 冷启动路径：只有磁盘副本
	require.NoError(t, svc.Save(session))
	cold := newTestSessionService(t)
	cold.FileStorage = svc.FileStorage
	got, err = cold.Get("sess-1")
	require.NoError(t, err)
	assert.Equal(t, session.SessionID, got.SessionID)
}

func TestSessionGet_Missing(t *testing.T) {
	svc := newTestSessionService(t)

	_, err := svc.Get("no-such-session")
	assert.Error(t, err)
}

func TestSessionLoad_CorruptFileFails(t *testing.T) {
	svc := newTestSessionService(t)

	// 缺少 chronicle 的快照视为损坏
	broken := sampleSession("sess-1")
	broken.Chronicle = nil
	require.NoError(t, svc.Save(broken))

	_, err := svc.Load("sess-1")
	assert.Error(t, err)
}

func TestSessionList(t *testing.T) {
	svc := newTestSessionService(t)

	require.NoError(t, svc.Save(sampleSession("sess-a")))
	require.NoError(t, svc.Save(sampleSession("sess-b")))

	ids, err := svc.List()
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"sess-a", "sess-b"}, ids)
}

func TestSessionArchive(t *testing.T) {
	svc := newTestSessionService(t)
	session := sampleSession("sess-1")
	svc.Put(session)
	require.NoError(t, svc.Save(session))

	require.NoError(t, svc.Archive("sess-1"))

	// 归档状态持久化，且移出活跃缓存
	loaded, err := svc.Load("sess-1")
	require.NoError(t, err)
	assert.Equal(t, models.SessionStatusArchived, loaded.Status)

	svc.mu.RLock()
	_, inCache := svc.active["sess-1"]
	svc.mu.RUnlock()
	assert.False(t, inCache)
}
