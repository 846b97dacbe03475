// internal/services/session_service.go
package services

import (
	"fmt"
	"strings"
	"sync"
	"time"

	apperrors "github.com/storyos/storyos/internal/errors"
	"github.com/storyos/storyos/internal/models"
	"github.com/storyos/storyos/internal/storage"
)

// SessionService 会话存储
// 引擎负责运行中的状态变更，这里只持久化整体快照
type SessionService struct {
	FileStorage *storage.FileStorage
	baseDir     string

	// 活跃会话缓存，回合处理直接操作缓存中的会话
	active map[string]*models.GameSession
	mu     sync.RWMutex
}

// NewSessionService 创建会话服务
func NewSessionService(fileStorage *storage.FileStorage) *SessionService {
	return &SessionService{
		FileStorage: fileStorage,
		baseDir:     "sessions",
		active:      make(map[string]*models.GameSession),
	}
}

// Put 将会话放入活跃缓存
func (s *SessionService) Put(session *models.GameSession) {
	s.mu.Lock()
	s.active[session.SessionID] = session
	s.mu.Unlock()
}

// Get 获取活跃会话，缓存未命中时从磁盘加载
func (s *SessionService) Get(sessionID string) (*models.GameSession, error) {
	s.mu.RLock()
	session, exists := s.active[sessionID]
	s.mu.RUnlock()

	if exists {
		return session, nil
	}

	session, err := s.Load(sessionID)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.active[sessionID] = session
	s.mu.Unlock()

	return session, nil
}

// Save 持久化会话快照
func (s *SessionService) Save(session *models.GameSession) error {
	session.UpdatedAt = time.Now().Format(time.RFC3339)

	filename := fmt.Sprintf("%s.json", session.SessionID)
	if err := s.FileStorage.SaveJSONFile(s.baseDir, filename, session); err != nil {
		return apperrors.NewProcessingError("会话保存失败", err)
	}
	return nil
}

// Load 从磁盘加载会话
func (s *SessionService) Load(sessionID string) (*models.GameSession, error) {
	filename := fmt.Sprintf("%s.json", sessionID)

	var session models.GameSession
	if err := s.FileStorage.LoadJSONFile(s.baseDir, filename, &session); err != nil {
		return nil, apperrors.NewNotFoundError(fmt.Sprintf("会话不存在: %s", sessionID), err)
	}

	if session.SessionID == "" || session.Chronicle == nil {
		return nil, apperrors.NewCorruptStateError(
			fmt.Sprintf("会话文件损坏: %s", sessionID), nil)
	}

	return &session, nil
}

// List 列出已持久化的会话ID
func (s *SessionService) List() ([]string, error) {
	files, err := s.FileStorage.ListFiles(s.baseDir, ".json")
	if err != nil {
		return nil, apperrors.NewProcessingError("会话目录扫描失败", err)
	}

	ids := make([]string, 0, len(files))
	for _, file := range files {
		ids = append(ids, strings.TrimSuffix(file, ".json"))
	}
	return ids, nil
}

// Archive 归档会话：持久化后移出活跃缓存
func (s *SessionService) Archive(sessionID string) error {
	session, err := s.Get(sessionID)
	if err != nil {
		return err
	}

	session.Status = models.SessionStatusArchived
	if err := s.Save(session); err != nil {
		return err
	}

	s.mu.Lock()
	delete(s.active, sessionID)
	s.mu.Unlock()

	return nil
}
