// internal/api/handlers.go
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	apperrors "github.com/storyos/storyos/internal/errors"
	"github.com/storyos/storyos/internal/models"
	"github.com/storyos/storyos/internal/services"
	"github.com/storyos/storyos/internal/utils"
)

// Handler 处理API请求
type Handler struct {
	EngineService    *services.EngineService    // 回合引擎
	ScenarioService  *services.ScenarioService  // 场景注册表
	SessionService   *services.SessionService   // 会话存储
	ChronicleService *services.ChronicleService // 编年史存储
	VaultService     *services.VaultService     // 内容保管库
	WorkerPool       *services.StructWorkerPool // 结构化补全工作池
	LockManager      *services.LockManager      // 会话锁
	Response         *ResponseHelper            // 响应助手
}

// NewHandler 创建API处理器
func NewHandler(
	engine *services.EngineService,
	scenarios *services.ScenarioService,
	sessions *services.SessionService,
	chronicles *services.ChronicleService,
	vault *services.VaultService,
	pool *services.StructWorkerPool,
	locks *services.LockManager,
) *Handler {
	return &Handler{
		EngineService:    engine,
		ScenarioService:  scenarios,
		SessionService:   sessions,
		ChronicleService: chronicles,
		VaultService:     vault,
		WorkerPool:       pool,
		LockManager:      locks,
		Response:         NewResponseHelper(),
	}
}

// APIResponse 标准API响应格式
type APIResponse struct {
	Success   bool        `json:"success"`
	Data      interface{} `json:"data,omitempty"`
	Error     *APIError   `json:"error,omitempty"`
	Message   string      `json:"message,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
	RequestID string      `json:"request_id,omitempty"` // 用于调试和追踪
}

// APIError 标准错误格式
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

// CreateSessionRequest 创建会话的请求结构
type CreateSessionRequest struct {
	ScenarioID string `json:"scenario_id"` // 场景ID
	UserID     string `json:"user_id"`     // 可选的用户标识
}

// TurnRequest 回合处理的请求结构
type TurnRequest struct {
	Input string `json:"input"` // 玩家的自由文本行动
	Mode  string `json:"mode"`  // single | two_stage，默认 single
}

// ========================================
// 场景
// ========================================

// GetScenarios 列出全部场景
func (h *Handler) GetScenarios(c *gin.Context) {
	h.Response.Success(c, h.ScenarioService.List())
}

// GetScenario 获取单个场景定义
func (h *Handler) GetScenario(c *gin.Context) {
	scenario, err := h.ScenarioService.Get(c.Param("id"))
	if err != nil {
		h.Response.NotFound(c, "scenario", err.Error())
		return
	}
	h.Response.Success(c, scenario)
}

// ValidateScenario 校验场景文档但不注册
// 返回字段级的失败原因
func (h *Handler) ValidateScenario(c *gin.Context) {
	body, err := c.GetRawData()
	if err != nil {
		h.Response.BadRequest(c, "读取请求体失败", err.Error())
		return
	}

	var raw map[string]interface{}
	if err := json.Unmarshal(body, &raw); err != nil {
		h.Response.BadRequest(c, "请求体不是合法JSON", err.Error())
		return
	}

	scenario, err := services.ParseScenario("request", body, raw, true)
	if err != nil {
		h.Response.Success(c, gin.H{
			"valid":  false,
			"reason": err.Error(),
		})
		return
	}

	h.Response.Success(c, gin.H{
		"valid":       true,
		"scenario_id": scenario.ID,
	})
}

// ========================================
// 会话
// ========================================

// CreateSession 从场景创建新会话
func (h *Handler) CreateSession(c *gin.Context) {
	var req CreateSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.Response.BadRequest(c, "请求格式错误", err.Error())
		return
	}

	scenario, err := h.ScenarioService.Get(req.ScenarioID)
	if err != nil {
		h.Response.NotFound(c, "scenario", err.Error())
		return
	}

	session, err := h.EngineService.InitializeSession(scenario, req.UserID)
	if err != nil {
		h.Response.InternalError(c, "会话初始化失败", err.Error())
		return
	}

	h.SessionService.Put(session)
	if err := h.SessionService.Save(session); err != nil {
		h.Response.InternalError(c, "会话保存失败", err.Error())
		return
	}

	h.Response.Created(c, session)
}

// GetSession 获取会话快照
func (h *Handler) GetSession(c *gin.Context) {
	session, err := h.SessionService.Get(c.Param("id"))
	if err != nil {
		h.Response.NotFound(c, "session", err.Error())
		return
	}
	h.Response.Success(c, session)
}

// SaveSession 显式持久化会话
func (h *Handler) SaveSession(c *gin.Context) {
	session, err := h.SessionService.Get(c.Param("id"))
	if err != nil {
		h.Response.NotFound(c, "session", err.Error())
		return
	}

	if err := h.SessionService.Save(session); err != nil {
		h.Response.InternalError(c, "会话保存失败", err.Error())
		return
	}
	if err := h.ChronicleService.Save(session.Chronicle); err != nil {
		h.Response.InternalError(c, "编年史保存失败", err.Error())
		return
	}

	h.Response.Success(c, gin.H{"saved": true})
}

// ArchiveSession 归档会话
func (h *Handler) ArchiveSession(c *gin.Context) {
	if err := h.SessionService.Archive(c.Param("id")); err != nil {
		h.Response.NotFound(c, "session", err.Error())
		return
	}
	h.Response.Success(c, gin.H{"archived": true})
}

// ========================================
// 回合处理
// ========================================

// ProcessTurn 处理一个回合
// 同会话有未决结构化补全时，新回合阻塞等待它落定
func (h *Handler) ProcessTurn(c *gin.Context) {
	sessionID := c.Param("id")

	var req TurnRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.Response.BadRequest(c, "请求格式错误", err.Error())
		return
	}
	if req.Input == "" {
		h.Response.BadRequest(c, "input 不能为空")
		return
	}

	session, err := h.SessionService.Get(sessionID)
	if err != nil {
		h.Response.NotFound(c, "session", err.Error())
		return
	}
	if session.Status != models.SessionStatusActive {
		h.Response.Conflict(c, "会话已归档，无法处理回合")
		return
	}

	scenario, err := h.ScenarioService.Get(session.ScenarioID)
	if err != nil {
		h.Response.NotFound(c, "scenario", err.Error())
		return
	}

	// 未决工作先落定
	if _, err := h.WorkerPool.Wait(c.Request.Context(), sessionID); err != nil {
		h.Response.Error(c, 499, "CLIENT_CLOSED", "等待未决工作时连接中断", err.Error())
		return
	}

	if req.Mode == "two_stage" {
		h.processTurnTwoStage(c, session, scenario, req.Input)
		return
	}

	var result *models.TurnResponse
	err = h.LockManager.ExecuteWithSessionLock(sessionID, func() error {
		var turnErr error
		result, turnErr = h.EngineService.ProcessTurn(c.Request.Context(), session, scenario, req.Input)
		return turnErr
	})
	if err != nil {
		status, code := statusFromError(err)
		h.Response.Error(c, status, code, "回合处理失败", err.Error())
		return
	}

	if err := h.SessionService.Save(session); err != nil {
		utils.GetLogger().Warn("回合后会话持久化失败", map[string]interface{}{
			"session_id": sessionID,
			"error":      err.Error(),
		})
	}

	h.Response.Success(c, result)
}

// processTurnTwoStage 两阶段回合：同步返回叙事，结构化阶段进入工作池
func (h *Handler) processTurnTwoStage(c *gin.Context, session *models.GameSession, scenario *models.Scenario, input string) {
	narrative, err := h.EngineService.GenerateNarrative(c.Request.Context(), session, scenario, input)
	if err != nil {
		h.Response.InternalError(c, "叙事生成失败", err.Error())
		return
	}

	sessionID := session.SessionID
	_, err = h.WorkerPool.Submit(sessionID, func(ctx context.Context) (*models.TurnResponse, error) {
		var result *models.TurnResponse
		lockErr := h.LockManager.ExecuteWithSessionLock(sessionID, func() error {
			var innerErr error
			result, innerErr = h.EngineService.CompleteStructured(ctx, session, scenario, input, narrative)
			if innerErr != nil {
				return innerErr
			}
			return h.SessionService.Save(session)
		})
		return result, lockErr
	})
	if err != nil {
		h.Response.Conflict(c, "会话已有未决的结构化补全工作", err.Error())
		return
	}

	h.Response.Accepted(c, gin.H{
		"narrative": narrative,
		"pending":   true,
	}, "结构化补全已排队，通过 poll 端点获取最终结果")
}

// PollTurn 轮询两阶段回合的结构化补全结果
func (h *Handler) PollTurn(c *gin.Context) {
	sessionID := c.Param("id")

	job, done := h.WorkerPool.Poll(sessionID)
	if job == nil {
		h.Response.Success(c, gin.H{"pending": false, "result": nil})
		return
	}

	if !done {
		h.Response.Success(c, gin.H{"pending": true})
		return
	}

	if job.Err != nil {
		h.Response.InternalError(c, "结构化补全失败", job.Err.Error())
		return
	}

	h.Response.Success(c, gin.H{"pending": false, "result": job.Result})
}

// ========================================
// 编年史
// ========================================

// SearchChronicle 检索编年史事件
func (h *Handler) SearchChronicle(c *gin.Context) {
	session, err := h.SessionService.Get(c.Param("id"))
	if err != nil {
		h.Response.NotFound(c, "session", err.Error())
		return
	}

	query := c.Query("query")
	character := c.Query("character")
	tag := c.Query("tag")

	if query == "" && character == "" && tag == "" {
		h.Response.BadRequest(c, "至少需要 query、character、tag 之一")
		return
	}

	events := h.ChronicleService.Search(session.Chronicle, query, character, tag)
	h.Response.Success(c, gin.H{
		"events": events,
		"count":  len(events),
	})
}

// ExportChronicle 导出编年史
// 默认清除保管库引用，include_vault_refs=true 时保留
func (h *Handler) ExportChronicle(c *gin.Context) {
	session, err := h.SessionService.Get(c.Param("id"))
	if err != nil {
		h.Response.NotFound(c, "session", err.Error())
		return
	}

	includeVaultRefs := c.DefaultQuery("include_vault_refs", "false") == "true"

	exported, err := h.ChronicleService.Export(session.Chronicle, includeVaultRefs)
	if err != nil {
		h.Response.InternalError(c, "编年史导出失败", err.Error())
		return
	}

	if c.DefaultQuery("download", "false") == "true" {
		data, err := json.MarshalIndent(exported, "", "  ")
		if err != nil {
			h.Response.InternalError(c, "编年史序列化失败", err.Error())
			return
		}
		filename := fmt.Sprintf("chronicle_%s.json", session.SessionID)
		h.Response.FileResponse(c, string(data), filename, "application/json; charset=utf-8")
		return
	}

	h.Response.Success(c, gin.H{
		"chronicle": exported,
		"summary":   services.ChronicleSummary(exported),
	})
}

// CompressChronicle 压缩编年史历史阶段
func (h *Handler) CompressChronicle(c *gin.Context) {
	sessionID := c.Param("id")

	session, err := h.SessionService.Get(sessionID)
	if err != nil {
		h.Response.NotFound(c, "session", err.Error())
		return
	}

	maxEvents, err := strconv.Atoi(c.DefaultQuery("max_events_per_phase", "50"))
	if err != nil || maxEvents <= 0 {
		h.Response.BadRequest(c, "max_events_per_phase 必须是正整数")
		return
	}

	err = h.LockManager.ExecuteWithSessionLock(sessionID, func() error {
		compressed, compErr := h.ChronicleService.CompressTimeline(session.Chronicle, maxEvents)
		if compErr != nil {
			return compErr
		}
		session.Chronicle = compressed
		return h.SessionService.Save(session)
	})
	if err != nil {
		h.Response.InternalError(c, "编年史压缩失败", err.Error())
		return
	}

	h.Response.Success(c, gin.H{
		"event_count": session.Chronicle.EventCount(),
	})
}

// ========================================
// 保管库（管理端点）
// ========================================

// RetrieveVaultEntry 按标识取回保管库原文
func (h *Handler) RetrieveVaultEntry(c *gin.Context) {
	content, found := h.VaultService.Retrieve(c.Param("key"))
	if !found {
		h.Response.NotFound(c, "保管库条目")
		return
	}
	h.Response.Success(c, gin.H{"content": content})
}

// ========================================
// 运行状态
// ========================================

// GetHealth 健康检查
func (h *Handler) GetHealth(c *gin.Context) {
	h.Response.Success(c, gin.H{
		"status":    "ok",
		"provider":  h.EngineService.Provider.GetName(),
		"scenarios": len(h.ScenarioService.List()),
	})
}

// GetMetrics 运行指标快照
func (h *Handler) GetMetrics(c *gin.Context) {
	h.Response.Success(c, utils.GetMetricsCollector().Snapshot())
}

// statusFromError 按错误类型映射HTTP状态
func statusFromError(err error) (int, string) {
	switch {
	case apperrors.IsNotFoundError(err):
		return 404, "NOT_FOUND"
	case apperrors.IsValidationError(err):
		return 400, "VALIDATION_ERROR"
	case apperrors.IsProviderError(err):
		return 502, "PROVIDER_ERROR"
	default:
		return 500, "INTERNAL_ERROR"
	}
}
