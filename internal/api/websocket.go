// internal/api/websocket.go
package api

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/storyos/storyos/internal/models"
	"github.com/storyos/storyos/internal/utils"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		// 开发模式下允许所有来源，生产环境应收紧
		return true
	},
}

// wsTurnRequest WebSocket回合请求
type wsTurnRequest struct {
	Input string `json:"input"`
}

// wsMessage 推送给客户端的消息
type wsMessage struct {
	Type   string               `json:"type"` // fragment | narrative_done | turn_complete | error
	Text   string               `json:"text,omitempty"`
	Result *models.TurnResponse `json:"result,omitempty"`
	Error  string               `json:"error,omitempty"`
}

// TurnWebSocket 两阶段回合的流式端点
// 叙事片段按到达顺序推送，流排空后结构化阶段在后台完成并推送最终结果
func (h *Handler) TurnWebSocket(c *gin.Context) {
	sessionID := c.Param("id")

	session, err := h.SessionService.Get(sessionID)
	if err != nil {
		h.Response.NotFound(c, "session", err.Error())
		return
	}

	scenario, err := h.ScenarioService.Get(session.ScenarioID)
	if err != nil {
		h.Response.NotFound(c, "scenario", err.Error())
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		utils.GetLogger().Warn("WebSocket升级失败", map[string]interface{}{
			"session_id": sessionID,
			"error":      err.Error(),
		})
		return
	}
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(5 * time.Minute))

	for {
		var req wsTurnRequest
		if err := conn.ReadJSON(&req); err != nil {
			return
		}
		if strings.TrimSpace(req.Input) == "" {
			conn.WriteJSON(wsMessage{Type: "error", Error: "input 不能为空"})
			continue
		}

		h.streamTurn(c.Request.Context(), conn, session, scenario, req.Input)
		conn.SetReadDeadline(time.Now().Add(5 * time.Minute))
	}
}

// streamTurn 执行一个流式回合
func (h *Handler) streamTurn(ctx context.Context, conn *websocket.Conn, session *models.GameSession, scenario *models.Scenario, input string) {
	sessionID := session.SessionID

	// 未决工作先落定
	if _, err := h.WorkerPool.Wait(ctx, sessionID); err != nil {
		conn.WriteJSON(wsMessage{Type: "error", Error: "等待未决工作时中断"})
		return
	}

	stream, err := h.EngineService.StreamNarrative(ctx, session, scenario, input)
	if err != nil {
		conn.WriteJSON(wsMessage{Type: "error", Error: err.Error()})
		return
	}

	// 完整排空流之后才持久化叙事
	var narrative string
	for fragment := range stream {
		if fragment.Done {
			narrative = fragment.Text
			break
		}
		if err := conn.WriteJSON(wsMessage{Type: "fragment", Text: fragment.Text}); err != nil {
			// 客户端断开即视为取消，不排空则不持久化
			return
		}
	}

	if narrative == "" {
		conn.WriteJSON(wsMessage{Type: "error", Error: "叙事流意外结束"})
		return
	}

	conn.WriteJSON(wsMessage{Type: "narrative_done", Text: narrative})

	job, err := h.WorkerPool.Submit(sessionID, func(jobCtx context.Context) (*models.TurnResponse, error) {
		var result *models.TurnResponse
		lockErr := h.LockManager.ExecuteWithSessionLock(sessionID, func() error {
			var innerErr error
			result, innerErr = h.EngineService.CompleteStructured(jobCtx, session, scenario, input, narrative)
			if innerErr != nil {
				return innerErr
			}
			return h.SessionService.Save(session)
		})
		return result, lockErr
	})
	if err != nil {
		conn.WriteJSON(wsMessage{Type: "error", Error: err.Error()})
		return
	}

	select {
	case <-job.Done():
	case <-ctx.Done():
		return
	}

	// 领取结果，未决表随之清空
	if completed, done := h.WorkerPool.Poll(sessionID); done && completed.Err == nil {
		conn.WriteJSON(wsMessage{Type: "turn_complete", Result: completed.Result})
	} else if completed != nil && completed.Err != nil {
		conn.WriteJSON(wsMessage{Type: "error", Error: completed.Err.Error()})
	}
}
