// internal/llm/providers/mock/mock.go
package mock

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/storyos/storyos/internal/llm"
)

func init() {
	llm.Register("mock", func() llm.Provider {
		return &Provider{}
	})
}

// Provider 离线确定性提供者，无需API密钥即可运行完整回合流程
// 同一提示词总是产生同一输出，便于测试和演示
type Provider struct {
	defaultModel string
	chunkSize    int
	delay        time.Duration
}

func (p *Provider) Initialize(config map[string]string) error {
	p.defaultModel = "mock-narrative-1"
	if model, exists := config["default_model"]; exists && model != "" {
		p.defaultModel = model
	}

	p.chunkSize = 32
	p.delay = 0
	if config["simulate_latency"] == "true" {
		p.delay = 20 * time.Millisecond
	}

	return nil
}

func (p *Provider) GetName() string {
	return "Mock"
}

func (p *Provider) Capabilities() llm.Capabilities {
	return llm.Capabilities{
		SupportsStreaming: true,
		SupportsJSONMode:  true,
		MaxOutputTokens:   4096,
	}
}

func (p *Provider) GetSupportedModels() []string {
	return []string{"mock-narrative-1", "mock-structured-1"}
}

// lastUserLine 从提示词中提取最后一行玩家输入，用于回显式叙事
func lastUserLine(prompt string) string {
	lines := strings.Split(strings.TrimSpace(prompt), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.TrimSpace(lines[i])
		if line != "" {
			if len(line) > 80 {
				line = line[:80]
			}
			return line
		}
	}
	return "your action"
}

func (p *Provider) narrativeFor(prompt string) string {
	return fmt.Sprintf(
		"You consider %q and act. The room settles around you as the consequences unfold, "+
			"small details shifting in response to what you just did. Somewhere nearby, "+
			"life on campus carries on.", lastUserLine(prompt))
}

func (p *Provider) structuredFor(prompt string) string {
	payload := map[string]interface{}{
		"narrative": p.narrativeFor(prompt),
		"suggested_actions": []string{
			"Continue forward",
			"Look around",
			"Try something different",
		},
		"state_patch": map[string]interface{}{
			"stress_level": 32,
			"mood":         "focused",
		},
		"scene_tags": []string{"general"},
	}

	data, _ := json.Marshal(payload)
	return string(data)
}

func (p *Provider) CompleteText(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	model := req.Model
	if model == "" {
		model = p.defaultModel
	}

	var text string
	if req.JSONMode || strings.Contains(model, "structured") {
		text = p.structuredFor(req.Prompt)
	} else {
		text = p.narrativeFor(req.Prompt)
	}

	return &llm.CompletionResponse{
		Text:         text,
		FinishReason: "stop",
		TokensUsed:   len(req.Prompt)/4 + len(text)/4,
		PromptTokens: len(req.Prompt) / 4,
		OutputTokens: len(text) / 4,
		ModelName:    model,
		ProviderName: p.GetName(),
	}, nil
}

// StreamCompletion 将确定性文本按固定块大小切片投递
func (p *Provider) StreamCompletion(ctx context.Context, req llm.CompletionRequest) (<-chan llm.StreamResponse, error) {
	model := req.Model
	if model == "" {
		model = p.defaultModel
	}

	var text string
	if req.JSONMode || strings.Contains(model, "structured") {
		text = p.structuredFor(req.Prompt)
	} else {
		text = p.narrativeFor(req.Prompt)
	}

	respChan := make(chan llm.StreamResponse)

	go func() {
		defer close(respChan)

		for i := 0; i < len(text); i += p.chunkSize {
			end := i + p.chunkSize
			if end > len(text) {
				end = len(text)
			}

			if p.delay > 0 {
				select {
				case <-ctx.Done():
					return
				case <-time.After(p.delay):
				}
			}

			select {
			case <-ctx.Done():
				return
			case respChan <- llm.StreamResponse{
				Text:      text[i:end],
				ModelName: model,
				Done:      false,
			}:
			}
		}

		select {
		case <-ctx.Done():
		case respChan <- llm.StreamResponse{
			Text:         text,
			FinishReason: "stop",
			ModelName:    model,
			Done:         true,
		}:
		}
	}()

	return respChan, nil
}
