// internal/utils/metrics.go
package utils

import (
	"sync"
	"sync/atomic"
	"time"
)

// MetricsCollector 收集引擎运行指标
type MetricsCollector struct {
	counters map[string]*counter
	mu       sync.RWMutex
}

// counter 计数器，value 走原子操作
type counter struct {
	name  string
	value int64
}

var (
	globalMetrics *MetricsCollector
	metricsOnce   sync.Once
)

// GetMetricsCollector 返回全局指标收集器
func GetMetricsCollector() *MetricsCollector {
	metricsOnce.Do(func() {
		globalMetrics = &MetricsCollector{
			counters: make(map[string]*counter),
		}
	})
	return globalMetrics
}

// AddCounter 累加计数器
func (m *MetricsCollector) AddCounter(name string, value int64) {
	m.mu.RLock()
	c, exists := m.counters[name]
	m.mu.RUnlock()

	if exists {
		atomic.AddInt64(&c.value, value)
		return
	}

	m.mu.Lock()
	c, exists = m.counters[name]
	if !exists {
		c = &counter{name: name}
		m.counters[name] = c
	}
	m.mu.Unlock()

	atomic.AddInt64(&c.value, value)
}

// IncrementCounter 计数器加一
func (m *MetricsCollector) IncrementCounter(name string) {
	m.AddCounter(name, 1)
}

// GetCounterValue 读取计数器当前值
func (m *MetricsCollector) GetCounterValue(name string) int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if c, exists := m.counters[name]; exists {
		return atomic.LoadInt64(&c.value)
	}
	return 0
}

// Snapshot 导出所有计数器的当前值
func (m *MetricsCollector) Snapshot() map[string]int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]int64, len(m.counters))
	for name, c := range m.counters {
		out[name] = atomic.LoadInt64(&c.value)
	}
	return out
}

// RecordTurn 记录一次回合处理
func (m *MetricsCollector) RecordTurn(mode string, duration time.Duration, fallback bool) {
	m.IncrementCounter("turns_total")
	m.IncrementCounter("turns_" + mode)
	m.AddCounter("turn_duration_ms_total", duration.Milliseconds())
	if fallback {
		m.IncrementCounter("turns_fallback")
	}
}

// RecordLLMRequest 记录一次模型调用及其 token 用量
func (m *MetricsCollector) RecordLLMRequest(provider string, promptTokens, outputTokens int) {
	m.IncrementCounter("llm_requests_total")
	m.IncrementCounter("llm_requests_" + provider)
	m.AddCounter("llm_prompt_tokens_total", int64(promptTokens))
	m.AddCounter("llm_output_tokens_total", int64(outputTokens))
}
