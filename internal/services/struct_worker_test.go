// internal/services/struct_worker_test.go
package services

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/storyos/storyos/internal/models"
)

func quickResult(narrative string) *models.TurnResponse {
	return &models.TurnResponse{
		Narrative:        narrative,
		SuggestedActions: []string{"Continue"},
		StatePatch:       map[string]interface{}{},
		SceneTags:        []string{"general"},
	}
}

func TestStructWorkerPool_SubmitAndWait(t *testing.T) {
	pool := NewStructWorkerPool(2)
	defer pool.Shutdown()

	job, err := pool.Submit("session-1", func(ctx context.Context) (*models.TurnResponse, error) {
		return quickResult("done"), nil
	})
	require.NoError(t, err)

	claimed, err := pool.Wait(context.Background(), "session-1")
	require.NoError(t, err)
	require.NotNil(t, claimed)

	assert.Same(t, job, claimed)
	require.NoError(t, claimed.Err)
	assert.Equal(t, "done", claimed.Result.Narrative)

	// 领取后未决表清空
	assert.False(t, pool.HasPending("session-1"))
}

func TestStructWorkerPool_OnePendingPerSession(t *testing.T) {
	pool := NewStructWorkerPool(2)
	defer pool.Shutdown()

	release := make(chan struct{})
	_, err := pool.Submit("session-1", func(ctx context.Context) (*models.TurnResponse, error) {
		<-release
		return quickResult("first"), nil
	})
	require.NoError(t, err)

	// 未决工作存在时第二次提交被拒
	_, err = pool.Submit("session-1", func(ctx context.Context) (*models.TurnResponse, error) {
		return quickResult("second"), nil
	})
	assert.Error(t, err)

	// 其他会话不受影响
	_, err = pool.Submit("session-2", func(ctx context.Context) (*models.TurnResponse, error) {
		return quickResult("other"), nil
	})
	assert.NoError(t, err)

	close(release)
}

func TestStructWorkerPool_WaitBlocksUntilDone(t *testing.T) {
	pool := NewStructWorkerPool(2)
	defer pool.Shutdown()

	release := make(chan struct{})
	_, err := pool.Submit("session-1", func(ctx context.Context) (*models.TurnResponse, error) {
		<-release
		return quickResult("slow"), nil
	})
	require.NoError(t, err)

	// 工作未落定时带期限的等待超时
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = pool.Wait(ctx, "session-1")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	// 超时的等待不领取工作
	assert.True(t, pool.HasPending("session-1"))

	close(release)
	claimed, err := pool.Wait(context.Background(), "session-1")
	require.NoError(t, err)
	assert.Equal(t, "slow", claimed.Result.Narrative)
}

func TestStructWorkerPool_WaitWithoutPending(t *testing.T) {
	pool := NewStructWorkerPool(2)
	defer pool.Shutdown()

	job, err := pool.Wait(context.Background(), "no-such-session")
	require.NoError(t, err)
	assert.Nil(t, job)
}

func TestStructWorkerPool_Poll(t *testing.T) {
	pool := NewStructWorkerPool(2)
	defer pool.Shutdown()

	// 没有工作
	_, done := pool.Poll("session-1")
	assert.False(t, done)

	release := make(chan struct{})
	job, err := pool.Submit("session-1", func(ctx context.Context) (*models.TurnResponse, error) {
		<-release
		return quickResult("polled"), nil
	})
	require.NoError(t, err)

	// 进行中：返回工作但未完成
	inFlight, done := pool.Poll("session-1")
	assert.False(t, done)
	assert.Same(t, job, inFlight)

	close(release)
	<-job.Done()

	claimed, done := pool.Poll("session-1")
	require.True(t, done)
	assert.Equal(t, "polled", claimed.Result.Narrative)

	// 领取后再轮询为空
	_, done = pool.Poll("session-1")
	assert.False(t, done)
}

func TestStructWorkerPool_JobErrorSurfaced(t *testing.T) {
	pool := NewStructWorkerPool(2)
	defer pool.Shutdown()

	_, err := pool.Submit("session-1", func(ctx context.Context) (*models.TurnResponse, error) {
		return nil, fmt.Errorf("provider unavailable")
	})
	require.NoError(t, err)

	claimed, err := pool.Wait(context.Background(), "session-1")
	require.NoError(t, err)
	require.NotNil(t, claimed)
	assert.Error(t, claimed.Err)
	assert.Nil(t, claimed.Result)
}

func TestStructWorkerPool_ResubmitAfterCompletion(t *testing.T) {
	pool := NewStructWorkerPool(2)
	defer pool.Shutdown()

	job, err := pool.Submit("session-1", func(ctx context.Context) (*models.TurnResponse, error) {
		return quickResult("first"), nil
	})
	require.NoError(t, err)
	<-job.Done()

	// 已完成但未领取的工作允许被新提交覆盖
	_, err = pool.Submit("session-1", func(ctx context.Context) (*models.TurnResponse, error) {
		return quickResult("second"), nil
	})
	assert.NoError(t, err)
}

func TestStructWorkerPool_ShutdownSettlesQueuedJobs(t *testing.T) {
	pool := NewStructWorkerPool(1)

	// 第一个工作占住唯一的工作者，第二个停在队列里
	blocker, err := pool.Submit("session-a", func(ctx context.Context) (*models.TurnResponse, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	require.NoError(t, err)

	queued, err := pool.Submit("session-b", func(ctx context.Context) (*models.TurnResponse, error) {
		return quickResult("late"), nil
	})
	require.NoError(t, err)

	pool.Shutdown()

	// 关闭后所有工作都已落定，Done 不会永久阻塞
	<-blocker.Done()
	<-queued.Done()

	claimed, err := pool.Wait(context.Background(), "session-b")
	require.NoError(t, err)
	require.NotNil(t, claimed)

	_, err = pool.Submit("session-c", func(ctx context.Context) (*models.TurnResponse, error) {
		return quickResult("rejected"), nil
	})
	assert.Error(t, err)
}
