package services

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestTaskScheduler_RescheduleReplaces(t *testing.T) {
	scheduler := NewTaskScheduler()
	var runs atomic.Int32

	scheduler.Schedule("d1", 20*time.Millisecond, func() { runs.Add(100) })
	scheduler.Schedule("d1", 20*time.Millisecond, func() { runs.Add(1) })
	assert.Equal(t, 1, scheduler.Len())

	assert.Eventually(t, func() bool { return runs.Load() == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(40 * time.Millisecond)
	assert.Equal(t, int32(1), runs.Load())
	assert.False(t, scheduler.Pending("d1"))
}

func TestTaskScheduler_CancelAll(t *testing.T) {
	scheduler := NewTaskScheduler()
	var runs atomic.Int32

	scheduler.Schedule("a", 20*time.Millisecond, func() { runs.Add(1) })
	scheduler.Schedule("b", 20*time.Millisecond, func() { runs.Add(1) })
	_, ok := scheduler.Due("a")
	assert.True(t, ok)

	assert.Equal(t, 2, scheduler.CancelAll())
	assert.False(t, scheduler.Cancel("a"))

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(0), runs.Load())
}
