package worker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/goleak"
)

func TestLimiterRun(t *testing.T) {
	defer goleak.VerifyNone(t)

	limiter := NewLimiter(5)

	returnCh := make(chan struct{})

	count := 3
	for i := 0; i < count; i++ {
		err := limiter.Dispatch(func() {
			returnCh <- struct{}{}
		})
		if err != nil {
			t.Fatal(err)
		}
	}

	for i := 0; i < count; i++ {
		<-returnCh
	}

	limiter.StopWait()
}

func TestLimiterLimits(t *testing.T) {
	defer goleak.VerifyNone(t)

	limiter := NewLimiter(3)

	returnCh := make(chan struct{})

	count := 3
	for i := 0; i < count; i++ {
		err := limiter.Dispatch(func() {
			<-returnCh
		})
		if err != nil {
			t.Fatal(err)
		}
	}

	// add another func exceeding concurrency limit of 3
	err := limiter.Dispatch(func() {
		t.Error("expected limiter to limit concurrency")
	})

	assert.ErrorIs(t, err, ErrLimiterConcurrency)
	assert.Equal(t, count, limiter.ActiveCount())

	// unblock routines
	for i := 0; i < count; i++ {
		returnCh <- struct{}{}
	}

	limiter.StopWait()

	assert.Equal(t, 0, limiter.ActiveCount())
}

func TestLimiterStopWait(t *testing.T) {
	defer goleak.VerifyNone(t)

	limiter := NewLimiter(5)

	returnCh := make(chan struct{}, 3)

	count := 3
	for i := 0; i < count; i++ {
		err := limiter.Dispatch(func() {
			time.Sleep(100 * time.Millisecond)
			returnCh <- struct{}{}
		})
		if err != nil {
			t.Fatal(err)
		}
	}

	stopped := make(chan struct{})

	go func() {
		limiter.StopWait()
		close(stopped)
	}()

	assert.Eventually(t, limiter.drain.Load, time.Second, 5*time.Millisecond)

	err := limiter.Dispatch(func() {
		t.Error("expected limiter to not accept operations after StopWait()")
	})

	assert.ErrorIs(t, err, ErrLimiterDrain)

	<-stopped

	assert.Len(t, returnCh, count)
}
