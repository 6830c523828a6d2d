package dispatch

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRetryDelayComputation(t *testing.T) {
	assert := assert.New(t)

	wg := sync.WaitGroup{}
	defer wg.Wait()
	ctxt, cancel := context.WithCancel(context.Background())
	defer cancel()
	uut, err := DefineRetryScheduler(
		time.Second, time.Second*30, 3, nil, ctxt, &wg,
	)
	assert.Nil(err)

	uutc := uut.(*retrySchedulerImpl)

	// Jitter pinned to zero: pure exponential sequence
	uutc.jitter = func() time.Duration { return 0 }
	assert.Equal(time.Second*1, uutc.computeDelay(0))
	assert.Equal(time.Second*2, uutc.computeDelay(1))
	assert.Equal(time.Second*4, uutc.computeDelay(2))

	// Jitter is additive and bounded by one second
	uutc.jitter = func() time.Duration { return time.Millisecond * 750 }
	assert.Equal(time.Millisecond*1750, uutc.computeDelay(0))
	assert.Equal(time.Millisecond*2750, uutc.computeDelay(1))

	// Delay is capped at maxDelay
	uutc.maxDelay = time.Second * 3
	assert.Equal(time.Second*3, uutc.computeDelay(2))
	assert.Equal(time.Second*3, uutc.computeDelay(20))
}

func TestRetrySuccessResetsClientState(t *testing.T) {
	assert := assert.New(t)

	wg := sync.WaitGroup{}
	defer wg.Wait()
	ctxt, cancel := context.WithCancel(context.Background())
	defer cancel()
	uut, err := DefineRetryScheduler(
		time.Millisecond*10, time.Second, 5, nil, ctxt, &wg,
	)
	assert.Nil(err)
	uutc := uut.(*retrySchedulerImpl)
	uutc.jitter = func() time.Duration { return 0 }

	attempts := 0
	lock := sync.Mutex{}
	retryFn := func(ctxt context.Context) error {
		lock.Lock()
		defer lock.Unlock()
		attempts++
		if attempts < 3 {
			return fmt.Errorf("still down")
		}
		return nil
	}

	assert.Nil(uut.ScheduleRetry("feed-1", retryFn))
	time.Sleep(time.Millisecond * 300)

	lock.Lock()
	assert.Equal(3, attempts)
	lock.Unlock()

	// Success cleared all state for the client
	assert.Equal(0, uut.PendingRetries())
	uutc.lock.Lock()
	_, known := uutc.clients["feed-1"]
	uutc.lock.Unlock()
	assert.False(known)
}

func TestRetryExhaustionAbandonsClient(t *testing.T) {
	assert := assert.New(t)

	wg := sync.WaitGroup{}
	defer wg.Wait()
	ctxt, cancel := context.WithCancel(context.Background())
	defer cancel()

	abandoned := make(chan int, 1)
	uut, err := DefineRetryScheduler(
		time.Millisecond*10,
		time.Second,
		3,
		func(clientID string, attempts int) {
			abandoned <- attempts
		},
		ctxt,
		&wg,
	)
	assert.Nil(err)
	uutc := uut.(*retrySchedulerImpl)
	uutc.jitter = func() time.Duration { return 0 }

	retryFn := func(ctxt context.Context) error {
		return fmt.Errorf("permanently down")
	}

	assert.Nil(uut.ScheduleRetry("feed-1", retryFn))
	select {
	case attempts := <-abandoned:
		assert.Equal(3, attempts)
	case <-time.After(time.Second * 2):
		assert.FailNow("client was never abandoned")
	}

	// All state for the client was cleared
	assert.Equal(0, uut.PendingRetries())
	uutc.lock.Lock()
	_, known := uutc.clients["feed-1"]
	uutc.lock.Unlock()
	assert.False(known)
}

func TestRetryExhaustedReportedToCaller(t *testing.T) {
	assert := assert.New(t)

	wg := sync.WaitGroup{}
	defer wg.Wait()
	ctxt, cancel := context.WithCancel(context.Background())
	defer cancel()
	uut, err := DefineRetryScheduler(
		time.Millisecond*10, time.Second, 3, nil, ctxt, &wg,
	)
	assert.Nil(err)

	// Seed the client at the retry ceiling
	uutc := uut.(*retrySchedulerImpl)
	uutc.lock.Lock()
	uutc.clients["feed-1"] = &retryState{attempts: 3}
	uutc.lock.Unlock()

	err = uut.ScheduleRetry("feed-1", func(ctxt context.Context) error { return nil })
	assert.ErrorIs(err, ErrRetryExhausted)
}

func TestRetryDuplicateScheduleCancelsStaleTimer(t *testing.T) {
	assert := assert.New(t)

	wg := sync.WaitGroup{}
	defer wg.Wait()
	ctxt, cancel := context.WithCancel(context.Background())
	defer cancel()
	uut, err := DefineRetryScheduler(
		time.Millisecond*50, time.Second, 3, nil, ctxt, &wg,
	)
	assert.Nil(err)
	uutc := uut.(*retrySchedulerImpl)
	uutc.jitter = func() time.Duration { return 0 }

	fired := 0
	lock := sync.Mutex{}
	retryFn := func(ctxt context.Context) error {
		lock.Lock()
		defer lock.Unlock()
		fired++
		return nil
	}

	// Two schedules before the first fires: only one attempt may run
	assert.Nil(uut.ScheduleRetry("feed-1", retryFn))
	assert.Nil(uut.ScheduleRetry("feed-1", retryFn))
	assert.Equal(1, uut.PendingRetries())

	time.Sleep(time.Millisecond * 250)
	lock.Lock()
	assert.Equal(1, fired)
	lock.Unlock()
}

func TestRetryCleanupCancelsPendingTimer(t *testing.T) {
	assert := assert.New(t)

	wg := sync.WaitGroup{}
	defer wg.Wait()
	ctxt, cancel := context.WithCancel(context.Background())
	defer cancel()
	uut, err := DefineRetryScheduler(
		time.Millisecond*50, time.Second, 3, nil, ctxt, &wg,
	)
	assert.Nil(err)

	fired := make(chan bool, 1)
	assert.Nil(uut.ScheduleRetry("feed-1", func(ctxt context.Context) error {
		fired <- true
		return nil
	}))
	uut.Cleanup("feed-1")
	assert.Equal(0, uut.PendingRetries())

	select {
	case <-fired:
		assert.FailNow("cancelled retry still fired")
	case <-time.After(time.Millisecond * 200):
	}
}

func TestRetryResetAttempts(t *testing.T) {
	assert := assert.New(t)

	wg := sync.WaitGroup{}
	defer wg.Wait()
	ctxt, cancel := context.WithCancel(context.Background())
	defer cancel()
	uut, err := DefineRetryScheduler(
		time.Millisecond*50, time.Second, 3, nil, ctxt, &wg,
	)
	assert.Nil(err)

	uutc := uut.(*retrySchedulerImpl)
	uutc.lock.Lock()
	uutc.clients["feed-1"] = &retryState{attempts: 2}
	uutc.lock.Unlock()

	uut.ResetAttempts("feed-1")

	uutc.lock.Lock()
	assert.Equal(0, uutc.clients["feed-1"].attempts)
	uutc.lock.Unlock()
}
