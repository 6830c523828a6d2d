package dispatch

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/openrates/feedmux/common"
	"github.com/stretchr/testify/assert"
)

// sendRecorder records every send call issued by the batcher
type sendRecorder struct {
	lock  sync.Mutex
	calls [][]common.BatchEnvelope
}

func (r *sendRecorder) send(ctxt context.Context, envelopes []common.BatchEnvelope) error {
	r.lock.Lock()
	defer r.lock.Unlock()
	copied := make([]common.BatchEnvelope, len(envelopes))
	copy(copied, envelopes)
	r.calls = append(r.calls, copied)
	return nil
}

func (r *sendRecorder) callCount() int {
	r.lock.Lock()
	defer r.lock.Unlock()
	return len(r.calls)
}

func (r *sendRecorder) call(idx int) []common.BatchEnvelope {
	r.lock.Lock()
	defer r.lock.Unlock()
	return r.calls[idx]
}

// batcherTestHarness start a batcher on a running event loop
func batcherTestHarness(
	t *testing.T,
	maxBatchSize int,
	batchDelay time.Duration,
	sendFn common.SendFunc,
) (ChannelBatcher, func()) {
	assert := assert.New(t)

	wg := &sync.WaitGroup{}
	ctxt, cancel := context.WithCancel(context.Background())
	tp, err := common.GetNewTaskProcessorInstance("ut-batcher", 16)
	assert.Nil(err)
	uut, err := DefineChannelBatcher(tp, sendFn, maxBatchSize, batchDelay, ctxt, wg)
	assert.Nil(err)
	assert.Nil(tp.StartEventLoop(wg))
	return uut, func() {
		assert.Nil(tp.StopEventLoop())
		cancel()
		wg.Wait()
	}
}

func TestBatcherSizeTriggeredFlush(t *testing.T) {
	assert := assert.New(t)

	recorder := &sendRecorder{}
	uut, shutdown := batcherTestHarness(t, 3, time.Hour, recorder.send)
	defer shutdown()

	// Seven messages with batch size three: two immediate flushes of
	// exactly three messages each, in enqueue order
	for itr := 0; itr < 7; itr++ {
		assert.Nil(uut.AddMessage("rates", fmt.Sprintf("msg-%d", itr)))
	}
	time.Sleep(time.Millisecond * 100)

	assert.Equal(2, recorder.callCount())
	first := recorder.call(0)
	assert.Len(first, 1)
	assert.Equal("rates", first[0].Channel)
	assert.Equal(common.BatchEnvelopeKind, first[0].Kind)
	assert.Equal([]interface{}{"msg-0", "msg-1", "msg-2"}, first[0].Messages)
	second := recorder.call(1)
	assert.Len(second, 1)
	assert.Equal([]interface{}{"msg-3", "msg-4", "msg-5"}, second[0].Messages)

	// The remainder flushes only via an explicit flush or the timer
	assert.Nil(uut.FlushAll(context.Background()))
	assert.Equal(3, recorder.callCount())
	third := recorder.call(2)
	assert.Len(third, 1)
	assert.Equal([]interface{}{"msg-6"}, third[0].Messages)

	// Envelope timestamp is RFC-3339
	_, err := time.Parse(time.RFC3339Nano, third[0].Timestamp)
	assert.Nil(err)
}

func TestBatcherTimerFlushCoversAllChannels(t *testing.T) {
	assert := assert.New(t)

	recorder := &sendRecorder{}
	uut, shutdown := batcherTestHarness(t, 10, time.Millisecond*100, recorder.send)
	defer shutdown()

	assert.Nil(uut.AddMessage("rates", "r-0"))
	assert.Nil(uut.AddMessage("rates", "r-1"))
	assert.Nil(uut.AddMessage("fx", "f-0"))

	// Nothing hit the size trigger yet
	time.Sleep(time.Millisecond * 30)
	assert.Equal(0, recorder.callCount())

	time.Sleep(time.Millisecond * 150)
	assert.Equal(1, recorder.callCount())
	envelopes := recorder.call(0)
	assert.Len(envelopes, 2)
	byChannel := map[string][]interface{}{}
	for _, envelope := range envelopes {
		byChannel[envelope.Channel] = envelope.Messages
	}
	assert.Equal([]interface{}{"r-0", "r-1"}, byChannel["rates"])
	assert.Equal([]interface{}{"f-0"}, byChannel["fx"])

	// One-shot timer. No further flush without new messages.
	time.Sleep(time.Millisecond * 150)
	assert.Equal(1, recorder.callCount())
}

func TestBatcherFlushChannelLeavesOthersQueued(t *testing.T) {
	assert := assert.New(t)

	recorder := &sendRecorder{}
	uut, shutdown := batcherTestHarness(t, 10, time.Hour, recorder.send)
	defer shutdown()

	assert.Nil(uut.AddMessage("rates", "r-0"))
	assert.Nil(uut.AddMessage("fx", "f-0"))

	assert.Nil(uut.FlushChannel(context.Background(), "rates"))
	assert.Equal(1, recorder.callCount())
	envelopes := recorder.call(0)
	assert.Len(envelopes, 1)
	assert.Equal("rates", envelopes[0].Channel)

	// Flushing an empty channel sends nothing
	assert.Nil(uut.FlushChannel(context.Background(), "rates"))
	assert.Equal(1, recorder.callCount())

	assert.Nil(uut.FlushAll(context.Background()))
	assert.Equal(2, recorder.callCount())
	envelopes = recorder.call(1)
	assert.Len(envelopes, 1)
	assert.Equal("fx", envelopes[0].Channel)
}

func TestBatcherFlushAllCancelsTimer(t *testing.T) {
	assert := assert.New(t)

	recorder := &sendRecorder{}
	uut, shutdown := batcherTestHarness(t, 10, time.Millisecond*100, recorder.send)
	defer shutdown()

	assert.Nil(uut.AddMessage("rates", "r-0"))
	assert.Nil(uut.FlushAll(context.Background()))
	assert.Equal(1, recorder.callCount())

	// The timer armed by AddMessage was cancelled by FlushAll
	time.Sleep(time.Millisecond * 200)
	assert.Equal(1, recorder.callCount())
}

func TestBatcherClearDropsWithoutSending(t *testing.T) {
	assert := assert.New(t)

	recorder := &sendRecorder{}
	uut, shutdown := batcherTestHarness(t, 10, time.Millisecond*100, recorder.send)
	defer shutdown()

	assert.Nil(uut.AddMessage("rates", "r-0"))
	assert.Nil(uut.AddMessage("fx", "f-0"))
	assert.Nil(uut.Clear(context.Background()))

	// No sends, and the pending timer was cancelled
	time.Sleep(time.Millisecond * 200)
	assert.Equal(0, recorder.callCount())

	assert.Nil(uut.FlushAll(context.Background()))
	assert.Equal(0, recorder.callCount())
}

func TestBatcherStaleTimerFireIgnored(t *testing.T) {
	assert := assert.New(t)

	recorder := &sendRecorder{}
	wg := &sync.WaitGroup{}
	ctxt, cancel := context.WithCancel(context.Background())
	defer func() {
		cancel()
		wg.Wait()
	}()
	tp, err := common.GetNewTaskProcessorInstance("ut-batcher", 16)
	assert.Nil(err)
	uut, err := DefineChannelBatcher(tp, recorder.send, 10, time.Hour, ctxt, wg)
	assert.Nil(err)

	// Drive the handlers directly to pin the interleaving: a fire from a
	// cancelled timer sitting in the queue behind a fresh arm
	uutc := uut.(*channelBatcherImpl)

	assert.Nil(uutc.processAddMessage(batcherAddMsgReq{channel: "rates", message: "r-0"}))
	staleGeneration := uutc.timerGeneration

	// Flush-all cancels the pending timer and drains the queue
	assert.Nil(uutc.processFlushAll(batcherFlushAllReq{resultCB: func(error) {}}))
	assert.Equal(1, recorder.callCount())

	// A new message arms a fresh timer
	assert.Nil(uutc.processAddMessage(batcherAddMsgReq{channel: "rates", message: "r-1"}))
	assert.True(uutc.timerActive)

	// The cancelled timer's fire arrives late. The fresh queue must not
	// flush before its own delay elapses.
	assert.Nil(uutc.processTimerFired(batcherTimerFiredReq{generation: staleGeneration}))
	assert.Equal(1, recorder.callCount())
	assert.True(uutc.timerActive)

	// The live timer's fire flushes as normal
	assert.Nil(uutc.processTimerFired(batcherTimerFiredReq{generation: uutc.timerGeneration}))
	assert.Equal(2, recorder.callCount())
	assert.Equal([]interface{}{"r-1"}, recorder.call(1)[0].Messages)
}

func TestBatcherSendFailureStillClearsQueues(t *testing.T) {
	assert := assert.New(t)

	failing := func(ctxt context.Context, envelopes []common.BatchEnvelope) error {
		return fmt.Errorf("transport down")
	}
	uut, shutdown := batcherTestHarness(t, 2, time.Hour, failing)
	defer shutdown()

	assert.Nil(uut.AddMessage("rates", "r-0"))
	assert.Nil(uut.AddMessage("rates", "r-1"))
	time.Sleep(time.Millisecond * 50)

	// The failed batch was not retained
	recorder := &sendRecorder{}
	uutc := uut.(*channelBatcherImpl)
	uutc.send = recorder.send
	assert.Nil(uut.FlushAll(context.Background()))
	assert.Equal(0, recorder.callCount())
}
