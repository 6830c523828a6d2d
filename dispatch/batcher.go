package dispatch

import (
	"context"
	"fmt"
	"reflect"
	"sync"
	"time"

	"github.com/apex/log"
	"github.com/openrates/feedmux/common"
)

// ChannelBatcher aggregates per-channel messages and flushes them as
// batch envelopes, either when a channel reaches the batch size or when
// the shared delay timer fires.
type ChannelBatcher interface {
	// AddMessage append a message to a channel's queue
	AddMessage(channel string, message interface{}) error
	// FlushChannel flush one channel's queue as a single batch envelope
	FlushChannel(ctxt context.Context, channel string) error
	// FlushAll flush every non-empty channel queue with one send call
	FlushAll(ctxt context.Context) error
	// Clear discard all queued messages without sending. Intended for
	// shutdown; accepts data loss.
	Clear(ctxt context.Context) error
}

// channelBatcherImpl implements ChannelBatcher.
//
// All queue and timer mutation happens on the task processor event
// loop. At most one flush timer is pending at any instant; the
// generation marks the current arm, so a fire request from a timer
// which was already cancelled is ignored even if it was submitted
// before the cancel took effect.
type channelBatcherImpl struct {
	common.Component
	tp              common.TaskProcessor
	send            common.SendFunc
	maxBatchSize    int
	batchDelay      time.Duration
	queues          map[string][]interface{}
	flushTimer      common.IntervalTimer
	timerActive     bool
	timerGeneration uint64
	rootContext     context.Context
	timeNow         func() time.Time
}

// DefineChannelBatcher create new channel batcher.
//
// The batcher does not retry sendFn failures; that responsibility
// belongs to the transport layer. Queues are always cleared once the
// send call has been issued.
func DefineChannelBatcher(
	tp common.TaskProcessor,
	sendFn common.SendFunc,
	maxBatchSize int,
	batchDelay time.Duration,
	rootCtxt context.Context,
	wg *sync.WaitGroup,
) (ChannelBatcher, error) {
	logTags := log.Fields{
		"module": "dispatch", "component": "channel-batcher",
	}
	flushTimer, err := common.GetIntervalTimerInstance("batch-flush", rootCtxt, wg)
	if err != nil {
		return nil, err
	}
	instance := channelBatcherImpl{
		Component:    common.Component{LogTags: logTags},
		tp:           tp,
		send:         sendFn,
		maxBatchSize: maxBatchSize,
		batchDelay:   batchDelay,
		queues:       make(map[string][]interface{}),
		flushTimer:   flushTimer,
		timerActive:  false,
		rootContext:  rootCtxt,
		timeNow:      time.Now,
	}
	// Add handlers
	if err := tp.AddToTaskExecutionMap(
		reflect.TypeOf(batcherAddMsgReq{}), instance.processAddMessage,
	); err != nil {
		return nil, err
	}
	if err := tp.AddToTaskExecutionMap(
		reflect.TypeOf(batcherFlushChannelReq{}), instance.processFlushChannel,
	); err != nil {
		return nil, err
	}
	if err := tp.AddToTaskExecutionMap(
		reflect.TypeOf(batcherFlushAllReq{}), instance.processFlushAll,
	); err != nil {
		return nil, err
	}
	if err := tp.AddToTaskExecutionMap(
		reflect.TypeOf(batcherClearReq{}), instance.processClear,
	); err != nil {
		return nil, err
	}
	if err := tp.AddToTaskExecutionMap(
		reflect.TypeOf(batcherTimerFiredReq{}), instance.processTimerFired,
	); err != nil {
		return nil, err
	}
	return &instance, nil
}

// ----------------------------------------------------------------------------------------

type batcherAddMsgReq struct {
	channel string
	message interface{}
}

type batcherFlushChannelReq struct {
	channel  string
	resultCB func(error)
}

type batcherFlushAllReq struct {
	resultCB func(error)
}

type batcherClearReq struct {
	resultCB func(error)
}

type batcherTimerFiredReq struct {
	generation uint64
}

// AddMessage append a message to a channel's queue
func (b *channelBatcherImpl) AddMessage(channel string, message interface{}) error {
	return b.tp.Submit(batcherAddMsgReq{channel: channel, message: message})
}

func (b *channelBatcherImpl) processAddMessage(param interface{}) error {
	request, ok := param.(batcherAddMsgReq)
	if !ok {
		return fmt.Errorf(
			"can not process unknown type %s for add-message request", reflect.TypeOf(param),
		)
	}
	b.queues[request.channel] = append(b.queues[request.channel], request.message)
	if len(b.queues[request.channel]) >= b.maxBatchSize {
		// Size trigger flushes only this channel, bypassing the timer
		b.flushChannels([]string{request.channel})
		return nil
	}
	if !b.timerActive {
		b.timerActive = true
		b.timerGeneration++
		generation := b.timerGeneration
		return b.flushTimer.Start(
			b.batchDelay,
			func() error {
				return b.tp.Submit(batcherTimerFiredReq{generation: generation})
			},
			true,
		)
	}
	return nil
}

func (b *channelBatcherImpl) processTimerFired(param interface{}) error {
	request, ok := param.(batcherTimerFiredReq)
	if !ok {
		return fmt.Errorf(
			"can not process unknown type %s for timer-fired request", reflect.TypeOf(param),
		)
	}
	if !b.timerActive || request.generation != b.timerGeneration {
		// Fire from a timer which was already cancelled. Nothing to do.
		return nil
	}
	b.timerActive = false
	b.flushAllQueues()
	return nil
}

// FlushChannel flush one channel's queue as a single batch envelope
func (b *channelBatcherImpl) FlushChannel(ctxt context.Context, channel string) error {
	return b.runSync(ctxt, func(resultCB func(error)) interface{} {
		return batcherFlushChannelReq{channel: channel, resultCB: resultCB}
	})
}

func (b *channelBatcherImpl) processFlushChannel(param interface{}) error {
	request, ok := param.(batcherFlushChannelReq)
	if !ok {
		return fmt.Errorf(
			"can not process unknown type %s for flush-channel request", reflect.TypeOf(param),
		)
	}
	b.flushChannels([]string{request.channel})
	request.resultCB(nil)
	return nil
}

// FlushAll flush every non-empty channel queue with one send call
func (b *channelBatcherImpl) FlushAll(ctxt context.Context) error {
	return b.runSync(ctxt, func(resultCB func(error)) interface{} {
		return batcherFlushAllReq{resultCB: resultCB}
	})
}

func (b *channelBatcherImpl) processFlushAll(param interface{}) error {
	request, ok := param.(batcherFlushAllReq)
	if !ok {
		return fmt.Errorf(
			"can not process unknown type %s for flush-all request", reflect.TypeOf(param),
		)
	}
	b.cancelTimer()
	b.flushAllQueues()
	request.resultCB(nil)
	return nil
}

// Clear discard all queued messages without sending
func (b *channelBatcherImpl) Clear(ctxt context.Context) error {
	return b.runSync(ctxt, func(resultCB func(error)) interface{} {
		return batcherClearReq{resultCB: resultCB}
	})
}

func (b *channelBatcherImpl) processClear(param interface{}) error {
	request, ok := param.(batcherClearReq)
	if !ok {
		return fmt.Errorf(
			"can not process unknown type %s for clear request", reflect.TypeOf(param),
		)
	}
	b.cancelTimer()
	dropped := 0
	for _, queue := range b.queues {
		dropped += len(queue)
	}
	b.queues = make(map[string][]interface{})
	if dropped > 0 {
		log.WithFields(b.LogTags).Warnf("Cleared %d queued messages without sending", dropped)
	}
	request.resultCB(nil)
	return nil
}

// ----------------------------------------------------------------------------------------

// runSync submit a request to the event loop and wait for completion
func (b *channelBatcherImpl) runSync(
	ctxt context.Context, makeRequest func(resultCB func(error)) interface{},
) error {
	complete := make(chan bool, 1)
	var processError error
	handler := func(err error) {
		processError = err
		complete <- true
	}
	if err := b.tp.Submit(makeRequest(handler)); err != nil {
		log.WithError(err).WithFields(b.LogTags).Error("Failed to submit batcher request")
		return err
	}
	select {
	case <-complete:
	case <-ctxt.Done():
		return ctxt.Err()
	}
	return processError
}

// cancelTimer stop the pending flush timer if one is armed
func (b *channelBatcherImpl) cancelTimer() {
	if b.timerActive {
		b.timerActive = false
		b.timerGeneration++
		if err := b.flushTimer.Stop(); err != nil {
			log.WithError(err).WithFields(b.LogTags).Error("Failed to stop flush timer")
		}
	}
}

// flushAllQueues flush every non-empty channel with one send call
func (b *channelBatcherImpl) flushAllQueues() {
	channels := make([]string, 0, len(b.queues))
	for channel, queue := range b.queues {
		if len(queue) > 0 {
			channels = append(channels, channel)
		}
	}
	b.flushChannels(channels)
}

// flushChannels build one envelope per listed non-empty channel, issue
// a single send call, then clear the flushed queues. Send failures are
// logged but never leave a queue partially cleared.
func (b *channelBatcherImpl) flushChannels(channels []string) {
	envelopes := make([]common.BatchEnvelope, 0, len(channels))
	now := b.timeNow()
	for _, channel := range channels {
		queue := b.queues[channel]
		if len(queue) == 0 {
			continue
		}
		envelopes = append(envelopes, common.NewBatchEnvelope(channel, queue, now))
	}
	if len(envelopes) == 0 {
		return
	}
	if err := b.send(b.rootContext, envelopes); err != nil {
		log.WithError(err).WithFields(b.LogTags).Errorf(
			"Send failed for %d envelopes", len(envelopes),
		)
	}
	for _, channel := range channels {
		delete(b.queues, channel)
	}
	log.WithFields(b.LogTags).Debugf("Flushed %d channels", len(envelopes))
}
