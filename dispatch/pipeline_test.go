package dispatch

import (
	"context"
	"testing"
	"time"

	"github.com/openrates/feedmux/common"
	"github.com/stretchr/testify/assert"
)

// mockBatcher records messages handed to it by the pipeline
type mockBatcher struct {
	added []common.MarketUpdate
}

func (b *mockBatcher) AddMessage(channel string, message interface{}) error {
	b.added = append(b.added, message.(common.MarketUpdate))
	return nil
}

func (b *mockBatcher) FlushChannel(ctxt context.Context, channel string) error { return nil }
func (b *mockBatcher) FlushAll(ctxt context.Context) error                     { return nil }
func (b *mockBatcher) Clear(ctxt context.Context) error                        { return nil }

func TestPipelineThrottlesBeforeBatching(t *testing.T) {
	assert := assert.New(t)

	throttle, err := DefineUpdateThrottle(time.Second, 0.01)
	assert.Nil(err)
	currentTime := time.Now()
	throttle.(*updateThrottleImpl).timeNow = func() time.Time { return currentTime }

	batcher := &mockBatcher{}
	uut, err := DefineUpdatePipeline(throttle, batcher, []string{"status"})
	assert.Nil(err)

	update := common.MarketUpdate{
		Key:        "treasury/us10y",
		Channel:    "rates",
		Fields:     map[string]interface{}{"yield": 4.25, "status": "open"},
		ObservedAt: currentTime,
	}

	// First observation flows through to the batcher
	assert.Nil(uut.HandleUpdate(update))
	assert.Len(batcher.added, 1)
	assert.Equal("treasury/us10y", batcher.added[0].Key)

	// Insignificant change inside the interval is suppressed
	currentTime = currentTime.Add(time.Millisecond * 100)
	update.Fields = map[string]interface{}{"yield": 4.2501, "status": "open"}
	assert.Nil(uut.HandleUpdate(update))
	assert.Len(batcher.added, 1)

	// Forced field change flows through
	update.Fields = map[string]interface{}{"yield": 4.2501, "status": "halted"}
	assert.Nil(uut.HandleUpdate(update))
	assert.Len(batcher.added, 2)
}
