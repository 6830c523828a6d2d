package dispatch

import (
	"github.com/apex/log"
	"github.com/openrates/feedmux/common"
)

// UpdatePipeline routes a produced update through the throttle and, if
// accepted, into the channel batcher under the update's channel name.
type UpdatePipeline interface {
	// HandleUpdate process one produced update
	HandleUpdate(update common.MarketUpdate) error
}

// updatePipelineImpl implements UpdatePipeline
type updatePipelineImpl struct {
	common.Component
	throttle     UpdateThrottle
	batcher      ChannelBatcher
	forcedFields []string
}

// DefineUpdatePipeline create new update pipeline.
//
// forcedFields are the field names whose change always forces an
// update through the throttle.
func DefineUpdatePipeline(
	throttle UpdateThrottle, batcher ChannelBatcher, forcedFields []string,
) (UpdatePipeline, error) {
	logTags := log.Fields{
		"module": "dispatch", "component": "update-pipeline",
	}
	return &updatePipelineImpl{
		Component:    common.Component{LogTags: logTags},
		throttle:     throttle,
		batcher:      batcher,
		forcedFields: forcedFields,
	}, nil
}

// HandleUpdate process one produced update
func (p *updatePipelineImpl) HandleUpdate(update common.MarketUpdate) error {
	if !p.throttle.ShouldForward(update.Key, update.Fields, p.forcedFields) {
		log.WithFields(p.LogTags).Debugf("Suppressed update for %s", update.Key)
		return nil
	}
	return p.batcher.AddMessage(update.Channel, update)
}
