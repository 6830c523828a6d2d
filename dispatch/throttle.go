package dispatch

import (
	"encoding/json"
	"math"
	"reflect"
	"sync"
	"time"

	"github.com/apex/log"
	"github.com/openrates/feedmux/common"
)

// UpdateThrottle stateful gate deciding whether a newly computed value
// for a subject is significant enough, or stale enough, to be forwarded.
type UpdateThrottle interface {
	// ShouldForward evaluate the forward decision for a subject. A true
	// result also records newValue as the last-forwarded snapshot.
	//
	// Comparison covers only the fields present in newValue. Updates are
	// full per-subject snapshots, so a field missing from newValue does
	// not count as a change.
	ShouldForward(key string, newValue map[string]interface{}, forcedFields []string) bool
	// Reset drop stored state for a key. The next call for the key
	// behaves as a first observation.
	Reset(key string)
	// Staleness report duration since last forward per known key
	Staleness() map[string]time.Duration
}

// throttleRecord per-subject last-forwarded state
type throttleRecord struct {
	lastValue   map[string]interface{}
	lastForward time.Time
}

// updateThrottleImpl implements UpdateThrottle
type updateThrottleImpl struct {
	common.Component
	lock              sync.Mutex
	records           map[string]*throttleRecord
	interval          time.Duration
	significantChange float64
	timeNow           func() time.Time
}

// DefineUpdateThrottle create new update throttle.
//
// interval is the max duration a subject can be suppressed before an
// update is forwarded regardless of change. significantChange is the
// minimum relative change in a numeric field which forces an update
// through, e.g. 0.01 for 1%.
func DefineUpdateThrottle(
	interval time.Duration, significantChange float64,
) (UpdateThrottle, error) {
	logTags := log.Fields{
		"module": "dispatch", "component": "update-throttle",
	}
	return &updateThrottleImpl{
		Component:         common.Component{LogTags: logTags},
		records:           make(map[string]*throttleRecord),
		interval:          interval,
		significantChange: significantChange,
		timeNow:           time.Now,
	}, nil
}

// ShouldForward evaluate the forward decision for a subject
func (t *updateThrottleImpl) ShouldForward(
	key string, newValue map[string]interface{}, forcedFields []string,
) bool {
	t.lock.Lock()
	defer t.lock.Unlock()
	now := t.timeNow()

	record, seen := t.records[key]
	if !seen {
		// First observation always flows
		t.recordForwardLocked(key, newValue, now)
		return true
	}

	if now.Sub(record.lastForward) >= t.interval {
		t.recordForwardLocked(key, newValue, now)
		return true
	}

	for _, field := range forcedFields {
		if !reflect.DeepEqual(record.lastValue[field], newValue[field]) {
			log.WithFields(t.LogTags).Debugf(
				"Forwarding %s. Forced field %s changed", key, field,
			)
			t.recordForwardLocked(key, newValue, now)
			return true
		}
	}

	for field, value := range newValue {
		if t.fieldChangeSignificant(record.lastValue[field], value) {
			log.WithFields(t.LogTags).Debugf(
				"Forwarding %s. Field %s changed significantly", key, field,
			)
			t.recordForwardLocked(key, newValue, now)
			return true
		}
	}

	return false
}

// recordForwardLocked snapshot newValue as the last-forwarded state
func (t *updateThrottleImpl) recordForwardLocked(
	key string, newValue map[string]interface{}, now time.Time,
) {
	snapshot := make(map[string]interface{}, len(newValue))
	for field, value := range newValue {
		snapshot[field] = value
	}
	t.records[key] = &throttleRecord{lastValue: snapshot, lastForward: now}
}

// fieldChangeSignificant compare one field between the last-forwarded
// and new value. Numeric fields use relative change against the
// threshold; anything else falls back to value inequality.
func (t *updateThrottleImpl) fieldChangeSignificant(oldValue, newValue interface{}) bool {
	oldNum, oldIsNum := asNumeric(oldValue)
	newNum, newIsNum := asNumeric(newValue)
	if !oldIsNum || !newIsNum {
		return !reflect.DeepEqual(oldValue, newValue)
	}
	if oldNum == 0 {
		// Zero baseline. Any non-zero new value is significant.
		return newNum != 0
	}
	return math.Abs(newNum-oldNum)/math.Abs(oldNum) >= t.significantChange
}

// asNumeric coerce a field value to float64 when possible
func asNumeric(value interface{}) (float64, bool) {
	switch v := value.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int32:
		return float64(v), true
	case int64:
		return float64(v), true
	case uint:
		return float64(v), true
	case uint32:
		return float64(v), true
	case uint64:
		return float64(v), true
	case json.Number:
		parsed, err := v.Float64()
		return parsed, err == nil
	default:
		return 0, false
	}
}

// Reset drop stored state for a key
func (t *updateThrottleImpl) Reset(key string) {
	t.lock.Lock()
	defer t.lock.Unlock()
	delete(t.records, key)
}

// Staleness report duration since last forward per known key
func (t *updateThrottleImpl) Staleness() map[string]time.Duration {
	t.lock.Lock()
	defer t.lock.Unlock()
	now := t.timeNow()
	result := make(map[string]time.Duration, len(t.records))
	for key, record := range t.records {
		result[key] = now.Sub(record.lastForward)
	}
	return result
}
