// Copyright 2022 The feedmux Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package apis

import (
	"net/http"

	"github.com/alwitt/goutils"
	"github.com/apex/log"
	"github.com/openrates/feedmux/common"
	"github.com/openrates/feedmux/dispatch"
	"github.com/openrates/feedmux/registry"
)

// APIRestMonitoringHandler REST handler for distribution health reporting
type APIRestMonitoringHandler struct {
	goutils.RestAPIHandler
	registry registry.SubscriberRegistry
	throttle dispatch.UpdateThrottle
	ready    func() bool
}

// GetAPIRestMonitoringHandler define APIRestMonitoringHandler.
//
// readyCheck reports whether the distribution pipeline is ready to
// serve; nil means always ready.
func GetAPIRestMonitoringHandler(
	reg registry.SubscriberRegistry,
	throttle dispatch.UpdateThrottle,
	readyCheck func() bool,
	httpConfig *common.HTTPConfig,
) (APIRestMonitoringHandler, error) {
	logTags := log.Fields{
		"module":    "rest",
		"component": "monitoring",
	}
	return APIRestMonitoringHandler{
		RestAPIHandler: defineRestAPIHandler(logTags, httpConfig),
		registry:       reg,
		throttle:       throttle,
		ready:          readyCheck,
	}, nil
}

// APIRestRespRegistrySnapshot response for the registry snapshot query
type APIRestRespRegistrySnapshot struct {
	goutils.RestAPIBaseResponse
	// Snapshot the registry statistics dump
	Snapshot registry.RegistrySnapshot `json:"snapshot"`
}

// GetRegistrySnapshot godoc
// @Summary Query subscriber connection statistics
// @Description Query capacity, per-connection idle time, and aggregate throughput counters
// @tags Monitoring
// @Produce json
// @Param Feedmux-Request-ID header string false "User provided request ID to match against logs"
// @Success 200 {object} APIRestRespRegistrySnapshot "success"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Router /v1/admin/connections [get]
func (h APIRestMonitoringHandler) GetRegistrySnapshot(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	resp := APIRestRespRegistrySnapshot{
		RestAPIBaseResponse: goutils.RestAPIBaseResponse{
			Success: true, RequestID: h.ReadRequestIDFromContext(r.Context()),
		},
		Snapshot: h.registry.Snapshot(),
	}
	if err := h.WriteRESTResponse(w, http.StatusOK, &resp, nil); err != nil {
		log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
	}
}

// GetRegistrySnapshotHandler Wrapper around GetRegistrySnapshot
func (h APIRestMonitoringHandler) GetRegistrySnapshotHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.GetRegistrySnapshot(w, r)
	}
}

// -----------------------------------------------------------------------

// APIRestRespThrottleStaleness response for the throttle staleness query
type APIRestRespThrottleStaleness struct {
	goutils.RestAPIBaseResponse
	// StalenessMS duration since last forward per subject key, in milliseconds
	StalenessMS map[string]int64 `json:"staleness_ms"`
}

// GetThrottleStaleness godoc
// @Summary Query per-subject throttle staleness
// @Description Report duration since an update was last forwarded for each subject
// @tags Monitoring
// @Produce json
// @Param Feedmux-Request-ID header string false "User provided request ID to match against logs"
// @Success 200 {object} APIRestRespThrottleStaleness "success"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Router /v1/admin/staleness [get]
func (h APIRestMonitoringHandler) GetThrottleStaleness(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	staleness := map[string]int64{}
	for key, age := range h.throttle.Staleness() {
		staleness[key] = age.Milliseconds()
	}
	resp := APIRestRespThrottleStaleness{
		RestAPIBaseResponse: goutils.RestAPIBaseResponse{
			Success: true, RequestID: h.ReadRequestIDFromContext(r.Context()),
		},
		StalenessMS: staleness,
	}
	if err := h.WriteRESTResponse(w, http.StatusOK, &resp, nil); err != nil {
		log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
	}
}

// GetThrottleStalenessHandler Wrapper around GetThrottleStaleness
func (h APIRestMonitoringHandler) GetThrottleStalenessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.GetThrottleStaleness(w, r)
	}
}

// -----------------------------------------------------------------------

// Alive godoc
// @Summary For feedmux REST API liveness check
// @Description Will return success to indicate REST API module is live
// @tags Monitoring
// @Produce json
// @Success 200 {object} goutils.RestAPIBaseResponse "success"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Router /v1/alive [get]
func (h APIRestMonitoringHandler) Alive(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	if err := h.WriteRESTResponse(
		w, http.StatusOK, h.GetStdRESTSuccessMsg(r.Context()), nil,
	); err != nil {
		log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
	}
}

// AliveHandler Wrapper around Alive
func (h APIRestMonitoringHandler) AliveHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.Alive(w, r)
	}
}

// -----------------------------------------------------------------------

// Ready godoc
// @Summary For feedmux REST API readiness check
// @Description Will return success if the distribution pipeline is ready for use
// @tags Monitoring
// @Produce json
// @Success 200 {object} goutils.RestAPIBaseResponse "success"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Router /v1/ready [get]
func (h APIRestMonitoringHandler) Ready(w http.ResponseWriter, r *http.Request) {
	msg := "not ready"
	localLogTags := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer func() {
		if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}()

	if h.ready == nil || h.ready() {
		respCode = http.StatusOK
		respBody = h.GetStdRESTSuccessMsg(r.Context())
	} else {
		respCode = http.StatusInternalServerError
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusInternalServerError, msg, msg)
	}
}

// ReadyHandler Wrapper around Ready
func (h APIRestMonitoringHandler) ReadyHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.Ready(w, r)
	}
}
