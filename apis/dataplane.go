// Copyright 2021-2022 The reqbroker Authors
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
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/alwitt/goutils"
	"github.com/alwitt/reqbroker/broker"
	"github.com/alwitt/reqbroker/common"
	"github.com/apex/log"
	"github.com/gorilla/mux"
)

// APIRestBrokerDataplaneHandler REST handler for request submission and fulfillment
type APIRestBrokerDataplaneHandler struct {
	brokerRestHandler
	handlers *broker.HandlerRegistry
}

// GetAPIRestBrokerDataplaneHandler define APIRestBrokerDataplaneHandler
func GetAPIRestBrokerDataplaneHandler(
	core broker.Broker, handlers *broker.HandlerRegistry, httpConfig *common.HTTPConfig,
) (APIRestBrokerDataplaneHandler, error) {
	if handlers == nil {
		return APIRestBrokerDataplaneHandler{}, fmt.Errorf("no result handler registry provided")
	}
	logTags := log.Fields{"module": "apis", "component": "broker-dataplane"}
	return APIRestBrokerDataplaneHandler{
		brokerRestHandler: defineBrokerRestHandler(logTags, core, httpConfig),
		handlers:          handlers,
	}, nil
}

// RegisterDataplaneRoutes install the dataplane routes on a router
func RegisterDataplaneRoutes(parent *mux.Router, h APIRestBrokerDataplaneHandler) {
	requestRouter := RegisterPathPrefix(parent, "/v1/request", MethodHandlers{
		http.MethodPost: h.SubmitRequestHandler(),
	})
	perRequestRouter := RegisterPathPrefix(requestRouter, "/{requestID}", MethodHandlers{
		http.MethodGet: h.GetCommitmentHandler(),
	})
	_ = RegisterPathPrefix(perRequestRouter, "/fulfill", MethodHandlers{
		http.MethodPost: h.FulfillRequestHandler(),
	})
	_ = RegisterPathPrefix(parent, "/v1/callback/{consumer}", MethodHandlers{
		http.MethodPut:    h.RegisterCallbackHandler(),
		http.MethodDelete: h.UnregisterCallbackHandler(),
	})
}

// =======================================================================
// Requests

// APIRestRespSubmit response to an admitted request
type APIRestRespSubmit struct {
	goutils.RestAPIBaseResponse
	// Receipt is the recorded commitment and its digest
	Receipt broker.SubmitReceipt `json:"receipt"`
}

// SubmitRequest godoc
// @Summary Submit a request
// @Description Submit a request for off-site execution against a subscription. The caller
// must be an authorized consumer of the subscription.
// @tags Dataplane
// @Accept json
// @Produce json
// @Param Reqbroker-Caller header string true "Caller address"
// @Param param body broker.SubmitParams true "Request parameters"
// @Success 200 {object} APIRestRespSubmit "success"
// @Failure 400 {object} goutils.RestAPIBaseResponse "error"
// @Failure 403 {object} goutils.RestAPIBaseResponse "error"
// @Failure 404 {object} goutils.RestAPIBaseResponse "error"
// @Failure 422 {object} goutils.RestAPIBaseResponse "error"
// @Router /v1/request [post]
func (h APIRestBrokerDataplaneHandler) SubmitRequest(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer func() {
		if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}()

	caller, err := h.readCaller(r)
	if err != nil {
		respCode, respBody = h.badRequest(r, localLogTags, err, "Caller unknown")
		return
	}
	var params broker.SubmitParams
	if err := json.NewDecoder(r.Body).Decode(&params); err != nil {
		respCode, respBody = h.badRequest(r, localLogTags, err, "Unable to parse request body")
		return
	}
	if err := h.validate.Struct(&params); err != nil {
		respCode, respBody = h.badRequest(r, localLogTags, err, "Invalid request parameters")
		return
	}
	receipt, err := h.core.SubmitRequest(r.Context(), caller, params)
	if err != nil {
		respCode, respBody = h.brokerError(r, localLogTags, err, "Request not admitted")
		return
	}
	respCode = http.StatusOK
	respBody = APIRestRespSubmit{
		RestAPIBaseResponse: goutils.RestAPIBaseResponse{
			Success: true, RequestID: h.ReadRequestIDFromContext(r.Context()),
		},
		Receipt: receipt,
	}
}

// SubmitRequestHandler Wrapper around SubmitRequest
func (h APIRestBrokerDataplaneHandler) SubmitRequestHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.SubmitRequest(w, r)
	}
}

// -----------------------------------------------------------------------

// APIRestRespCommitment response carrying a pending commitment
type APIRestRespCommitment struct {
	goutils.RestAPIBaseResponse
	// Commitment is the pending commitment
	Commitment broker.Commitment `json:"commitment"`
}

// GetCommitment godoc
// @Summary Query a pending request
// @tags Dataplane
// @Produce json
// @Param requestID path integer true "Request ID"
// @Success 200 {object} APIRestRespCommitment "success"
// @Failure 404 {object} goutils.RestAPIBaseResponse "error"
// @Router /v1/request/{requestID} [get]
func (h APIRestBrokerDataplaneHandler) GetCommitment(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer func() {
		if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}()

	requestID, err := readUintPathVar(r, "requestID")
	if err != nil {
		respCode, respBody = h.badRequest(r, localLogTags, err, "Invalid request ID")
		return
	}
	commitment, err := h.core.GetCommitment(r.Context(), requestID)
	if err != nil {
		respCode, respBody = h.brokerError(r, localLogTags, err, "Unable to fetch request")
		return
	}
	respCode = http.StatusOK
	respBody = APIRestRespCommitment{
		RestAPIBaseResponse: goutils.RestAPIBaseResponse{
			Success: true, RequestID: h.ReadRequestIDFromContext(r.Context()),
		},
		Commitment: commitment,
	}
}

// GetCommitmentHandler Wrapper around GetCommitment
func (h APIRestBrokerDataplaneHandler) GetCommitmentHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.GetCommitment(w, r)
	}
}

// -----------------------------------------------------------------------

// APIRestReqFulfill parameters for fulfilling a request
type APIRestReqFulfill struct {
	// Commitment is the commitment as seen by the worker pool
	Commitment broker.Commitment `json:"commitment"`
	// Result is the result payload
	Result []byte `json:"result,omitempty"`
	// Error is the error payload
	Error []byte `json:"error,omitempty"`
}

// APIRestRespFulfill response to a fulfillment
type APIRestRespFulfill struct {
	goutils.RestAPIBaseResponse
	// Report is the fulfillment outcome
	Report broker.FulfillReport `json:"report"`
}

// FulfillRequest godoc
// @Summary Fulfill a request
// @Description Deliver the result of a request. The caller is the transmitter. The outcome
// is reported even when the fulfillment was not processed.
// @tags Dataplane
// @Accept json
// @Produce json
// @Param Reqbroker-Caller header string true "Transmitter address"
// @Param requestID path integer true "Request ID"
// @Param param body APIRestReqFulfill true "Fulfillment"
// @Success 200 {object} APIRestRespFulfill "success"
// @Failure 400 {object} goutils.RestAPIBaseResponse "error"
// @Failure 403 {object} goutils.RestAPIBaseResponse "error"
// @Failure 422 {object} APIRestRespFulfill "error"
// @Router /v1/request/{requestID}/fulfill [post]
func (h APIRestBrokerDataplaneHandler) FulfillRequest(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer func() {
		if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}()

	transmitter, err := h.readCaller(r)
	if err != nil {
		respCode, respBody = h.badRequest(r, localLogTags, err, "Caller unknown")
		return
	}
	requestID, err := readUintPathVar(r, "requestID")
	if err != nil {
		respCode, respBody = h.badRequest(r, localLogTags, err, "Invalid request ID")
		return
	}
	var params APIRestReqFulfill
	if err := json.NewDecoder(r.Body).Decode(&params); err != nil {
		respCode, respBody = h.badRequest(r, localLogTags, err, "Unable to parse request body")
		return
	}
	if params.Commitment.RequestID != requestID {
		respCode, respBody = h.badRequest(
			r,
			localLogTags,
			fmt.Errorf(
				"commitment request ID %d does not match %d", params.Commitment.RequestID, requestID,
			),
			"Mismatched fulfillment",
		)
		return
	}
	report, err := h.core.FulfillRequest(
		r.Context(), transmitter, params.Commitment, params.Result, params.Error,
	)
	if err != nil {
		respCode, respBody = h.brokerError(r, localLogTags, err, "Fulfillment not processed")
		// The report of a settled request still reaches the transmitter
		if base, ok := respBody.(goutils.RestAPIBaseResponse); ok && report.RequestID != 0 {
			respBody = APIRestRespFulfill{RestAPIBaseResponse: base, Report: report}
		}
		return
	}
	respCode = http.StatusOK
	respBody = APIRestRespFulfill{
		RestAPIBaseResponse: goutils.RestAPIBaseResponse{
			Success: true, RequestID: h.ReadRequestIDFromContext(r.Context()),
		},
		Report: report,
	}
}

// FulfillRequestHandler Wrapper around FulfillRequest
func (h APIRestBrokerDataplaneHandler) FulfillRequestHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.FulfillRequest(w, r)
	}
}

// =======================================================================
// Result callbacks

// APIRestReqCallback parameters for registering a result callback
type APIRestReqCallback struct {
	// URL is where results are delivered
	URL string `json:"url" validate:"required,url"`
}

// RegisterCallback godoc
// @Summary Register a result callback
// @Description Register the URL results for a consumer are delivered to. Only the consumer
// may register its own callback.
// @tags Dataplane
// @Accept json
// @Produce json
// @Param Reqbroker-Caller header string true "Caller address"
// @Param consumer path string true "Consumer address"
// @Param param body APIRestReqCallback true "Callback target"
// @Success 200 {object} goutils.RestAPIBaseResponse "success"
// @Failure 400 {object} goutils.RestAPIBaseResponse "error"
// @Failure 403 {object} goutils.RestAPIBaseResponse "error"
// @Router /v1/callback/{consumer} [put]
func (h APIRestBrokerDataplaneHandler) RegisterCallback(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer func() {
		if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}()

	consumer, err := h.readCallbackOwner(r)
	if err != nil {
		respCode, respBody = h.brokerError(r, localLogTags, err, "Callback not registered")
		return
	}
	var params APIRestReqCallback
	if err := json.NewDecoder(r.Body).Decode(&params); err != nil {
		respCode, respBody = h.badRequest(r, localLogTags, err, "Unable to parse request body")
		return
	}
	if err := h.validate.Struct(&params); err != nil {
		respCode, respBody = h.badRequest(r, localLogTags, err, "Invalid callback target")
		return
	}
	handler, err := broker.NewHTTPResultHandler(params.URL)
	if err != nil {
		respCode, respBody = h.badRequest(r, localLogTags, err, "Invalid callback target")
		return
	}
	h.handlers.Register(consumer, handler)
	log.WithFields(localLogTags).Infof("Registered result callback %s for %s", params.URL, consumer)
	respCode = http.StatusOK
	respBody = h.GetStdRESTSuccessMsg(r.Context())
}

// RegisterCallbackHandler Wrapper around RegisterCallback
func (h APIRestBrokerDataplaneHandler) RegisterCallbackHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.RegisterCallback(w, r)
	}
}

// UnregisterCallback godoc
// @Summary Remove a result callback
// @tags Dataplane
// @Produce json
// @Param Reqbroker-Caller header string true "Caller address"
// @Param consumer path string true "Consumer address"
// @Success 200 {object} goutils.RestAPIBaseResponse "success"
// @Failure 403 {object} goutils.RestAPIBaseResponse "error"
// @Router /v1/callback/{consumer} [delete]
func (h APIRestBrokerDataplaneHandler) UnregisterCallback(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer func() {
		if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}()

	consumer, err := h.readCallbackOwner(r)
	if err != nil {
		respCode, respBody = h.brokerError(r, localLogTags, err, "Callback not removed")
		return
	}
	h.handlers.Unregister(consumer)
	respCode = http.StatusOK
	respBody = h.GetStdRESTSuccessMsg(r.Context())
}

// UnregisterCallbackHandler Wrapper around UnregisterCallback
func (h APIRestBrokerDataplaneHandler) UnregisterCallbackHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.UnregisterCallback(w, r)
	}
}

// readCallbackOwner read the consumer a callback change applies to, which must be the caller
func (h APIRestBrokerDataplaneHandler) readCallbackOwner(r *http.Request) (broker.Address, error) {
	caller, err := h.readCaller(r)
	if err != nil {
		return "", fmt.Errorf("%w: %s", broker.ErrUnauthorized, err.Error())
	}
	consumer := broker.Address(mux.Vars(r)["consumer"])
	if consumer != caller {
		return "", fmt.Errorf(
			"%w: %s may not change the callback of %s", broker.ErrUnauthorized, caller, consumer,
		)
	}
	return consumer, nil
}
