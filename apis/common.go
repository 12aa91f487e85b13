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
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/alwitt/goutils"
	"github.com/alwitt/reqbroker/broker"
	"github.com/alwitt/reqbroker/common"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
)

// MethodHandlers DICT of method-endpoint handler
type MethodHandlers map[string]http.HandlerFunc

// RegisterPathPrefix Register new method handler for an end-point
func RegisterPathPrefix(
	parentRouter *mux.Router, pathPrefix string, methodHandlers MethodHandlers,
) *mux.Router {
	router := parentRouter.PathPrefix(pathPrefix).Subrouter()
	for method, handler := range methodHandlers {
		router.Methods(method).Path("").HandlerFunc(handler)
	}
	return router
}

// ========================================================================================

// brokerRestHandler base of the broker REST handlers
type brokerRestHandler struct {
	goutils.RestAPIHandler
	core         broker.Broker
	callerHeader string
	validate     *validator.Validate
}

// defineBrokerRestHandler define the shared REST handler base
func defineBrokerRestHandler(
	logTags log.Fields, core broker.Broker, httpConfig *common.HTTPConfig,
) brokerRestHandler {
	return brokerRestHandler{
		RestAPIHandler: goutils.RestAPIHandler{
			Component: goutils.Component{
				LogTags: logTags,
				LogTagModifiers: []goutils.LogMetadataModifier{
					goutils.ModifyLogMetadataByRestRequestParam,
				},
			},
			CallRequestIDHeaderField: &httpConfig.Logging.RequestIDHeader,
			DoNotLogHeaders: func() map[string]bool {
				result := map[string]bool{}
				for _, v := range httpConfig.Logging.DoNotLogHeaders {
					result[v] = true
				}
				return result
			}(),
		},
		core:         core,
		callerHeader: httpConfig.CallerHeader,
		validate:     validator.New(),
	}
}

// readCaller read the caller address of a request
func (h brokerRestHandler) readCaller(r *http.Request) (broker.Address, error) {
	caller := r.Header.Get(h.callerHeader)
	if caller == "" {
		return "", fmt.Errorf("request has no %s header", h.callerHeader)
	}
	return broker.Address(caller), nil
}

// readUintPathVar read a numeric path variable
func readUintPathVar(r *http.Request, name string) (uint64, error) {
	raw, ok := mux.Vars(r)[name]
	if !ok {
		return 0, fmt.Errorf("no %s provided", name)
	}
	value, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%s '%s' is not a valid ID: %w", name, raw, err)
	}
	return value, nil
}

// brokerErrorStatus map a broker error onto the HTTP response code
func brokerErrorStatus(err error) int {
	switch {
	case broker.IsNotFound(err):
		return http.StatusNotFound
	case broker.IsAuthError(err):
		return http.StatusForbidden
	case broker.IsConsistencyError(err), errors.Is(err, broker.ErrPendingRequestExists):
		return http.StatusConflict
	case broker.IsCapacityError(err),
		errors.Is(err, broker.ErrInsufficientBalance),
		errors.Is(err, broker.ErrBudgetExceeded),
		errors.Is(err, broker.ErrBalanceOverflow):
		return http.StatusUnprocessableEntity
	case broker.IsValidationError(err):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// brokerError standard error response for a failed broker operation
func (h brokerRestHandler) brokerError(
	r *http.Request, localLogTags log.Fields, err error, msg string,
) (int, interface{}) {
	respCode := brokerErrorStatus(err)
	if respCode == http.StatusInternalServerError {
		log.WithError(err).WithFields(localLogTags).Error(msg)
	} else {
		log.WithError(err).WithFields(localLogTags).Warn(msg)
	}
	return respCode, h.GetStdRESTErrorMsg(r.Context(), respCode, msg, err.Error())
}

// badRequest standard error response for a malformed request
func (h brokerRestHandler) badRequest(
	r *http.Request, localLogTags log.Fields, err error, msg string,
) (int, interface{}) {
	log.WithError(err).WithFields(localLogTags).Error(msg)
	return http.StatusBadRequest, h.GetStdRESTErrorMsg(
		r.Context(), http.StatusBadRequest, msg, err.Error(),
	)
}

// -----------------------------------------------------------------------

// Alive godoc
// @Summary For REST API liveness check
// @Description Will return success to indicate REST API module is live
// @Produce json
// @Success 200 {object} goutils.RestAPIBaseResponse "success"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Router /v1/alive [get]
func (h brokerRestHandler) Alive(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	if err := h.WriteRESTResponse(
		w, http.StatusOK, h.GetStdRESTSuccessMsg(r.Context()), nil,
	); err != nil {
		log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
	}
}

// AliveHandler Wrapper around Alive
func (h brokerRestHandler) AliveHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.Alive(w, r)
	}
}

// Ready godoc
// @Summary For REST API readiness check
// @Description Will return success if the broker is processing operations
// @Produce json
// @Success 200 {object} goutils.RestAPIBaseResponse "success"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Router /v1/ready [get]
func (h brokerRestHandler) Ready(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	respCode := http.StatusOK
	var respBody interface{} = h.GetStdRESTSuccessMsg(r.Context())
	if !h.core.Ready() {
		msg := "not ready"
		respCode = http.StatusInternalServerError
		respBody = h.GetStdRESTErrorMsg(r.Context(), respCode, msg, "broker is not running")
	}
	if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
		log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
	}
}

// ReadyHandler Wrapper around Ready
func (h brokerRestHandler) ReadyHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.Ready(w, r)
	}
}
