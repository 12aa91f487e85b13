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
	"net/http"

	"github.com/alwitt/goutils"
	"github.com/alwitt/reqbroker/broker"
	"github.com/alwitt/reqbroker/common"
	"github.com/apex/log"
	"github.com/gorilla/mux"
)

// APIRestBrokerManagementHandler REST handler for subscription and route management
type APIRestBrokerManagementHandler struct {
	brokerRestHandler
}

// GetAPIRestBrokerManagementHandler define APIRestBrokerManagementHandler
func GetAPIRestBrokerManagementHandler(
	core broker.Broker, httpConfig *common.HTTPConfig,
) (APIRestBrokerManagementHandler, error) {
	logTags := log.Fields{"module": "apis", "component": "broker-management"}
	return APIRestBrokerManagementHandler{
		brokerRestHandler: defineBrokerRestHandler(logTags, core, httpConfig),
	}, nil
}

// RegisterManagementRoutes install the management routes on a router
func RegisterManagementRoutes(parent *mux.Router, h APIRestBrokerManagementHandler) {
	subRouter := RegisterPathPrefix(parent, "/v1/subscription", MethodHandlers{
		http.MethodPost: h.CreateSubscriptionHandler(),
	})
	perSubRouter := RegisterPathPrefix(subRouter, "/{subID}", MethodHandlers{
		http.MethodGet:    h.GetSubscriptionHandler(),
		http.MethodDelete: h.CancelSubscriptionHandler(),
	})
	_ = RegisterPathPrefix(perSubRouter, "/fund", MethodHandlers{
		http.MethodPost: h.FundSubscriptionHandler(),
	})
	_ = RegisterPathPrefix(perSubRouter, "/flags", MethodHandlers{
		http.MethodPut: h.SetSubscriptionFlagsHandler(),
	})
	_ = RegisterPathPrefix(perSubRouter, "/owner", MethodHandlers{
		http.MethodPost: h.ProposeOwnerHandler(),
		http.MethodPut:  h.AcceptOwnerHandler(),
	})
	consumerRouter := RegisterPathPrefix(perSubRouter, "/consumer", MethodHandlers{
		http.MethodPost: h.AddConsumerHandler(),
	})
	_ = RegisterPathPrefix(consumerRouter, "/{consumer}", MethodHandlers{
		http.MethodGet:    h.GetConsumerHandler(),
		http.MethodDelete: h.RemoveConsumerHandler(),
	})

	routeRouter := RegisterPathPrefix(parent, "/v1/route", MethodHandlers{
		http.MethodGet: h.GetRoutesHandler(),
	})
	_ = RegisterPathPrefix(routeRouter, "/proposal", MethodHandlers{
		http.MethodPost: h.ProposeRoutesHandler(),
		http.MethodPut:  h.ApplyRoutesHandler(),
	})
	_ = RegisterPathPrefix(parent, "/v1/fees", MethodHandlers{
		http.MethodGet: h.GetFeePoolsHandler(),
	})
}

// =======================================================================
// Subscriptions

// APIRestRespSubscription response carrying one subscription
type APIRestRespSubscription struct {
	goutils.RestAPIBaseResponse
	// Subscription is the subscription
	Subscription broker.Subscription `json:"subscription"`
}

func (h APIRestBrokerManagementHandler) subscriptionResponse(
	r *http.Request, sub broker.Subscription,
) APIRestRespSubscription {
	return APIRestRespSubscription{
		RestAPIBaseResponse: goutils.RestAPIBaseResponse{
			Success: true, RequestID: h.ReadRequestIDFromContext(r.Context()),
		},
		Subscription: sub,
	}
}

// CreateSubscription godoc
// @Summary Define a new subscription
// @Description Define a new subscription owned by the caller
// @tags Management
// @Produce json
// @Param Reqbroker-Caller header string true "Caller address"
// @Success 200 {object} APIRestRespSubscription "success"
// @Failure 400 {object} goutils.RestAPIBaseResponse "error"
// @Router /v1/subscription [post]
func (h APIRestBrokerManagementHandler) CreateSubscription(w http.ResponseWriter, r *http.Request) {
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
	sub, err := h.core.CreateSubscription(r.Context(), caller)
	if err != nil {
		respCode, respBody = h.brokerError(r, localLogTags, err, "Unable to create subscription")
		return
	}
	respCode = http.StatusOK
	respBody = h.subscriptionResponse(r, sub)
}

// CreateSubscriptionHandler Wrapper around CreateSubscription
func (h APIRestBrokerManagementHandler) CreateSubscriptionHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.CreateSubscription(w, r)
	}
}

// -----------------------------------------------------------------------

// GetSubscription godoc
// @Summary Query one subscription
// @tags Management
// @Produce json
// @Param subID path integer true "Subscription ID"
// @Success 200 {object} APIRestRespSubscription "success"
// @Failure 404 {object} goutils.RestAPIBaseResponse "error"
// @Router /v1/subscription/{subID} [get]
func (h APIRestBrokerManagementHandler) GetSubscription(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer func() {
		if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}()

	subID, err := readUintPathVar(r, "subID")
	if err != nil {
		respCode, respBody = h.badRequest(r, localLogTags, err, "Invalid subscription ID")
		return
	}
	sub, err := h.core.GetSubscription(r.Context(), subID)
	if err != nil {
		respCode, respBody = h.brokerError(r, localLogTags, err, "Unable to fetch subscription")
		return
	}
	respCode = http.StatusOK
	respBody = h.subscriptionResponse(r, sub)
}

// GetSubscriptionHandler Wrapper around GetSubscription
func (h APIRestBrokerManagementHandler) GetSubscriptionHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.GetSubscription(w, r)
	}
}

// -----------------------------------------------------------------------

// APIRestRespCancel response to a subscription cancel
type APIRestRespCancel struct {
	goutils.RestAPIBaseResponse
	// Refund is the residual balance owed to the recipient
	Refund uint64 `json:"refund"`
	// Recipient is who the refund is owed to
	Recipient broker.Address `json:"recipient"`
}

// CancelSubscription godoc
// @Summary Cancel a subscription
// @Description Remove a subscription with no pending requests. The residual balance is
// owed to the recipient, or the owner if not given.
// @tags Management
// @Produce json
// @Param Reqbroker-Caller header string true "Caller address"
// @Param subID path integer true "Subscription ID"
// @Param recipient query string false "Refund recipient"
// @Success 200 {object} APIRestRespCancel "success"
// @Failure 403 {object} goutils.RestAPIBaseResponse "error"
// @Failure 409 {object} goutils.RestAPIBaseResponse "error"
// @Router /v1/subscription/{subID} [delete]
func (h APIRestBrokerManagementHandler) CancelSubscription(w http.ResponseWriter, r *http.Request) {
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
	subID, err := readUintPathVar(r, "subID")
	if err != nil {
		respCode, respBody = h.badRequest(r, localLogTags, err, "Invalid subscription ID")
		return
	}
	recipient := broker.Address(r.URL.Query().Get("recipient"))
	if recipient == "" {
		recipient = caller
	}
	refund, err := h.core.CancelSubscription(r.Context(), caller, subID, recipient)
	if err != nil {
		respCode, respBody = h.brokerError(r, localLogTags, err, "Unable to cancel subscription")
		return
	}
	respCode = http.StatusOK
	respBody = APIRestRespCancel{
		RestAPIBaseResponse: goutils.RestAPIBaseResponse{
			Success: true, RequestID: h.ReadRequestIDFromContext(r.Context()),
		},
		Refund:    refund,
		Recipient: recipient,
	}
}

// CancelSubscriptionHandler Wrapper around CancelSubscription
func (h APIRestBrokerManagementHandler) CancelSubscriptionHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.CancelSubscription(w, r)
	}
}

// -----------------------------------------------------------------------

// APIRestReqFund parameters for funding a subscription
type APIRestReqFund struct {
	// Amount is the amount to add to the subscription balance
	Amount uint64 `json:"amount"`
}

// FundSubscription godoc
// @Summary Fund a subscription
// @Description Add to the balance of a subscription. Anyone may fund a subscription.
// @tags Management
// @Accept json
// @Produce json
// @Param Reqbroker-Caller header string true "Caller address"
// @Param subID path integer true "Subscription ID"
// @Param param body APIRestReqFund true "Funding amount"
// @Success 200 {object} APIRestRespSubscription "success"
// @Failure 404 {object} goutils.RestAPIBaseResponse "error"
// @Failure 422 {object} goutils.RestAPIBaseResponse "error"
// @Router /v1/subscription/{subID}/fund [post]
func (h APIRestBrokerManagementHandler) FundSubscription(w http.ResponseWriter, r *http.Request) {
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
	subID, err := readUintPathVar(r, "subID")
	if err != nil {
		respCode, respBody = h.badRequest(r, localLogTags, err, "Invalid subscription ID")
		return
	}
	var params APIRestReqFund
	if err := json.NewDecoder(r.Body).Decode(&params); err != nil {
		respCode, respBody = h.badRequest(r, localLogTags, err, "Unable to parse request body")
		return
	}
	sub, err := h.core.FundSubscription(r.Context(), caller, subID, params.Amount)
	if err != nil {
		respCode, respBody = h.brokerError(r, localLogTags, err, "Unable to fund subscription")
		return
	}
	respCode = http.StatusOK
	respBody = h.subscriptionResponse(r, sub)
}

// FundSubscriptionHandler Wrapper around FundSubscription
func (h APIRestBrokerManagementHandler) FundSubscriptionHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.FundSubscription(w, r)
	}
}

// -----------------------------------------------------------------------

// APIRestReqFlags parameters for changing subscription flags
type APIRestReqFlags struct {
	// Flags are the new subscription policy flags. The low byte selects the callback budget tier.
	Flags uint64 `json:"flags"`
}

// SetSubscriptionFlags godoc
// @Summary Change subscription flags
// @Description Change the policy flags of a subscription. Broker owner only.
// @tags Management
// @Accept json
// @Produce json
// @Param Reqbroker-Caller header string true "Caller address"
// @Param subID path integer true "Subscription ID"
// @Param param body APIRestReqFlags true "New flags"
// @Success 200 {object} APIRestRespSubscription "success"
// @Failure 403 {object} goutils.RestAPIBaseResponse "error"
// @Router /v1/subscription/{subID}/flags [put]
func (h APIRestBrokerManagementHandler) SetSubscriptionFlags(w http.ResponseWriter, r *http.Request) {
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
	subID, err := readUintPathVar(r, "subID")
	if err != nil {
		respCode, respBody = h.badRequest(r, localLogTags, err, "Invalid subscription ID")
		return
	}
	var params APIRestReqFlags
	if err := json.NewDecoder(r.Body).Decode(&params); err != nil {
		respCode, respBody = h.badRequest(r, localLogTags, err, "Unable to parse request body")
		return
	}
	sub, err := h.core.SetSubscriptionFlags(r.Context(), caller, subID, params.Flags)
	if err != nil {
		respCode, respBody = h.brokerError(r, localLogTags, err, "Unable to change flags")
		return
	}
	respCode = http.StatusOK
	respBody = h.subscriptionResponse(r, sub)
}

// SetSubscriptionFlagsHandler Wrapper around SetSubscriptionFlags
func (h APIRestBrokerManagementHandler) SetSubscriptionFlagsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.SetSubscriptionFlags(w, r)
	}
}

// -----------------------------------------------------------------------

// APIRestReqOwner parameters for proposing a new subscription owner
type APIRestReqOwner struct {
	// NewOwner is the proposed owner
	NewOwner string `json:"new_owner" validate:"required"`
}

// ProposeOwner godoc
// @Summary Propose a new subscription owner
// @Description First step of a two step ownership transfer. Owner only.
// @tags Management
// @Accept json
// @Produce json
// @Param Reqbroker-Caller header string true "Caller address"
// @Param subID path integer true "Subscription ID"
// @Param param body APIRestReqOwner true "Proposed owner"
// @Success 200 {object} goutils.RestAPIBaseResponse "success"
// @Failure 403 {object} goutils.RestAPIBaseResponse "error"
// @Router /v1/subscription/{subID}/owner [post]
func (h APIRestBrokerManagementHandler) ProposeOwner(w http.ResponseWriter, r *http.Request) {
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
	subID, err := readUintPathVar(r, "subID")
	if err != nil {
		respCode, respBody = h.badRequest(r, localLogTags, err, "Invalid subscription ID")
		return
	}
	var params APIRestReqOwner
	if err := json.NewDecoder(r.Body).Decode(&params); err != nil {
		respCode, respBody = h.badRequest(r, localLogTags, err, "Unable to parse request body")
		return
	}
	if err := h.validate.Struct(&params); err != nil {
		respCode, respBody = h.badRequest(r, localLogTags, err, "Invalid owner proposal")
		return
	}
	if err := h.core.ProposeSubscriptionOwnerTransfer(
		r.Context(), caller, subID, broker.Address(params.NewOwner),
	); err != nil {
		respCode, respBody = h.brokerError(r, localLogTags, err, "Unable to propose owner")
		return
	}
	respCode = http.StatusOK
	respBody = h.GetStdRESTSuccessMsg(r.Context())
}

// ProposeOwnerHandler Wrapper around ProposeOwner
func (h APIRestBrokerManagementHandler) ProposeOwnerHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.ProposeOwner(w, r)
	}
}

// AcceptOwner godoc
// @Summary Accept subscription ownership
// @Description Second step of a two step ownership transfer. Proposed owner only.
// @tags Management
// @Produce json
// @Param Reqbroker-Caller header string true "Caller address"
// @Param subID path integer true "Subscription ID"
// @Success 200 {object} APIRestRespSubscription "success"
// @Failure 403 {object} goutils.RestAPIBaseResponse "error"
// @Router /v1/subscription/{subID}/owner [put]
func (h APIRestBrokerManagementHandler) AcceptOwner(w http.ResponseWriter, r *http.Request) {
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
	subID, err := readUintPathVar(r, "subID")
	if err != nil {
		respCode, respBody = h.badRequest(r, localLogTags, err, "Invalid subscription ID")
		return
	}
	sub, err := h.core.AcceptSubscriptionOwnerTransfer(r.Context(), caller, subID)
	if err != nil {
		respCode, respBody = h.brokerError(r, localLogTags, err, "Unable to accept ownership")
		return
	}
	respCode = http.StatusOK
	respBody = h.subscriptionResponse(r, sub)
}

// AcceptOwnerHandler Wrapper around AcceptOwner
func (h APIRestBrokerManagementHandler) AcceptOwnerHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.AcceptOwner(w, r)
	}
}

// =======================================================================
// Consumers

// APIRestReqConsumer parameters for authorizing a consumer
type APIRestReqConsumer struct {
	// Consumer is the consumer address
	Consumer string `json:"consumer" validate:"required"`
}

// APIRestRespConsumer response carrying one consumer record
type APIRestRespConsumer struct {
	goutils.RestAPIBaseResponse
	// Consumer is the consumer authorization record
	Consumer broker.ConsumerRecord `json:"consumer"`
}

// AddConsumer godoc
// @Summary Authorize a consumer
// @Description Authorize a consumer to submit requests against a subscription. Owner only.
// @tags Management
// @Accept json
// @Produce json
// @Param Reqbroker-Caller header string true "Caller address"
// @Param subID path integer true "Subscription ID"
// @Param param body APIRestReqConsumer true "Consumer"
// @Success 200 {object} goutils.RestAPIBaseResponse "success"
// @Failure 403 {object} goutils.RestAPIBaseResponse "error"
// @Failure 422 {object} goutils.RestAPIBaseResponse "error"
// @Router /v1/subscription/{subID}/consumer [post]
func (h APIRestBrokerManagementHandler) AddConsumer(w http.ResponseWriter, r *http.Request) {
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
	subID, err := readUintPathVar(r, "subID")
	if err != nil {
		respCode, respBody = h.badRequest(r, localLogTags, err, "Invalid subscription ID")
		return
	}
	var params APIRestReqConsumer
	if err := json.NewDecoder(r.Body).Decode(&params); err != nil {
		respCode, respBody = h.badRequest(r, localLogTags, err, "Unable to parse request body")
		return
	}
	if err := h.validate.Struct(&params); err != nil {
		respCode, respBody = h.badRequest(r, localLogTags, err, "Invalid consumer")
		return
	}
	if err := h.core.AddConsumer(
		r.Context(), caller, subID, broker.Address(params.Consumer),
	); err != nil {
		respCode, respBody = h.brokerError(r, localLogTags, err, "Unable to add consumer")
		return
	}
	respCode = http.StatusOK
	respBody = h.GetStdRESTSuccessMsg(r.Context())
}

// AddConsumerHandler Wrapper around AddConsumer
func (h APIRestBrokerManagementHandler) AddConsumerHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.AddConsumer(w, r)
	}
}

// GetConsumer godoc
// @Summary Query a consumer
// @Description Query the authorization record of a consumer against a subscription
// @tags Management
// @Produce json
// @Param subID path integer true "Subscription ID"
// @Param consumer path string true "Consumer address"
// @Success 200 {object} APIRestRespConsumer "success"
// @Failure 403 {object} goutils.RestAPIBaseResponse "error"
// @Failure 404 {object} goutils.RestAPIBaseResponse "error"
// @Router /v1/subscription/{subID}/consumer/{consumer} [get]
func (h APIRestBrokerManagementHandler) GetConsumer(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer func() {
		if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}()

	subID, err := readUintPathVar(r, "subID")
	if err != nil {
		respCode, respBody = h.badRequest(r, localLogTags, err, "Invalid subscription ID")
		return
	}
	consumer := broker.Address(mux.Vars(r)["consumer"])
	rec, err := h.core.GetConsumer(r.Context(), consumer, subID)
	if err != nil {
		respCode, respBody = h.brokerError(r, localLogTags, err, "Unable to fetch consumer")
		return
	}
	respCode = http.StatusOK
	respBody = APIRestRespConsumer{
		RestAPIBaseResponse: goutils.RestAPIBaseResponse{
			Success: true, RequestID: h.ReadRequestIDFromContext(r.Context()),
		},
		Consumer: rec,
	}
}

// GetConsumerHandler Wrapper around GetConsumer
func (h APIRestBrokerManagementHandler) GetConsumerHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.GetConsumer(w, r)
	}
}

// RemoveConsumer godoc
// @Summary Remove a consumer
// @Description Remove a consumer with no pending requests from a subscription. Owner only.
// @tags Management
// @Produce json
// @Param Reqbroker-Caller header string true "Caller address"
// @Param subID path integer true "Subscription ID"
// @Param consumer path string true "Consumer address"
// @Success 200 {object} goutils.RestAPIBaseResponse "success"
// @Failure 403 {object} goutils.RestAPIBaseResponse "error"
// @Failure 409 {object} goutils.RestAPIBaseResponse "error"
// @Router /v1/subscription/{subID}/consumer/{consumer} [delete]
func (h APIRestBrokerManagementHandler) RemoveConsumer(w http.ResponseWriter, r *http.Request) {
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
	subID, err := readUintPathVar(r, "subID")
	if err != nil {
		respCode, respBody = h.badRequest(r, localLogTags, err, "Invalid subscription ID")
		return
	}
	consumer := broker.Address(mux.Vars(r)["consumer"])
	if err := h.core.RemoveConsumer(r.Context(), caller, subID, consumer); err != nil {
		respCode, respBody = h.brokerError(r, localLogTags, err, "Unable to remove consumer")
		return
	}
	respCode = http.StatusOK
	respBody = h.GetStdRESTSuccessMsg(r.Context())
}

// RemoveConsumerHandler Wrapper around RemoveConsumer
func (h APIRestBrokerManagementHandler) RemoveConsumerHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.RemoveConsumer(w, r)
	}
}

// =======================================================================
// Routes

// APIRestRespRoutes response carrying the route table
type APIRestRespRoutes struct {
	goutils.RestAPIBaseResponse
	// Routes are the active routes and staged changes
	Routes broker.RouteTableState `json:"routes"`
}

// GetRoutes godoc
// @Summary Query the route table
// @tags Management
// @Produce json
// @Success 200 {object} APIRestRespRoutes "success"
// @Router /v1/route [get]
func (h APIRestBrokerManagementHandler) GetRoutes(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer func() {
		if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}()

	routes, err := h.core.GetRoutes(r.Context())
	if err != nil {
		respCode, respBody = h.brokerError(r, localLogTags, err, "Unable to fetch routes")
		return
	}
	respCode = http.StatusOK
	respBody = APIRestRespRoutes{
		RestAPIBaseResponse: goutils.RestAPIBaseResponse{
			Success: true, RequestID: h.ReadRequestIDFromContext(r.Context()),
		},
		Routes: routes,
	}
}

// GetRoutesHandler Wrapper around GetRoutes
func (h APIRestBrokerManagementHandler) GetRoutesHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.GetRoutes(w, r)
	}
}

// APIRestReqRouteProposal parameters for staging route changes
//
// The two lists are paired by position.
type APIRestReqRouteProposal struct {
	// RouteIDs are the routes to change
	RouteIDs []broker.RouteID `json:"route_ids"`
	// Endpoints are the new endpoints of the routes
	Endpoints []broker.Endpoint `json:"endpoints"`
}

// ProposeRoutes godoc
// @Summary Stage route changes
// @Description Stage a batch of route changes, replacing any staged batch. Broker owner only.
// @tags Management
// @Accept json
// @Produce json
// @Param Reqbroker-Caller header string true "Caller address"
// @Param param body APIRestReqRouteProposal true "Route changes"
// @Success 200 {object} goutils.RestAPIBaseResponse "success"
// @Failure 400 {object} goutils.RestAPIBaseResponse "error"
// @Failure 403 {object} goutils.RestAPIBaseResponse "error"
// @Router /v1/route/proposal [post]
func (h APIRestBrokerManagementHandler) ProposeRoutes(w http.ResponseWriter, r *http.Request) {
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
	var params APIRestReqRouteProposal
	if err := json.NewDecoder(r.Body).Decode(&params); err != nil {
		respCode, respBody = h.badRequest(r, localLogTags, err, "Unable to parse request body")
		return
	}
	if err := h.core.ProposeRoutes(
		r.Context(), caller, params.RouteIDs, params.Endpoints,
	); err != nil {
		respCode, respBody = h.brokerError(r, localLogTags, err, "Unable to stage route changes")
		return
	}
	respCode = http.StatusOK
	respBody = h.GetStdRESTSuccessMsg(r.Context())
}

// ProposeRoutesHandler Wrapper around ProposeRoutes
func (h APIRestBrokerManagementHandler) ProposeRoutesHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.ProposeRoutes(w, r)
	}
}

// APIRestRespRouteChanges response listing applied route changes
type APIRestRespRouteChanges struct {
	goutils.RestAPIBaseResponse
	// Applied are the route changes installed
	Applied []broker.RouteProposal `json:"applied"`
}

// ApplyRoutes godoc
// @Summary Apply staged route changes
// @Description Install the staged route changes. Broker owner only.
// @tags Management
// @Produce json
// @Param Reqbroker-Caller header string true "Caller address"
// @Success 200 {object} APIRestRespRouteChanges "success"
// @Failure 403 {object} goutils.RestAPIBaseResponse "error"
// @Router /v1/route/proposal [put]
func (h APIRestBrokerManagementHandler) ApplyRoutes(w http.ResponseWriter, r *http.Request) {
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
	applied, err := h.core.ApplyRoutes(r.Context(), caller)
	if err != nil {
		respCode, respBody = h.brokerError(r, localLogTags, err, "Unable to apply route changes")
		return
	}
	respCode = http.StatusOK
	respBody = APIRestRespRouteChanges{
		RestAPIBaseResponse: goutils.RestAPIBaseResponse{
			Success: true, RequestID: h.ReadRequestIDFromContext(r.Context()),
		},
		Applied: applied,
	}
}

// ApplyRoutesHandler Wrapper around ApplyRoutes
func (h APIRestBrokerManagementHandler) ApplyRoutesHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.ApplyRoutes(w, r)
	}
}

// =======================================================================
// Fees

// APIRestRespFeePools response carrying the fee pools
type APIRestRespFeePools struct {
	goutils.RestAPIBaseResponse
	// Pools are the settlement fee pools
	Pools broker.FeePools `json:"pools"`
}

// GetFeePools godoc
// @Summary Query the settlement fee pools
// @tags Management
// @Produce json
// @Success 200 {object} APIRestRespFeePools "success"
// @Router /v1/fees [get]
func (h APIRestBrokerManagementHandler) GetFeePools(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer func() {
		if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}()

	pools, err := h.core.GetFeePools(r.Context())
	if err != nil {
		respCode, respBody = h.brokerError(r, localLogTags, err, "Unable to fetch fee pools")
		return
	}
	respCode = http.StatusOK
	respBody = APIRestRespFeePools{
		RestAPIBaseResponse: goutils.RestAPIBaseResponse{
			Success: true, RequestID: h.ReadRequestIDFromContext(r.Context()),
		},
		Pools: pools,
	}
}

// GetFeePoolsHandler Wrapper around GetFeePools
func (h APIRestBrokerManagementHandler) GetFeePoolsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.GetFeePools(w, r)
	}
}
