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
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/alwitt/reqbroker/broker"
	"github.com/alwitt/reqbroker/common"
	"github.com/apex/log"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
)

const testCallerHeader = "Reqbroker-Caller"

func testHTTPConfig() *common.HTTPConfig {
	return &common.HTTPConfig{
		Logging: common.HTTPRequestLogging{
			RequestIDHeader: "Reqbroker-Request-ID",
			DoNotLogHeaders: []string{"Authorization"},
		},
		CallerHeader: testCallerHeader,
		PathPrefix:   "/",
	}
}

type testAPIServer struct {
	core     broker.Broker
	registry *broker.HandlerRegistry
	router   *mux.Router
	stop     func()
}

func testBrokerConfig() common.BrokerConfig {
	return common.BrokerConfig{
		Owner:                       "admin",
		MaxConsumersPerSubscription: 2,
		MaxProposalBatch:            4,
		CallbackBudgetTiers:         []uint32{500, 2000},
		RequestTimeout:              60,
		SweepInterval:               3600,
		EnforceEarmark:              true,
		CallbackBudgetUnit:          int64(time.Millisecond),
		TaskBuffer:                  8,
		Cost:                        common.CostConfig{AdminFee: 1, WorkerFee: 1},
	}
}

func startTestAPIServer(t *testing.T) testAPIServer {
	return startTestAPIServerWithConfig(t, testBrokerConfig())
}

func startTestAPIServerWithConfig(t *testing.T, config common.BrokerConfig) testAPIServer {
	wg := sync.WaitGroup{}
	ctxt, cancel := context.WithCancel(context.Background())
	registry := broker.NewHandlerRegistry()
	core, err := broker.DefineBroker(ctxt, config, nil, registry, nil, nil)
	if err != nil {
		cancel()
		t.Fatalf("unable to define broker: %v", err)
	}
	if err := core.Start(&wg); err != nil {
		cancel()
		t.Fatalf("unable to start broker: %v", err)
	}

	httpConfig := testHTTPConfig()
	mgmt, err := GetAPIRestBrokerManagementHandler(core, httpConfig)
	if err != nil {
		t.Fatalf("unable to define management handler: %v", err)
	}
	dataplane, err := GetAPIRestBrokerDataplaneHandler(core, registry, httpConfig)
	if err != nil {
		t.Fatalf("unable to define dataplane handler: %v", err)
	}
	router := mux.NewRouter()
	mainRouter := RegisterPathPrefix(router, httpConfig.PathPrefix, nil)
	RegisterManagementRoutes(mainRouter, mgmt)
	RegisterDataplaneRoutes(mainRouter, dataplane)
	_ = RegisterPathPrefix(mainRouter, "/v1/ready", MethodHandlers{
		http.MethodGet: mgmt.ReadyHandler(),
	})

	return testAPIServer{
		core:     core,
		registry: registry,
		router:   router,
		stop: func() {
			_ = core.Stop()
			cancel()
			wg.Wait()
		},
	}
}

// call issue a request against the router and parse the response
func (s testAPIServer) call(
	assert *assert.Assertions,
	method, path, caller string,
	body interface{},
	response interface{},
) int {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		assert.Nil(err)
	}
	req, err := http.NewRequest(method, path, bytes.NewReader(payload))
	assert.Nil(err)
	req.Header.Add("Reqbroker-Request-ID", uuid.NewString())
	if caller != "" {
		req.Header.Add(testCallerHeader, caller)
	}
	respRecorder := httptest.NewRecorder()
	s.router.ServeHTTP(respRecorder, req)
	if response != nil {
		assert.Nil(json.Unmarshal(respRecorder.Body.Bytes(), response))
	}
	return respRecorder.Code
}

func TestBrokerErrorStatus(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	cases := map[error]int{
		broker.ErrUnknownSubscription:   http.StatusNotFound,
		broker.ErrRouteNotFound:         http.StatusNotFound,
		broker.ErrUnauthorized:          http.StatusForbidden,
		broker.ErrConsumerNotAuthorized: http.StatusForbidden,
		broker.ErrDuplicateRequestID:    http.StatusConflict,
		broker.ErrPendingRequestExists:  http.StatusConflict,
		broker.ErrCapacityExceeded:      http.StatusUnprocessableEntity,
		broker.ErrBatchTooLarge:         http.StatusUnprocessableEntity,
		broker.ErrInsufficientBalance:   http.StatusUnprocessableEntity,
		broker.ErrBudgetExceeded:        http.StatusUnprocessableEntity,
		broker.ErrInvalidProposal:       http.StatusBadRequest,
		broker.ErrEmptyPayload:          http.StatusBadRequest,
		context.DeadlineExceeded:        http.StatusInternalServerError,
	}
	for err, expected := range cases {
		assert.Equal(expected, brokerErrorStatus(err), err.Error())
	}
}
