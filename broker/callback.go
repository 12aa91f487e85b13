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

package broker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/alwitt/reqbroker/common"
	"github.com/apex/log"
	"github.com/hashicorp/go-cleanhttp"
)

// CallbackWordSize is the size of one word of callback return data
const CallbackWordSize = 32

// MaxCallbackReturnBytes is the max callback return data captured
const MaxCallbackReturnBytes = 4 * CallbackWordSize

// ResultHandler is a consumer's result handler
type ResultHandler interface {
	// Alive whether the handler is reachable
	Alive(ctxt context.Context) bool
	// HandleResult deliver the result of a request. A returned error marks the
	// callback as failed.
	HandleResult(ctxt context.Context, requestID uint64, result, errPayload []byte) ([]byte, error)
}

// ResultHandlerFunc adapts a function into an always alive ResultHandler
type ResultHandlerFunc func(
	ctxt context.Context, requestID uint64, result, errPayload []byte,
) ([]byte, error)

// Alive a function handler is always reachable
func (f ResultHandlerFunc) Alive(_ context.Context) bool {
	return true
}

// HandleResult deliver the result of a request
func (f ResultHandlerFunc) HandleResult(
	ctxt context.Context, requestID uint64, result, errPayload []byte,
) ([]byte, error) {
	return f(ctxt, requestID, result, errPayload)
}

// HandlerDirectory resolves a consumer address to its result handler
type HandlerDirectory interface {
	// Lookup fetch the result handler of a consumer
	Lookup(target Address) (ResultHandler, bool)
}

// HandlerRegistry in-process HandlerDirectory. It is safe for concurrent use.
type HandlerRegistry struct {
	lock     sync.RWMutex
	handlers map[Address]ResultHandler
}

// NewHandlerRegistry define a new empty HandlerRegistry
func NewHandlerRegistry() *HandlerRegistry {
	return &HandlerRegistry{handlers: make(map[Address]ResultHandler)}
}

// Register install the result handler of a consumer, replacing any previous one
func (r *HandlerRegistry) Register(target Address, handler ResultHandler) {
	r.lock.Lock()
	defer r.lock.Unlock()
	r.handlers[target] = handler
}

// Unregister remove the result handler of a consumer
func (r *HandlerRegistry) Unregister(target Address) {
	r.lock.Lock()
	defer r.lock.Unlock()
	delete(r.handlers, target)
}

// Lookup fetch the result handler of a consumer
func (r *HandlerRegistry) Lookup(target Address) (ResultHandler, bool) {
	r.lock.RLock()
	defer r.lock.RUnlock()
	handler, ok := r.handlers[target]
	return handler, ok
}

// ========================================================================================

// CallbackPayload is the body posted to an HTTP result handler
type CallbackPayload struct {
	RequestID uint64 `json:"request_id"`
	Result    []byte `json:"result"`
	Error     []byte `json:"error"`
}

// HTTPResultHandler delivers results to a consumer by HTTP POST
type HTTPResultHandler struct {
	URL    string
	client *http.Client
}

// NewHTTPResultHandler define a new HTTPResultHandler posting to the URL
func NewHTTPResultHandler(target string) (*HTTPResultHandler, error) {
	parsed, err := url.Parse(target)
	if err != nil {
		return nil, err
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return nil, fmt.Errorf("callback URL %s must be http or https", target)
	}
	if parsed.Host == "" {
		return nil, fmt.Errorf("callback URL %s has no host", target)
	}
	return &HTTPResultHandler{URL: target, client: cleanhttp.DefaultPooledClient()}, nil
}

// Alive whether the handler is reachable
func (h *HTTPResultHandler) Alive(ctxt context.Context) bool {
	req, err := http.NewRequestWithContext(ctxt, http.MethodOptions, h.URL, nil)
	if err != nil {
		return false
	}
	resp, err := h.client.Do(req)
	if err != nil {
		return false
	}
	_ = resp.Body.Close()
	return resp.StatusCode < http.StatusInternalServerError
}

// HandleResult deliver the result of a request
func (h *HTTPResultHandler) HandleResult(
	ctxt context.Context, requestID uint64, result, errPayload []byte,
) ([]byte, error) {
	body, err := json.Marshal(&CallbackPayload{
		RequestID: requestID, Result: result, Error: errPayload,
	})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctxt, http.MethodPost, h.URL, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := h.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	returned, err := io.ReadAll(io.LimitReader(resp.Body, MaxCallbackReturnBytes))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return returned, fmt.Errorf("callback %s responded %d", h.URL, resp.StatusCode)
	}
	return returned, nil
}

// ========================================================================================

// CallbackResult result of a callback invocation
type CallbackResult struct {
	// Success whether the handler reported success
	Success bool
	// ReturnData is the handler's return data, truncated to MaxCallbackReturnBytes
	ReturnData []byte
	// Elapsed is how long the invocation took
	Elapsed time.Duration
}

// CallbackDispatcher performs bounded, failure isolated invocations of result handlers
type CallbackDispatcher interface {
	// Invoke deliver a result to the target's handler. Failures are reported through
	// CallbackResult.Success and never as an error or panic.
	Invoke(
		ctxt context.Context,
		target Address,
		requestID uint64,
		result, errPayload []byte,
		budget uint32,
	) CallbackResult
}

// callbackDispatcherImpl implements CallbackDispatcher
type callbackDispatcherImpl struct {
	common.Component
	directory  HandlerDirectory
	budgetUnit time.Duration
}

// NewCallbackDispatcher define a new CallbackDispatcher
//
// Each unit of callback budget grants the handler budgetUnit of wall clock time.
func NewCallbackDispatcher(
	directory HandlerDirectory, budgetUnit time.Duration,
) (CallbackDispatcher, error) {
	if directory == nil {
		return nil, fmt.Errorf("callback dispatcher requires a handler directory")
	}
	if budgetUnit <= 0 {
		return nil, fmt.Errorf("callback budget unit %s is invalid", budgetUnit)
	}
	return &callbackDispatcherImpl{
		Component: common.Component{
			LogTags: log.Fields{"module": "broker", "component": "callback-dispatcher"},
		},
		directory:  directory,
		budgetUnit: budgetUnit,
	}, nil
}

// truncateReturnData cap the return data at MaxCallbackReturnBytes
func truncateReturnData(data []byte) []byte {
	if len(data) > MaxCallbackReturnBytes {
		data = data[:MaxCallbackReturnBytes]
	}
	return append([]byte{}, data...)
}

type callbackOutcome struct {
	data []byte
	err  error
}

// Invoke deliver a result to the target's handler
func (d *callbackDispatcherImpl) Invoke(
	ctxt context.Context,
	target Address,
	requestID uint64,
	result, errPayload []byte,
	budget uint32,
) CallbackResult {
	logTags := d.ExtendLogTags(log.Fields{"target": target, "request_id": requestID})
	start := time.Now()

	handler, ok := d.directory.Lookup(target)
	if !ok || handler == nil {
		log.WithFields(logTags).Warn("No result handler registered")
		return CallbackResult{Success: false, ReturnData: []byte{}}
	}

	deadline := d.budgetUnit * time.Duration(budget)
	useContext, cancel := context.WithTimeout(ctxt, deadline)
	defer cancel()

	// Both the liveness check and the handler run under recovery, on a separate goroutine
	done := make(chan callbackOutcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- callbackOutcome{err: fmt.Errorf("result handler panicked: %v", r)}
			}
		}()
		if !handler.Alive(useContext) {
			done <- callbackOutcome{err: fmt.Errorf("result handler is not reachable")}
			return
		}
		data, err := handler.HandleResult(useContext, requestID, result, errPayload)
		done <- callbackOutcome{data: data, err: err}
	}()

	select {
	case outcome := <-done:
		elapsed := time.Since(start)
		if outcome.err != nil {
			log.WithError(outcome.err).WithFields(logTags).Info("Result handler failed")
			return CallbackResult{
				Success: false, ReturnData: truncateReturnData(outcome.data), Elapsed: elapsed,
			}
		}
		log.WithFields(logTags).Debugf("Result handler completed in %s", elapsed)
		return CallbackResult{
			Success: true, ReturnData: truncateReturnData(outcome.data), Elapsed: elapsed,
		}
	case <-useContext.Done():
		log.WithFields(logTags).Infof("Result handler exceeded budget %d (%s)", budget, deadline)
		return CallbackResult{Success: false, ReturnData: []byte{}, Elapsed: time.Since(start)}
	}
}
