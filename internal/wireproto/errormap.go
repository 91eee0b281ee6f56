// Copyright 2025 Esteban Alvarez. All Rights Reserved.
//
// Created: October 2025
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package wireproto

import (
	"encoding/json"
	"fmt"
)

// RetryStrategy is the server-published retry shape for a status code.
type RetryStrategy string

const (
	RetryNone        RetryStrategy = "none"
	RetryConstant    RetryStrategy = "constant"
	RetryLinear      RetryStrategy = "linear"
	RetryExponential RetryStrategy = "exponential"
)

// ErrorMapEntry describes one status code's metadata as published by
// GET_ERROR_MAP.
type ErrorMapEntry struct {
	Name        string        `json:"name"`
	Description string        `json:"desc"`
	Attributes  []string      `json:"attrs"`
	Retry       *RetrySpec    `json:"retry,omitempty"`
}

// RetrySpec carries the retry strategy and its limits.
type RetrySpec struct {
	Strategy    RetryStrategy `json:"strategy"`
	Interval    int           `json:"interval-ms"`
	After       int           `json:"after-ms"`
	Ceiling     int           `json:"ceiling-ms"`
	MaxDuration int           `json:"max-duration-ms"`
}

// ErrorMap is the decoded error map published by the server. It is
// immutable once parsed and safe for concurrent reads.
type ErrorMap struct {
	Version  int                       `json:"version"`
	Revision int                       `json:"revision"`
	Errors   map[string]ErrorMapEntry  `json:"errors"`
}

// ParseErrorMap decodes the JSON payload returned by GET_ERROR_MAP.
func ParseErrorMap(body []byte) (*ErrorMap, error) {
	var em ErrorMap
	if err := json.Unmarshal(body, &em); err != nil {
		return nil, fmt.Errorf("wireproto: parse error map: %w", err)
	}
	return &em, nil
}

// Lookup returns the entry for a status code, if the server published one.
func (em *ErrorMap) Lookup(s Status) (ErrorMapEntry, bool) {
	if em == nil {
		return ErrorMapEntry{}, false
	}
	e, ok := em.Errors[fmt.Sprintf("%x", uint16(s))]
	return e, ok
}

// Retriable reports whether the error map advises retrying this status, and
// with what strategy. Statuses absent from the map fall back to false: the
// fixed table in status.go is the floor, the error map only ever adds
// retry advice on top of it.
func (em *ErrorMap) Retriable(s Status) (RetrySpec, bool) {
	e, ok := em.Lookup(s)
	if !ok || e.Retry == nil || e.Retry.Strategy == RetryNone {
		return RetrySpec{}, false
	}
	return *e.Retry, true
}
