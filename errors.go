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

package shardkv

import (
	"errors"
	"fmt"

	"github.com/shardkv/shardkv-go/internal/clusternode"
	"github.com/shardkv/shardkv-go/internal/wireproto"
)

// ErrorKind is the fixed operation-result taxonomy, re-exported at the
// package boundary so callers never need to import internal/wireproto.
type ErrorKind int

const (
	KindNotFound ErrorKind = iota
	KindExists
	KindCasMismatch
	KindValueTooLarge
	KindInvalidArgument
	KindTemporary
	KindLocked
	KindTimeoutUnambiguous
	KindTimeoutAmbiguous
	KindCancelled
	KindAuthenticationFailure
	KindDurability
	KindSubdocPath
	KindServiceMissing
	KindBucketNotFound
	KindInternal
)

var kindNames = map[ErrorKind]string{
	KindNotFound:              "not_found",
	KindExists:                "exists",
	KindCasMismatch:           "cas_mismatch",
	KindValueTooLarge:         "value_too_large",
	KindInvalidArgument:       "invalid_argument",
	KindTemporary:             "temporary",
	KindLocked:                "locked",
	KindTimeoutUnambiguous:    "timeout_unambiguous",
	KindTimeoutAmbiguous:      "timeout_ambiguous",
	KindCancelled:             "cancelled",
	KindAuthenticationFailure: "authentication_failure",
	KindDurability:            "durability",
	KindSubdocPath:            "subdoc_path",
	KindServiceMissing:        "service_missing",
	KindBucketNotFound:        "bucket_not_found",
	KindInternal:              "internal",
}

func (k ErrorKind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return "internal"
}

var wireKindToPublic = map[wireproto.Kind]ErrorKind{
	wireproto.KindNotFound:              KindNotFound,
	wireproto.KindExists:                KindExists,
	wireproto.KindCasMismatch:           KindCasMismatch,
	wireproto.KindValueTooLarge:         KindValueTooLarge,
	wireproto.KindInvalidArgument:       KindInvalidArgument,
	wireproto.KindTemporary:             KindTemporary,
	wireproto.KindLocked:                KindLocked,
	wireproto.KindTimeoutUnambiguous:    KindTimeoutUnambiguous,
	wireproto.KindTimeoutAmbiguous:      KindTimeoutAmbiguous,
	wireproto.KindCancelled:             KindCancelled,
	wireproto.KindAuthenticationFailure: KindAuthenticationFailure,
	wireproto.KindDurability:            KindDurability,
	wireproto.KindSubdocPath:            KindSubdocPath,
	wireproto.KindServiceMissing:        KindServiceMissing,
	wireproto.KindBucketNotFound:        KindBucketNotFound,
	wireproto.KindCircuitBreakerOpen:    KindTemporary,
	wireproto.KindNotMyVBucket:          KindTemporary,
	wireproto.KindCollectionOutdated:    KindTemporary,
}

// Error is the public error type every Bucket/Cluster operation returns on
// failure. It wraps the underlying cause so errors.Is/As still reach
// *clusternode.OpError and below.
type Error struct {
	Kind ErrorKind
	Op   string
	Key  string
	Err  error
}

func (e *Error) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("shardkv: %s(%s): %s: %v", e.Op, e.Key, e.Kind, e.Err)
	}
	return fmt.Sprintf("shardkv: %s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// wrapOpError translates an internal send error into the public Error
// type. casAware distinguishes a CAS-bearing request's KeyExists status
// (cas mismatch) from a plain Add conflict (exists), which wireproto
// cannot disambiguate on its own (see wireproto.KindForStatus).
func wrapOpError(op, key string, err error, casAware bool) error {
	if err == nil {
		return nil
	}
	var opErr *clusternode.OpError
	if !errors.As(err, &opErr) {
		return &Error{Kind: KindInternal, Op: op, Key: key, Err: err}
	}
	kind, ok := wireKindToPublic[opErr.Kind]
	if !ok {
		kind = KindInternal
	}
	if casAware && kind == KindExists {
		kind = KindCasMismatch
	}
	return &Error{Kind: kind, Op: op, Key: key, Err: opErr}
}

// IsNotFound reports whether err is a not-found outcome.
func IsNotFound(err error) bool { return hasKind(err, KindNotFound) }

// IsCasMismatch reports whether err is a CAS-mismatch outcome.
func IsCasMismatch(err error) bool { return hasKind(err, KindCasMismatch) }

// IsTemporary reports whether a retry might succeed: temporary failures,
// circuit-breaker rejections, and in-flight topology changes.
func IsTemporary(err error) bool { return hasKind(err, KindTemporary) }

func hasKind(err error, k ErrorKind) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	return e.Kind == k
}
