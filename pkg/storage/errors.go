// Copyright 2026 Stacklok, Inc.
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

package storage

import "errors"

// Sentinel errors returned by store implementations. Callers match with
// errors.Is and translate to protocol errors at the boundary.
var (
	// ErrNotFound indicates the requested entity does not exist, or exists
	// under a different tenant (cross-tenant reads are indistinguishable
	// from missing entities by design).
	ErrNotFound = errors.New("not found")

	// ErrAlreadyExists indicates a uniqueness violation on create.
	ErrAlreadyExists = errors.New("already exists")

	// ErrExpired indicates the entity exists but is past its expiry.
	ErrExpired = errors.New("expired")

	// ErrAlreadyConsumed indicates a one-shot grant was redeemed before.
	// The compare-and-set in ConsumeGrant guarantees exactly one caller
	// wins a concurrent redemption race.
	ErrAlreadyConsumed = errors.New("already consumed")

	// ErrConflict indicates a conditional write lost against a concurrent
	// writer.
	ErrConflict = errors.New("conflict")
)
