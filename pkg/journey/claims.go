// SPDX-FileCopyrightText: Copyright 2026 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package journey

import (
	"strings"

	"github.com/stacklok/idhive/pkg/storage"
)

// ApplyOutputClaims maps the policy's declared output_claims against the
// final journey data. Sources resolve as dotted paths into nested maps
// (e.g. "user.email"). Unresolved mappings fall back to default_value or
// are omitted; nothing outside the declared list is ever emitted.
func ApplyOutputClaims(policy *storage.JourneyPolicy, state *storage.JourneyState) map[string]any {
	if len(policy.OutputClaims) == 0 {
		return nil
	}
	claims := make(map[string]any, len(policy.OutputClaims))
	for _, oc := range policy.OutputClaims {
		if v, ok := resolvePath(state.JourneyData, oc.Source); ok {
			claims[oc.ClaimType] = v
			continue
		}
		if oc.DefaultValue != "" {
			claims[oc.ClaimType] = oc.DefaultValue
		}
	}
	if len(claims) == 0 {
		return nil
	}
	return claims
}

func resolvePath(data map[string]any, path string) (any, bool) {
	if path == "" {
		return nil, false
	}
	parts := strings.Split(path, ".")
	var current any = data
	for _, part := range parts {
		m, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		current, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return current, true
}
