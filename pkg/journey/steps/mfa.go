// SPDX-FileCopyrightText: Copyright 2026 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package steps

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"fmt"
	"math/big"

	"github.com/pquerna/otp/totp"

	"github.com/stacklok/idhive/pkg/journey"
	"github.com/stacklok/idhive/pkg/logger"
)

// MfaView is the challenge view rendered while waiting for a code.
const MfaView = "_Mfa"

// Journey-data keys used between MFA invocations. The leading underscore
// keeps them out of output-claim mappings by convention.
const (
	mfaCodeKey     = "_mfa_code"
	mfaAttemptsKey = "_mfa_attempts"
)

const defaultMaxMFAAttempts = 3

// Mfa validates a second factor. The method comes from step config:
// "totp" (default) checks against the user's enrolled TOTP secret;
// "sms" and "email" deliver a one-time code through the messaging
// capability and compare it on the next invocation.
type Mfa struct{}

// NewMfa returns the mfa step handler.
func NewMfa() *Mfa { return &Mfa{} }

// Type implements journey.Handler.
func (*Mfa) Type() string { return "mfa" }

// Execute implements journey.Handler.
func (h *Mfa) Execute(ctx context.Context, ec *journey.ExecutionContext) (*journey.StepResult, error) {
	if ec.State.UserID == "" {
		return journey.Fail("mfa_unavailable", "no authenticated user for MFA"), nil
	}
	user, err := ec.Capabilities.Users.GetUser(ctx, ec.State.TenantID, ec.State.UserID)
	if err != nil {
		return nil, fmt.Errorf("failed to load user for MFA: %w", err)
	}

	method := ec.ConfigString("method", "totp")
	code := ec.InputString("code")
	if code == "" {
		return h.challenge(ctx, ec, method, user.PhoneNumber, user.Email)
	}

	var valid bool
	switch method {
	case "totp":
		valid = user.TOTPSecret != "" && totp.Validate(code, user.TOTPSecret)
	case "sms", "email":
		expected, _ := ec.Data(mfaCodeKey)
		expectedStr, _ := expected.(string)
		valid = expectedStr != "" &&
			subtle.ConstantTimeCompare([]byte(expectedStr), []byte(code)) == 1
	default:
		return journey.Fail("mfa_unavailable", fmt.Sprintf("unknown MFA method %q", method)), nil
	}

	if !valid {
		attempts := intData(ec, mfaAttemptsKey) + 1
		ec.SetData(mfaAttemptsKey, attempts)
		maxAttempts := intConfig(ec, "max_attempts", defaultMaxMFAAttempts)
		if attempts >= maxAttempts {
			return journey.Fail("access_denied", "too many invalid MFA codes"), nil
		}
		return journey.RequireInput(MfaView, map[string]any{
			"method": method,
			"error":  "invalid_code",
		}), nil
	}

	ec.SetData(mfaCodeKey, "")
	ec.AppendAMR("otp")
	ec.SetData("mfa_method", method)
	return journey.Success(nil), nil
}

// challenge delivers the second-factor prompt. TOTP needs no delivery; SMS
// and email generate and send a fresh code.
func (h *Mfa) challenge(ctx context.Context, ec *journey.ExecutionContext, method, phone, email string) (*journey.StepResult, error) {
	switch method {
	case "totp":
		return journey.RequireInput(MfaView, map[string]any{"method": method}), nil
	case "sms", "email":
		if ec.Capabilities.Messaging == nil {
			return journey.Fail("mfa_unavailable", "no messaging provider configured"), nil
		}
		code, err := generateOTP()
		if err != nil {
			return nil, err
		}
		body := fmt.Sprintf("Your verification code is %s", code)
		if method == "sms" {
			err = ec.Capabilities.Messaging.SendSMS(ctx, phone, body)
		} else {
			err = ec.Capabilities.Messaging.SendEmail(ctx, email, "Verification code", body)
		}
		if err != nil {
			logger.Errorw("failed to deliver MFA challenge", "method", method, "error", err)
			return nil, fmt.Errorf("failed to deliver MFA challenge: %w", err)
		}
		ec.SetData(mfaCodeKey, code)
		return journey.RequireInput(MfaView, map[string]any{"method": method}), nil
	default:
		return journey.Fail("mfa_unavailable", fmt.Sprintf("unknown MFA method %q", method)), nil
	}
}

// generateOTP returns a 6-digit numeric code.
func generateOTP() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(1000000))
	if err != nil {
		return "", fmt.Errorf("failed to generate OTP: %w", err)
	}
	return fmt.Sprintf("%06d", n.Int64()), nil
}

func intData(ec *journey.ExecutionContext, key string) int {
	v, _ := ec.Data(key)
	switch n := v.(type) {
	case int:
		return n
	case float64: // JSON round-trips land here
		return int(n)
	default:
		return 0
	}
}

func intConfig(ec *journey.ExecutionContext, key string, fallback int) int {
	v, ok := ec.Config(key)
	if !ok {
		return fallback
	}
	switch n := v.(type) {
	case int:
		return n
	case float64:
		return int(n)
	default:
		return fallback
	}
}
