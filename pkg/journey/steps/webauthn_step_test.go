// SPDX-FileCopyrightText: Copyright 2026 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package steps

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"testing"

	"github.com/fxamacker/cbor/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stacklok/idhive/pkg/journey"
	"github.com/stacklok/idhive/pkg/storage"
	"github.com/stacklok/idhive/pkg/webauthn"
)

const testRPID = "login.example.com"

type authenticator struct {
	key    *ecdsa.PrivateKey
	credID []byte
	count  uint32
}

func newAuthenticator(t *testing.T) *authenticator {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	return &authenticator{key: key, credID: []byte("authenticator-01")}
}

func (a *authenticator) coseKey(t *testing.T) []byte {
	t.Helper()
	raw, err := cbor.Marshal(struct {
		Kty int    `cbor:"1,keyasint"`
		Alg int    `cbor:"3,keyasint"`
		Crv int    `cbor:"-1,keyasint"`
		X   []byte `cbor:"-2,keyasint"`
		Y   []byte `cbor:"-3,keyasint"`
	}{Kty: 2, Alg: webauthn.AlgES256, Crv: 1, X: a.key.X.Bytes(), Y: a.key.Y.Bytes()})
	require.NoError(t, err)
	return raw
}

func (a *authenticator) authData(t *testing.T, flags byte, attested bool) []byte {
	t.Helper()
	rpHash := sha256.Sum256([]byte(testRPID))
	out := append([]byte{}, rpHash[:]...)
	out = append(out, flags)
	out = binary.BigEndian.AppendUint32(out, a.count)
	if attested {
		out = append(out, make([]byte, 16)...)
		out = binary.BigEndian.AppendUint16(out, uint16(len(a.credID)))
		out = append(out, a.credID...)
		out = append(out, a.coseKey(t)...)
	}
	return out
}

// attest produces the registration inputs for the issued challenge.
func (a *authenticator) attest(t *testing.T, challenge string) map[string]any {
	t.Helper()
	authData := a.authData(t, webauthn.FlagUserPresent|webauthn.FlagAttestedData, true)
	emptyStmt, err := cbor.Marshal(map[string]any{})
	require.NoError(t, err)
	attObj, err := cbor.Marshal(struct {
		Fmt      string          `cbor:"fmt"`
		AuthData []byte          `cbor:"authData"`
		AttStmt  cbor.RawMessage `cbor:"attStmt"`
	}{Fmt: "none", AuthData: authData, AttStmt: emptyStmt})
	require.NoError(t, err)

	clientData := fmt.Sprintf(`{"type":"webauthn.create","challenge":%q,"origin":"https://login.example.com"}`, challenge)
	return map[string]any{
		"attestation_object": base64.RawURLEncoding.EncodeToString(attObj),
		"client_data":        base64.RawURLEncoding.EncodeToString([]byte(clientData)),
	}
}

// assert produces the authentication inputs for the issued challenge.
func (a *authenticator) assert(t *testing.T, username, challenge string) map[string]any {
	t.Helper()
	a.count++
	authData := a.authData(t, webauthn.FlagUserPresent|webauthn.FlagUserVerified, false)
	clientData := []byte(fmt.Sprintf(`{"type":"webauthn.get","challenge":%q,"origin":"https://login.example.com"}`, challenge))

	clientHash := sha256.Sum256(clientData)
	signed := sha256.Sum256(append(append([]byte{}, authData...), clientHash[:]...))
	sig, err := ecdsa.SignASN1(rand.Reader, a.key, signed[:])
	require.NoError(t, err)

	return map[string]any{
		"username":           username,
		"credential_id":      base64.RawURLEncoding.EncodeToString(a.credID),
		"authenticator_data": base64.RawURLEncoding.EncodeToString(authData),
		"client_data":        base64.RawURLEncoding.EncodeToString(clientData),
		"signature":          base64.RawURLEncoding.EncodeToString(sig),
	}
}

func TestWebAuthn_RegisterThenAuthenticate(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)
	auth := newAuthenticator(t)
	h := NewWebAuthn()

	user := f.putUser(t, &storage.User{Username: "alice"})

	// Registration: challenge, then attestation on the same state.
	regConfig := map[string]any{"rp_id": testRPID, "mode": "register"}
	ec := f.execCtx(nil, regConfig)
	ec.State.UserID = user.ID

	res, err := h.Execute(ctx, ec)
	require.NoError(t, err)
	require.Equal(t, journey.OutcomeRequireInput, res.Outcome)
	challenge := res.ViewModel["challenge"].(string)

	ec.Input = auth.attest(t, challenge)
	res, err = h.Execute(ctx, ec)
	require.NoError(t, err)
	require.Equal(t, journey.OutcomeSuccess, res.Outcome)

	stored, err := f.store.GetUser(ctx, "acme", user.ID)
	require.NoError(t, err)
	require.Len(t, stored.Credentials, 1)
	assert.Equal(t, testRPID, stored.Credentials[0].RPID)

	// Authentication with the registered credential.
	authConfig := map[string]any{"rp_id": testRPID}
	ec = f.execCtx(nil, authConfig)
	res, err = h.Execute(ctx, ec)
	require.NoError(t, err)
	require.Equal(t, journey.OutcomeRequireInput, res.Outcome)
	challenge = res.ViewModel["challenge"].(string)

	ec.Input = auth.assert(t, "alice", challenge)
	res, err = h.Execute(ctx, ec)
	require.NoError(t, err)
	require.Equal(t, journey.OutcomeSuccess, res.Outcome)
	assert.Equal(t, user.ID, ec.State.UserID)
	assert.Equal(t, []any{"webauthn"}, ec.State.JourneyData["amr"])

	stored, err = f.store.GetUser(ctx, "acme", user.ID)
	require.NoError(t, err)
	assert.Equal(t, uint32(1), stored.Credentials[0].SignCount)
}

func TestWebAuthn_Failures(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := NewWebAuthn()

	t.Run("missing rp_id", func(t *testing.T) {
		f := newFixture(t)
		_, err := h.Execute(ctx, f.execCtx(nil, nil))
		assert.ErrorIs(t, err, journey.ErrStepConfig)
	})

	t.Run("challenge mismatch", func(t *testing.T) {
		f := newFixture(t)
		auth := newAuthenticator(t)
		f.putUser(t, &storage.User{Username: "alice"})

		ec := f.execCtx(nil, map[string]any{"rp_id": testRPID})
		res, err := h.Execute(ctx, ec)
		require.NoError(t, err)
		require.Equal(t, journey.OutcomeRequireInput, res.Outcome)

		ec.Input = auth.assert(t, "alice", "not-the-issued-challenge")
		res, err = h.Execute(ctx, ec)
		require.NoError(t, err)
		assert.Equal(t, journey.OutcomeFail, res.Outcome)
	})

	t.Run("tampered signature", func(t *testing.T) {
		f := newFixture(t)
		auth := newAuthenticator(t)
		user := f.putUser(t, &storage.User{Username: "alice"})
		user.Credentials = []storage.WebAuthnCredential{{
			CredentialID:  base64.RawURLEncoding.EncodeToString(auth.credID),
			PublicKeyCOSE: auth.coseKey(t),
			RPID:          testRPID,
		}}
		require.NoError(t, f.store.PutUser(ctx, user))

		ec := f.execCtx(nil, map[string]any{"rp_id": testRPID})
		res, err := h.Execute(ctx, ec)
		require.NoError(t, err)
		challenge := res.ViewModel["challenge"].(string)

		input := auth.assert(t, "alice", challenge)
		input["signature"] = base64.RawURLEncoding.EncodeToString([]byte("garbage"))
		ec.Input = input
		res, err = h.Execute(ctx, ec)
		require.NoError(t, err)
		assert.Equal(t, journey.OutcomeFail, res.Outcome)
	})

	t.Run("registration without principal", func(t *testing.T) {
		f := newFixture(t)
		ec := f.execCtx(map[string]any{"client_data": base64.RawURLEncoding.EncodeToString([]byte(`{}`))},
			map[string]any{"rp_id": testRPID, "mode": "register"})
		res, err := h.Execute(ctx, ec)
		require.NoError(t, err)
		assert.Equal(t, journey.OutcomeFail, res.Outcome)
	})
}
