// SPDX-FileCopyrightText: Copyright 2026 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package ldap

import (
	"context"
	"net"
	"testing"
	"time"

	goldap "github.com/go-ldap/ldap/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/stacklok/idhive/pkg/storage"
)

const (
	testTenant  = "acme"
	testBaseDN  = "dc=idhive,dc=local"
	testAliceDN = "uid=alice,ou=users," + testBaseDN
)

// startServer seeds two users and serves LDAP on a loopback listener.
func startServer(t *testing.T) string {
	t.Helper()
	ctx := context.Background()

	store := storage.NewMemoryStore(storage.WithCleanupInterval(time.Hour))
	t.Cleanup(func() { require.NoError(t, store.Close()) })

	hash, err := bcrypt.GenerateFromPassword([]byte("correct horse"), bcrypt.MinCost)
	require.NoError(t, err)
	require.NoError(t, store.PutUser(ctx, &storage.User{
		ID:           "u-alice",
		TenantID:     testTenant,
		Username:     "alice",
		PasswordHash: string(hash),
		Email:        "alice@example.com",
		PhoneNumber:  "+15551234",
		Roles:        []string{"admins"},
		Active:       true,
	}))
	require.NoError(t, store.PutUser(ctx, &storage.User{
		ID:           "u-bob",
		TenantID:     testTenant,
		Username:     "bob",
		PasswordHash: string(hash),
		Email:        "bob@example.com",
		Active:       true,
	}))

	srv := NewServer(store, testTenant, testBaseDN)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() { _ = srv.Serve(ln) }()
	t.Cleanup(func() { require.NoError(t, srv.Close()) })
	return ln.Addr().String()
}

func dial(t *testing.T, addr string) *goldap.Conn {
	t.Helper()
	conn, err := goldap.DialURL("ldap://" + addr)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func searchRequest(base string, scope int, sizeLimit int, filter string) *goldap.SearchRequest {
	return goldap.NewSearchRequest(base, scope, goldap.NeverDerefAliases,
		sizeLimit, 0, false, filter, nil, nil)
}

func TestBind(t *testing.T) {
	t.Parallel()
	addr := startServer(t)

	t.Run("valid credentials", func(t *testing.T) {
		conn := dial(t, addr)
		require.NoError(t, conn.Bind(testAliceDN, "correct horse"))
	})

	t.Run("DN normalization", func(t *testing.T) {
		conn := dial(t, addr)
		require.NoError(t, conn.Bind("uid=alice, OU=Users, DC=idhive, DC=local", "correct horse"))
	})

	t.Run("wrong password", func(t *testing.T) {
		conn := dial(t, addr)
		err := conn.Bind(testAliceDN, "wrong")
		require.Error(t, err)
		assert.True(t, goldap.IsErrorWithCode(err, goldap.LDAPResultInvalidCredentials))
	})

	t.Run("unknown user", func(t *testing.T) {
		conn := dial(t, addr)
		err := conn.Bind("uid=mallory,ou=users,"+testBaseDN, "correct horse")
		assert.True(t, goldap.IsErrorWithCode(err, goldap.LDAPResultInvalidCredentials))
	})

	t.Run("DN outside the users container", func(t *testing.T) {
		conn := dial(t, addr)
		err := conn.Bind("cn=alice,"+testBaseDN, "correct horse")
		assert.True(t, goldap.IsErrorWithCode(err, goldap.LDAPResultInvalidCredentials))
	})
}

func TestSearchRequiresBind(t *testing.T) {
	t.Parallel()
	addr := startServer(t)
	conn := dial(t, addr)

	require.NoError(t, conn.UnauthenticatedBind(""))
	_, err := conn.Search(searchRequest(testBaseDN, goldap.ScopeWholeSubtree, 0, "(uid=*)"))
	require.Error(t, err)
	assert.True(t, goldap.IsErrorWithCode(err, goldap.LDAPResultInsufficientAccessRights))
}

func TestSearch(t *testing.T) {
	t.Parallel()
	addr := startServer(t)
	conn := dial(t, addr)
	require.NoError(t, conn.Bind(testAliceDN, "correct horse"))

	t.Run("subtree with attribute filter", func(t *testing.T) {
		res, err := conn.Search(searchRequest(testBaseDN, goldap.ScopeWholeSubtree, 0, "(uid=alice)"))
		require.NoError(t, err)
		require.Len(t, res.Entries, 1)
		entry := res.Entries[0]
		assert.Equal(t, testAliceDN, entry.DN)
		assert.Equal(t, "alice@example.com", entry.GetAttributeValue("mail"))
		assert.Equal(t, "+15551234", entry.GetAttributeValue("telephoneNumber"))
		assert.Equal(t, []string{"admins"}, entry.GetAttributeValues("memberOf"))
		assert.Contains(t, entry.GetAttributeValues("objectClass"), "inetOrgPerson")
	})

	t.Run("single level under the users container", func(t *testing.T) {
		res, err := conn.Search(searchRequest("ou=users,"+testBaseDN, goldap.ScopeSingleLevel, 0, "(objectClass=inetOrgPerson)"))
		require.NoError(t, err)
		assert.Len(t, res.Entries, 2)
	})

	t.Run("base object", func(t *testing.T) {
		res, err := conn.Search(searchRequest(testAliceDN, goldap.ScopeBaseObject, 0, "(objectClass=*)"))
		require.NoError(t, err)
		require.Len(t, res.Entries, 1)
		assert.Equal(t, testAliceDN, res.Entries[0].DN)
	})

	t.Run("compound filter", func(t *testing.T) {
		res, err := conn.Search(searchRequest(testBaseDN, goldap.ScopeWholeSubtree, 0,
			"(&(objectClass=inetOrgPerson)(!(memberOf=admins)))"))
		require.NoError(t, err)
		require.Len(t, res.Entries, 1)
		assert.Equal(t, "bob", res.Entries[0].GetAttributeValue("uid"))
	})

	t.Run("no match", func(t *testing.T) {
		res, err := conn.Search(searchRequest(testBaseDN, goldap.ScopeWholeSubtree, 0, "(uid=mallory)"))
		require.NoError(t, err)
		assert.Empty(t, res.Entries)
	})

	t.Run("size limit", func(t *testing.T) {
		res, err := conn.Search(searchRequest(testBaseDN, goldap.ScopeWholeSubtree, 1, "(uid=*)"))
		require.Error(t, err)
		assert.True(t, goldap.IsErrorWithCode(err, goldap.LDAPResultSizeLimitExceeded))
		assert.Len(t, res.Entries, 1)
	})
}
