// SPDX-FileCopyrightText: Copyright 2026 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package steps

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	ldapv3 "github.com/go-ldap/ldap/v3"
	"github.com/google/uuid"

	"github.com/stacklok/idhive/pkg/events"
	"github.com/stacklok/idhive/pkg/journey"
	"github.com/stacklok/idhive/pkg/logger"
	"github.com/stacklok/idhive/pkg/storage"
)

// LdapConnector abstracts the directory connection so tests can fake it.
type LdapConnector interface {
	Bind(username, password string) error
	Search(req *ldapv3.SearchRequest) (*ldapv3.SearchResult, error)
	Close() error
}

// LdapDialer opens a directory connection for one authentication attempt.
type LdapDialer func(url string) (LdapConnector, error)

// DefaultLdapDialer dials via go-ldap. ldap://, ldaps://, and ldapi://
// URLs are accepted.
func DefaultLdapDialer(url string) (LdapConnector, error) {
	conn, err := ldapv3.DialURL(url)
	if err != nil {
		return nil, fmt.Errorf("failed to dial directory: %w", err)
	}
	return conn, nil
}

// Ldap authenticates against an external directory via bind. Config:
//
//	url:              ldap server URL
//	bind_dn_template: e.g. "uid={username},ou=people,dc=example,dc=org"
//	group_attr:       attribute holding group DNs (default "memberOf")
//	email_attr:       attribute holding the email (default "mail")
//	group_roles:      map of group DN -> role name
//	auto_provision:   create a local user when none exists
type Ldap struct {
	dial LdapDialer
}

// NewLdap returns the ldap step handler.
func NewLdap(dial LdapDialer) *Ldap {
	if dial == nil {
		dial = DefaultLdapDialer
	}
	return &Ldap{dial: dial}
}

// Type implements journey.Handler.
func (*Ldap) Type() string { return "ldap" }

// Execute implements journey.Handler.
func (h *Ldap) Execute(ctx context.Context, ec *journey.ExecutionContext) (*journey.StepResult, error) {
	url := ec.ConfigString("url", "")
	bindTemplate := ec.ConfigString("bind_dn_template", "")
	if url == "" || bindTemplate == "" {
		return nil, fmt.Errorf("%w: ldap step %s needs url and bind_dn_template", journey.ErrStepConfig, ec.Step.ID)
	}

	username := ec.InputString("username")
	password := ec.InputString("password")
	if username == "" || password == "" {
		return journey.RequireInput(LocalLoginView, nil), nil
	}

	conn, err := h.dial(url)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	bindDN := strings.ReplaceAll(bindTemplate, "{username}", ldapv3.EscapeDN(username))
	if err := conn.Bind(bindDN, password); err != nil {
		logger.Debugw("directory bind rejected", "username", username)
		return journey.RequireInput(LocalLoginView, map[string]any{
			"error":    "invalid_credentials",
			"username": username,
		}), nil
	}

	entry, err := h.lookupEntry(conn, ec, bindDN)
	if err != nil {
		return nil, err
	}
	groups := entry.GetAttributeValues(ec.ConfigString("group_attr", "memberOf"))
	email := entry.GetAttributeValue(ec.ConfigString("email_attr", "mail"))
	roles := h.mapGroups(ec, groups)

	user, err := h.resolveUser(ctx, ec, username, email, roles)
	if err != nil {
		return nil, err
	}
	if user == nil {
		return journey.Fail("access_denied", "no local account and auto-provisioning is disabled"), nil
	}

	ec.SetUser(user)
	ec.SetData("auth_time", time.Now().Unix())
	ec.SetData("directory_groups", toAny(groups))
	ec.AppendAMR("pwd")

	ec.Capabilities.Events.Emit(ctx, events.Event{
		Name:      events.UserAuthenticated,
		TenantID:  ec.State.TenantID,
		ClientID:  ec.State.ClientID,
		SubjectID: user.ID,
		Details:   map[string]any{"method": "ldap", "journey_id": ec.State.ID},
	})
	return journey.Success(nil), nil
}

// lookupEntry reads the bound entry back for group and email attributes.
func (h *Ldap) lookupEntry(conn LdapConnector, ec *journey.ExecutionContext, bindDN string) (*ldapv3.Entry, error) {
	req := ldapv3.NewSearchRequest(
		bindDN,
		ldapv3.ScopeBaseObject, ldapv3.NeverDerefAliases, 1, 0, false,
		"(objectClass=*)",
		[]string{ec.ConfigString("group_attr", "memberOf"), ec.ConfigString("email_attr", "mail")},
		nil,
	)
	res, err := conn.Search(req)
	if err != nil {
		return nil, fmt.Errorf("failed to read directory entry: %w", err)
	}
	if len(res.Entries) == 0 {
		return nil, fmt.Errorf("directory entry %s vanished after bind", bindDN)
	}
	return res.Entries[0], nil
}

// mapGroups translates directory group DNs to local role names.
func (*Ldap) mapGroups(ec *journey.ExecutionContext, groups []string) []string {
	raw, _ := ec.Config("group_roles")
	mapping, _ := raw.(map[string]any)
	var roles []string
	for _, group := range groups {
		if role, ok := mapping[group].(string); ok {
			roles = append(roles, role)
		}
	}
	return roles
}

// resolveUser finds the local account, provisioning one when configured.
// Returns nil without error when no account exists and provisioning is off.
func (h *Ldap) resolveUser(ctx context.Context, ec *journey.ExecutionContext, username, email string, roles []string) (*storage.User, error) {
	user, err := ec.Capabilities.Users.GetUserByUsername(ctx, ec.State.TenantID, username)
	if err == nil {
		return user, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("failed to look up user: %w", err)
	}
	if !ec.ConfigBool("auto_provision") {
		return nil, nil
	}

	now := time.Now()
	user = &storage.User{
		ID:        uuid.NewString(),
		TenantID:  ec.State.TenantID,
		Username:  username,
		Email:     email,
		Roles:     roles,
		Active:    true,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := ec.Capabilities.Users.PutUser(ctx, user); err != nil {
		return nil, fmt.Errorf("failed to provision user: %w", err)
	}
	ec.Capabilities.Events.Emit(ctx, events.Event{
		Name:      events.UserProvisioned,
		TenantID:  ec.State.TenantID,
		ClientID:  ec.State.ClientID,
		SubjectID: user.ID,
		Details:   map[string]any{"source": "ldap"},
	})
	return user, nil
}
