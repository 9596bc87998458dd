// SPDX-FileCopyrightText: Copyright 2026 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package scim implements the SCIM 2.0 provisioning surface (RFC 7643/7644):
// Users and Groups CRUD plus the anonymous discovery endpoints. Groups are
// backed by administrative roles; a group's members are the users carrying
// the role.
package scim

import (
	"time"

	"github.com/stacklok/idhive/pkg/storage"
)

// SCIM schema URNs.
const (
	SchemaUser                  = "urn:ietf:params:scim:schemas:core:2.0:User"
	SchemaGroup                 = "urn:ietf:params:scim:schemas:core:2.0:Group"
	SchemaListResponse          = "urn:ietf:params:scim:api:messages:2.0:ListResponse"
	SchemaError                 = "urn:ietf:params:scim:api:messages:2.0:Error"
	SchemaPatchOp               = "urn:ietf:params:scim:api:messages:2.0:PatchOp"
	SchemaServiceProviderConfig = "urn:ietf:params:scim:schemas:core:2.0:ServiceProviderConfig"
	SchemaResourceType          = "urn:ietf:params:scim:schemas:core:2.0:ResourceType"
)

// ContentType is the SCIM media type.
const ContentType = "application/scim+json"

// Meta is the common resource metadata block.
type Meta struct {
	ResourceType string `json:"resourceType"`
	Created      string `json:"created,omitempty"`
	LastModified string `json:"lastModified,omitempty"`
	Location     string `json:"location,omitempty"`
}

// MultiValued is a multi-valued attribute entry (emails, phone numbers).
type MultiValued struct {
	Value   string `json:"value"`
	Type    string `json:"type,omitempty"`
	Primary bool   `json:"primary,omitempty"`
}

// MemberRef references a resource from another (group members, user
// groups).
type MemberRef struct {
	Value   string `json:"value"`
	Display string `json:"display,omitempty"`
}

// UserResource is the SCIM projection of a user account.
type UserResource struct {
	Schemas      []string      `json:"schemas"`
	ID           string        `json:"id,omitempty"`
	UserName     string        `json:"userName"`
	Active       bool          `json:"active"`
	Emails       []MultiValued `json:"emails,omitempty"`
	PhoneNumbers []MultiValued `json:"phoneNumbers,omitempty"`
	Groups       []MemberRef   `json:"groups,omitempty"`
	Meta         *Meta         `json:"meta,omitempty"`
}

// GroupResource is the SCIM projection of a role.
type GroupResource struct {
	Schemas     []string    `json:"schemas"`
	ID          string      `json:"id,omitempty"`
	DisplayName string      `json:"displayName"`
	Members     []MemberRef `json:"members,omitempty"`
	Meta        *Meta       `json:"meta,omitempty"`
}

// ListResponse is the RFC 7644 query response envelope.
type ListResponse struct {
	Schemas      []string `json:"schemas"`
	TotalResults int      `json:"totalResults"`
	StartIndex   int      `json:"startIndex"`
	ItemsPerPage int      `json:"itemsPerPage"`
	Resources    []any    `json:"Resources"`
}

// ErrorResponse is the RFC 7644 error envelope. Status is a string per the
// schema.
type ErrorResponse struct {
	Schemas  []string `json:"schemas"`
	Status   string   `json:"status"`
	ScimType string   `json:"scimType,omitempty"`
	Detail   string   `json:"detail,omitempty"`
}

// patchRequest is the RFC 7644 PATCH envelope.
type patchRequest struct {
	Schemas    []string         `json:"schemas"`
	Operations []patchOperation `json:"Operations"`
}

type patchOperation struct {
	Op    string `json:"op"`
	Path  string `json:"path,omitempty"`
	Value any    `json:"value,omitempty"`
}

// userToResource projects a stored user into its SCIM shape.
func userToResource(user *storage.User, basePath string) *UserResource {
	res := &UserResource{
		Schemas:  []string{SchemaUser},
		ID:       user.ID,
		UserName: user.Username,
		Active:   user.Active,
		Meta: &Meta{
			ResourceType: "User",
			Location:     basePath + "/Users/" + user.ID,
		},
	}
	if !user.CreatedAt.IsZero() {
		res.Meta.Created = user.CreatedAt.UTC().Format(time.RFC3339)
	}
	if !user.UpdatedAt.IsZero() {
		res.Meta.LastModified = user.UpdatedAt.UTC().Format(time.RFC3339)
	}
	if user.Email != "" {
		res.Emails = []MultiValued{{Value: user.Email, Primary: true}}
	}
	if user.PhoneNumber != "" {
		res.PhoneNumbers = []MultiValued{{Value: user.PhoneNumber}}
	}
	for _, role := range user.Roles {
		res.Groups = append(res.Groups, MemberRef{Value: role, Display: role})
	}
	return res
}

// primaryValue returns the primary entry, or the first one.
func primaryValue(values []MultiValued) string {
	for _, v := range values {
		if v.Primary {
			return v.Value
		}
	}
	if len(values) > 0 {
		return values[0].Value
	}
	return ""
}
