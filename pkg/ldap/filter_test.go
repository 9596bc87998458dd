// SPDX-FileCopyrightText: Copyright 2026 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package ldap

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFilterRoundTrip(t *testing.T) {
	t.Parallel()

	// Formatting a parsed filter and re-parsing it must yield the same
	// tree, including values that need escaping.
	filters := []Filter{
		Equality{Attr: "uid", Value: "alice"},
		Equality{Attr: "cn", Value: `Smith (Jr.) *\`},
		Present{Attr: "mail"},
		GreaterOrEqual{Attr: "uid", Value: "m"},
		LessOrEqual{Attr: "uid", Value: "m"},
		Approx{Attr: "cn", Value: "alise"},
		Substring{Attr: "mail", Initial: "a", Any: []string{"@", "exam"}, Final: ".com"},
		Substring{Attr: "uid", Final: "ice"},
		Substring{Attr: "uid", Initial: "al"},
		Substring{Attr: "cn", Any: []string{"li"}},
		Not{Inner: Present{Attr: "telephoneNumber"}},
		And{
			Equality{Attr: "objectClass", Value: "inetOrgPerson"},
			Or{
				Equality{Attr: "uid", Value: "alice"},
				Not{Inner: Equality{Attr: "uid", Value: "bob"}},
			},
		},
	}

	for _, f := range filters {
		t.Run(f.String(), func(t *testing.T) {
			t.Parallel()
			parsed, err := ParseFilter(f.String())
			require.NoError(t, err)
			assert.Equal(t, f, parsed)
		})
	}
}

func TestParseFilter(t *testing.T) {
	t.Parallel()

	tests := []struct {
		input string
		want  Filter
	}{
		{`(uid=alice)`, Equality{Attr: "uid", Value: "alice"}},
		{`(uid=*)`, Present{Attr: "uid"}},
		{`(cn=\28paren\29)`, Equality{Attr: "cn", Value: "(paren)"}},
		{`(cn=al*ce)`, Substring{Attr: "cn", Initial: "al", Final: "ce"}},
		{`(cn=*li*)`, Substring{Attr: "cn", Any: []string{"li"}}},
		{`(uid>=m)`, GreaterOrEqual{Attr: "uid", Value: "m"}},
		{`(uid<=m)`, LessOrEqual{Attr: "uid", Value: "m"}},
		{`(cn~=alise)`, Approx{Attr: "cn", Value: "alise"}},
		{`(&(a=1)(b=2))`, And{Equality{Attr: "a", Value: "1"}, Equality{Attr: "b", Value: "2"}}},
		{`(|(a=1)(b=2))`, Or{Equality{Attr: "a", Value: "1"}, Equality{Attr: "b", Value: "2"}}},
		{`(!(a=1))`, Not{Inner: Equality{Attr: "a", Value: "1"}}},
	}
	for _, tc := range tests {
		t.Run(tc.input, func(t *testing.T) {
			t.Parallel()
			got, err := ParseFilter(tc.input)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestParseFilterErrors(t *testing.T) {
	t.Parallel()

	for _, input := range []string{
		"",
		"(",
		"(uid=alice",
		"(uid=alice))",
		"(uid=alice)(cn=x)",
		"(&)",
		"(=value)",
		"(uid)",
		`(uid=a\zz)`,
		`(uid=a\2)`,
	} {
		t.Run(input, func(t *testing.T) {
			t.Parallel()
			_, err := ParseFilter(input)
			assert.Error(t, err)
		})
	}
}

func TestFilterMatches(t *testing.T) {
	t.Parallel()

	entry := Entry{
		"objectClass":     {"top", "person", "inetOrgPerson"},
		"uid":             {"alice"},
		"cn":              {"Alice Liddell"},
		"mail":            {"alice@example.com"},
		"telephoneNumber": {"+15551234"},
	}

	tests := []struct {
		filter string
		want   bool
	}{
		{`(uid=alice)`, true},
		{`(UID=ALICE)`, true}, // attribute and value matching are case-insensitive
		{`(uid=bob)`, false},
		{`(mail=*)`, true},
		{`(pager=*)`, false},
		{`(cn=ali*)`, true},
		{`(cn=*liddell)`, true},
		{`(cn=a*e*l)`, true},
		{`(cn=z*)`, false},
		{`(mail=*@example.com)`, true},
		{`(uid>=a)`, true},
		{`(uid>=z)`, false},
		{`(uid<=b)`, true},
		{`(cn~=alice liddell)`, true},
		{`(objectClass=person)`, true},
		{`(&(uid=alice)(mail=*))`, true},
		{`(&(uid=alice)(uid=bob))`, false},
		{`(|(uid=bob)(uid=alice))`, true},
		{`(!(uid=bob))`, true},
		{`(!(uid=alice))`, false},
	}
	for _, tc := range tests {
		t.Run(tc.filter, func(t *testing.T) {
			t.Parallel()
			f, err := ParseFilter(tc.filter)
			require.NoError(t, err)
			assert.Equal(t, tc.want, f.Matches(entry))
		})
	}
}
