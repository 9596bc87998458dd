// SPDX-FileCopyrightText: Copyright 2026 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package ldap implements the directory front-end: an RFC 4515 filter
// language and a TCP server speaking the LDAP v3 wire protocol (Bind,
// Search, Unbind) over the user store.
package ldap

import (
	"fmt"
	"strconv"
	"strings"
)

// Entry is a directory entry: attribute name to values. Lookups are
// case-insensitive on the attribute name.
type Entry map[string][]string

// values returns the entry's values for an attribute, any case.
func (e Entry) values(attr string) []string {
	for name, vals := range e {
		if strings.EqualFold(name, attr) {
			return vals
		}
	}
	return nil
}

// Filter is a parsed RFC 4515 search filter. Matching is case-insensitive
// on attribute names and values.
type Filter interface {
	// String renders the filter in RFC 4515 form.
	String() string

	// Matches reports whether the entry satisfies the filter.
	Matches(e Entry) bool
}

// And is the &-conjunction of its operands.
type And []Filter

func (f And) String() string { return "(&" + joinFilters(f) + ")" }

func (f And) Matches(e Entry) bool {
	for _, sub := range f {
		if !sub.Matches(e) {
			return false
		}
	}
	return true
}

// Or is the |-disjunction of its operands.
type Or []Filter

func (f Or) String() string { return "(|" + joinFilters(f) + ")" }

func (f Or) Matches(e Entry) bool {
	for _, sub := range f {
		if sub.Matches(e) {
			return true
		}
	}
	return false
}

// Not negates its operand.
type Not struct {
	Inner Filter
}

func (f Not) String() string       { return "(!" + f.Inner.String() + ")" }
func (f Not) Matches(e Entry) bool { return !f.Inner.Matches(e) }

// Equality is attr=value.
type Equality struct {
	Attr  string
	Value string
}

func (f Equality) String() string { return "(" + f.Attr + "=" + escapeValue(f.Value) + ")" }

func (f Equality) Matches(e Entry) bool {
	for _, v := range e.values(f.Attr) {
		if strings.EqualFold(v, f.Value) {
			return true
		}
	}
	return false
}

// Present is attr=*.
type Present struct {
	Attr string
}

func (f Present) String() string       { return "(" + f.Attr + "=*)" }
func (f Present) Matches(e Entry) bool { return len(e.values(f.Attr)) > 0 }

// GreaterOrEqual is attr>=value.
type GreaterOrEqual struct {
	Attr  string
	Value string
}

func (f GreaterOrEqual) String() string { return "(" + f.Attr + ">=" + escapeValue(f.Value) + ")" }

func (f GreaterOrEqual) Matches(e Entry) bool {
	for _, v := range e.values(f.Attr) {
		if strings.ToLower(v) >= strings.ToLower(f.Value) {
			return true
		}
	}
	return false
}

// LessOrEqual is attr<=value.
type LessOrEqual struct {
	Attr  string
	Value string
}

func (f LessOrEqual) String() string { return "(" + f.Attr + "<=" + escapeValue(f.Value) + ")" }

func (f LessOrEqual) Matches(e Entry) bool {
	for _, v := range e.values(f.Attr) {
		if strings.ToLower(v) <= strings.ToLower(f.Value) {
			return true
		}
	}
	return false
}

// Approx is attr~=value. Matched as case-insensitive equality; the server
// has no phonetic matching rules.
type Approx struct {
	Attr  string
	Value string
}

func (f Approx) String() string { return "(" + f.Attr + "~=" + escapeValue(f.Value) + ")" }

func (f Approx) Matches(e Entry) bool {
	return Equality{Attr: f.Attr, Value: f.Value}.Matches(e)
}

// Substring is attr=initial*any*...*final with any part optional.
type Substring struct {
	Attr    string
	Initial string
	Any     []string
	Final   string
}

func (f Substring) String() string {
	var b strings.Builder
	b.WriteString("(" + f.Attr + "=")
	b.WriteString(escapeValue(f.Initial))
	b.WriteString("*")
	for _, part := range f.Any {
		b.WriteString(escapeValue(part))
		b.WriteString("*")
	}
	b.WriteString(escapeValue(f.Final))
	b.WriteString(")")
	return b.String()
}

func (f Substring) Matches(e Entry) bool {
	for _, v := range e.values(f.Attr) {
		if f.matchValue(strings.ToLower(v)) {
			return true
		}
	}
	return false
}

func (f Substring) matchValue(v string) bool {
	if initial := strings.ToLower(f.Initial); initial != "" {
		if !strings.HasPrefix(v, initial) {
			return false
		}
		v = v[len(initial):]
	}
	for _, part := range f.Any {
		part = strings.ToLower(part)
		idx := strings.Index(v, part)
		if idx < 0 {
			return false
		}
		v = v[idx+len(part):]
	}
	if final := strings.ToLower(f.Final); final != "" {
		return strings.HasSuffix(v, final)
	}
	return true
}

func joinFilters(filters []Filter) string {
	var b strings.Builder
	for _, f := range filters {
		b.WriteString(f.String())
	}
	return b.String()
}

// escapeValue applies RFC 4515 escaping to a value.
func escapeValue(v string) string {
	var b strings.Builder
	for i := 0; i < len(v); i++ {
		switch c := v[i]; c {
		case '*', '(', ')', '\\', 0:
			fmt.Fprintf(&b, `\%02x`, c)
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}

// ParseFilter parses an RFC 4515 filter string.
func ParseFilter(s string) (Filter, error) {
	p := &filterParser{input: s}
	f, err := p.parse()
	if err != nil {
		return nil, err
	}
	if p.pos != len(p.input) {
		return nil, fmt.Errorf("trailing data at offset %d", p.pos)
	}
	return f, nil
}

type filterParser struct {
	input string
	pos   int
}

func (p *filterParser) parse() (Filter, error) {
	if err := p.expect('('); err != nil {
		return nil, err
	}
	if p.pos >= len(p.input) {
		return nil, fmt.Errorf("unexpected end of filter")
	}

	switch p.input[p.pos] {
	case '&':
		p.pos++
		set, err := p.parseSet()
		if err != nil {
			return nil, err
		}
		return And(set), nil
	case '|':
		p.pos++
		set, err := p.parseSet()
		if err != nil {
			return nil, err
		}
		return Or(set), nil
	case '!':
		p.pos++
		inner, err := p.parse()
		if err != nil {
			return nil, err
		}
		if err := p.expect(')'); err != nil {
			return nil, err
		}
		return Not{Inner: inner}, nil
	default:
		return p.parseItem()
	}
}

// parseSet reads the operands of an &/| filter up to the closing paren.
func (p *filterParser) parseSet() ([]Filter, error) {
	var out []Filter
	for {
		if p.pos >= len(p.input) {
			return nil, fmt.Errorf("unterminated filter set")
		}
		if p.input[p.pos] == ')' {
			p.pos++
			if len(out) == 0 {
				return nil, fmt.Errorf("empty filter set")
			}
			return out, nil
		}
		f, err := p.parse()
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
}

// parseItem reads a simple item: attr followed by =, >=, <=, ~= and a
// value (possibly with * wildcards), up to the closing paren.
func (p *filterParser) parseItem() (Filter, error) {
	start := p.pos
	for p.pos < len(p.input) && !strings.ContainsRune("=~<>()", rune(p.input[p.pos])) {
		p.pos++
	}
	attr := p.input[start:p.pos]
	if attr == "" {
		return nil, fmt.Errorf("missing attribute at offset %d", start)
	}

	var op string
	switch {
	case strings.HasPrefix(p.input[p.pos:], ">="):
		op, p.pos = ">=", p.pos+2
	case strings.HasPrefix(p.input[p.pos:], "<="):
		op, p.pos = "<=", p.pos+2
	case strings.HasPrefix(p.input[p.pos:], "~="):
		op, p.pos = "~=", p.pos+2
	case p.pos < len(p.input) && p.input[p.pos] == '=':
		op, p.pos = "=", p.pos+1
	default:
		return nil, fmt.Errorf("missing operator at offset %d", p.pos)
	}

	end := strings.IndexByte(p.input[p.pos:], ')')
	if end < 0 {
		return nil, fmt.Errorf("unterminated filter item")
	}
	rawValue := p.input[p.pos : p.pos+end]
	p.pos += end + 1

	if op != "=" {
		value, err := unescapeValue(rawValue)
		if err != nil {
			return nil, err
		}
		switch op {
		case ">=":
			return GreaterOrEqual{Attr: attr, Value: value}, nil
		case "<=":
			return LessOrEqual{Attr: attr, Value: value}, nil
		default:
			return Approx{Attr: attr, Value: value}, nil
		}
	}

	if rawValue == "*" {
		return Present{Attr: attr}, nil
	}
	if !strings.Contains(rawValue, "*") {
		value, err := unescapeValue(rawValue)
		if err != nil {
			return nil, err
		}
		return Equality{Attr: attr, Value: value}, nil
	}

	parts := strings.Split(rawValue, "*")
	sub := Substring{Attr: attr}
	for i, part := range parts {
		value, err := unescapeValue(part)
		if err != nil {
			return nil, err
		}
		switch i {
		case 0:
			sub.Initial = value
		case len(parts) - 1:
			sub.Final = value
		default:
			sub.Any = append(sub.Any, value)
		}
	}
	return sub, nil
}

func (p *filterParser) expect(c byte) error {
	if p.pos >= len(p.input) || p.input[p.pos] != c {
		return fmt.Errorf("expected %q at offset %d", string(c), p.pos)
	}
	p.pos++
	return nil
}

// unescapeValue resolves \xx escapes.
func unescapeValue(v string) (string, error) {
	if !strings.Contains(v, `\`) {
		return v, nil
	}
	var b strings.Builder
	for i := 0; i < len(v); i++ {
		if v[i] != '\\' {
			b.WriteByte(v[i])
			continue
		}
		if i+2 >= len(v) {
			return "", fmt.Errorf("truncated escape sequence")
		}
		c, err := strconv.ParseUint(v[i+1:i+3], 16, 8)
		if err != nil {
			return "", fmt.Errorf("invalid escape sequence %q", v[i:i+3])
		}
		b.WriteByte(byte(c))
		i += 2
	}
	return b.String(), nil
}
