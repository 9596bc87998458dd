// SPDX-FileCopyrightText: Copyright 2026 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package ldap

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"

	ber "github.com/go-asn1-ber/asn1-ber"
	goldap "github.com/go-ldap/ldap/v3"
	"golang.org/x/crypto/bcrypt"

	"github.com/stacklok/idhive/pkg/logger"
	"github.com/stacklok/idhive/pkg/storage"
)

// DefaultBaseDN is the directory suffix when none is configured.
const DefaultBaseDN = "dc=idhive,dc=local"

// Server is the LDAP v3 front-end over the user store. It serves Bind
// (simple authentication against local credentials), Search, and Unbind
// for one tenant per listener.
type Server struct {
	users    storage.UserStore
	tenantID string
	baseDN   string
	usersDN  string

	mu     sync.Mutex
	ln     net.Listener
	closed bool
	wg     sync.WaitGroup
}

// NewServer creates a Server for the tenant's users.
func NewServer(users storage.UserStore, tenantID, baseDN string) *Server {
	if baseDN == "" {
		baseDN = DefaultBaseDN
	}
	baseDN = normalizeDN(baseDN)
	return &Server{
		users:    users,
		tenantID: tenantID,
		baseDN:   baseDN,
		usersDN:  "ou=users," + baseDN,
	}
}

// ListenAndServe listens on addr and serves until Close.
func (s *Server) ListenAndServe(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	return s.Serve(ln)
}

// Serve accepts connections on ln until Close.
func (s *Server) Serve(ln net.Listener) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return errors.New("server is closed")
	}
	s.ln = ln
	s.mu.Unlock()

	for {
		conn, err := ln.Accept()
		if err != nil {
			s.mu.Lock()
			closed := s.closed
			s.mu.Unlock()
			if closed {
				return nil
			}
			return fmt.Errorf("accept failed: %w", err)
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(conn)
		}()
	}
}

// Addr returns the listener address, nil before Serve.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// Close stops the listener and waits for in-flight connections.
func (s *Server) Close() error {
	s.mu.Lock()
	s.closed = true
	ln := s.ln
	s.mu.Unlock()
	if ln != nil {
		_ = ln.Close()
	}
	s.wg.Wait()
	return nil
}

// connState tracks per-connection bind state.
type connState struct {
	authenticated bool
	bindDN        string
}

func (s *Server) handleConn(conn net.Conn) {
	defer conn.Close()
	state := &connState{}

	for {
		packet, err := ber.ReadPacket(conn)
		if err != nil {
			return
		}
		if len(packet.Children) < 2 {
			return
		}
		messageID := packetInt(packet.Children[0])
		op := packet.Children[1]

		switch op.Tag {
		case goldap.ApplicationBindRequest:
			s.handleBind(conn, messageID, op, state)

		case goldap.ApplicationSearchRequest:
			s.handleSearch(conn, messageID, op, state)

		case goldap.ApplicationUnbindRequest:
			return

		case goldap.ApplicationAbandonRequest:
			// Nothing in flight to abandon; no response is defined.

		default:
			writeResult(conn, messageID, ber.Tag(op.Tag+1),
				goldap.LDAPResultUnwillingToPerform, "", "operation not supported")
		}
	}
}

// handleBind serves simple binds: uid=<username>,ou=users,<base> with the
// account password. The anonymous bind (empty name and password) succeeds
// but stays unauthenticated.
func (s *Server) handleBind(conn net.Conn, messageID int64, op *ber.Packet, state *connState) {
	respond := func(code int, diag string) {
		writeResult(conn, messageID, ber.Tag(goldap.ApplicationBindResponse), code, "", diag)
	}
	if len(op.Children) < 3 {
		respond(goldap.LDAPResultProtocolError, "malformed bind request")
		return
	}
	if version := packetInt(op.Children[0]); version != 3 {
		respond(goldap.LDAPResultProtocolError, "only LDAP v3 is supported")
		return
	}
	name := packetString(op.Children[1])
	auth := op.Children[2]
	if auth.Tag != 0 {
		respond(goldap.LDAPResultAuthMethodNotSupported, "only simple bind is supported")
		return
	}
	password := packetString(auth)

	if name == "" && password == "" {
		state.authenticated = false
		state.bindDN = ""
		respond(goldap.LDAPResultSuccess, "")
		return
	}

	username, err := s.usernameFromDN(name)
	if err != nil {
		respond(goldap.LDAPResultInvalidCredentials, "")
		return
	}
	user, err := s.users.GetUserByUsername(context.Background(), s.tenantID, username)
	if err != nil || !user.Active ||
		bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)) != nil {
		respond(goldap.LDAPResultInvalidCredentials, "")
		return
	}

	state.authenticated = true
	state.bindDN = s.userDN(user)
	logger.Debugw("ldap bind", "tenant_id", s.tenantID, "user", username)
	respond(goldap.LDAPResultSuccess, "")
}

func (s *Server) handleSearch(conn net.Conn, messageID int64, op *ber.Packet, state *connState) {
	done := func(code int, diag string) {
		writeResult(conn, messageID, ber.Tag(goldap.ApplicationSearchResultDone), code, "", diag)
	}
	if !state.authenticated {
		done(goldap.LDAPResultInsufficientAccessRights, "bind first")
		return
	}
	if len(op.Children) < 8 {
		done(goldap.LDAPResultProtocolError, "malformed search request")
		return
	}
	base := normalizeDN(packetString(op.Children[0]))
	scope := packetInt(op.Children[1])
	sizeLimit := packetInt(op.Children[3])

	filterStr, err := goldap.DecompileFilter(op.Children[6])
	if err != nil {
		done(goldap.LDAPResultProtocolError, "undecodable filter")
		return
	}
	filter, err := ParseFilter(filterStr)
	if err != nil {
		done(goldap.LDAPResultProtocolError, "unsupported filter")
		return
	}

	users, err := s.users.ListUsers(context.Background(), s.tenantID)
	if err != nil {
		done(goldap.LDAPResultOperationsError, "directory unavailable")
		return
	}

	sent := int64(0)
	for _, user := range users {
		dn := s.userDN(user)
		if !s.inScope(base, scope, dn) {
			continue
		}
		if !filter.Matches(userEntry(user)) {
			continue
		}
		if sizeLimit > 0 && sent >= sizeLimit {
			done(goldap.LDAPResultSizeLimitExceeded, "")
			return
		}
		writeEntry(conn, messageID, dn, userEntry(user))
		sent++
	}
	done(goldap.LDAPResultSuccess, "")
}

// inScope applies the search scope to a candidate user DN.
func (s *Server) inScope(base string, scope int64, dn string) bool {
	switch scope {
	case goldap.ScopeBaseObject:
		return base == dn
	case goldap.ScopeSingleLevel:
		return base == s.usersDN
	case goldap.ScopeWholeSubtree:
		return base == dn || base == s.usersDN || base == s.baseDN
	default:
		return false
	}
}

// userDN builds the entry DN for a user.
func (s *Server) userDN(user *storage.User) string {
	return normalizeDN("uid=" + user.Username + "," + s.usersDN)
}

// usernameFromDN extracts the uid from a bind DN under the users
// container.
func (s *Server) usernameFromDN(dn string) (string, error) {
	normalized := normalizeDN(dn)
	rest, ok := strings.CutSuffix(normalized, ","+s.usersDN)
	if !ok {
		return "", fmt.Errorf("DN is not under %s", s.usersDN)
	}
	username, ok := strings.CutPrefix(rest, "uid=")
	if !ok || username == "" || strings.Contains(username, ",") {
		return "", fmt.Errorf("DN has no uid RDN")
	}
	return username, nil
}

// userEntry projects a user onto directory attributes.
func userEntry(user *storage.User) Entry {
	entry := Entry{
		"objectClass": {"top", "person", "inetOrgPerson"},
		"uid":         {user.Username},
		"cn":          {user.Username},
	}
	if user.Email != "" {
		entry["mail"] = []string{user.Email}
	}
	if user.PhoneNumber != "" {
		entry["telephoneNumber"] = []string{user.PhoneNumber}
	}
	if len(user.Roles) > 0 {
		entry["memberOf"] = user.Roles
	}
	return entry
}

// normalizeDN lowercases a DN and strips whitespace around RDN separators.
func normalizeDN(dn string) string {
	parts := strings.Split(strings.ToLower(dn), ",")
	for i, part := range parts {
		parts[i] = strings.TrimSpace(part)
	}
	return strings.Join(parts, ",")
}

// ---- wire encoding ----

func envelope(messageID int64, op *ber.Packet) *ber.Packet {
	pkt := ber.Encode(ber.ClassUniversal, ber.TypeConstructed, ber.TagSequence, nil, "LDAPMessage")
	pkt.AppendChild(ber.NewInteger(ber.ClassUniversal, ber.TypePrimitive, ber.TagInteger, messageID, "MessageID"))
	pkt.AppendChild(op)
	return pkt
}

// writeResult sends an LDAPResult with the given application tag.
func writeResult(conn net.Conn, messageID int64, tag ber.Tag, code int, matchedDN, diag string) {
	op := ber.Encode(ber.ClassApplication, ber.TypeConstructed, tag, nil, "LDAPResult")
	op.AppendChild(ber.NewInteger(ber.ClassUniversal, ber.TypePrimitive, ber.TagEnumerated, code, "resultCode"))
	op.AppendChild(ber.NewString(ber.ClassUniversal, ber.TypePrimitive, ber.TagOctetString, matchedDN, "matchedDN"))
	op.AppendChild(ber.NewString(ber.ClassUniversal, ber.TypePrimitive, ber.TagOctetString, diag, "diagnosticMessage"))
	if _, err := conn.Write(envelope(messageID, op).Bytes()); err != nil {
		logger.Debugw("ldap write failed", "error", err)
	}
}

// writeEntry sends a SearchResultEntry.
func writeEntry(conn net.Conn, messageID int64, dn string, entry Entry) {
	op := ber.Encode(ber.ClassApplication, ber.TypeConstructed, ber.Tag(goldap.ApplicationSearchResultEntry), nil, "SearchResultEntry")
	op.AppendChild(ber.NewString(ber.ClassUniversal, ber.TypePrimitive, ber.TagOctetString, dn, "objectName"))

	attrs := ber.Encode(ber.ClassUniversal, ber.TypeConstructed, ber.TagSequence, nil, "attributes")
	for _, name := range sortedAttrs(entry) {
		attr := ber.Encode(ber.ClassUniversal, ber.TypeConstructed, ber.TagSequence, nil, "PartialAttribute")
		attr.AppendChild(ber.NewString(ber.ClassUniversal, ber.TypePrimitive, ber.TagOctetString, name, "type"))
		vals := ber.Encode(ber.ClassUniversal, ber.TypeConstructed, ber.TagSet, nil, "vals")
		for _, v := range entry[name] {
			vals.AppendChild(ber.NewString(ber.ClassUniversal, ber.TypePrimitive, ber.TagOctetString, v, "value"))
		}
		attr.AppendChild(vals)
		attrs.AppendChild(attr)
	}
	op.AppendChild(attrs)

	if _, err := conn.Write(envelope(messageID, op).Bytes()); err != nil {
		logger.Debugw("ldap write failed", "error", err)
	}
}

func sortedAttrs(entry Entry) []string {
	out := make([]string, 0, len(entry))
	for name := range entry {
		out = append(out, name)
	}
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j] < out[j-1]; j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out
}

func packetString(p *ber.Packet) string {
	if s, ok := p.Value.(string); ok {
		return s
	}
	return string(p.Data.Bytes())
}

func packetInt(p *ber.Packet) int64 {
	switch v := p.Value.(type) {
	case int64:
		return v
	case int:
		return int64(v)
	default:
		return 0
	}
}
