// SPDX-FileCopyrightText: Copyright 2026 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package networking builds the outbound HTTP client used for webhook
// callouts and federation metadata fetches. The client refuses plain
// HTTP and connections into private address space, so tenant-supplied
// URLs cannot be used to reach internal services.
package networking

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"syscall"
	"time"
)

// OutboundTimeout is the overall timeout for outgoing HTTP requests.
const OutboundTimeout = 30 * time.Second

// ErrPrivateAddress is returned when an outbound connection resolves to
// loopback, link-local, or private address space.
var ErrPrivateAddress = errors.New("outbound address resolves to private address space")

var privateBlocks []*net.IPNet

func init() {
	for _, cidr := range []string{
		"127.0.0.0/8",    // IPv4 loopback
		"10.0.0.0/8",     // RFC1918
		"172.16.0.0/12",  // RFC1918
		"192.168.0.0/16", // RFC1918
		"169.254.0.0/16", // RFC3927 link-local
		"::1/128",        // IPv6 loopback
		"fe80::/10",      // IPv6 link-local
		"fc00::/7",       // IPv6 unique local addr
	} {
		_, block, err := net.ParseCIDR(cidr)
		if err != nil {
			panic(fmt.Errorf("parse error on %q: %v", cidr, err))
		}
		privateBlocks = append(privateBlocks, block)
	}
}

func isPrivateIP(ip net.IP) bool {
	if ip.IsLoopback() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() {
		return true
	}
	for _, block := range privateBlocks {
		if block.Contains(ip) {
			return true
		}
	}
	return false
}

// CheckPublicAddress returns ErrPrivateAddress when the host:port
// address points at a private or loopback IP. Hostnames pass; the
// dialer control hook sees the resolved address, not the name.
func CheckPublicAddress(address string) error {
	host, _, err := net.SplitHostPort(address)
	if err != nil {
		return err
	}
	if ip := net.ParseIP(host); isPrivateIP(ip) {
		return ErrPrivateAddress
	}
	return nil
}

// Dialer control function for validating addresses prior to connection.
func protectedDialerControl(_, address string, _ syscall.RawConn) error {
	return CheckPublicAddress(address)
}

// httpsOnlyTransport rejects any request that is not HTTPS before it
// reaches the network.
type httpsOnlyTransport struct {
	next http.RoundTripper
}

func (t *httpsOnlyTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.URL.Scheme != "https" {
		return nil, fmt.Errorf("the supplied URL %s is not HTTPS scheme", req.URL.Redacted())
	}
	return t.next.RoundTrip(req)
}

// OutboundClientBuilder provides a fluent interface for building the
// outbound HTTP client.
type OutboundClientBuilder struct {
	timeout      time.Duration
	allowPrivate bool
	allowHTTP    bool
}

// NewOutboundClientBuilder returns a builder with the default timeout
// and all protections enabled.
func NewOutboundClientBuilder() *OutboundClientBuilder {
	return &OutboundClientBuilder{timeout: OutboundTimeout}
}

// WithTimeout sets the overall request timeout.
func (b *OutboundClientBuilder) WithTimeout(d time.Duration) *OutboundClientBuilder {
	b.timeout = d
	return b
}

// WithPrivateAddresses allows connections to private IP addresses.
func (b *OutboundClientBuilder) WithPrivateAddresses(allow bool) *OutboundClientBuilder {
	b.allowPrivate = allow
	return b
}

// WithPlainHTTP allows non-HTTPS URLs. Meant for local development
// against webhook receivers without TLS.
func (b *OutboundClientBuilder) WithPlainHTTP(allow bool) *OutboundClientBuilder {
	b.allowHTTP = allow
	return b
}

// Build creates the configured HTTP client.
func (b *OutboundClientBuilder) Build() *http.Client {
	transport := &http.Transport{
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: 10 * time.Second,
	}
	if !b.allowPrivate {
		transport.DialContext = (&net.Dialer{
			Control: protectedDialerControl,
		}).DialContext
	}

	var rt http.RoundTripper = transport
	if !b.allowHTTP {
		rt = &httpsOnlyTransport{next: transport}
	}

	return &http.Client{
		Transport: rt,
		Timeout:   b.timeout,
	}
}
