// Package session provides immutable upstream sessions.
//
// A Handle bundles credentials, an egress identity (direct or via a proxy)
// and the HTTP client wired for that egress. Handles are never mutated:
// rotating a session means asking a Factory for a brand-new Handle with a
// fresh transport and cookie jar, which also drops any server-side state the
// upstream attached to the previous connection.
package session

import (
	"context"
	"fmt"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"time"

	"github.com/google/uuid"
)

// Direct is the egress label of a handle that does not use a proxy.
const Direct = "direct"

// Credentials are the opaque authentication material obtained by the
// (external) login flow.
type Credentials struct {
	Token   string            `json:"token,omitempty"`
	Cookies []*http.Cookie    `json:"cookies,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
}

// Empty reports whether no credential material is present.
func (c Credentials) Empty() bool {
	return c.Token == "" && len(c.Cookies) == 0 && len(c.Headers) == 0
}

// clone deep-copies c so a Handle never shares slices or maps with its caller.
func (c Credentials) clone() Credentials {
	out := Credentials{Token: c.Token}
	if len(c.Cookies) > 0 {
		out.Cookies = make([]*http.Cookie, len(c.Cookies))
		for i, ck := range c.Cookies {
			cp := *ck
			out.Cookies[i] = &cp
		}
	}
	if len(c.Headers) > 0 {
		out.Headers = make(map[string]string, len(c.Headers))
		for k, v := range c.Headers {
			out.Headers[k] = v
		}
	}
	return out
}

// Handle is one immutable upstream session.
type Handle struct {
	id        string
	sequence  int
	egress    string
	createdAt time.Time
	creds     Credentials
	userAgent string
	client    *http.Client
}

// ID returns the unique session id.
func (h *Handle) ID() string { return h.id }

// Sequence is 0 for the first handle of a job and grows by one per rotation.
func (h *Handle) Sequence() int { return h.sequence }

// Egress returns the proxy URL (without user info) or Direct.
func (h *Handle) Egress() string { return h.egress }

// CreatedAt returns when the handle was built.
func (h *Handle) CreatedAt() time.Time { return h.createdAt }

// Do sends req through this session's transport with its credentials
// applied. req is cloned, never modified.
func (h *Handle) Do(req *http.Request) (*http.Response, error) {
	r := req.Clone(req.Context())
	if h.userAgent != "" && r.Header.Get("User-Agent") == "" {
		r.Header.Set("User-Agent", h.userAgent)
	}
	if h.creds.Token != "" {
		r.Header.Set("Authorization", "Bearer "+h.creds.Token)
	}
	for k, v := range h.creds.Headers {
		r.Header.Set(k, v)
	}
	return h.client.Do(r)
}

// Close releases idle connections held by the handle's transport.
func (h *Handle) Close() {
	h.client.CloseIdleConnections()
}

// Factory builds sessions. prev is the handle being replaced, or nil for the
// first session of a job.
type Factory interface {
	New(ctx context.Context, prev *Handle) (*Handle, error)
}

func newHandle(prev *Handle, egress string, creds Credentials, userAgent string, client *http.Client, base *url.URL) (*Handle, error) {
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, fmt.Errorf("create cookie jar: %w", err)
	}
	if base != nil && len(creds.Cookies) > 0 {
		jar.SetCookies(base, creds.Cookies)
	}
	client.Jar = jar

	seq := 0
	if prev != nil {
		seq = prev.sequence + 1
	}

	return &Handle{
		id:        uuid.NewString(),
		sequence:  seq,
		egress:    egress,
		createdAt: time.Now(),
		creds:     creds,
		userAgent: userAgent,
		client:    client,
	}, nil
}
