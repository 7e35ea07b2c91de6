// Package gateway is the typed client for the trip-planning backend's HTTP
// contract. It attaches identity headers, registers anonymous actors before
// their first call, and normalizes failures into *APIError. It never
// retries; callers decide what to do with a failure.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"golang.org/x/time/rate"

	appLog "tripsync/internal/log"
	"tripsync/internal/model"
)

const (
	HeaderActorID       = "X-Actor-Id"
	HeaderAuthorization = "Authorization"

	// maxBodyBytes bounds how much of a response body is read.
	maxBodyBytes = 4 << 20
)

// Client talks to the backend.
type Client struct {
	baseURL string
	http    *http.Client
	limiter *rate.Limiter

	// registered holds actor id and display name pairs already upserted via
	// POST /api/actors. A rename misses and upserts again.
	registered sync.Map
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default http.Client (15s timeout).
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithRateLimit bounds outgoing requests. rps <= 0 disables limiting.
func WithRateLimit(rps float64, burst int) Option {
	return func(c *Client) {
		if rps <= 0 {
			c.limiter = nil
			return
		}
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
}

// New creates a Client for the backend at baseURL, e.g. "http://host:8000".
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: trimSlash(baseURL),
		http:    &http.Client{Timeout: 15 * time.Second},
		limiter: rate.NewLimiter(rate.Limit(10), 20),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type groupPayload struct {
	Name string `json:"name"`
}

// CreateGroup creates a group owned by the caller.
func (c *Client) CreateGroup(ctx context.Context, id model.Identity, name string) (model.GroupMembership, error) {
	var out model.GroupMembership
	if err := c.call(ctx, id, "create group", http.MethodPost, "/api/groups", groupPayload{Name: name}, &out); err != nil {
		return model.GroupMembership{}, err
	}
	if out.GroupID == "" {
		return model.GroupMembership{}, &APIError{Op: "create group", Status: http.StatusOK, Message: "response has no group id"}
	}
	return out, nil
}

// JoinGroup makes the caller a member of groupID. Joining a group twice
// returns the existing membership.
func (c *Client) JoinGroup(ctx context.Context, id model.Identity, groupID string) (model.GroupMembership, error) {
	var out model.GroupMembership
	path := "/api/groups/" + url.PathEscape(groupID) + "/join"
	if err := c.call(ctx, id, "join group", http.MethodPost, path, nil, &out); err != nil {
		return model.GroupMembership{}, err
	}
	if out.GroupID == "" {
		out.GroupID = groupID
	}
	return out, nil
}

// ListGroups returns the caller's group memberships.
func (c *Client) ListGroups(ctx context.Context, id model.Identity) ([]model.GroupMembership, error) {
	var out []model.GroupMembership
	if err := c.call(ctx, id, "list groups", http.MethodGet, "/api/groups", nil, &out); err != nil {
		return nil, err
	}
	return nonNil(out), nil
}

// FetchGroupSummary returns the server-computed overlap intervals.
func (c *Client) FetchGroupSummary(ctx context.Context, id model.Identity, groupID string) ([]model.GroupAvailabilityInterval, error) {
	var out []model.GroupAvailabilityInterval
	path := "/api/groups/" + url.PathEscape(groupID) + "/availability-summary"
	if err := c.call(ctx, id, "fetch summary", http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return nonNil(out), nil
}

// FetchMemberAvailabilities returns every member of the group with their
// entries. Entries inherit the member's actor fields and the group id.
func (c *Client) FetchMemberAvailabilities(ctx context.Context, id model.Identity, groupID string) ([]model.MemberAvailability, error) {
	var out []model.MemberAvailability
	path := "/api/groups/" + url.PathEscape(groupID) + "/member-availabilities"
	if err := c.call(ctx, id, "fetch member availabilities", http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	out = nonNil(out)
	for i := range out {
		m := &out[i]
		m.Availabilities = nonNil(m.Availabilities)
		for j := range m.Availabilities {
			e := &m.Availabilities[j]
			e.GroupID = groupID
			e.Status = model.Confirmed
			if e.ActorID == "" {
				e.ActorID = m.ActorID
				e.UserID = m.UserID
			}
			if e.DisplayName == "" {
				e.DisplayName = m.DisplayName
			}
		}
	}
	return out, nil
}

// wireEntry is the entry shape the backend returns for the caller's own
// availabilities and for create.
type wireEntry struct {
	ID        string     `json:"id"`
	StartDate model.Date `json:"startDate"`
	EndDate   model.Date `json:"endDate"`
}

func (w wireEntry) entry(groupID string, id model.Identity) model.AvailabilityEntry {
	return model.AvailabilityEntry{
		ID:          w.ID,
		GroupID:     groupID,
		StartDate:   w.StartDate,
		EndDate:     w.EndDate,
		ActorID:     id.ActorID,
		UserID:      id.UserIDPtr(),
		DisplayName: id.DisplayName,
		Status:      model.Confirmed,
	}
}

// FetchSelfAvailabilities returns the caller's own entries in the group.
func (c *Client) FetchSelfAvailabilities(ctx context.Context, id model.Identity, groupID string) ([]model.AvailabilityEntry, error) {
	var wire []wireEntry
	path := "/api/groups/" + url.PathEscape(groupID) + "/availabilities"
	if err := c.call(ctx, id, "fetch self availabilities", http.MethodGet, path, nil, &wire); err != nil {
		return nil, err
	}
	out := make([]model.AvailabilityEntry, 0, len(wire))
	for _, w := range wire {
		out = append(out, w.entry(groupID, id))
	}
	return out, nil
}

// CreateAvailability submits a new entry and returns it with its server id.
func (c *Client) CreateAvailability(ctx context.Context, id model.Identity, groupID string, r model.DateRange) (model.AvailabilityEntry, error) {
	var w wireEntry
	path := "/api/groups/" + url.PathEscape(groupID) + "/availabilities"
	if err := c.call(ctx, id, "create availability", http.MethodPost, path, r, &w); err != nil {
		return model.AvailabilityEntry{}, err
	}
	if w.ID == "" {
		return model.AvailabilityEntry{}, &APIError{Op: "create availability", Status: http.StatusOK, Message: "response has no id"}
	}
	return w.entry(groupID, id), nil
}

// DeleteAvailability removes one of the caller's entries.
func (c *Client) DeleteAvailability(ctx context.Context, id model.Identity, availabilityID string) error {
	path := "/api/availabilities/" + url.PathEscape(availabilityID)
	return c.call(ctx, id, "delete availability", http.MethodDelete, path, nil, nil)
}

type actorPayload struct {
	ActorID     string `json:"actorId"`
	DisplayName string `json:"displayName"`
}

// EnsureActor upserts an anonymous actor record. It is a no-op for users
// and for an actor already registered by this client under the same
// display name.
func (c *Client) EnsureActor(ctx context.Context, id model.Identity) error {
	if id.IsUser() {
		return nil
	}
	key := id.ActorID + "\x00" + id.DisplayName
	if _, ok := c.registered.Load(key); ok {
		return nil
	}
	body := actorPayload{ActorID: id.ActorID, DisplayName: id.DisplayName}
	if err := c.do(ctx, id, "register actor", http.MethodPost, "/api/actors", body, nil); err != nil {
		return err
	}
	c.registered.Store(key, struct{}{})
	appLog.Debug("actor registered", "actor_id", id.ActorID, "display_name", id.DisplayName)
	return nil
}

// Claim is the backend's answer to an actor claim.
type Claim struct {
	ActorID            string    `json:"actorId"`
	UserID             string    `json:"userId"`
	ClaimedAt          time.Time `json:"claimedAt"`
	UpdatedMemberships int       `json:"updatedMemberships"`
}

// ClaimActor binds the identity's actor to its signed-in user so the
// actor's memberships and entries follow the user. It also carries the
// user's current display name. Claiming again as the same user is safe.
func (c *Client) ClaimActor(ctx context.Context, id model.Identity) (Claim, error) {
	if !id.IsUser() {
		return Claim{}, &APIError{Op: "claim actor", Message: "claiming needs a signed-in user"}
	}
	var out Claim
	body := actorPayload{ActorID: id.ActorID, DisplayName: id.DisplayName}
	if err := c.do(ctx, id, "claim actor", http.MethodPost, "/api/auth/claim", body, &out); err != nil {
		return Claim{}, err
	}
	appLog.Debug("actor claimed", "actor_id", out.ActorID, "user_id", out.UserID, "updated_memberships", out.UpdatedMemberships)
	return out, nil
}

// call registers anonymous actors first, then performs the request.
func (c *Client) call(ctx context.Context, id model.Identity, op, method, path string, in, out any) error {
	if err := c.EnsureActor(ctx, id); err != nil {
		return err
	}
	return c.do(ctx, id, op, method, path, in, out)
}

// do performs a single round trip. in, when non-nil, is sent as JSON; out,
// when non-nil, receives the decoded 2xx body.
func (c *Client) do(ctx context.Context, id model.Identity, op, method, path string, in, out any) error {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return transportError(op, err)
		}
	}

	var body io.Reader
	if in != nil {
		buf, err := json.Marshal(in)
		if err != nil {
			return transportError(op, err)
		}
		body = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return transportError(op, err)
	}
	setIdentityHeaders(req.Header, id)
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			err = errors.Join(ctx.Err(), err)
		}
		return transportError(op, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return transportError(op, err)
	}

	appLog.Debug("gateway call", "op", op, "method", method, "path", path, "status", resp.StatusCode, "took", time.Since(start))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return statusError(op, resp.StatusCode, raw)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent || len(bytes.TrimSpace(raw)) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return &APIError{Op: op, Status: resp.StatusCode, Message: "malformed response body", Err: err}
	}
	return nil
}

// setIdentityHeaders attaches X-Actor-Id for every identity and a bearer
// token for signed-in users only.
func setIdentityHeaders(h http.Header, id model.Identity) {
	h.Set(HeaderActorID, id.ActorID)
	if id.IsUser() && id.AccessToken != "" {
		h.Set(HeaderAuthorization, "Bearer "+id.AccessToken)
	}
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}

func trimSlash(s string) string {
	for len(s) > 0 && s[len(s)-1] == '/' {
		s = s[:len(s)-1]
	}
	return s
}
