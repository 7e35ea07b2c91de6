// Package web is the local companion API: a small HTTP surface over the
// cache store for a browser UI running on the same machine.
package web

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/julienschmidt/httprouter"
	"github.com/rs/cors"
	"golang.org/x/crypto/bcrypt"

	"tripsync/internal/account"
	"tripsync/internal/availability"
	"tripsync/internal/config"
	"tripsync/internal/gateway"
	"tripsync/internal/ics"
	appLog "tripsync/internal/log"
	"tripsync/internal/model"
	"tripsync/internal/poll"
	"tripsync/internal/store"
)

// changesWait bounds how long a /api/changes request waits for a change.
const changesWait = 25 * time.Second

// Server exposes the store over HTTP.
type Server struct {
	cfg     *config.Config
	store   *store.Store
	poller  *poll.Poller
	account *account.Manager
	now     func() time.Time
	router  *httprouter.Router

	// focus polls the group the UI looked at last.
	focusMu sync.Mutex
	focus   *poll.View

	changes     *changeFeed
	changesWait time.Duration
	unsubscribe func()
}

// NewServer constructs a Server. poller may be nil, in which case viewing
// a group does not start background polling for it. acct may be nil, which
// turns off the /api/me routes.
func NewServer(cfg *config.Config, st *store.Store, poller *poll.Poller, acct *account.Manager) *Server {
	s := &Server{
		cfg:         cfg,
		store:       st,
		poller:      poller,
		account:     acct,
		now:         time.Now,
		router:      httprouter.New(),
		changes:     newChangeFeed(),
		changesWait: changesWait,
	}
	s.unsubscribe = st.Subscribe(s.changes.bump)
	s.registerRoutes()
	return s
}

// Handler returns the root handler with CORS and, when configured, basic
// auth applied.
func (s *Server) Handler() http.Handler {
	h := cors.New(cors.Options{
		AllowedOrigins:   s.cfg.CORSOrigins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowedHeaders:   []string{"Content-Type", "Authorization"},
		AllowCredentials: true,
	}).Handler(s.router)
	if s.basicAuthEnabled() {
		appLog.Info("HTTP basic auth enabled", "listen", "http://"+s.cfg.Listen)
		return s.basicAuthMiddleware(h)
	}
	return h
}

// Run serves on cfg.Listen until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Listen,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		appLog.Info("starting companion API", "listen", "http://"+s.cfg.Listen)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		s.Close()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := srv.Shutdown(shutdownCtx)
	s.Close()
	return err
}

// Close stops polling for the focused group and detaches from the store.
func (s *Server) Close() {
	s.unsubscribe()
	s.focusMu.Lock()
	defer s.focusMu.Unlock()
	if s.focus != nil {
		s.focus.Close()
		s.focus = nil
	}
}

func (s *Server) basicAuthEnabled() bool {
	if s.cfg == nil || s.cfg.BasicAuth == nil {
		return false
	}
	return s.cfg.BasicAuth.Username != "" && s.cfg.BasicAuth.PasswordHash != ""
}

// basicAuthMiddleware wraps all handlers except /health with HTTP Basic Auth.
func (s *Server) basicAuthMiddleware(next http.Handler) http.Handler {
	username := s.cfg.BasicAuth.Username
	hash := []byte(s.cfg.BasicAuth.PasswordHash)

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			next.ServeHTTP(w, r)
			return
		}
		u, p, ok := r.BasicAuth()
		if !ok || !secureCompare(u, username) || bcrypt.CompareHashAndPassword(hash, []byte(p)) != nil {
			w.Header().Set("WWW-Authenticate", `Basic realm="tripsync", charset="UTF-8"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// secureCompare compares two strings in constant time.
func secureCompare(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

func (s *Server) registerRoutes() {
	s.router.GET("/health", s.handleHealth)
	s.router.GET("/api/changes", s.handleChanges)
	s.router.GET("/api/me", s.handleMe)
	s.router.PUT("/api/me", s.handleRename)
	s.router.POST("/api/me/claim", s.handleClaim)
	s.router.GET("/api/groups", s.handleGroups)
	s.router.POST("/api/groups", s.handleCreateGroup)
	s.router.POST("/api/groups/:id/join", s.handleJoinGroup)
	s.router.GET("/api/groups/:id/summary", s.handleSummary)
	s.router.GET("/api/groups/:id/members", s.handleMembers)
	s.router.GET("/api/groups/:id/self", s.handleSelf)
	s.router.GET("/api/groups/:id/calendar.ics", s.handleCalendar)
	s.router.POST("/api/groups/:id/availabilities", s.handleAdd)
	s.router.DELETE("/api/groups/:id/availabilities/:aid", s.handleDelete)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// cacheMeta describes where a response came from.
type cacheMeta struct {
	LastFetched *time.Time `json:"lastFetched,omitempty"`
	Stale       bool       `json:"stale"`
	Error       string     `json:"error,omitempty"`
}

func metaOf[E any](e store.Entry[E], now time.Time, window time.Duration, fetchErr error) cacheMeta {
	m := cacheMeta{Stale: !e.Fresh(now, window)}
	if !e.LastFetched.IsZero() {
		t := e.LastFetched
		m.LastFetched = &t
	}
	switch {
	case fetchErr != nil:
		m.Error = fetchErr.Error()
	case e.Err != nil:
		m.Error = e.Err.Error()
	}
	return m
}

type groupsResponse struct {
	Groups []model.GroupMembership `json:"groups"`
	Cache  cacheMeta               `json:"cache"`
}

func (s *Server) handleGroups(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	_, err := s.store.FetchGroups(r.Context(), store.FetchOptions{})
	e := s.store.Groups()
	if err != nil && !e.HasData() {
		writeUpstreamError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, groupsResponse{
		Groups: nonNil(e.Data),
		Cache:  metaOf(e, s.now(), s.cfg.Cache.GroupsStaleWindow.Std(), err),
	})
}

type summaryResponse struct {
	GroupID     string                            `json:"groupId"`
	Intervals   []model.GroupAvailabilityInterval `json:"intervals"`
	Best        *model.GroupAvailabilityInterval  `json:"best,omitempty"`
	Provisional bool                              `json:"provisional"`
	Cache       cacheMeta                         `json:"cache"`
}

func (s *Server) handleSummary(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	groupID := ps.ByName("id")
	s.focusGroup(groupID)

	_, err := s.store.FetchSummary(r.Context(), groupID, store.FetchOptions{})
	if gateway.IsNotFound(err) || gateway.StatusOf(err) == http.StatusForbidden {
		// deleted, or the caller is no longer a member
		s.store.RemoveGroup(groupID)
		writeUpstreamError(w, err)
		return
	}
	e := s.store.Summary(groupID)
	resp := summaryResponse{
		GroupID: groupID,
		Cache:   metaOf(e, s.now(), s.cfg.Cache.StaleWindow.Std(), err),
	}

	intervals := e.Data
	if err != nil && !e.HasData() {
		// Fall back to what the cached member listings imply.
		provisional, perr := s.store.ProvisionalSummary(groupID)
		if perr != nil {
			writeUpstreamError(w, err)
			return
		}
		intervals = provisional
		resp.Provisional = true
	}

	resp.Intervals = nonNil(intervals)
	if best, ok := availability.Best(resp.Intervals); ok {
		resp.Best = &best
	}
	writeJSON(w, http.StatusOK, resp)
}

type membersResponse struct {
	Members []model.MemberAvailability `json:"members"`
	Cache   cacheMeta                  `json:"cache"`
}

func (s *Server) handleMembers(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	groupID := ps.ByName("id")
	_, err := s.store.FetchMembers(r.Context(), groupID, store.FetchOptions{})
	e := s.store.Members(groupID)
	if err != nil && !e.HasData() {
		writeUpstreamError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, membersResponse{
		Members: nonNil(e.Data),
		Cache:   metaOf(e, s.now(), s.cfg.Cache.StaleWindow.Std(), err),
	})
}

// entryView adds the pending flag to an entry, which the model keeps out
// of its JSON form.
type entryView struct {
	model.AvailabilityEntry
	Pending bool `json:"pending"`
}

func viewsOf(entries []model.AvailabilityEntry) []entryView {
	out := make([]entryView, 0, len(entries))
	for _, e := range entries {
		out = append(out, entryView{AvailabilityEntry: e, Pending: e.Status == model.Pending})
	}
	return out
}

type selfResponse struct {
	Availabilities []entryView `json:"availabilities"`
	Cache          cacheMeta   `json:"cache"`
}

func (s *Server) handleSelf(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	groupID := ps.ByName("id")
	_, err := s.store.FetchSelf(r.Context(), groupID, store.FetchOptions{})
	e := s.store.Self(groupID)
	if err != nil && !e.HasData() {
		writeUpstreamError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, selfResponse{
		Availabilities: viewsOf(e.Data),
		Cache:          metaOf(e, s.now(), s.cfg.Cache.StaleWindow.Std(), err),
	})
}

type rangeRequest struct {
	StartDate string `json:"startDate"`
	EndDate   string `json:"endDate"`
}

func (s *Server) handleAdd(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	var req rangeRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<16)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	start, err := model.ParseDate(req.StartDate)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid startDate")
		return
	}
	end, err := model.ParseDate(req.EndDate)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid endDate")
		return
	}

	saved, err := s.store.AddAvailability(r.Context(), ps.ByName("id"), model.DateRange{Start: start, End: end})
	if err != nil {
		if errors.Is(err, model.ErrInvertedRange) || errors.Is(err, model.ErrInvalidDate) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeUpstreamError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, entryView{AvailabilityEntry: saved})
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	err := s.store.DeleteAvailability(r.Context(), ps.ByName("id"), ps.ByName("aid"))
	switch {
	case err == nil:
		w.WriteHeader(http.StatusNoContent)
	case errors.Is(err, store.ErrPendingEntry):
		writeError(w, http.StatusConflict, err.Error())
	default:
		writeUpstreamError(w, err)
	}
}

func (s *Server) handleCalendar(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	groupID := ps.ByName("id")
	_, err := s.store.FetchSummary(r.Context(), groupID, store.FetchOptions{})
	e := s.store.Summary(groupID)
	if err != nil && !e.HasData() {
		writeUpstreamError(w, err)
		return
	}

	name := groupID
	for _, g := range s.store.Groups().Data {
		if g.GroupID == groupID && g.Name != "" {
			name = g.Name
			break
		}
	}
	body := ics.Export(name, e.Data, ics.ExportOptions{GroupID: groupID, Now: s.now()})

	w.Header().Set("Content-Type", "text/calendar; charset=utf-8")
	w.Header().Set("Content-Disposition", `attachment; filename="`+groupID+`.ics"`)
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, body)
}

// focusGroup points background polling at groupID. The view outlives the
// request, so it hangs off the store context; only the swap happens under
// focusMu and the initial load runs outside it.
func (s *Server) focusGroup(groupID string) {
	if s.poller == nil {
		return
	}
	s.focusMu.Lock()
	if s.focus == nil {
		s.focus = s.poller.GroupView(s.store.Context())
	}
	v := s.focus
	s.focusMu.Unlock()

	if err := v.SetGroup(groupID); err != nil {
		appLog.Warn("focus group load failed", "group", groupID, "err", err)
	}
}

type groupRequest struct {
	Name string `json:"name"`
}

func (s *Server) handleCreateGroup(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var req groupRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<16)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	name := strings.TrimSpace(req.Name)
	if name == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}
	g, err := s.store.CreateGroup(r.Context(), name)
	if err != nil {
		writeUpstreamError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, g)
}

func (s *Server) handleJoinGroup(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	g, err := s.store.JoinGroup(r.Context(), ps.ByName("id"))
	if err != nil {
		writeUpstreamError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, g)
}

type meResponse struct {
	Kind        model.IdentityKind `json:"kind"`
	ActorID     string             `json:"actorId"`
	UserID      string             `json:"userId,omitempty"`
	DisplayName string             `json:"displayName"`
}

func meOf(id model.Identity) meResponse {
	return meResponse{Kind: id.Kind, ActorID: id.ActorID, UserID: id.UserID, DisplayName: id.DisplayName}
}

func (s *Server) handleMe(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
	writeJSON(w, http.StatusOK, meOf(s.store.Identity()))
}

type renameRequest struct {
	DisplayName string `json:"displayName"`
}

func (s *Server) handleRename(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	if s.account == nil {
		writeError(w, http.StatusNotFound, "account management is disabled")
		return
	}
	var req renameRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<16)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	id, err := s.account.Rename(r.Context(), req.DisplayName)
	switch {
	case errors.Is(err, account.ErrBlankName):
		writeError(w, http.StatusBadRequest, err.Error())
	case err != nil && id.ActorID == "":
		writeError(w, http.StatusInternalServerError, err.Error())
	case err != nil:
		// saved locally; the backend will hear about it on the next call
		appLog.Warn("display name not published", "err", err)
		writeJSON(w, http.StatusAccepted, meOf(id))
	default:
		writeJSON(w, http.StatusOK, meOf(id))
	}
}

func (s *Server) handleClaim(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	if s.account == nil {
		writeError(w, http.StatusNotFound, "account management is disabled")
		return
	}
	c, err := s.account.Claim(r.Context())
	switch {
	case errors.Is(err, account.ErrNotSignedIn):
		writeError(w, http.StatusConflict, err.Error())
	case err != nil:
		writeUpstreamError(w, err)
	default:
		writeJSON(w, http.StatusOK, c)
	}
}

// changeFeed counts store notifications and wakes long-polling readers.
type changeFeed struct {
	mu      sync.Mutex
	version uint64
	ch      chan struct{}
}

func newChangeFeed() *changeFeed {
	return &changeFeed{ch: make(chan struct{})}
}

func (f *changeFeed) bump() {
	f.mu.Lock()
	f.version++
	close(f.ch)
	f.ch = make(chan struct{})
	f.mu.Unlock()
}

func (f *changeFeed) current() (uint64, <-chan struct{}) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.version, f.ch
}

type changesResponse struct {
	Version uint64 `json:"version"`
}

// handleChanges answers as soon as the store's version differs from
// ?since, or after changesWait with the unchanged version.
func (s *Server) handleChanges(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	version, ch := s.changes.current()
	raw := r.URL.Query().Get("since")
	if raw == "" {
		writeJSON(w, http.StatusOK, changesResponse{Version: version})
		return
	}
	since, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid since")
		return
	}
	if since == version {
		timer := time.NewTimer(s.changesWait)
		defer timer.Stop()
		select {
		case <-ch:
		case <-timer.C:
		case <-r.Context().Done():
			return
		}
		version, _ = s.changes.current()
	}
	writeJSON(w, http.StatusOK, changesResponse{Version: version})
}

func nonNil[E any](in []E) []E {
	if in == nil {
		return []E{}
	}
	return in
}

// writeUpstreamError reports err with the backend's status when it has one.
func writeUpstreamError(w http.ResponseWriter, err error) {
	status := gateway.StatusOf(err)
	switch {
	case errors.Is(err, store.ErrClosed):
		status = http.StatusServiceUnavailable
	case errors.Is(err, store.ErrIdentityChanged):
		status = http.StatusConflict
	case status < 400:
		status = http.StatusBadGateway
	}
	writeError(w, status, err.Error())
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		appLog.Error("failed to write JSON response", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	type errResp struct {
		Error string `json:"error"`
	}
	writeJSON(w, status, errResp{Error: msg})
}
