// Package backend is an in-memory implementation of the trip-planning HTTP
// contract. It computes group summaries with the availability aggregator and
// backs the `tripsync backend` command and end-to-end tests.
package backend

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/julienschmidt/httprouter"

	"tripsync/internal/availability"
	appLog "tripsync/internal/log"
	"tripsync/internal/model"
)

// Server serves the contract from memory.
type Server struct {
	secret    []byte
	publicURL string
	now       func() time.Time

	mem      *memory
	validate *validator.Validate
	router   *httprouter.Router
}

// New builds a Server. secret verifies user bearer tokens; an empty secret
// rejects them. publicURL prefixes invite links.
func New(secret []byte, publicURL string) *Server {
	s := &Server{
		secret:    secret,
		publicURL: publicURL,
		now:       time.Now,
		mem:       newMemory(),
		validate:  validator.New(validator.WithRequiredStructEnabled()),
		router:    httprouter.New(),
	}
	s.registerRoutes()
	return s
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		s.router.ServeHTTP(rec, r)
		appLog.Debug("backend request", "method", r.Method, "path", r.URL.Path, "status", rec.status, "took", time.Since(start))
	})
}

// Run serves on addr until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		appLog.Info("starting backend", "listen", "http://"+addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) registerRoutes() {
	r := s.router
	r.HandleMethodNotAllowed = true
	r.NotFound = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeDetail(w, http.StatusNotFound, "not found")
	})
	r.MethodNotAllowed = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeDetail(w, http.StatusMethodNotAllowed, "method not allowed")
	})

	r.GET("/health", func(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte("OK"))
	})
	r.POST("/api/actors", s.handleUpsertActor)
	r.POST("/api/auth/claim", s.handleClaim)
	r.GET("/api/groups", s.authed(s.handleListGroups))
	r.POST("/api/groups", s.authed(s.handleCreateGroup))
	r.POST("/api/groups/:id/join", s.authed(s.handleJoinGroup))
	r.GET("/api/groups/:id/availability-summary", s.authed(s.handleSummary))
	r.GET("/api/groups/:id/member-availabilities", s.authed(s.handleMemberAvailabilities))
	r.GET("/api/groups/:id/availabilities", s.authed(s.handleSelfAvailabilities))
	r.POST("/api/groups/:id/availabilities", s.authed(s.handleCreateAvailability))
	r.DELETE("/api/availabilities/:id", s.authed(s.handleDeleteAvailability))
}

// authed resolves the caller. Unknown callers get 401, a token reaching
// for an actor it is not bound to gets 403.
func (s *Server) authed(h httprouter.Handle) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		c, err := s.resolveCaller(r)
		if err != nil {
			status := http.StatusUnauthorized
			if errors.Is(err, errActorTaken) || errors.Is(err, errActorUnclaimed) {
				status = http.StatusForbidden
			}
			writeDetail(w, status, err.Error())
			return
		}
		h(w, r.WithContext(withCaller(r.Context(), c)), ps)
	}
}

type actorPayload struct {
	ActorID     string `json:"actorId" validate:"required,max=128"`
	DisplayName string `json:"displayName" validate:"max=80"`
}

func (s *Server) handleUpsertActor(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var in actorPayload
	if !s.decode(w, r, &in) {
		return
	}
	if h := r.Header.Get("X-Actor-Id"); h != "" && h != in.ActorID {
		writeDetail(w, http.StatusBadRequest, "actorId does not match X-Actor-Id")
		return
	}
	if in.DisplayName == "" {
		in.DisplayName = "Traveler"
	}
	a, err := s.mem.upsertActor(in.ActorID, in.DisplayName)
	if err != nil {
		writeStateError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

// handleClaim binds an actor to the bearer's user. An actor belongs to at
// most one user.
func (s *Server) handleClaim(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	claims, ok, err := s.bearerClaims(r)
	if !ok || err != nil {
		msg := "sign in to claim an actor"
		if err != nil {
			msg = err.Error()
		}
		writeDetail(w, http.StatusUnauthorized, msg)
		return
	}
	var in actorPayload
	if !s.decode(w, r, &in) {
		return
	}
	if h := r.Header.Get("X-Actor-Id"); h != "" && h != in.ActorID {
		writeDetail(w, http.StatusBadRequest, "actorId does not match X-Actor-Id")
		return
	}
	name := in.DisplayName
	if name == "" {
		name = claims.Name
	}
	res, err := s.mem.claim(in.ActorID, claims.Subject, name, s.now())
	if err != nil {
		writeStateError(w, err)
		return
	}
	appLog.Info("actor claimed", "actor_id", res.ActorID, "user_id", res.UserID, "updated_memberships", res.UpdatedMemberships)
	writeJSON(w, http.StatusOK, res)
}

type groupPayload struct {
	Name string `json:"name" validate:"required,max=120"`
}

func (s *Server) membership(g *groupRecord, role string) model.GroupMembership {
	return model.GroupMembership{
		GroupID:    g.ID,
		Name:       g.Name,
		Role:       role,
		InviteLink: s.publicURL + "/join/" + g.ID,
	}
}

func (s *Server) handleCreateGroup(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var in groupPayload
	if !s.decode(w, r, &in) {
		return
	}
	g := s.mem.createGroup(callerFrom(r.Context()), in.Name, s.now())
	appLog.Info("group created", "group_id", g.ID, "name", g.Name)
	writeJSON(w, http.StatusCreated, s.membership(g, model.RoleOwner))
}

func (s *Server) handleJoinGroup(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	groupID := ps.ByName("id")
	mem, name, err := s.mem.join(callerFrom(r.Context()), groupID)
	if err != nil {
		writeStateError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, model.GroupMembership{
		GroupID:    groupID,
		Name:       name,
		Role:       mem.Role,
		InviteLink: s.publicURL + "/join/" + groupID,
	})
}

func (s *Server) handleListGroups(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	rows := s.mem.groupsOf(callerFrom(r.Context()).ActorID)
	out := make([]model.GroupMembership, 0, len(rows))
	for _, row := range rows {
		out = append(out, s.membership(row.Group, row.Role))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleSummary(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	members, entries, err := s.mem.groupView(callerFrom(r.Context()).ActorID, ps.ByName("id"))
	if err != nil {
		writeStateError(w, err)
		return
	}
	intervals, err := availability.ComputeOverlapIntervals(entries, len(members))
	if err != nil {
		appLog.Error("summary computation failed", err, "group_id", ps.ByName("id"))
		writeDetail(w, http.StatusInternalServerError, "summary unavailable")
		return
	}
	writeJSON(w, http.StatusOK, intervals)
}

// wireEntry is the entry shape on the wire.
type wireEntry struct {
	ID        string     `json:"id"`
	StartDate model.Date `json:"startDate"`
	EndDate   model.Date `json:"endDate"`
}

func toWire(entries []model.AvailabilityEntry) []wireEntry {
	out := make([]wireEntry, 0, len(entries))
	for _, e := range entries {
		out = append(out, wireEntry{ID: e.ID, StartDate: e.StartDate, EndDate: e.EndDate})
	}
	return out
}

type wireMember struct {
	model.GroupMember
	Availabilities []wireEntry `json:"availabilities"`
}

func (s *Server) handleMemberAvailabilities(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	members, entries, err := s.mem.groupView(callerFrom(r.Context()).ActorID, ps.ByName("id"))
	if err != nil {
		writeStateError(w, err)
		return
	}
	listings := availability.MemberListings(members, entries)
	out := make([]wireMember, 0, len(listings))
	for _, m := range listings {
		out = append(out, wireMember{GroupMember: m.GroupMember, Availabilities: toWire(m.Availabilities)})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleSelfAvailabilities(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	c := callerFrom(r.Context())
	_, entries, err := s.mem.groupView(c.ActorID, ps.ByName("id"))
	if err != nil {
		writeStateError(w, err)
		return
	}
	own := make([]model.AvailabilityEntry, 0)
	for _, e := range entries {
		if e.ActorID == c.ActorID {
			own = append(own, e)
		}
	}
	availability.SortEntries(own)
	writeJSON(w, http.StatusOK, toWire(own))
}

type rangePayload struct {
	StartDate string `json:"startDate" validate:"required"`
	EndDate   string `json:"endDate" validate:"required"`
}

func (s *Server) handleCreateAvailability(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	var in rangePayload
	if !s.decode(w, r, &in) {
		return
	}
	start, err := model.ParseDate(in.StartDate)
	if err != nil {
		writeDetail(w, http.StatusBadRequest, err.Error())
		return
	}
	end, err := model.ParseDate(in.EndDate)
	if err != nil {
		writeDetail(w, http.StatusBadRequest, err.Error())
		return
	}
	rng := model.DateRange{Start: start, End: end}
	if err := rng.Validate(); err != nil {
		writeDetail(w, http.StatusBadRequest, err.Error())
		return
	}

	e, err := s.mem.addEntry(callerFrom(r.Context()), ps.ByName("id"), rng)
	if err != nil {
		writeStateError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, wireEntry{ID: e.ID, StartDate: e.StartDate, EndDate: e.EndDate})
}

func (s *Server) handleDeleteAvailability(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	if err := s.mem.deleteEntry(callerFrom(r.Context()), ps.ByName("id")); err != nil {
		writeStateError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// decode reads a JSON body into v and validates it, answering 400 on
// failure.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(io.LimitReader(r.Body, 1<<20))
	if err := dec.Decode(v); err != nil {
		writeDetail(w, http.StatusBadRequest, "malformed JSON body")
		return false
	}
	if err := s.validate.Struct(v); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			writeDetail(w, http.StatusBadRequest, "invalid field "+verrs[0].Field()+": "+verrs[0].Tag())
			return false
		}
		writeDetail(w, http.StatusBadRequest, err.Error())
		return false
	}
	return true
}

func writeStateError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, errGroupNotFound), errors.Is(err, errEntryNotFound):
		writeDetail(w, http.StatusNotFound, err.Error())
	case errors.Is(err, errNotMember), errors.Is(err, errNotOwner), errors.Is(err, errSignInRequired):
		writeDetail(w, http.StatusForbidden, err.Error())
	case errors.Is(err, errActorTaken):
		writeDetail(w, http.StatusConflict, err.Error())
	default:
		appLog.Error("backend request failed", err)
		writeDetail(w, http.StatusInternalServerError, "internal error")
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		appLog.Error("failed to write JSON response", err)
	}
}

func writeDetail(w http.ResponseWriter, status int, msg string) {
	type detailResp struct {
		Detail string `json:"detail"`
	}
	writeJSON(w, status, detailResp{Detail: msg})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}
