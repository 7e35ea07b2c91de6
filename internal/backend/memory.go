package backend

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"tripsync/internal/model"
)

var (
	errGroupNotFound = errors.New("group not found")
	errEntryNotFound = errors.New("availability not found")
	errNotMember     = errors.New("not a member of this group")
	errNotOwner      = errors.New("not the owner of this availability")

	errActorTaken     = errors.New("actor is claimed by another user")
	errActorUnclaimed = errors.New("actor must be claimed before it is used with a token")
	errSignInRequired = errors.New("actor is claimed; sign in to use it")
)

// actorRecord is a registered actor. UserID is set once the actor is bound
// to a user and never changes afterwards.
type actorRecord struct {
	ActorID     string     `json:"actorId"`
	DisplayName string     `json:"displayName"`
	UserID      string     `json:"userId,omitempty"`
	ClaimedAt   *time.Time `json:"claimedAt,omitempty"`
}

type groupRecord struct {
	ID        string
	Name      string
	CreatedAt time.Time
	Members   []model.GroupMember
}

func (g *groupRecord) member(actorID string) (model.GroupMember, bool) {
	for _, m := range g.Members {
		if m.ActorID == actorID {
			return m, true
		}
	}
	return model.GroupMember{}, false
}

// memory is the backend state. Nothing is persisted.
type memory struct {
	mu      sync.RWMutex
	actors  map[string]actorRecord
	groups  map[string]*groupRecord
	order   []string
	entries map[string]model.AvailabilityEntry
}

func newMemory() *memory {
	return &memory{
		actors:  map[string]actorRecord{},
		groups:  map[string]*groupRecord{},
		entries: map[string]model.AvailabilityEntry{},
	}
}

func (m *memory) actor(id string) (actorRecord, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.actors[id]
	return a, ok
}

// upsertActor registers an anonymous actor or renames it. Claimed actors
// are only renamed through claim.
func (m *memory) upsertActor(actorID, name string) (actorRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a := m.actors[actorID]
	if a.UserID != "" {
		return actorRecord{}, errSignInRequired
	}
	a.ActorID = actorID
	a.DisplayName = name
	m.actors[actorID] = a
	m.renameMembersLocked(actorID, name)
	return a, nil
}

// keep member display names in step with the actor record
func (m *memory) renameMembersLocked(actorID, name string) {
	for _, g := range m.groups {
		for i := range g.Members {
			if g.Members[i].ActorID == actorID {
				g.Members[i].DisplayName = name
			}
		}
	}
}

// bindUser checks that actorID may act for userID. An actor seen for the
// first time with a token is bound to that user; an anonymous actor has to
// be claimed explicitly first.
func (m *memory) bindUser(actorID, userID, name string, now time.Time) (actorRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.actors[actorID]
	switch {
	case !ok:
		if name == "" {
			name = "Traveler"
		}
		a = actorRecord{ActorID: actorID, DisplayName: name, UserID: userID, ClaimedAt: &now}
		m.actors[actorID] = a
		return a, nil
	case a.UserID == userID:
		return a, nil
	case a.UserID != "":
		return actorRecord{}, errActorTaken
	default:
		return actorRecord{}, errActorUnclaimed
	}
}

type claimResult struct {
	ActorID            string    `json:"actorId"`
	UserID             string    `json:"userId"`
	ClaimedAt          time.Time `json:"claimedAt"`
	UpdatedMemberships int       `json:"updatedMemberships"`
}

// claim binds actorID to userID and moves the actor's memberships and
// entries over to the user. Claiming again as the same user only renames.
func (m *memory) claim(actorID, userID, name string, now time.Time) (claimResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.actors[actorID]
	if ok && a.UserID != "" && a.UserID != userID {
		return claimResult{}, errActorTaken
	}
	a.ActorID = actorID
	a.UserID = userID
	if name != "" {
		a.DisplayName = name
	} else if a.DisplayName == "" {
		a.DisplayName = "Traveler"
	}
	if a.ClaimedAt == nil {
		a.ClaimedAt = &now
	}
	m.actors[actorID] = a

	uid := userID
	updated := 0
	for _, g := range m.groups {
		for i := range g.Members {
			mem := &g.Members[i]
			if mem.ActorID != actorID {
				continue
			}
			if mem.UserID == nil || *mem.UserID != uid {
				mem.UserID = &uid
				updated++
			}
			mem.DisplayName = a.DisplayName
		}
	}
	for id, e := range m.entries {
		if e.ActorID == actorID {
			e.UserID = &uid
			e.DisplayName = a.DisplayName
			m.entries[id] = e
		}
	}
	return claimResult{ActorID: actorID, UserID: userID, ClaimedAt: *a.ClaimedAt, UpdatedMemberships: updated}, nil
}

func memberOf(c caller, role string) model.GroupMember {
	return model.GroupMember{
		MemberID:    uuid.NewString(),
		ActorID:     c.ActorID,
		UserID:      c.UserID,
		DisplayName: c.DisplayName,
		Role:        role,
	}
}

func (m *memory) createGroup(c caller, name string, now time.Time) *groupRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	g := &groupRecord{
		ID:        uuid.NewString(),
		Name:      name,
		CreatedAt: now,
		Members:   []model.GroupMember{memberOf(c, model.RoleOwner)},
	}
	m.groups[g.ID] = g
	m.order = append(m.order, g.ID)
	return g
}

// join adds the caller as a member. Joining twice returns the existing
// membership.
func (m *memory) join(c caller, groupID string) (model.GroupMember, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.groups[groupID]
	if !ok {
		return model.GroupMember{}, "", errGroupNotFound
	}
	if mem, ok := g.member(c.ActorID); ok {
		return mem, g.Name, nil
	}
	mem := memberOf(c, model.RoleMember)
	g.Members = append(g.Members, mem)
	return mem, g.Name, nil
}

type membershipRow struct {
	Group *groupRecord
	Role  string
}

func (m *memory) groupsOf(actorID string) []membershipRow {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []membershipRow
	for _, id := range m.order {
		g := m.groups[id]
		if mem, ok := g.member(actorID); ok {
			out = append(out, membershipRow{Group: g, Role: mem.Role})
		}
	}
	return out
}

// groupView returns copies of a group's members and entries after checking
// that actorID belongs to it.
func (m *memory) groupView(actorID, groupID string) ([]model.GroupMember, []model.AvailabilityEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	g, ok := m.groups[groupID]
	if !ok {
		return nil, nil, errGroupNotFound
	}
	if _, ok := g.member(actorID); !ok {
		return nil, nil, errNotMember
	}
	members := append([]model.GroupMember(nil), g.Members...)
	entries := make([]model.AvailabilityEntry, 0)
	for _, e := range m.entries {
		if e.GroupID == groupID {
			entries = append(entries, e)
		}
	}
	return members, entries, nil
}

func (m *memory) addEntry(c caller, groupID string, r model.DateRange) (model.AvailabilityEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.groups[groupID]
	if !ok {
		return model.AvailabilityEntry{}, errGroupNotFound
	}
	mem, ok := g.member(c.ActorID)
	if !ok {
		return model.AvailabilityEntry{}, errNotMember
	}
	e := model.AvailabilityEntry{
		ID:          uuid.NewString(),
		GroupID:     groupID,
		StartDate:   r.Start,
		EndDate:     r.End,
		ActorID:     c.ActorID,
		UserID:      mem.UserID,
		DisplayName: mem.DisplayName,
	}
	m.entries[e.ID] = e
	return e, nil
}

func (m *memory) deleteEntry(c caller, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[id]
	if !ok {
		return errEntryNotFound
	}
	if e.ActorID != c.ActorID {
		return errNotOwner
	}
	if e.UserID != nil && (c.UserID == nil || *c.UserID != *e.UserID) {
		return errNotOwner
	}
	delete(m.entries, id)
	return nil
}
