// Package account keeps the local actor file, the backend's actor record
// and the store's identity in step when the display name changes or a
// signed-in user claims the local actor.
package account

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"tripsync/internal/gateway"
	"tripsync/internal/identity"
	appLog "tripsync/internal/log"
	"tripsync/internal/model"
	"tripsync/internal/store"
)

var (
	ErrBlankName   = errors.New("account: display name is blank")
	ErrNotSignedIn = errors.New("account: no signed-in user to claim the actor")
)

// Remote is the part of the gateway that writes actor records.
type Remote interface {
	EnsureActor(ctx context.Context, id model.Identity) error
	ClaimActor(ctx context.Context, id model.Identity) (gateway.Claim, error)
}

// Manager owns the local actor record.
type Manager struct {
	remote    Remote
	store     *store.Store
	actorFile string

	mu    sync.Mutex
	actor identity.LocalActor
}

// New returns a Manager for actor, which was loaded from actorFile.
func New(remote Remote, st *store.Store, actorFile string, actor identity.LocalActor) *Manager {
	return &Manager{remote: remote, store: st, actorFile: actorFile, actor: actor}
}

// Actor returns the local actor record.
func (m *Manager) Actor() identity.LocalActor {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.actor
}

// SetActor replaces the actor record after the config was reloaded.
func (m *Manager) SetActor(actorFile string, actor identity.LocalActor) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.actorFile = actorFile
	m.actor = actor
}

// Rename saves a new display name to the actor file, applies it to the
// store and pushes it to the backend. Anonymous actors are upserted again;
// users carry the name in a fresh claim. A failed push leaves the new name
// in place locally and is reported.
func (m *Manager) Rename(ctx context.Context, name string) (model.Identity, error) {
	if strings.TrimSpace(name) == "" {
		return model.Identity{}, ErrBlankName
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	next := m.actor.Rename(name)
	if err := identity.SaveActor(m.actorFile, next); err != nil {
		return model.Identity{}, fmt.Errorf("account: save actor: %w", err)
	}
	prev := m.actor.DisplayName
	m.actor = next
	m.store.SetDisplayName(next.DisplayName)
	id := m.store.Identity()
	appLog.Info("display name changed", "actor_id", next.ActorID, "from", prev, "to", next.DisplayName)

	if err := m.push(ctx, id); err != nil {
		return id, fmt.Errorf("account: publish display name: %w", err)
	}
	return id, nil
}

func (m *Manager) push(ctx context.Context, id model.Identity) error {
	if id.IsUser() {
		_, err := m.remote.ClaimActor(ctx, id)
		return err
	}
	return m.remote.EnsureActor(ctx, id)
}

// Claim binds the local actor to the signed-in user so anonymous
// memberships and entries follow the account.
func (m *Manager) Claim(ctx context.Context) (gateway.Claim, error) {
	id := m.store.Identity()
	if !id.IsUser() {
		return gateway.Claim{}, ErrNotSignedIn
	}
	c, err := m.remote.ClaimActor(ctx, id)
	if err != nil {
		return gateway.Claim{}, err
	}
	appLog.Info("actor claimed", "actor_id", c.ActorID, "user_id", c.UserID, "updated_memberships", c.UpdatedMemberships)
	return c, nil
}
