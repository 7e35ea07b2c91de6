// Package identity resolves who the client acts as: a persistent anonymous
// local actor, or a signed-in user carrying an access token.
package identity

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	appLog "tripsync/internal/log"
	"tripsync/internal/model"
)

const defaultDisplayName = "Traveler"

var (
	ErrTokenExpired = errors.New("access token expired")
	ErrNoSubject    = errors.New("access token has no subject")
)

// LocalActor is the on-disk record of an anonymous identity.
type LocalActor struct {
	ActorID     string `json:"actorId"`
	DisplayName string `json:"displayName"`
}

// Identity converts the record into an actor identity.
func (a LocalActor) Identity() model.Identity {
	return model.Identity{
		Kind:        model.KindActor,
		ActorID:     a.ActorID,
		DisplayName: a.DisplayName,
	}
}

// NewActor creates a fresh anonymous actor without persisting it.
func NewActor(displayName string) LocalActor {
	return LocalActor{ActorID: uuid.NewString(), DisplayName: cleanName(displayName, defaultDisplayName)}
}

// LoadOrCreateActor returns the actor stored at path, creating and saving a
// new one when the file is missing or unreadable.
func LoadOrCreateActor(path, displayName string) (LocalActor, error) {
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		var a LocalActor
		if jerr := json.Unmarshal(data, &a); jerr == nil && a.ActorID != "" && a.DisplayName != "" {
			return a, nil
		}
		appLog.Warn("local actor file unreadable, creating a new actor", "path", path)
	case !errors.Is(err, fs.ErrNotExist):
		return LocalActor{}, err
	}

	a := NewActor(displayName)
	if err := SaveActor(path, a); err != nil {
		return a, err
	}
	appLog.Info("created local actor", "actor_id", a.ActorID, "path", path)
	return a, nil
}

// Rename updates the display name, keeping the old one when name is blank.
func (a LocalActor) Rename(name string) LocalActor {
	a.DisplayName = cleanName(name, a.DisplayName)
	return a
}

// SaveActor writes the actor record with 0600 permissions.
func SaveActor(path string, a LocalActor) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	data, err := json.MarshalIndent(a, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

// FromAccessToken builds a user identity from a bearer token. The token is
// not verified here (the backend does that); its subject becomes the user
// id and an expired token is rejected early.
func FromAccessToken(token, actorID, displayName string) (model.Identity, error) {
	claims := &jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return model.Identity{}, fmt.Errorf("identity: parse access token: %w", err)
	}
	if claims.Subject == "" {
		return model.Identity{}, ErrNoSubject
	}
	if claims.ExpiresAt != nil && claims.ExpiresAt.Time.Before(time.Now()) {
		return model.Identity{}, ErrTokenExpired
	}
	if actorID == "" {
		actorID = claims.Subject
	}
	return model.Identity{
		Kind:        model.KindUser,
		ActorID:     actorID,
		UserID:      claims.Subject,
		DisplayName: cleanName(displayName, defaultDisplayName),
		AccessToken: token,
	}, nil
}

func cleanName(name, fallback string) string {
	if n := strings.TrimSpace(name); n != "" {
		return n
	}
	return fallback
}
