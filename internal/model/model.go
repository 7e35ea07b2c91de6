package model

// EntryStatus tags an AvailabilityEntry with the origin of its ID.
type EntryStatus int

const (
	// Confirmed entries carry a server-assigned ID.
	Confirmed EntryStatus = iota
	// Pending entries were applied optimistically and carry a locally
	// generated placeholder ID until the create call returns.
	Pending
)

func (s EntryStatus) String() string {
	if s == Pending {
		return "pending"
	}
	return "confirmed"
}

// AvailabilityEntry is one contiguous date range a single member marked
// available for a single group. Entries are immutable once created.
type AvailabilityEntry struct {
	ID          string      `json:"id"`
	GroupID     string      `json:"groupId,omitempty"`
	StartDate   Date        `json:"startDate"`
	EndDate     Date        `json:"endDate"`
	ActorID     string      `json:"actorId,omitempty"`
	UserID      *string     `json:"userId,omitempty"`
	DisplayName string      `json:"displayName,omitempty"`
	Status      EntryStatus `json:"-"`
}

// Range returns the entry's inclusive date range.
func (e AvailabilityEntry) Range() DateRange {
	return DateRange{Start: e.StartDate, End: e.EndDate}
}

// IsPending reports whether e still carries a placeholder ID equal to id.
func (e AvailabilityEntry) IsPending(id string) bool {
	return e.Status == Pending && e.ID == id
}

// GroupMember is the membership metadata of one actor in a group.
type GroupMember struct {
	MemberID    string  `json:"memberId"`
	ActorID     string  `json:"actorId"`
	UserID      *string `json:"userId"`
	DisplayName string  `json:"displayName"`
	Role        string  `json:"role"`
}

// MemberAvailability is a member together with all of their entries in a
// group. It is a derived, read-only view.
type MemberAvailability struct {
	GroupMember
	Availabilities []AvailabilityEntry `json:"availabilities"`
}

// GroupAvailabilityInterval is a maximal run of days sharing the same
// number of available members.
type GroupAvailabilityInterval struct {
	From           Date `json:"from"`
	To             Date `json:"to"`
	AvailableCount int  `json:"availableCount"`
	TotalMembers   int  `json:"totalMembers"`
}

// Range returns the interval's inclusive date range.
func (i GroupAvailabilityInterval) Range() DateRange {
	return DateRange{Start: i.From, End: i.To}
}

// GroupMembership is one row of the caller's group list.
type GroupMembership struct {
	GroupID    string `json:"groupId"`
	Name       string `json:"name"`
	Role       string `json:"role"`
	InviteLink string `json:"inviteLink"`
}

const (
	RoleOwner  = "owner"
	RoleMember = "member"
)

// IdentityKind distinguishes anonymous local actors from signed-in users.
type IdentityKind string

const (
	KindActor IdentityKind = "actor"
	KindUser  IdentityKind = "user"
)

// Identity is whoever is acting. Every identity has an ActorID; users also
// carry a UserID and an access token.
type Identity struct {
	Kind        IdentityKind
	ActorID     string
	UserID      string
	DisplayName string
	AccessToken string
}

// IsUser reports whether the identity is authenticated.
func (id Identity) IsUser() bool { return id.Kind == KindUser }

// UserIDPtr returns the user id for authenticated identities and nil for
// anonymous ones.
func (id Identity) UserIDPtr() *string {
	if !id.IsUser() || id.UserID == "" {
		return nil
	}
	u := id.UserID
	return &u
}

// Key is a stable string that changes whenever the acting identity does.
func (id Identity) Key() string {
	return string(id.Kind) + ":" + id.ActorID + ":" + id.UserID
}

// MemberIDFor builds the member id used for members synthesized locally.
func MemberIDFor(actorID string, userID *string) string {
	if userID == nil || *userID == "" {
		return actorID + ":anon"
	}
	return actorID + ":" + *userID
}
