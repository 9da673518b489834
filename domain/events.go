package domain

import (
	"time"

	"github.com/google/uuid"
)

// Event is a calendar-owned item. OriginURL is the canonical (possibly
// remote) identifier of the event it represents; local originals carry
// their own canonical URL there.
type Event struct {
	Id         uuid.UUID
	CalendarId uuid.UUID
	Title      string
	Content    string
	StartTime  time.Time
	EndTime    time.Time
	OriginURL  string
	CreatedAt  time.Time
	UpdatedAt  *time.Time
}

// RemoteEvent caches content of an event seen via federation, keyed by its
// origin URL. Feed visibility is derived from event sources, never stored
// here.
type RemoteEvent struct {
	Id        uuid.UUID
	OriginURL string
	ActorURI  string // attributedTo
	Title     string
	Content   string
	StartTime time.Time
	EndTime   time.Time
	CreatedAt time.Time
	UpdatedAt *time.Time
}

// EventSource records through which remote actor an origin URL became
// visible: the author ("original") or an announcer ("announce"). A feed
// entry exists iff an accepted follow reaches one of these actors.
type EventSource struct {
	Id        uuid.UUID
	OriginURL string
	ActorId   uuid.UUID // remote actor
	Kind      string    // SourceOriginal or SourceAnnounce
	CreatedAt time.Time
}

const (
	SourceOriginal = "original"
	SourceAnnounce = "announce"
)

// FeedEntry is the derived read model returned to feed consumers.
type FeedEntry struct {
	OriginURL  string
	ActorURI   string
	Title      string
	Content    string
	StartTime  time.Time
	EndTime    time.Time
	SourceKind string
}
