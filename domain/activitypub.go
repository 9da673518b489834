package domain

import (
	"time"

	"github.com/google/uuid"
)

// RemoteActor represents a cached federated calendar actor
type RemoteActor struct {
	Id            uuid.UUID
	Username      string
	Domain        string
	ActorURI      string
	DisplayName   string
	Summary       string
	InboxURI      string
	OutboxURI     string
	PublicKeyPem  string
	LastFetchedAt time.Time
}

// Follow lifecycle states
const (
	FollowPending  = "pending"
	FollowAccepted = "accepted"
	FollowRemoved  = "removed"
)

// Follow is a directed edge follower -> followed. Either side can be a
// local calendar or a remote actor. Removed follows keep their row so
// removal is idempotent and the (follower, followed) pair stays unique.
type Follow struct {
	Id                  uuid.UUID
	FollowerId          uuid.UUID
	FollowedId          uuid.UUID
	URI                 string // ActivityPub Follow activity URI
	State               string
	AutoRepostOriginals bool
	AutoRepostReposts   bool
	CreatedAt           time.Time
}

// Repost statuses
const (
	RepostManual = "manual"
	RepostAuto   = "auto"
)

// RepostRecord links a local calendar to an origin URL it has materialized
// as a local event. At most one record exists per (calendar, origin URL).
type RepostRecord struct {
	Id         uuid.UUID
	CalendarId uuid.UUID
	OriginURL  string
	EventId    uuid.UUID
	Status     string // RepostManual or RepostAuto
	CreatedAt  time.Time
}

// Ledger dispositions
const (
	DispositionApplied   = "applied"
	DispositionDuplicate = "duplicate"
	DispositionDiscarded = "discarded"
)

// ProcessedActivity is the idempotency ledger record. Rows are appended in
// the same transaction as the activity's side effects and only removed by
// the retention sweep.
type ProcessedActivity struct {
	Id           uuid.UUID
	ActivityURI  string
	ActivityType string
	ActorURI     string
	Disposition  string
	RawJSON      string
	CreatedAt    time.Time
}

// DeliveryQueueItem represents an item in the delivery queue
type DeliveryQueueItem struct {
	Id           uuid.UUID
	InboxURI     string
	ActivityJSON string // The complete activity to deliver
	Attempts     int
	NextRetryAt  time.Time
	CreatedAt    time.Time
}
