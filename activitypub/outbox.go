package activitypub

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/stephenhoward/pavillion/db"
	"github.com/stephenhoward/pavillion/domain"
	"github.com/stephenhoward/pavillion/util"
)

const activityStreamsContext = "https://www.w3.org/ns/activitystreams"

// Outbox builds locally originated activities and queues them for durable
// delivery. Delivery itself happens in the worker; receivers dedup via
// their own ledger, so redelivery here is harmless.
type Outbox struct {
	db   *db.DB
	conf *util.AppConfig
}

func NewOutbox(database *db.DB, conf *util.AppConfig) *Outbox {
	return &Outbox{db: database, conf: conf}
}

// ActorURI returns the canonical actor URI for a local calendar
func (o *Outbox) ActorURI(cal *domain.Calendar) string {
	return fmt.Sprintf("https://%s/calendars/%s", o.conf.Conf.SslDomain, cal.UrlName)
}

// EventURI returns the canonical URL of a local event; it doubles as the
// event's origin URL when the event is an original.
func (o *Outbox) EventURI(eventId uuid.UUID) string {
	return fmt.Sprintf("https://%s/events/%s", o.conf.Conf.SslDomain, eventId.String())
}

func (o *Outbox) activityID() string {
	return fmt.Sprintf("https://%s/activities/%s", o.conf.Conf.SslDomain, uuid.New().String())
}

func (o *Outbox) followersURI(cal *domain.Calendar) string {
	return fmt.Sprintf("%s/followers", o.ActorURI(cal))
}

// NewAccept builds an Accept for a received Follow
func (o *Outbox) NewAccept(cal *domain.Calendar, remoteActorURI, followURI string) map[string]interface{} {
	actorURI := o.ActorURI(cal)
	return map[string]interface{}{
		"@context": activityStreamsContext,
		"id":       o.activityID(),
		"type":     "Accept",
		"actor":    actorURI,
		"object": map[string]interface{}{
			"id":     followURI,
			"type":   "Follow",
			"actor":  remoteActorURI,
			"object": actorURI,
		},
	}
}

// NewFollow builds a Follow addressed to a remote actor. The follow URI is
// generated here and stored on the pending edge so the eventual Accept can
// be matched back to it.
func (o *Outbox) NewFollow(cal *domain.Calendar, remoteActorURI string) (map[string]interface{}, string) {
	followURI := o.activityID()
	follow := map[string]interface{}{
		"@context": activityStreamsContext,
		"id":       followURI,
		"type":     "Follow",
		"actor":    o.ActorURI(cal),
		"object":   remoteActorURI,
	}
	return follow, followURI
}

// NewUndoFollow builds an Undo for a previously issued Follow
func (o *Outbox) NewUndoFollow(cal *domain.Calendar, remoteActorURI, followURI string) map[string]interface{} {
	return map[string]interface{}{
		"@context": activityStreamsContext,
		"id":       o.activityID(),
		"type":     "Undo",
		"actor":    o.ActorURI(cal),
		"object": map[string]interface{}{
			"id":     followURI,
			"type":   "Follow",
			"actor":  o.ActorURI(cal),
			"object": remoteActorURI,
		},
	}
}

func (o *Outbox) eventObject(cal *domain.Calendar, event *domain.Event) map[string]interface{} {
	actorURI := o.ActorURI(cal)
	obj := map[string]interface{}{
		"id":           o.EventURI(event.Id),
		"type":         "Event",
		"attributedTo": actorURI,
		"name":         event.Title,
		"content":      event.Content,
		"startTime":    event.StartTime.Format(time.RFC3339),
		"endTime":      event.EndTime.Format(time.RFC3339),
		"published":    event.CreatedAt.Format(time.RFC3339),
		"to": []string{
			"https://www.w3.org/ns/activitystreams#Public",
		},
		"cc": []string{
			o.followersURI(cal),
		},
	}
	if event.UpdatedAt != nil {
		obj["updated"] = event.UpdatedAt.Format(time.RFC3339)
	}
	return obj
}

// NewCreate builds a Create for a local original event
func (o *Outbox) NewCreate(cal *domain.Calendar, event *domain.Event) map[string]interface{} {
	return o.wrapEvent(cal, event, "Create")
}

// NewUpdate builds an Update for an edited local event
func (o *Outbox) NewUpdate(cal *domain.Calendar, event *domain.Event) map[string]interface{} {
	return o.wrapEvent(cal, event, "Update")
}

func (o *Outbox) wrapEvent(cal *domain.Calendar, event *domain.Event, kind string) map[string]interface{} {
	return map[string]interface{}{
		"@context":  activityStreamsContext,
		"id":        o.activityID(),
		"type":      kind,
		"actor":     o.ActorURI(cal),
		"published": time.Now().Format(time.RFC3339),
		"to": []string{
			"https://www.w3.org/ns/activitystreams#Public",
		},
		"cc": []string{
			o.followersURI(cal),
		},
		"object": o.eventObject(cal, event),
	}
}

// NewDelete builds a Delete with a Tombstone for a removed local event
func (o *Outbox) NewDelete(cal *domain.Calendar, eventURI string) map[string]interface{} {
	return map[string]interface{}{
		"@context": activityStreamsContext,
		"id":       o.activityID(),
		"type":     "Delete",
		"actor":    o.ActorURI(cal),
		"object": map[string]interface{}{
			"id":   eventURI,
			"type": "Tombstone",
		},
	}
}

// NewAnnounce builds an Announce of an origin event URL
func (o *Outbox) NewAnnounce(cal *domain.Calendar, originURL string) map[string]interface{} {
	return map[string]interface{}{
		"@context": activityStreamsContext,
		"id":       o.activityID(),
		"type":     "Announce",
		"actor":    o.ActorURI(cal),
		"to": []string{
			"https://www.w3.org/ns/activitystreams#Public",
		},
		"cc": []string{
			o.followersURI(cal),
		},
		"object": originURL,
	}
}

// NewUndoAnnounce builds an Undo retracting an earlier Announce. Receivers
// match the retraction by (actor, origin URL), so the embedded Announce id
// does not have to equal the original one.
func (o *Outbox) NewUndoAnnounce(cal *domain.Calendar, originURL string) map[string]interface{} {
	return map[string]interface{}{
		"@context": activityStreamsContext,
		"id":       o.activityID(),
		"type":     "Undo",
		"actor":    o.ActorURI(cal),
		"object": map[string]interface{}{
			"id":     o.activityID(),
			"type":   "Announce",
			"actor":  o.ActorURI(cal),
			"object": originURL,
		},
	}
}

// EnqueueTx queues an activity for delivery to a single inbox within the
// caller's transaction.
func (o *Outbox) EnqueueTx(tx *sql.Tx, inboxURI string, activity map[string]interface{}) error {
	item := &domain.DeliveryQueueItem{
		Id:           uuid.New(),
		InboxURI:     inboxURI,
		ActivityJSON: mustMarshal(activity),
		Attempts:     0,
		NextRetryAt:  time.Now(),
		CreatedAt:    time.Now(),
	}
	return o.db.EnqueueDeliveryTx(tx, item)
}

// FanOutTx queues an activity for delivery to every accepted follower of a
// calendar. A follower whose actor record is missing is skipped, never
// blocking delivery to the rest.
func (o *Outbox) FanOutTx(tx *sql.Tx, cal *domain.Calendar, activity map[string]interface{}) error {
	err, followers := o.db.ReadFollowersOfTx(tx, cal.Id)
	if err != nil {
		return fmt.Errorf("failed to get followers: %w", err)
	}

	if followers == nil || len(*followers) == 0 {
		return nil
	}

	queued := 0
	for _, follower := range *followers {
		err, remoteActor := o.db.ReadRemoteActorById(follower.FollowerId)
		if err != nil || remoteActor == nil {
			log.Printf("Outbox: Failed to get remote actor %s: %v", follower.FollowerId, err)
			continue
		}

		if err := o.EnqueueTx(tx, remoteActor.InboxURI, activity); err != nil {
			return err
		}
		queued++
	}

	log.Printf("Outbox: Queued %s from %s to %d followers", activity["type"], cal.UrlName, queued)
	return nil
}

// FanOut queues an activity to all followers in its own transaction.
func (o *Outbox) FanOut(cal *domain.Calendar, activity map[string]interface{}) error {
	return o.db.WithTx(func(tx *sql.Tx) error {
		return o.FanOutTx(tx, cal, activity)
	})
}

// mustMarshal marshals v to JSON, panicking on error
func mustMarshal(v interface{}) string {
	b, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("failed to marshal: %v", err))
	}
	return string(b)
}
