package activitypub

import (
	"database/sql"
	"errors"
	"fmt"
	"log"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/stephenhoward/pavillion/db"
	"github.com/stephenhoward/pavillion/domain"
	"github.com/stephenhoward/pavillion/util"
)

// ErrAlreadyReposted means the calendar already carries a manual repost of
// the origin event.
var ErrAlreadyReposted = errors.New("already reposted")

// ErrUnknownOrigin means no cached content exists for the origin URL, so
// there is nothing to materialize.
var ErrUnknownOrigin = errors.New("unknown origin event")

// ErrOwnEvent means the origin URL points at an event the calendar itself
// owns; a calendar never reposts its own originals.
var ErrOwnEvent = errors.New("cannot repost own event")

// RepostEngine owns the repost lifecycle: caching remote event content,
// recording where it came from, materializing copies onto local calendars,
// and keeping every copy in sync with its origin. At most one repost record
// ever exists per (calendar, origin URL).
type RepostEngine struct {
	db     *db.DB
	conf   *util.AppConfig
	outbox *Outbox
	locks  *KeyLocks
}

// NewRepostEngine takes the same content lock registry the inbox processor
// uses, keyed on origin URLs.
func NewRepostEngine(database *db.DB, conf *util.AppConfig, outbox *Outbox, contentLock *KeyLocks) *RepostEngine {
	return &RepostEngine{
		db:     database,
		conf:   conf,
		outbox: outbox,
		locks:  contentLock,
	}
}

// parseEventTime tolerates missing or malformed timestamps; a zero time
// sorts the event to the top of the feed rather than dropping it.
func parseEventTime(raw string) time.Time {
	if raw == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}
	}
	return t
}

func (e *RepostEngine) remoteEventFromObject(obj *Object, actor *domain.RemoteActor, originURL string) *domain.RemoteEvent {
	actorURI := obj.AttributedTo
	if actorURI == "" {
		actorURI = actor.ActorURI
	}
	return &domain.RemoteEvent{
		Id:        uuid.New(),
		OriginURL: originURL,
		ActorURI:  actorURI,
		Title:     obj.Name,
		Content:   obj.Content,
		StartTime: parseEventTime(obj.StartTime),
		EndTime:   parseEventTime(obj.EndTime),
		CreatedAt: time.Now(),
	}
}

// IngestCreate caches a remote original, records its source, and
// auto-materializes copies for calendars whose follow policy asks for
// originals.
func (e *RepostEngine) IngestCreate(tx *sql.Tx, actor *domain.RemoteActor, obj *Object, originURL string) error {
	remoteEvent := e.remoteEventFromObject(obj, actor, originURL)
	if err := e.db.UpsertRemoteEventTx(tx, remoteEvent); err != nil {
		return fmt.Errorf("failed to cache remote event: %w", err)
	}

	if err := e.recordSource(tx, originURL, actor.Id, domain.SourceOriginal); err != nil {
		return err
	}

	return e.autoRepost(tx, actor, remoteEvent, func(f *domain.Follow) bool {
		return f.AutoRepostOriginals
	})
}

// IngestUpdate refreshes the cached content and propagates the new content
// to every local event linked to the origin, on every calendar. Repost
// status never changes on update.
func (e *RepostEngine) IngestUpdate(tx *sql.Tx, actor *domain.RemoteActor, obj *Object, originURL string) error {
	remoteEvent := e.remoteEventFromObject(obj, actor, originURL)
	if err := e.db.UpsertRemoteEventTx(tx, remoteEvent); err != nil {
		return fmt.Errorf("failed to update remote event: %w", err)
	}

	err, records := e.db.ReadRepostRecordsByOriginTx(tx, originURL)
	if err != nil {
		return fmt.Errorf("failed to read repost records: %w", err)
	}

	for _, record := range *records {
		if err := e.db.UpdateEventContentTx(tx, record.EventId,
			remoteEvent.Title, remoteEvent.Content,
			remoteEvent.StartTime, remoteEvent.EndTime); err != nil {
			return fmt.Errorf("failed to propagate update: %w", err)
		}
	}

	if len(*records) > 0 {
		log.Printf("Repost: Propagated update of %s to %d linked events", originURL, len(*records))
	}
	return nil
}

// IngestDelete drops the cached origin event and all of its sources, which
// removes it from every derived feed. Materialized local copies stay, per
// retention policy; their owners can delete them explicitly.
func (e *RepostEngine) IngestDelete(tx *sql.Tx, originURL string) error {
	return e.db.DeleteRemoteEventTx(tx, originURL)
}

// IngestAnnounce records a repost signal from a remote actor. If the
// Announce embeds the event it refreshes the cache; a reference to an origin
// we have never cached is recorded once content arrives, not before.
func (e *RepostEngine) IngestAnnounce(tx *sql.Tx, actor *domain.RemoteActor, ref ObjectRef) error {
	originURL := ref.URI()
	if originURL == "" {
		return fmt.Errorf("announce without object id")
	}

	var remoteEvent *domain.RemoteEvent
	if ref.IsEmbedded() && ref.Embedded.Type == "Event" {
		remoteEvent = e.remoteEventFromObject(ref.Embedded, actor, originURL)
		if err := e.db.UpsertRemoteEventTx(tx, remoteEvent); err != nil {
			return fmt.Errorf("failed to cache announced event: %w", err)
		}
	} else {
		err, cached := e.db.ReadRemoteEventByOriginTx(tx, originURL)
		if err != nil || cached == nil {
			log.Printf("Repost: Announce of unknown origin %s from %s, skipping", originURL, actor.ActorURI)
			return nil
		}
		remoteEvent = cached
	}

	if err := e.recordSource(tx, originURL, actor.Id, domain.SourceAnnounce); err != nil {
		return err
	}

	return e.autoRepost(tx, actor, remoteEvent, func(f *domain.Follow) bool {
		return f.AutoRepostReposts
	})
}

// RetractAnnounce handles Undo(Announce): the actor's repost signal goes
// away, taking the feed entry with it when no other source remains.
// Materialized copies on local calendars are untouched.
func (e *RepostEngine) RetractAnnounce(tx *sql.Tx, actor *domain.RemoteActor, originURL string) error {
	return e.db.DeleteEventSourceTx(tx, originURL, actor.Id, domain.SourceAnnounce)
}

func (e *RepostEngine) recordSource(tx *sql.Tx, originURL string, actorId uuid.UUID, kind string) error {
	source := &domain.EventSource{
		Id:        uuid.New(),
		OriginURL: originURL,
		ActorId:   actorId,
		Kind:      kind,
		CreatedAt: time.Now(),
	}
	if err := e.db.InsertEventSourceTx(tx, source); err != nil {
		return fmt.Errorf("failed to record event source: %w", err)
	}
	return nil
}

// autoRepost materializes the event onto every local calendar that follows
// the signaling actor with a matching policy flag. Policy is read at
// processing time, so a flag enabled after an activity was handled does not
// apply retroactively.
func (e *RepostEngine) autoRepost(tx *sql.Tx, actor *domain.RemoteActor, remoteEvent *domain.RemoteEvent, policy func(*domain.Follow) bool) error {
	err, followers := e.db.ReadFollowersOfTx(tx, actor.Id)
	if err != nil {
		return fmt.Errorf("failed to read followers: %w", err)
	}

	for _, follow := range *followers {
		if !policy(&follow) {
			continue
		}
		err, cal := e.db.ReadCalendarById(follow.FollowerId)
		if err != nil || cal == nil {
			// follower is a remote actor, not a local calendar
			continue
		}
		if err := e.materializeTx(tx, cal, remoteEvent, domain.RepostAuto); err != nil {
			return err
		}
	}
	return nil
}

// materializeTx places a copy of the origin event on a local calendar. A
// second materialization of the same origin refreshes the existing copy
// instead of creating another; an origin the calendar itself owns is skipped
// outright.
func (e *RepostEngine) materializeTx(tx *sql.Tx, cal *domain.Calendar, remoteEvent *domain.RemoteEvent, status string) error {
	if ownerId, ok := e.originOwner(remoteEvent.OriginURL); ok && ownerId == cal.Id {
		log.Printf("Repost: %s is %s's own event, skipping", remoteEvent.OriginURL, cal.UrlName)
		return nil
	}

	err, existing := e.db.ReadRepostRecordTx(tx, cal.Id, remoteEvent.OriginURL)
	if err == nil && existing != nil {
		return e.db.UpdateEventContentTx(tx, existing.EventId,
			remoteEvent.Title, remoteEvent.Content,
			remoteEvent.StartTime, remoteEvent.EndTime)
	}

	event := &domain.Event{
		Id:         uuid.New(),
		CalendarId: cal.Id,
		Title:      remoteEvent.Title,
		Content:    remoteEvent.Content,
		StartTime:  remoteEvent.StartTime,
		EndTime:    remoteEvent.EndTime,
		OriginURL:  remoteEvent.OriginURL,
		CreatedAt:  time.Now(),
	}
	if err := e.db.CreateEventTx(tx, event); err != nil {
		return fmt.Errorf("failed to materialize event: %w", err)
	}

	record := &domain.RepostRecord{
		Id:         uuid.New(),
		CalendarId: cal.Id,
		OriginURL:  remoteEvent.OriginURL,
		EventId:    event.Id,
		Status:     status,
		CreatedAt:  time.Now(),
	}
	if err := e.db.CreateRepostRecordTx(tx, record); err != nil {
		return fmt.Errorf("failed to create repost record: %w", err)
	}

	return e.outbox.FanOutTx(tx, cal, e.outbox.NewAnnounce(cal, remoteEvent.OriginURL))
}

// originOwner resolves an origin URL back to the owning local calendar, if
// the URL points at an event on this instance.
func (e *RepostEngine) originOwner(originURL string) (uuid.UUID, bool) {
	parsed, err := url.Parse(originURL)
	if err != nil || parsed.Host != e.conf.Conf.SslDomain {
		return uuid.Nil, false
	}
	if !strings.HasPrefix(parsed.Path, "/events/") {
		return uuid.Nil, false
	}
	eventId, err := uuid.Parse(strings.TrimPrefix(parsed.Path, "/events/"))
	if err != nil {
		return uuid.Nil, false
	}
	err, event := e.db.ReadEventById(eventId)
	if err != nil || event == nil {
		return uuid.Nil, false
	}
	return event.CalendarId, true
}

// ShareEvent is the manual repost operation. Sharing an origin already
// auto-reposted upgrades the record to manual in place; a second manual
// share is a conflict.
func (e *RepostEngine) ShareEvent(calendarId uuid.UUID, originURL string) (*domain.RepostRecord, error) {
	e.locks.Lock(originURL)
	defer e.locks.Unlock(originURL)

	err, cal := e.db.ReadCalendarById(calendarId)
	if err != nil || cal == nil {
		return nil, fmt.Errorf("calendar not found: %s", calendarId)
	}

	if ownerId, ok := e.originOwner(originURL); ok && ownerId == cal.Id {
		return nil, ErrOwnEvent
	}

	var record *domain.RepostRecord
	err = e.db.WithTx(func(tx *sql.Tx) error {
		err, existing := e.db.ReadRepostRecordTx(tx, cal.Id, originURL)
		if err == nil && existing != nil {
			if existing.Status == domain.RepostManual {
				return ErrAlreadyReposted
			}
			if err := e.db.UpdateRepostStatusTx(tx, existing.Id, domain.RepostManual); err != nil {
				return err
			}
			existing.Status = domain.RepostManual
			record = existing
			return nil
		}

		err, remoteEvent := e.db.ReadRemoteEventByOriginTx(tx, originURL)
		if err != nil || remoteEvent == nil {
			return ErrUnknownOrigin
		}

		if err := e.materializeTx(tx, cal, remoteEvent, domain.RepostManual); err != nil {
			return err
		}
		err, record = e.db.ReadRepostRecordTx(tx, cal.Id, originURL)
		return err
	})
	if err != nil {
		return nil, err
	}

	log.Printf("Repost: %s shared %s (%s)", cal.UrlName, originURL, record.Status)
	return record, nil
}

// UnshareEvent removes a repost from a calendar: the record, its
// materialized event, and an Undo(Announce) to followers. Unsharing an
// unknown record is a no-op.
func (e *RepostEngine) UnshareEvent(recordId uuid.UUID) error {
	err, record := e.db.ReadRepostRecordById(recordId)
	if err != nil || record == nil {
		return nil
	}

	err, cal := e.db.ReadCalendarById(record.CalendarId)
	if err != nil || cal == nil {
		return fmt.Errorf("calendar not found: %s", record.CalendarId)
	}

	e.locks.Lock(record.OriginURL)
	defer e.locks.Unlock(record.OriginURL)

	return e.db.WithTx(func(tx *sql.Tx) error {
		if err := e.db.DeleteRepostRecordTx(tx, record.Id); err != nil {
			return err
		}
		if err := e.db.DeleteEventTx(tx, record.EventId); err != nil {
			return err
		}
		return e.outbox.FanOutTx(tx, cal, e.outbox.NewUndoAnnounce(cal, record.OriginURL))
	})
}

// Feed returns the derived feed of a calendar: every origin event reachable
// through an accepted follow, deduplicated across sources.
func (e *RepostEngine) Feed(calendarId uuid.UUID) (*[]domain.FeedEntry, error) {
	err, entries := e.db.ReadFeedByCalendarId(calendarId)
	if err != nil {
		return nil, err
	}
	return entries, nil
}

// Reposts lists the repost records of a calendar, newest first.
func (e *RepostEngine) Reposts(calendarId uuid.UUID) (*[]domain.RepostRecord, error) {
	err, records := e.db.ReadRepostRecordsByCalendar(calendarId)
	if err != nil {
		return nil, err
	}
	return records, nil
}
