package activitypub

import (
	"database/sql"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stephenhoward/pavillion/db"
	"github.com/stephenhoward/pavillion/domain"
)

func seedRemoteEvent(t *testing.T, database *db.DB, actor *domain.RemoteActor, origin, title string) *domain.RemoteEvent {
	remoteEvent := &domain.RemoteEvent{
		Id:        uuid.New(),
		OriginURL: origin,
		ActorURI:  actor.ActorURI,
		Title:     title,
		Content:   "details",
		StartTime: time.Now().Add(24 * time.Hour),
		EndTime:   time.Now().Add(26 * time.Hour),
		CreatedAt: time.Now(),
	}
	err := database.WithTx(func(tx *sql.Tx) error {
		if err := database.UpsertRemoteEventTx(tx, remoteEvent); err != nil {
			return err
		}
		return database.InsertEventSourceTx(tx, &domain.EventSource{
			Id: uuid.New(), OriginURL: origin, ActorId: actor.Id,
			Kind: domain.SourceOriginal, CreatedAt: time.Now(),
		})
	})
	if err != nil {
		t.Fatalf("Failed to seed remote event: %v", err)
	}
	return remoteEvent
}

func TestShareEventManual(t *testing.T) {
	database, _, _, engine, _, _ := setupTestEnv(t)
	cal := makeCalendar(t, database, "music")
	actor := seedActor(t, database, "https://other.example/calendars/jazz")
	origin := "https://other.example/events/e1"
	seedRemoteEvent(t, database, actor, origin, "Jam session")

	record, err := engine.ShareEvent(cal.Id, origin)
	if err != nil {
		t.Fatalf("ShareEvent failed: %v", err)
	}
	if record.Status != domain.RepostManual {
		t.Errorf("Expected manual status, got %s", record.Status)
	}

	err, event := database.ReadEventById(record.EventId)
	if err != nil || event == nil {
		t.Fatal("Expected materialized event")
	}
	if event.Title != "Jam session" {
		t.Errorf("Unexpected title: %s", event.Title)
	}
	if event.OriginURL != origin {
		t.Errorf("Expected origin %s, got %s", origin, event.OriginURL)
	}
}

func TestShareEventTwiceConflicts(t *testing.T) {
	database, _, _, engine, _, _ := setupTestEnv(t)
	cal := makeCalendar(t, database, "music")
	actor := seedActor(t, database, "https://other.example/calendars/jazz")
	origin := "https://other.example/events/e1"
	seedRemoteEvent(t, database, actor, origin, "Jam session")

	if _, err := engine.ShareEvent(cal.Id, origin); err != nil {
		t.Fatalf("First share failed: %v", err)
	}
	if _, err := engine.ShareEvent(cal.Id, origin); !errors.Is(err, ErrAlreadyReposted) {
		t.Errorf("Expected ErrAlreadyReposted, got %v", err)
	}
}

func TestShareUpgradesAutoToManual(t *testing.T) {
	database, _, _, engine, _, _ := setupTestEnv(t)
	cal := makeCalendar(t, database, "music")
	actor := seedActor(t, database, "https://other.example/calendars/jazz")
	origin := "https://other.example/events/e1"
	remoteEvent := seedRemoteEvent(t, database, actor, origin, "Jam session")

	// materialize an auto repost first
	err := database.WithTx(func(tx *sql.Tx) error {
		return engine.materializeTx(tx, cal, remoteEvent, domain.RepostAuto)
	})
	if err != nil {
		t.Fatalf("materializeTx failed: %v", err)
	}

	err2, autoRecord := database.ReadRepostRecord(cal.Id, origin)
	if err2 != nil || autoRecord == nil {
		t.Fatal("Expected auto record")
	}

	record, err := engine.ShareEvent(cal.Id, origin)
	if err != nil {
		t.Fatalf("ShareEvent failed: %v", err)
	}
	if record.Id != autoRecord.Id {
		t.Error("Expected upgrade in place, not a second record")
	}
	if record.Status != domain.RepostManual {
		t.Errorf("Expected manual status after upgrade, got %s", record.Status)
	}

	// still exactly one event on the calendar
	err2, events := database.ReadEventsByCalendarId(cal.Id)
	if err2 != nil {
		t.Fatalf("ReadEventsByCalendarId failed: %v", err2)
	}
	if len(*events) != 1 {
		t.Errorf("Expected 1 event, got %d", len(*events))
	}
}

func TestShareUnknownOrigin(t *testing.T) {
	database, _, _, engine, _, _ := setupTestEnv(t)
	cal := makeCalendar(t, database, "music")

	_, err := engine.ShareEvent(cal.Id, "https://other.example/events/never-seen")
	if !errors.Is(err, ErrUnknownOrigin) {
		t.Errorf("Expected ErrUnknownOrigin, got %v", err)
	}
}

func TestShareOwnEventRejected(t *testing.T) {
	database, _, _, engine, _, _ := setupTestEnv(t)
	cal := makeCalendar(t, database, "music")

	event := &domain.Event{
		Id: uuid.New(), CalendarId: cal.Id, Title: "Our concert",
		StartTime: time.Now(), EndTime: time.Now().Add(time.Hour),
		CreatedAt: time.Now(),
	}
	event.OriginURL = fmt.Sprintf("https://our.example/events/%s", event.Id)
	if err := database.CreateEvent(event); err != nil {
		t.Fatalf("Failed to create event: %v", err)
	}

	if _, err := engine.ShareEvent(cal.Id, event.OriginURL); !errors.Is(err, ErrOwnEvent) {
		t.Errorf("Expected ErrOwnEvent, got %v", err)
	}
}

func TestUnshareEventIdempotent(t *testing.T) {
	database, _, _, engine, _, _ := setupTestEnv(t)
	cal := makeCalendar(t, database, "music")
	actor := seedActor(t, database, "https://other.example/calendars/jazz")
	origin := "https://other.example/events/e1"
	seedRemoteEvent(t, database, actor, origin, "Jam session")

	record, err := engine.ShareEvent(cal.Id, origin)
	if err != nil {
		t.Fatalf("ShareEvent failed: %v", err)
	}

	if err := engine.UnshareEvent(record.Id); err != nil {
		t.Fatalf("UnshareEvent failed: %v", err)
	}

	err, gone := database.ReadRepostRecord(cal.Id, origin)
	if err == nil && gone != nil {
		t.Error("Expected record to be removed")
	}
	err, event := database.ReadEventById(record.EventId)
	if err == nil && event != nil {
		t.Error("Expected materialized event to be removed")
	}

	// repeating the unshare is a no-op
	if err := engine.UnshareEvent(record.Id); err != nil {
		t.Errorf("Expected idempotent unshare, got %v", err)
	}
}

func TestReshareAfterUnshareIsManual(t *testing.T) {
	database, _, _, engine, _, _ := setupTestEnv(t)
	cal := makeCalendar(t, database, "music")
	actor := seedActor(t, database, "https://other.example/calendars/jazz")
	origin := "https://other.example/events/e1"
	seedRemoteEvent(t, database, actor, origin, "Jam session")

	record, err := engine.ShareEvent(cal.Id, origin)
	if err != nil {
		t.Fatalf("ShareEvent failed: %v", err)
	}
	if err := engine.UnshareEvent(record.Id); err != nil {
		t.Fatalf("UnshareEvent failed: %v", err)
	}

	reshared, err := engine.ShareEvent(cal.Id, origin)
	if err != nil {
		t.Fatalf("Reshare failed: %v", err)
	}
	if reshared.Status != domain.RepostManual {
		t.Errorf("Expected manual status, got %s", reshared.Status)
	}
	if reshared.Id == record.Id {
		t.Error("Expected a fresh record after unshare")
	}
}

func TestShareQueuesAnnounceToFollowers(t *testing.T) {
	database, _, _, engine, _, _ := setupTestEnv(t)
	cal := makeCalendar(t, database, "music")
	author := seedActor(t, database, "https://other.example/calendars/jazz")
	follower := seedActor(t, database, "https://third.example/calendars/rock")

	if err := database.CreateFollow(&domain.Follow{
		Id: uuid.New(), FollowerId: follower.Id, FollowedId: cal.Id,
		URI: "https://third.example/activities/f1", State: domain.FollowAccepted,
		CreatedAt: time.Now(),
	}); err != nil {
		t.Fatalf("Failed to seed follower: %v", err)
	}

	origin := "https://other.example/events/e1"
	seedRemoteEvent(t, database, author, origin, "Jam session")

	if _, err := engine.ShareEvent(cal.Id, origin); err != nil {
		t.Fatalf("ShareEvent failed: %v", err)
	}

	err, items := database.ReadPendingDeliveries(10)
	if err != nil {
		t.Fatalf("ReadPendingDeliveries failed: %v", err)
	}
	if len(*items) != 1 {
		t.Fatalf("Expected 1 queued Announce, got %d deliveries", len(*items))
	}
	if (*items)[0].InboxURI != follower.InboxURI {
		t.Errorf("Announce queued for wrong inbox: %s", (*items)[0].InboxURI)
	}
}

func TestIngestUpdateRefreshesManualCopies(t *testing.T) {
	database, _, _, engine, _, _ := setupTestEnv(t)
	cal := makeCalendar(t, database, "music")
	actor := seedActor(t, database, "https://other.example/calendars/jazz")
	origin := "https://other.example/events/e1"
	seedRemoteEvent(t, database, actor, origin, "Jam session")

	record, err := engine.ShareEvent(cal.Id, origin)
	if err != nil {
		t.Fatalf("ShareEvent failed: %v", err)
	}

	obj := &Object{
		ID:        origin,
		Type:      "Event",
		Name:      "Jam session (moved)",
		Content:   "new venue",
		StartTime: "2026-09-02T19:00:00Z",
		EndTime:   "2026-09-02T22:00:00Z",
	}
	err = database.WithTx(func(tx *sql.Tx) error {
		return engine.IngestUpdate(tx, actor, obj, origin)
	})
	if err != nil {
		t.Fatalf("IngestUpdate failed: %v", err)
	}

	err, event := database.ReadEventById(record.EventId)
	if err != nil || event == nil {
		t.Fatal("Expected linked event")
	}
	if event.Title != "Jam session (moved)" {
		t.Errorf("Expected propagated title, got %s", event.Title)
	}

	err, got := database.ReadRepostRecord(cal.Id, origin)
	if err != nil || got == nil {
		t.Fatal("Expected repost record")
	}
	if got.Status != domain.RepostManual {
		t.Errorf("Expected status to stay manual, got %s", got.Status)
	}
}

func TestShareWaitsForInboundProcessingOfSameOrigin(t *testing.T) {
	database, _, processor, engine, _, _ := setupTestEnv(t)
	cal := makeCalendar(t, database, "music")
	actor := seedActor(t, database, "https://other.example/calendars/jazz")
	origin := "https://other.example/events/e1"
	seedRemoteEvent(t, database, actor, origin, "Jam session")

	// the inbox and the share API share one content registry; holding the
	// origin on one side must block the other
	processor.contentLock.Lock(origin)

	done := make(chan error, 1)
	go func() {
		_, err := engine.ShareEvent(cal.Id, origin)
		done <- err
	}()

	select {
	case <-done:
		t.Fatal("ShareEvent ran while inbound processing held the origin")
	case <-time.After(100 * time.Millisecond):
	}

	processor.contentLock.Unlock(origin)

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("ShareEvent failed after release: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("ShareEvent never completed")
	}
}
