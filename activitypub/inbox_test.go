package activitypub

import (
	"fmt"
	"net/url"
	"path"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stephenhoward/pavillion/db"
	"github.com/stephenhoward/pavillion/domain"
	"github.com/stephenhoward/pavillion/util"
)

// setupTestEnv builds the full processing stack against a throwaway sqlite
// file. Remote actors are pre-seeded fresh so the resolver never leaves the
// process.
func setupTestEnv(t *testing.T) (*db.DB, *util.AppConfig, *Processor, *RepostEngine, *Directory, *Outbox) {
	database, err := db.NewDB(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Failed to open database: %v", err)
	}
	t.Cleanup(func() { database.Close() })

	if err := database.RunMigrations(); err != nil {
		t.Fatalf("Failed to run migrations: %v", err)
	}

	conf := &util.AppConfig{}
	conf.Conf.SslDomain = "our.example"
	conf.Conf.Production = false
	conf.Conf.LedgerRetentionDays = 90

	resolver := NewResolver(database)
	outbox := NewOutbox(database, conf)
	contentLock := NewKeyLocks()
	followLock := NewKeyLocks()
	engine := NewRepostEngine(database, conf, outbox, contentLock)
	directory := NewDirectory(database, conf, resolver, outbox, followLock)
	processor := NewProcessor(database, conf, resolver, engine, outbox, contentLock, followLock)

	return database, conf, processor, engine, directory, outbox
}

func makeCalendar(t *testing.T, database *db.DB, urlName string) *domain.Calendar {
	cal := &domain.Calendar{
		Id:            uuid.New(),
		UrlName:       urlName,
		DisplayName:   urlName,
		WebPublicKey:  "webpub",
		WebPrivateKey: "webpriv",
		CreatedAt:     time.Now(),
	}
	if err := database.CreateCalendar(cal); err != nil {
		t.Fatalf("Failed to create calendar: %v", err)
	}
	return cal
}

func seedActor(t *testing.T, database *db.DB, actorURI string) *domain.RemoteActor {
	parsed, err := url.Parse(actorURI)
	if err != nil {
		t.Fatalf("Bad actor URI %s: %v", actorURI, err)
	}
	actor := &domain.RemoteActor{
		Id:            uuid.New(),
		Username:      path.Base(parsed.Path),
		Domain:        parsed.Host,
		ActorURI:      actorURI,
		InboxURI:      actorURI + "/inbox",
		PublicKeyPem:  "pem",
		LastFetchedAt: time.Now(),
	}
	if err := database.CreateRemoteActor(actor); err != nil {
		t.Fatalf("Failed to seed remote actor: %v", err)
	}
	return actor
}

func mustParse(t *testing.T, body string) *Activity {
	activity, err := ParseActivity([]byte(body), false)
	if err != nil {
		t.Fatalf("ParseActivity failed: %v", err)
	}
	return activity
}

func followActivity(id string, actorURI, targetURI string) string {
	return fmt.Sprintf(`{
		"@context": "https://www.w3.org/ns/activitystreams",
		"id": "%s",
		"type": "Follow",
		"actor": "%s",
		"object": "%s"
	}`, id, actorURI, targetURI)
}

func createActivity(id, actorURI, eventURI, title string) string {
	return fmt.Sprintf(`{
		"@context": "https://www.w3.org/ns/activitystreams",
		"id": "%s",
		"type": "Create",
		"actor": "%s",
		"object": {
			"id": "%s",
			"type": "Event",
			"name": "%s",
			"content": "details",
			"attributedTo": "%s",
			"startTime": "2026-09-01T19:00:00Z",
			"endTime": "2026-09-01T22:00:00Z"
		}
	}`, id, actorURI, eventURI, title, actorURI)
}

func ledgerDisposition(t *testing.T, database *db.DB, activityURI string) string {
	err, row := database.ReadProcessedActivityByURI(activityURI)
	if err != nil || row == nil {
		t.Fatalf("Expected ledger row for %s", activityURI)
	}
	return row.Disposition
}

func TestInboundFollowAutoAccepted(t *testing.T) {
	database, _, processor, _, _, _ := setupTestEnv(t)
	cal := makeCalendar(t, database, "music")
	actor := seedActor(t, database, "https://other.example/calendars/jazz")

	act := mustParse(t, followActivity("https://other.example/activities/f1", actor.ActorURI, "https://our.example/calendars/music"))
	if err := processor.Process(cal, actor, act); err != nil {
		t.Fatalf("Process failed: %v", err)
	}

	err, follow := database.ReadFollowByPair(actor.Id, cal.Id)
	if err != nil || follow == nil {
		t.Fatal("Expected follow edge to exist")
	}
	if follow.State != domain.FollowAccepted {
		t.Errorf("Expected accepted follow, got %s", follow.State)
	}

	if got := ledgerDisposition(t, database, act.ID); got != domain.DispositionApplied {
		t.Errorf("Expected disposition applied, got %s", got)
	}

	// an Accept should be queued for the follower's inbox
	err, items := database.ReadPendingDeliveries(10)
	if err != nil {
		t.Fatalf("ReadPendingDeliveries failed: %v", err)
	}
	if len(*items) != 1 {
		t.Fatalf("Expected 1 queued delivery, got %d", len(*items))
	}
	if (*items)[0].InboxURI != actor.InboxURI {
		t.Errorf("Accept queued for wrong inbox: %s", (*items)[0].InboxURI)
	}
}

func TestDuplicateDeliveryHasNoEffect(t *testing.T) {
	database, _, processor, _, _, _ := setupTestEnv(t)
	cal := makeCalendar(t, database, "music")
	actor := seedActor(t, database, "https://other.example/calendars/jazz")

	body := followActivity("https://other.example/activities/f1", actor.ActorURI, "https://our.example/calendars/music")
	act := mustParse(t, body)

	if err := processor.Process(cal, actor, act); err != nil {
		t.Fatalf("First delivery failed: %v", err)
	}
	if err := processor.Process(cal, actor, mustParse(t, body)); err != nil {
		t.Fatalf("Redelivery failed: %v", err)
	}

	// still exactly one Accept queued
	err, items := database.ReadPendingDeliveries(10)
	if err != nil {
		t.Fatalf("ReadPendingDeliveries failed: %v", err)
	}
	if len(*items) != 1 {
		t.Errorf("Expected 1 queued delivery after redelivery, got %d", len(*items))
	}
}

func TestUndoFollowIdempotent(t *testing.T) {
	database, _, processor, _, _, _ := setupTestEnv(t)
	cal := makeCalendar(t, database, "music")
	actor := seedActor(t, database, "https://other.example/calendars/jazz")

	followURI := "https://other.example/activities/f1"
	if err := processor.Process(cal, actor, mustParse(t, followActivity(followURI, actor.ActorURI, "https://our.example/calendars/music"))); err != nil {
		t.Fatalf("Follow failed: %v", err)
	}

	undo := fmt.Sprintf(`{
		"@context": "https://www.w3.org/ns/activitystreams",
		"id": "https://other.example/activities/u1",
		"type": "Undo",
		"actor": "%s",
		"object": {"id": "%s", "type": "Follow", "actor": "%s", "object": "https://our.example/calendars/music"}
	}`, actor.ActorURI, followURI, actor.ActorURI)

	if err := processor.Process(cal, actor, mustParse(t, undo)); err != nil {
		t.Fatalf("Undo failed: %v", err)
	}

	err, follow := database.ReadFollowByPair(actor.Id, cal.Id)
	if err != nil || follow == nil {
		t.Fatal("Expected follow row to survive removal")
	}
	if follow.State != domain.FollowRemoved {
		t.Errorf("Expected removed state, got %s", follow.State)
	}

	// a second Undo under a new activity id is discarded, not an error
	undo2 := fmt.Sprintf(`{
		"@context": "https://www.w3.org/ns/activitystreams",
		"id": "https://other.example/activities/u2",
		"type": "Undo",
		"actor": "%s",
		"object": {"id": "%s", "type": "Follow", "actor": "%s", "object": "https://our.example/calendars/music"}
	}`, actor.ActorURI, followURI, actor.ActorURI)

	if err := processor.Process(cal, actor, mustParse(t, undo2)); err != nil {
		t.Fatalf("Second undo failed: %v", err)
	}
	if got := ledgerDisposition(t, database, "https://other.example/activities/u2"); got != domain.DispositionDiscarded {
		t.Errorf("Expected disposition discarded, got %s", got)
	}
}

func TestRefollowAfterRemovalReaccepts(t *testing.T) {
	database, _, processor, _, _, _ := setupTestEnv(t)
	cal := makeCalendar(t, database, "music")
	actor := seedActor(t, database, "https://other.example/calendars/jazz")

	target := "https://our.example/calendars/music"
	if err := processor.Process(cal, actor, mustParse(t, followActivity("https://other.example/activities/f1", actor.ActorURI, target))); err != nil {
		t.Fatalf("Follow failed: %v", err)
	}

	undo := fmt.Sprintf(`{
		"@context": "https://www.w3.org/ns/activitystreams",
		"id": "https://other.example/activities/u1",
		"type": "Undo",
		"actor": "%s",
		"object": {"id": "https://other.example/activities/f1", "type": "Follow", "actor": "%s", "object": "%s"}
	}`, actor.ActorURI, actor.ActorURI, target)
	if err := processor.Process(cal, actor, mustParse(t, undo)); err != nil {
		t.Fatalf("Undo failed: %v", err)
	}

	if err := processor.Process(cal, actor, mustParse(t, followActivity("https://other.example/activities/f2", actor.ActorURI, target))); err != nil {
		t.Fatalf("Refollow failed: %v", err)
	}

	err, follow := database.ReadFollowByPair(actor.Id, cal.Id)
	if err != nil || follow == nil {
		t.Fatal("Expected follow edge")
	}
	if follow.State != domain.FollowAccepted {
		t.Errorf("Expected re-accepted follow, got %s", follow.State)
	}
	if follow.URI != "https://other.example/activities/f2" {
		t.Errorf("Expected follow URI to track the new activity, got %s", follow.URI)
	}
}

func TestAcceptResolvesPendingOutboundFollow(t *testing.T) {
	database, _, processor, _, directory, _ := setupTestEnv(t)
	cal := makeCalendar(t, database, "music")
	actor := seedActor(t, database, "https://other.example/calendars/jazz")

	follow, err := directory.FollowCalendar(cal, actor.ActorURI)
	if err != nil {
		t.Fatalf("FollowCalendar failed: %v", err)
	}
	if follow.State != domain.FollowPending {
		t.Fatalf("Expected pending follow, got %s", follow.State)
	}

	accept := fmt.Sprintf(`{
		"@context": "https://www.w3.org/ns/activitystreams",
		"id": "https://other.example/activities/a1",
		"type": "Accept",
		"actor": "%s",
		"object": {"id": "%s", "type": "Follow", "actor": "https://our.example/calendars/music", "object": "%s"}
	}`, actor.ActorURI, follow.URI, actor.ActorURI)

	if err := processor.Process(cal, actor, mustParse(t, accept)); err != nil {
		t.Fatalf("Accept failed: %v", err)
	}

	err, got := database.ReadFollowById(follow.Id)
	if err != nil {
		t.Fatalf("ReadFollowById failed: %v", err)
	}
	if got.State != domain.FollowAccepted {
		t.Errorf("Expected accepted follow, got %s", got.State)
	}
}

func TestAcceptOfUnknownFollowDiscarded(t *testing.T) {
	database, _, processor, _, _, _ := setupTestEnv(t)
	cal := makeCalendar(t, database, "music")
	actor := seedActor(t, database, "https://other.example/calendars/jazz")

	accept := fmt.Sprintf(`{
		"@context": "https://www.w3.org/ns/activitystreams",
		"id": "https://other.example/activities/a1",
		"type": "Accept",
		"actor": "%s",
		"object": "https://our.example/activities/nonexistent"
	}`, actor.ActorURI)

	if err := processor.Process(cal, actor, mustParse(t, accept)); err != nil {
		t.Fatalf("Process failed: %v", err)
	}
	if got := ledgerDisposition(t, database, "https://other.example/activities/a1"); got != domain.DispositionDiscarded {
		t.Errorf("Expected disposition discarded, got %s", got)
	}
}

func TestCreateCachesAndFeeds(t *testing.T) {
	database, _, processor, engine, _, _ := setupTestEnv(t)
	cal := makeCalendar(t, database, "music")
	actor := seedActor(t, database, "https://other.example/calendars/jazz")

	// accepted follow, no auto-repost policy
	if err := database.CreateFollow(&domain.Follow{
		Id: uuid.New(), FollowerId: cal.Id, FollowedId: actor.Id,
		URI: "https://our.example/activities/f1", State: domain.FollowAccepted,
		CreatedAt: time.Now(),
	}); err != nil {
		t.Fatalf("Failed to seed follow: %v", err)
	}

	origin := "https://other.example/events/e1"
	act := mustParse(t, createActivity("https://other.example/activities/c1", actor.ActorURI, origin, "Jam session"))
	if err := processor.Process(cal, actor, act); err != nil {
		t.Fatalf("Process failed: %v", err)
	}

	err, cached := database.ReadRemoteEventByOrigin(origin)
	if err != nil || cached == nil {
		t.Fatal("Expected remote event to be cached")
	}
	if cached.Title != "Jam session" {
		t.Errorf("Unexpected cached title: %s", cached.Title)
	}

	entries, err2 := engine.Feed(cal.Id)
	if err2 != nil {
		t.Fatalf("Feed failed: %v", err2)
	}
	if len(*entries) != 1 {
		t.Fatalf("Expected 1 feed entry, got %d", len(*entries))
	}

	// without an auto-repost policy no local event materializes
	err, events := database.ReadEventsByCalendarId(cal.Id)
	if err != nil {
		t.Fatalf("ReadEventsByCalendarId failed: %v", err)
	}
	if len(*events) != 0 {
		t.Errorf("Expected no materialized events, got %d", len(*events))
	}
}

func TestCreateAutoRepostsForPolicyFollowers(t *testing.T) {
	database, _, processor, _, _, _ := setupTestEnv(t)
	cal := makeCalendar(t, database, "music")
	actor := seedActor(t, database, "https://other.example/calendars/jazz")

	if err := database.CreateFollow(&domain.Follow{
		Id: uuid.New(), FollowerId: cal.Id, FollowedId: actor.Id,
		URI: "https://our.example/activities/f1", State: domain.FollowAccepted,
		AutoRepostOriginals: true, CreatedAt: time.Now(),
	}); err != nil {
		t.Fatalf("Failed to seed follow: %v", err)
	}

	origin := "https://other.example/events/e1"
	act := mustParse(t, createActivity("https://other.example/activities/c1", actor.ActorURI, origin, "Jam session"))
	if err := processor.Process(cal, actor, act); err != nil {
		t.Fatalf("Process failed: %v", err)
	}

	err, record := database.ReadRepostRecord(cal.Id, origin)
	if err != nil || record == nil {
		t.Fatal("Expected auto repost record")
	}
	if record.Status != domain.RepostAuto {
		t.Errorf("Expected auto status, got %s", record.Status)
	}

	err, event := database.ReadEventById(record.EventId)
	if err != nil || event == nil {
		t.Fatal("Expected materialized event")
	}
	if event.Title != "Jam session" {
		t.Errorf("Unexpected event title: %s", event.Title)
	}
	if event.OriginURL != origin {
		t.Errorf("Expected origin %s, got %s", origin, event.OriginURL)
	}
}

func TestPolicyNotRetroactive(t *testing.T) {
	database, _, processor, _, directory, _ := setupTestEnv(t)
	cal := makeCalendar(t, database, "music")
	actor := seedActor(t, database, "https://other.example/calendars/jazz")

	follow := &domain.Follow{
		Id: uuid.New(), FollowerId: cal.Id, FollowedId: actor.Id,
		URI: "https://our.example/activities/f1", State: domain.FollowAccepted,
		CreatedAt: time.Now(),
	}
	if err := database.CreateFollow(follow); err != nil {
		t.Fatalf("Failed to seed follow: %v", err)
	}

	origin := "https://other.example/events/e1"
	if err := processor.Process(cal, actor, mustParse(t, createActivity("https://other.example/activities/c1", actor.ActorURI, origin, "Jam session"))); err != nil {
		t.Fatalf("Process failed: %v", err)
	}

	// enabling the policy afterwards must not materialize past events
	if err := directory.SetRepostPolicy(cal, follow.Id, true, false); err != nil {
		t.Fatalf("SetRepostPolicy failed: %v", err)
	}

	err, record := database.ReadRepostRecord(cal.Id, origin)
	if err == nil && record != nil {
		t.Error("Expected no repost record for pre-policy event")
	}
}

func TestUpdatePropagatesWithoutStatusChange(t *testing.T) {
	database, _, processor, _, _, _ := setupTestEnv(t)
	cal := makeCalendar(t, database, "music")
	actor := seedActor(t, database, "https://other.example/calendars/jazz")

	if err := database.CreateFollow(&domain.Follow{
		Id: uuid.New(), FollowerId: cal.Id, FollowedId: actor.Id,
		URI: "https://our.example/activities/f1", State: domain.FollowAccepted,
		AutoRepostOriginals: true, CreatedAt: time.Now(),
	}); err != nil {
		t.Fatalf("Failed to seed follow: %v", err)
	}

	origin := "https://other.example/events/e1"
	if err := processor.Process(cal, actor, mustParse(t, createActivity("https://other.example/activities/c1", actor.ActorURI, origin, "Jam session"))); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	update := fmt.Sprintf(`{
		"@context": "https://www.w3.org/ns/activitystreams",
		"id": "https://other.example/activities/up1",
		"type": "Update",
		"actor": "%s",
		"object": {
			"id": "%s",
			"type": "Event",
			"name": "Jam session (moved)",
			"content": "new venue",
			"startTime": "2026-09-02T19:00:00Z",
			"endTime": "2026-09-02T22:00:00Z"
		}
	}`, actor.ActorURI, origin)
	if err := processor.Process(cal, actor, mustParse(t, update)); err != nil {
		t.Fatalf("Update failed: %v", err)
	}

	err, record := database.ReadRepostRecord(cal.Id, origin)
	if err != nil || record == nil {
		t.Fatal("Expected repost record")
	}
	if record.Status != domain.RepostAuto {
		t.Errorf("Expected status to stay auto, got %s", record.Status)
	}

	err, event := database.ReadEventById(record.EventId)
	if err != nil || event == nil {
		t.Fatal("Expected linked event")
	}
	if event.Title != "Jam session (moved)" {
		t.Errorf("Expected propagated title, got %s", event.Title)
	}
}

func TestDeleteDropsFromFeed(t *testing.T) {
	database, _, processor, engine, _, _ := setupTestEnv(t)
	cal := makeCalendar(t, database, "music")
	actor := seedActor(t, database, "https://other.example/calendars/jazz")

	if err := database.CreateFollow(&domain.Follow{
		Id: uuid.New(), FollowerId: cal.Id, FollowedId: actor.Id,
		URI: "https://our.example/activities/f1", State: domain.FollowAccepted,
		CreatedAt: time.Now(),
	}); err != nil {
		t.Fatalf("Failed to seed follow: %v", err)
	}

	origin := "https://other.example/events/e1"
	if err := processor.Process(cal, actor, mustParse(t, createActivity("https://other.example/activities/c1", actor.ActorURI, origin, "Jam session"))); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	del := fmt.Sprintf(`{
		"@context": "https://www.w3.org/ns/activitystreams",
		"id": "https://other.example/activities/d1",
		"type": "Delete",
		"actor": "%s",
		"object": {"id": "%s", "type": "Tombstone"}
	}`, actor.ActorURI, origin)
	if err := processor.Process(cal, actor, mustParse(t, del)); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}

	entries, err := engine.Feed(cal.Id)
	if err != nil {
		t.Fatalf("Feed failed: %v", err)
	}
	if len(*entries) != 0 {
		t.Errorf("Expected empty feed after delete, got %d entries", len(*entries))
	}
}

func TestActorDeleteRemovesEdges(t *testing.T) {
	database, _, processor, _, _, _ := setupTestEnv(t)
	cal := makeCalendar(t, database, "music")
	actor := seedActor(t, database, "https://other.example/calendars/jazz")

	if err := processor.Process(cal, actor, mustParse(t, followActivity("https://other.example/activities/f1", actor.ActorURI, "https://our.example/calendars/music"))); err != nil {
		t.Fatalf("Follow failed: %v", err)
	}

	del := fmt.Sprintf(`{
		"@context": "https://www.w3.org/ns/activitystreams",
		"id": "https://other.example/activities/d1",
		"type": "Delete",
		"actor": "%s",
		"object": "%s"
	}`, actor.ActorURI, actor.ActorURI)
	if err := processor.Process(cal, actor, mustParse(t, del)); err != nil {
		t.Fatalf("Actor delete failed: %v", err)
	}

	err, gone := database.ReadRemoteActorByURI(actor.ActorURI)
	if err == nil && gone != nil {
		t.Error("Expected actor record to be removed")
	}
	err, follow := database.ReadFollowByPair(actor.Id, cal.Id)
	if err == nil && follow != nil {
		t.Error("Expected follow edge to be removed")
	}
}

func TestAnnounceRecordsSourceAndAutoReposts(t *testing.T) {
	database, _, processor, engine, _, _ := setupTestEnv(t)
	cal := makeCalendar(t, database, "music")
	booster := seedActor(t, database, "https://third.example/calendars/rock")

	if err := database.CreateFollow(&domain.Follow{
		Id: uuid.New(), FollowerId: cal.Id, FollowedId: booster.Id,
		URI: "https://our.example/activities/f1", State: domain.FollowAccepted,
		AutoRepostReposts: true, CreatedAt: time.Now(),
	}); err != nil {
		t.Fatalf("Failed to seed follow: %v", err)
	}

	origin := "https://other.example/events/e1"
	announce := fmt.Sprintf(`{
		"@context": "https://www.w3.org/ns/activitystreams",
		"id": "https://third.example/activities/an1",
		"type": "Announce",
		"actor": "%s",
		"object": {
			"id": "%s",
			"type": "Event",
			"name": "Jam session",
			"attributedTo": "https://other.example/calendars/jazz",
			"startTime": "2026-09-01T19:00:00Z"
		}
	}`, booster.ActorURI, origin)

	if err := processor.Process(cal, booster, mustParse(t, announce)); err != nil {
		t.Fatalf("Announce failed: %v", err)
	}

	err, record := database.ReadRepostRecord(cal.Id, origin)
	if err != nil || record == nil {
		t.Fatal("Expected auto repost from announce")
	}
	if record.Status != domain.RepostAuto {
		t.Errorf("Expected auto status, got %s", record.Status)
	}

	entries, err2 := engine.Feed(cal.Id)
	if err2 != nil {
		t.Fatalf("Feed failed: %v", err2)
	}
	if len(*entries) != 1 {
		t.Fatalf("Expected 1 feed entry, got %d", len(*entries))
	}
	if (*entries)[0].SourceKind != domain.SourceAnnounce {
		t.Errorf("Expected announce source, got %s", (*entries)[0].SourceKind)
	}
}

func TestAnnounceOfOwnEventNotReposted(t *testing.T) {
	database, _, processor, _, _, _ := setupTestEnv(t)
	cal := makeCalendar(t, database, "music")
	booster := seedActor(t, database, "https://third.example/calendars/rock")

	if err := database.CreateFollow(&domain.Follow{
		Id: uuid.New(), FollowerId: cal.Id, FollowedId: booster.Id,
		URI: "https://our.example/activities/f1", State: domain.FollowAccepted,
		AutoRepostReposts: true, CreatedAt: time.Now(),
	}); err != nil {
		t.Fatalf("Failed to seed follow: %v", err)
	}

	// a local original owned by the same calendar
	event := &domain.Event{
		Id: uuid.New(), CalendarId: cal.Id, Title: "Our concert",
		StartTime: time.Now(), EndTime: time.Now().Add(time.Hour),
		CreatedAt: time.Now(),
	}
	event.OriginURL = fmt.Sprintf("https://our.example/events/%s", event.Id)
	if err := database.CreateEvent(event); err != nil {
		t.Fatalf("Failed to create event: %v", err)
	}

	announce := fmt.Sprintf(`{
		"@context": "https://www.w3.org/ns/activitystreams",
		"id": "https://third.example/activities/an1",
		"type": "Announce",
		"actor": "%s",
		"object": {
			"id": "%s",
			"type": "Event",
			"name": "Our concert",
			"attributedTo": "https://our.example/calendars/music"
		}
	}`, booster.ActorURI, event.OriginURL)

	if err := processor.Process(cal, booster, mustParse(t, announce)); err != nil {
		t.Fatalf("Announce failed: %v", err)
	}

	// loop prevention: no repost record back onto the owning calendar
	err, record := database.ReadRepostRecord(cal.Id, event.OriginURL)
	if err == nil && record != nil {
		t.Error("Expected no repost of the calendar's own event")
	}
}

func TestUndoAnnounceRetractsFeedEntry(t *testing.T) {
	database, _, processor, engine, _, _ := setupTestEnv(t)
	cal := makeCalendar(t, database, "music")
	booster := seedActor(t, database, "https://third.example/calendars/rock")

	if err := database.CreateFollow(&domain.Follow{
		Id: uuid.New(), FollowerId: cal.Id, FollowedId: booster.Id,
		URI: "https://our.example/activities/f1", State: domain.FollowAccepted,
		CreatedAt: time.Now(),
	}); err != nil {
		t.Fatalf("Failed to seed follow: %v", err)
	}

	origin := "https://other.example/events/e1"
	announce := fmt.Sprintf(`{
		"@context": "https://www.w3.org/ns/activitystreams",
		"id": "https://third.example/activities/an1",
		"type": "Announce",
		"actor": "%s",
		"object": {"id": "%s", "type": "Event", "name": "Jam session"}
	}`, booster.ActorURI, origin)
	if err := processor.Process(cal, booster, mustParse(t, announce)); err != nil {
		t.Fatalf("Announce failed: %v", err)
	}

	undo := fmt.Sprintf(`{
		"@context": "https://www.w3.org/ns/activitystreams",
		"id": "https://third.example/activities/u1",
		"type": "Undo",
		"actor": "%s",
		"object": {"id": "https://third.example/activities/an1", "type": "Announce", "actor": "%s", "object": "%s"}
	}`, booster.ActorURI, booster.ActorURI, origin)
	if err := processor.Process(cal, booster, mustParse(t, undo)); err != nil {
		t.Fatalf("Undo announce failed: %v", err)
	}

	entries, err := engine.Feed(cal.Id)
	if err != nil {
		t.Fatalf("Feed failed: %v", err)
	}
	if len(*entries) != 0 {
		t.Errorf("Expected empty feed after retraction, got %d entries", len(*entries))
	}
}

func TestUnfollowWaitsForInboundFollowTransition(t *testing.T) {
	database, _, processor, _, directory, _ := setupTestEnv(t)
	cal := makeCalendar(t, database, "music")
	actor := seedActor(t, database, "https://other.example/calendars/jazz")

	follow := &domain.Follow{
		Id: uuid.New(), FollowerId: cal.Id, FollowedId: actor.Id,
		URI: "https://our.example/activities/f1", State: domain.FollowAccepted,
		CreatedAt: time.Now(),
	}
	if err := database.CreateFollow(follow); err != nil {
		t.Fatalf("Failed to seed follow: %v", err)
	}

	// the inbox and the directory share one follow registry; an inbound
	// transition holding the follow URI must block a local unfollow
	processor.followLock.Lock(follow.URI)

	done := make(chan error, 1)
	go func() { done <- directory.Unfollow(cal, follow.Id) }()

	select {
	case <-done:
		t.Fatal("Unfollow ran while an inbound transition held the follow URI")
	case <-time.After(100 * time.Millisecond):
	}

	processor.followLock.Unlock(follow.URI)

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Unfollow failed after release: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Unfollow never completed")
	}

	err, got := database.ReadFollowById(follow.Id)
	if err != nil || got == nil {
		t.Fatal("Expected follow row to survive as removed")
	}
	if got.State != domain.FollowRemoved {
		t.Errorf("Expected removed state, got %s", got.State)
	}
}

func TestCreateWithoutObjectIdKeysOnUrl(t *testing.T) {
	_, _, processor, _, _, _ := setupTestEnv(t)

	body := `{
		"@context": "https://www.w3.org/ns/activitystreams",
		"id": "https://other.example/activities/c1",
		"type": "Create",
		"actor": "https://other.example/calendars/jazz",
		"object": {
			"type": "Event",
			"name": "Jam session",
			"url": "https://other.example/events/e9"
		}
	}`
	act := mustParse(t, body)

	locks, key := processor.lockKey(act)
	if locks != processor.contentLock {
		t.Error("Expected the content registry")
	}
	// two id-less deliveries of the same event must serialize on the url,
	// not on their distinct activity ids
	if key != "https://other.example/events/e9" {
		t.Errorf("Expected the object url as key, got %s", key)
	}
}
