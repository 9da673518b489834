package activitypub

import (
	"database/sql"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stephenhoward/pavillion/db"
	"github.com/stephenhoward/pavillion/domain"
	"github.com/stephenhoward/pavillion/util"
)

// Processor drives inbound federation: it validates, authenticates, and
// applies activities, writing a ledger row for every activity it consumes.
// Side effects and the ledger row commit in one transaction, so redelivery
// of an already-processed activity never applies its effects twice.
type Processor struct {
	db          *db.DB
	conf        *util.AppConfig
	resolver    *Resolver
	engine      *RepostEngine
	outbox      *Outbox
	contentLock *KeyLocks
	followLock  *KeyLocks
}

// NewProcessor shares the content and follow lock registries with the repost
// engine and the directory, so inbound activities and API calls for the same
// origin or follow edge serialize instead of racing to a constraint error.
func NewProcessor(database *db.DB, conf *util.AppConfig, resolver *Resolver, engine *RepostEngine, outbox *Outbox, contentLock, followLock *KeyLocks) *Processor {
	return &Processor{
		db:          database,
		conf:        conf,
		resolver:    resolver,
		engine:      engine,
		outbox:      outbox,
		contentLock: contentLock,
		followLock:  followLock,
	}
}

// HandleInbox is the gin handler for a calendar's inbox. The shared inbox
// routes here too after resolving the target calendar from addressing.
func (p *Processor) HandleInbox(c *gin.Context, cal *domain.Calendar) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, 1<<20))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "failed to read body"})
		return
	}

	activity, err := ParseActivity(body, p.conf.Conf.Production)
	if err != nil {
		log.Printf("Inbox: Rejected activity for %s: %v", cal.UrlName, err)
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	actor, err := p.resolver.GetOrFetchActor(activity.Actor)
	if err != nil {
		log.Printf("Inbox: Failed to resolve actor %s: %v", activity.Actor, err)
		c.JSON(http.StatusBadRequest, gin.H{"error": "could not resolve actor"})
		return
	}

	keyOwner, err := VerifyRequest(c.Request, actor.PublicKeyPem)
	if err != nil {
		log.Printf("Inbox: Signature verification failed for %s: %v", activity.Actor, err)
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid signature"})
		return
	}
	if keyOwner != actor.ActorURI {
		log.Printf("Inbox: Signature key %s does not belong to %s", keyOwner, actor.ActorURI)
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid signature"})
		return
	}

	if err := p.Process(cal, actor, activity); err != nil {
		log.Printf("Inbox: Failed to process %s %s: %v", activity.Kind, activity.ID, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "processing failed"})
		return
	}

	c.Status(http.StatusAccepted)
}

// lockKey serializes concurrent processing. Follow lifecycle activities
// serialize per follow URI, content activities per origin URL; unrelated
// activities proceed in parallel.
func (p *Processor) lockKey(act *Activity) (*KeyLocks, string) {
	switch act.Kind {
	case KindFollow:
		return p.followLock, act.ID
	case KindAccept, KindReject:
		return p.followLock, act.Object.URI()
	case KindUndo:
		if act.Object.IsEmbedded() && act.Object.Embedded.Type == KindAnnounce {
			return p.contentLock, act.Object.Embedded.Object
		}
		return p.followLock, act.Object.URI()
	case KindCreate, KindUpdate, KindDelete, KindAnnounce:
		// same id-then-url fallback applyCreate uses for the origin URL
		key := act.Object.URI()
		if key == "" && act.Object.IsEmbedded() {
			key = act.Object.Embedded.URL
		}
		if key == "" {
			key = act.ID
		}
		return p.contentLock, key
	}
	return nil, ""
}

// Process applies a validated, authenticated activity for a target calendar.
// It is the entry point below the HTTP layer and carries the exactly-once
// guarantee: dedup check, effects, and ledger append all share a
// transaction.
func (p *Processor) Process(cal *domain.Calendar, actor *domain.RemoteActor, act *Activity) error {
	if locks, key := p.lockKey(act); locks != nil && key != "" {
		locks.Lock(key)
		defer locks.Unlock(key)
	}

	var disposition string
	err := p.db.WithTx(func(tx *sql.Tx) error {
		err, seen := p.db.ReadProcessedActivityByURITx(tx, act.ID)
		if err == nil && seen != nil {
			// already consumed; the ledger row from the first delivery stands
			disposition = domain.DispositionDuplicate
			return nil
		}

		disposition, err = p.apply(tx, cal, actor, act)
		if err != nil {
			return err
		}

		return p.db.InsertProcessedActivityTx(tx, &domain.ProcessedActivity{
			Id:           uuid.New(),
			ActivityURI:  act.ID,
			ActivityType: act.Kind,
			ActorURI:     act.Actor,
			Disposition:  disposition,
			RawJSON:      string(act.RawJSON),
			CreatedAt:    time.Now(),
		})
	})
	if err != nil {
		return err
	}

	log.Printf("Inbox: %s %s from %s: %s", act.Kind, act.ID, actor.ActorURI, disposition)

	// Actor profile updates need a network fetch, which stays out of the
	// transaction.
	if disposition == domain.DispositionApplied && act.Kind == KindUpdate && isActorObject(act.Object) {
		if _, err := p.resolver.fetchActor(actor.ActorURI); err != nil {
			log.Printf("Inbox: Failed to refresh actor %s: %v", actor.ActorURI, err)
		}
	}

	return nil
}

func isActorObject(ref ObjectRef) bool {
	if !ref.IsEmbedded() {
		return false
	}
	switch ref.Embedded.Type {
	case "Person", "Organization", "Service", "Group", "Application":
		return true
	}
	return false
}

func (p *Processor) apply(tx *sql.Tx, cal *domain.Calendar, actor *domain.RemoteActor, act *Activity) (string, error) {
	switch act.Kind {
	case KindFollow:
		return p.applyFollow(tx, cal, actor, act)
	case KindAccept:
		return p.applyAccept(tx, act)
	case KindReject:
		return p.applyReject(tx, act)
	case KindUndo:
		return p.applyUndo(tx, actor, act)
	case KindCreate:
		return p.applyCreate(tx, actor, act)
	case KindUpdate:
		return p.applyUpdate(tx, actor, act)
	case KindDelete:
		return p.applyDelete(tx, actor, act)
	case KindAnnounce:
		if err := p.engine.IngestAnnounce(tx, actor, act.Object); err != nil {
			return "", err
		}
		return domain.DispositionApplied, nil
	case KindLike, KindBlock, KindAdd, KindRemove:
		// Bookkeeping only; the ledger row is the record.
		return domain.DispositionApplied, nil
	}
	return domain.DispositionDiscarded, nil
}

// applyFollow auto-accepts an inbound follow. A repeat follow from an
// already-accepted follower is a no-op beyond re-sending the Accept so the
// remote converges.
func (p *Processor) applyFollow(tx *sql.Tx, cal *domain.Calendar, actor *domain.RemoteActor, act *Activity) (string, error) {
	accept := p.outbox.NewAccept(cal, actor.ActorURI, act.ID)

	err, existing := p.db.ReadFollowByPairTx(tx, actor.Id, cal.Id)
	if err == nil && existing != nil {
		if existing.State == domain.FollowAccepted {
			if err := p.outbox.EnqueueTx(tx, actor.InboxURI, accept); err != nil {
				return "", err
			}
			return domain.DispositionDiscarded, nil
		}
		// removed or pending edge revives under the new follow URI
		if err := p.db.ReissueFollowTx(tx, existing.Id, act.ID); err != nil {
			return "", err
		}
		if err := p.db.UpdateFollowStateTx(tx, existing.Id, domain.FollowAccepted); err != nil {
			return "", err
		}
		if err := p.outbox.EnqueueTx(tx, actor.InboxURI, accept); err != nil {
			return "", err
		}
		return domain.DispositionApplied, nil
	}

	follow := &domain.Follow{
		Id:         uuid.New(),
		FollowerId: actor.Id,
		FollowedId: cal.Id,
		URI:        act.ID,
		State:      domain.FollowAccepted,
		CreatedAt:  time.Now(),
	}
	if err := p.db.CreateFollowTx(tx, follow); err != nil {
		return "", fmt.Errorf("failed to create follow: %w", err)
	}
	if err := p.outbox.EnqueueTx(tx, actor.InboxURI, accept); err != nil {
		return "", err
	}
	return domain.DispositionApplied, nil
}

// applyAccept resolves one of our pending outbound follows. Accept of an
// unknown or non-pending follow is an invalid transition and is discarded.
func (p *Processor) applyAccept(tx *sql.Tx, act *Activity) (string, error) {
	followURI := act.Object.URI()
	err, follow := p.db.ReadFollowByURITx(tx, followURI)
	if err != nil || follow == nil {
		log.Printf("Inbox: Accept for unknown follow %s", followURI)
		return domain.DispositionDiscarded, nil
	}
	if follow.State != domain.FollowPending {
		log.Printf("Inbox: Accept for follow %s in state %s", followURI, follow.State)
		return domain.DispositionDiscarded, nil
	}
	if err := p.db.UpdateFollowStateTx(tx, follow.Id, domain.FollowAccepted); err != nil {
		return "", err
	}
	return domain.DispositionApplied, nil
}

func (p *Processor) applyReject(tx *sql.Tx, act *Activity) (string, error) {
	followURI := act.Object.URI()
	err, follow := p.db.ReadFollowByURITx(tx, followURI)
	if err != nil || follow == nil || follow.State != domain.FollowPending {
		return domain.DispositionDiscarded, nil
	}
	if err := p.db.UpdateFollowStateTx(tx, follow.Id, domain.FollowRemoved); err != nil {
		return "", err
	}
	return domain.DispositionApplied, nil
}

// applyUndo dispatches on the undone activity's type. Undo(Follow) removes
// the edge, Undo(Announce) retracts the repost signal; undoing something
// already gone is idempotent.
func (p *Processor) applyUndo(tx *sql.Tx, actor *domain.RemoteActor, act *Activity) (string, error) {
	if act.Object.IsEmbedded() {
		switch act.Object.Embedded.Type {
		case KindFollow:
			return p.undoFollow(tx, act.Object.Embedded.ID)
		case KindAnnounce:
			origin := act.Object.Embedded.Object
			if origin == "" {
				return domain.DispositionDiscarded, nil
			}
			if err := p.engine.RetractAnnounce(tx, actor, origin); err != nil {
				return "", err
			}
			return domain.DispositionApplied, nil
		case KindLike, KindBlock:
			return domain.DispositionApplied, nil
		}
		return domain.DispositionDiscarded, nil
	}
	// reference-only Undo: the URI can only be matched against follows
	return p.undoFollow(tx, act.Object.URI())
}

func (p *Processor) undoFollow(tx *sql.Tx, followURI string) (string, error) {
	err, follow := p.db.ReadFollowByURITx(tx, followURI)
	if err != nil || follow == nil || follow.State == domain.FollowRemoved {
		return domain.DispositionDiscarded, nil
	}
	if err := p.db.UpdateFollowStateTx(tx, follow.Id, domain.FollowRemoved); err != nil {
		return "", err
	}
	return domain.DispositionApplied, nil
}

func (p *Processor) applyCreate(tx *sql.Tx, actor *domain.RemoteActor, act *Activity) (string, error) {
	if !act.Object.IsEmbedded() {
		log.Printf("Inbox: Create %s carries no content, skipping", act.ID)
		return domain.DispositionDiscarded, nil
	}
	obj := act.Object.Embedded
	if obj.Type != "Event" {
		return domain.DispositionDiscarded, nil
	}
	originURL := obj.ID
	if originURL == "" {
		originURL = obj.URL
	}
	if originURL == "" {
		log.Printf("Inbox: Create %s has no addressable object, skipping", act.ID)
		return domain.DispositionDiscarded, nil
	}
	if err := p.engine.IngestCreate(tx, actor, obj, originURL); err != nil {
		return "", err
	}
	return domain.DispositionApplied, nil
}

func (p *Processor) applyUpdate(tx *sql.Tx, actor *domain.RemoteActor, act *Activity) (string, error) {
	if isActorObject(act.Object) {
		// refresh happens after commit
		return domain.DispositionApplied, nil
	}
	if !act.Object.IsEmbedded() || act.Object.Embedded.Type != "Event" {
		return domain.DispositionDiscarded, nil
	}
	obj := act.Object.Embedded
	if obj.ID == "" {
		return domain.DispositionDiscarded, nil
	}
	if err := p.engine.IngestUpdate(tx, actor, obj, obj.ID); err != nil {
		return "", err
	}
	return domain.DispositionApplied, nil
}

// applyDelete handles both event deletion (Tombstone or reference) and actor
// deletion, where the object is the actor itself.
func (p *Processor) applyDelete(tx *sql.Tx, actor *domain.RemoteActor, act *Activity) (string, error) {
	objectURI := act.Object.URI()
	if objectURI == "" {
		return domain.DispositionDiscarded, nil
	}
	if objectURI == actor.ActorURI {
		if err := p.db.DeleteRemoteActorTx(tx, actor.Id); err != nil {
			return "", err
		}
		log.Printf("Inbox: Deleted remote actor %s", actor.ActorURI)
		return domain.DispositionApplied, nil
	}
	if err := p.engine.IngestDelete(tx, objectURI); err != nil {
		return "", err
	}
	return domain.DispositionApplied, nil
}
