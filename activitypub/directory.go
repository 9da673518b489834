package activitypub

import (
	"database/sql"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/stephenhoward/pavillion/db"
	"github.com/stephenhoward/pavillion/domain"
	"github.com/stephenhoward/pavillion/util"
)

// ErrAlreadyFollowing means an accepted follow already exists for the pair.
var ErrAlreadyFollowing = errors.New("already following")

// ErrFollowNotAccepted means the operation needs an accepted follow and the
// edge is pending or removed.
var ErrFollowNotAccepted = errors.New("follow not accepted")

// Directory manages the local side of follow relationships: issuing follows
// to remote calendars, withdrawing them, and the per-follow repost policy.
type Directory struct {
	db       *db.DB
	conf     *util.AppConfig
	resolver *Resolver
	outbox   *Outbox
	locks    *KeyLocks
}

// NewDirectory takes the follow lock registry the inbox processor locks on,
// keyed per follow activity URI, so an inbound Accept/Reject/Undo and a local
// follow operation on the same edge run one at a time.
func NewDirectory(database *db.DB, conf *util.AppConfig, resolver *Resolver, outbox *Outbox, followLock *KeyLocks) *Directory {
	return &Directory{
		db:       database,
		conf:     conf,
		resolver: resolver,
		outbox:   outbox,
		locks:    followLock,
	}
}

// FollowCalendar issues a Follow from a local calendar to a remote actor,
// given either an actor URI or a user@domain handle. The edge starts
// pending; the remote's Accept completes it. Re-following an accepted pair
// is a conflict, re-following a pending pair returns the pending edge, and
// re-following a removed pair reissues it under a fresh activity URI with
// policy flags reset.
func (d *Directory) FollowCalendar(cal *domain.Calendar, account string) (*domain.Follow, error) {
	actor, err := d.resolver.ResolveActor(account)
	if err != nil {
		return nil, err
	}

	pairKey := cal.Id.String() + "/" + actor.Id.String()
	d.locks.Lock(pairKey)
	defer d.locks.Unlock(pairKey)

	// an existing edge may see a concurrent Accept or Reject; hold its URI
	// key for the duration
	err, existing := d.db.ReadFollowByPair(cal.Id, actor.Id)
	if err == nil && existing != nil && existing.URI != "" {
		d.locks.Lock(existing.URI)
		defer d.locks.Unlock(existing.URI)
	}

	var follow *domain.Follow
	err = d.db.WithTx(func(tx *sql.Tx) error {
		err, existing := d.db.ReadFollowByPairTx(tx, cal.Id, actor.Id)
		if err == nil && existing != nil {
			switch existing.State {
			case domain.FollowAccepted:
				return ErrAlreadyFollowing
			case domain.FollowPending:
				follow = existing
				return nil
			}

			activity, followURI := d.outbox.NewFollow(cal, actor.ActorURI)
			if err := d.db.ReissueFollowTx(tx, existing.Id, followURI); err != nil {
				return err
			}
			existing.URI = followURI
			existing.State = domain.FollowPending
			existing.AutoRepostOriginals = false
			existing.AutoRepostReposts = false
			follow = existing
			return d.outbox.EnqueueTx(tx, actor.InboxURI, activity)
		}

		activity, followURI := d.outbox.NewFollow(cal, actor.ActorURI)
		follow = &domain.Follow{
			Id:         uuid.New(),
			FollowerId: cal.Id,
			FollowedId: actor.Id,
			URI:        followURI,
			State:      domain.FollowPending,
			CreatedAt:  time.Now(),
		}
		if err := d.db.CreateFollowTx(tx, follow); err != nil {
			return fmt.Errorf("failed to create follow: %w", err)
		}
		return d.outbox.EnqueueTx(tx, actor.InboxURI, activity)
	})
	if err != nil {
		return nil, err
	}

	log.Printf("Directory: %s following %s (%s)", cal.UrlName, actor.ActorURI, follow.State)
	return follow, nil
}

// Unfollow withdraws a follow. The row stays, marked removed, so the pair
// remains unique and removal is idempotent. An Undo(Follow) goes out for
// pending and accepted edges alike.
func (d *Directory) Unfollow(cal *domain.Calendar, followId uuid.UUID) error {
	err, follow := d.db.ReadFollowById(followId)
	if err != nil || follow == nil || follow.FollowerId != cal.Id {
		return nil
	}

	d.locks.Lock(follow.URI)
	defer d.locks.Unlock(follow.URI)

	// re-read under the lock; an inbound transition may have landed first
	err, follow = d.db.ReadFollowById(followId)
	if err != nil || follow == nil || follow.State == domain.FollowRemoved {
		return nil
	}

	err, actor := d.db.ReadRemoteActorById(follow.FollowedId)
	if err != nil || actor == nil {
		// actor gone; just drop the edge
		return d.db.UpdateFollowState(follow.Id, domain.FollowRemoved)
	}

	return d.db.WithTx(func(tx *sql.Tx) error {
		if err := d.db.UpdateFollowStateTx(tx, follow.Id, domain.FollowRemoved); err != nil {
			return err
		}
		undo := d.outbox.NewUndoFollow(cal, actor.ActorURI, follow.URI)
		return d.outbox.EnqueueTx(tx, actor.InboxURI, undo)
	})
}

// SetRepostPolicy updates the auto-repost flags on an accepted follow.
// Policy takes effect for activities processed after the change; nothing is
// materialized retroactively.
func (d *Directory) SetRepostPolicy(cal *domain.Calendar, followId uuid.UUID, autoOriginals, autoReposts bool) error {
	err, follow := d.db.ReadFollowById(followId)
	if err != nil || follow == nil || follow.FollowerId != cal.Id {
		return fmt.Errorf("follow not found: %s", followId)
	}

	d.locks.Lock(follow.URI)
	defer d.locks.Unlock(follow.URI)

	err, follow = d.db.ReadFollowById(followId)
	if err != nil || follow == nil {
		return fmt.Errorf("follow not found: %s", followId)
	}
	if follow.State != domain.FollowAccepted {
		return ErrFollowNotAccepted
	}
	return d.db.UpdateFollowPolicy(follow.Id, autoOriginals, autoReposts)
}

// Follows lists the calendar's outbound follow edges, pending and accepted.
func (d *Directory) Follows(calendarId uuid.UUID) (*[]domain.Follow, error) {
	err, follows := d.db.ReadFollowsOf(calendarId)
	if err != nil {
		return nil, err
	}
	return follows, nil
}

// Followers lists the accepted followers of a calendar.
func (d *Directory) Followers(calendarId uuid.UUID) (*[]domain.Follow, error) {
	err, followers := d.db.ReadFollowersOf(calendarId)
	if err != nil {
		return nil, err
	}
	return followers, nil
}
