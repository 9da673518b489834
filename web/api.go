package web

import (
	"database/sql"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stephenhoward/pavillion/activitypub"
	"github.com/stephenhoward/pavillion/domain"
	"github.com/stephenhoward/pavillion/util"
)

// The management API is how calendar owners drive the instance: calendars,
// events, follows, shares. It is unauthenticated local plumbing; the
// federation surface with its signature checks lives on the inbox routes.

type createCalendarRequest struct {
	UrlName     string `json:"url_name" binding:"required"`
	DisplayName string `json:"display_name"`
	Description string `json:"description"`
}

func (s *Server) createCalendar(c *gin.Context) {
	var req createCalendarRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	urlName := util.NormalizeInput(req.UrlName)
	if urlName == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid url name"})
		return
	}

	keypair := util.GeneratePemKeypair()

	cal := &domain.Calendar{
		Id:            uuid.New(),
		UrlName:       urlName,
		DisplayName:   req.DisplayName,
		Description:   req.Description,
		WebPublicKey:  keypair.Public,
		WebPrivateKey: keypair.Private,
		CreatedAt:     time.Now(),
	}
	if cal.DisplayName == "" {
		cal.DisplayName = urlName
	}

	if err := s.db.CreateCalendar(cal); err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": "calendar already exists"})
		return
	}

	c.JSON(http.StatusCreated, calendarResponse(cal))
}

func (s *Server) listCalendars(c *gin.Context) {
	err, cals := s.db.ReadAllCalendars()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list calendars"})
		return
	}
	out := make([]gin.H, 0, len(*cals))
	for _, cal := range *cals {
		out = append(out, calendarResponse(&cal))
	}
	c.JSON(http.StatusOK, out)
}

func calendarResponse(cal *domain.Calendar) gin.H {
	return gin.H{
		"id":           cal.Id,
		"url_name":     cal.UrlName,
		"display_name": cal.DisplayName,
		"description":  cal.Description,
	}
}

// calendarFromQuery resolves the ?calendar= parameter shared by most API
// routes.
func (s *Server) calendarFromQuery(c *gin.Context) *domain.Calendar {
	urlName := c.Query("calendar")
	if urlName == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "calendar parameter required"})
		return nil
	}
	err, cal := s.db.ReadCalendarByUrlName(urlName)
	if err != nil || cal == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "calendar not found"})
		return nil
	}
	return cal
}

// Events

type eventRequest struct {
	Calendar  string    `json:"calendar" binding:"required"`
	Title     string    `json:"title" binding:"required"`
	Content   string    `json:"content"`
	StartTime time.Time `json:"start_time" binding:"required"`
	EndTime   time.Time `json:"end_time" binding:"required"`
}

func (s *Server) createEvent(c *gin.Context) {
	var req eventRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	err, cal := s.db.ReadCalendarByUrlName(req.Calendar)
	if err != nil || cal == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "calendar not found"})
		return
	}

	event := &domain.Event{
		Id:         uuid.New(),
		CalendarId: cal.Id,
		Title:      req.Title,
		Content:    req.Content,
		StartTime:  req.StartTime,
		EndTime:    req.EndTime,
		CreatedAt:  time.Now(),
	}
	// an original event is its own origin
	event.OriginURL = s.outbox.EventURI(event.Id)

	err = s.db.WithTx(func(tx *sql.Tx) error {
		if err := s.db.CreateEventTx(tx, event); err != nil {
			return err
		}
		return s.outbox.FanOutTx(tx, cal, s.outbox.NewCreate(cal, event))
	})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create event"})
		return
	}

	c.JSON(http.StatusCreated, eventResponse(event))
}

// updateEvent edits a local original and pushes the new content to
// followers and to every local copy materialized from it.
func (s *Server) updateEvent(c *gin.Context) {
	eventId, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid event id"})
		return
	}

	var req eventRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	err, event := s.db.ReadEventById(eventId)
	if err != nil || event == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "event not found"})
		return
	}
	if event.OriginURL != s.outbox.EventURI(event.Id) {
		c.JSON(http.StatusConflict, gin.H{"error": "reposted events follow their origin"})
		return
	}

	err, cal := s.db.ReadCalendarById(event.CalendarId)
	if err != nil || cal == nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "calendar not found"})
		return
	}

	event.Title = req.Title
	event.Content = req.Content
	event.StartTime = req.StartTime
	event.EndTime = req.EndTime
	now := time.Now()
	event.UpdatedAt = &now

	err = s.db.WithTx(func(tx *sql.Tx) error {
		if err := s.db.UpdateEventContentTx(tx, event.Id, event.Title, event.Content, event.StartTime, event.EndTime); err != nil {
			return err
		}
		// keep local copies of this origin in sync
		err, records := s.db.ReadRepostRecordsByOriginTx(tx, event.OriginURL)
		if err != nil {
			return err
		}
		for _, record := range *records {
			if err := s.db.UpdateEventContentTx(tx, record.EventId, event.Title, event.Content, event.StartTime, event.EndTime); err != nil {
				return err
			}
		}
		return s.outbox.FanOutTx(tx, cal, s.outbox.NewUpdate(cal, event))
	})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to update event"})
		return
	}

	c.JSON(http.StatusOK, eventResponse(event))
}

func (s *Server) deleteEvent(c *gin.Context) {
	eventId, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid event id"})
		return
	}

	err, event := s.db.ReadEventById(eventId)
	if err != nil || event == nil {
		c.Status(http.StatusNoContent)
		return
	}

	err, cal := s.db.ReadCalendarById(event.CalendarId)
	if err != nil || cal == nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "calendar not found"})
		return
	}

	err = s.db.WithTx(func(tx *sql.Tx) error {
		if err := s.db.DeleteEventTx(tx, event.Id); err != nil {
			return err
		}
		if event.OriginURL != s.outbox.EventURI(event.Id) {
			// deleting a materialized copy is a local matter
			return nil
		}
		return s.outbox.FanOutTx(tx, cal, s.outbox.NewDelete(cal, event.OriginURL))
	})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to delete event"})
		return
	}

	c.Status(http.StatusNoContent)
}

func (s *Server) listEvents(c *gin.Context) {
	cal := s.calendarFromQuery(c)
	if cal == nil {
		return
	}
	err, events := s.db.ReadEventsByCalendarId(cal.Id)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list events"})
		return
	}
	out := make([]gin.H, 0, len(*events))
	for _, event := range *events {
		out = append(out, eventResponse(&event))
	}
	c.JSON(http.StatusOK, out)
}

func eventResponse(event *domain.Event) gin.H {
	return gin.H{
		"id":         event.Id,
		"title":      event.Title,
		"content":    event.Content,
		"start_time": event.StartTime,
		"end_time":   event.EndTime,
		"origin_url": event.OriginURL,
	}
}

// Follows

type createFollowRequest struct {
	Calendar string `json:"calendar" binding:"required"`
	Account  string `json:"account" binding:"required"`
}

func (s *Server) createFollow(c *gin.Context) {
	var req createFollowRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	err, cal := s.db.ReadCalendarByUrlName(req.Calendar)
	if err != nil || cal == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "calendar not found"})
		return
	}

	follow, err := s.directory.FollowCalendar(cal, req.Account)
	switch {
	case errors.Is(err, activitypub.ErrAlreadyFollowing):
		c.JSON(http.StatusConflict, gin.H{"error": "already following"})
		return
	case errors.Is(err, activitypub.ErrActorInvalid):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "account is not a followable actor"})
		return
	case errors.Is(err, activitypub.ErrActorUnreachable):
		c.JSON(http.StatusBadGateway, gin.H{"error": "could not reach remote server"})
		return
	case err != nil:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to follow"})
		return
	}

	c.JSON(http.StatusCreated, followResponse(follow))
}

func (s *Server) deleteFollow(c *gin.Context) {
	followId, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid follow id"})
		return
	}
	cal := s.calendarFromQuery(c)
	if cal == nil {
		return
	}

	if err := s.directory.Unfollow(cal, followId); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to unfollow"})
		return
	}
	c.Status(http.StatusNoContent)
}

type repostPolicyRequest struct {
	AutoRepostOriginals bool `json:"auto_repost_originals"`
	AutoRepostReposts   bool `json:"auto_repost_reposts"`
}

func (s *Server) setRepostPolicy(c *gin.Context) {
	followId, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid follow id"})
		return
	}
	cal := s.calendarFromQuery(c)
	if cal == nil {
		return
	}

	var req repostPolicyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	err = s.directory.SetRepostPolicy(cal, followId, req.AutoRepostOriginals, req.AutoRepostReposts)
	if errors.Is(err, activitypub.ErrFollowNotAccepted) {
		c.JSON(http.StatusConflict, gin.H{"error": "follow not accepted"})
		return
	}
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "follow not found"})
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) listFollows(c *gin.Context) {
	cal := s.calendarFromQuery(c)
	if cal == nil {
		return
	}
	follows, err := s.directory.Follows(cal.Id)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list follows"})
		return
	}
	out := make([]gin.H, 0, len(*follows))
	for _, follow := range *follows {
		out = append(out, followResponse(&follow))
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) listFollowers(c *gin.Context) {
	cal := s.calendarFromQuery(c)
	if cal == nil {
		return
	}
	edges, err := s.directory.Followers(cal.Id)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list followers"})
		return
	}
	out := make([]gin.H, 0, len(*edges))
	for _, edge := range *edges {
		entry := gin.H{"id": edge.Id, "state": edge.State}
		if err, actor := s.db.ReadRemoteActorById(edge.FollowerId); err == nil && actor != nil {
			entry["account"] = actor.Username + "@" + actor.Domain
			entry["actor_uri"] = actor.ActorURI
		}
		out = append(out, entry)
	}
	c.JSON(http.StatusOK, out)
}

func followResponse(follow *domain.Follow) gin.H {
	return gin.H{
		"id":                    follow.Id,
		"state":                 follow.State,
		"auto_repost_originals": follow.AutoRepostOriginals,
		"auto_repost_reposts":   follow.AutoRepostReposts,
	}
}

// Shares

type shareRequest struct {
	Calendar  string `json:"calendar" binding:"required"`
	OriginURL string `json:"origin_url" binding:"required"`
}

func (s *Server) createShare(c *gin.Context) {
	var req shareRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	err, cal := s.db.ReadCalendarByUrlName(req.Calendar)
	if err != nil || cal == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "calendar not found"})
		return
	}

	record, err := s.engine.ShareEvent(cal.Id, req.OriginURL)
	switch {
	case errors.Is(err, activitypub.ErrAlreadyReposted):
		c.JSON(http.StatusConflict, gin.H{"error": "already reposted"})
		return
	case errors.Is(err, activitypub.ErrOwnEvent):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "cannot share the calendar's own event"})
		return
	case errors.Is(err, activitypub.ErrUnknownOrigin):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "unknown origin event"})
		return
	case err != nil:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to share"})
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"id":         record.Id,
		"origin_url": record.OriginURL,
		"event_id":   record.EventId,
		"status":     record.Status,
	})
}

func (s *Server) deleteShare(c *gin.Context) {
	recordId, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid share id"})
		return
	}
	if err := s.engine.UnshareEvent(recordId); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to unshare"})
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) listShares(c *gin.Context) {
	cal := s.calendarFromQuery(c)
	if cal == nil {
		return
	}
	records, err := s.engine.Reposts(cal.Id)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list shares"})
		return
	}
	out := make([]gin.H, 0, len(*records))
	for _, record := range *records {
		out = append(out, gin.H{
			"id":         record.Id,
			"origin_url": record.OriginURL,
			"event_id":   record.EventId,
			"status":     record.Status,
		})
	}
	c.JSON(http.StatusOK, out)
}

// Feed

func (s *Server) getFeed(c *gin.Context) {
	cal := s.calendarFromQuery(c)
	if cal == nil {
		return
	}
	entries, err := s.engine.Feed(cal.Id)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to build feed"})
		return
	}
	out := make([]gin.H, 0, len(*entries))
	for _, entry := range *entries {
		out = append(out, gin.H{
			"origin_url": entry.OriginURL,
			"actor_uri":  entry.ActorURI,
			"title":      entry.Title,
			"content":    entry.Content,
			"start_time": entry.StartTime,
			"end_time":   entry.EndTime,
			"source":     entry.SourceKind,
		})
	}
	c.JSON(http.StatusOK, out)
}
