package web

import (
	"bytes"
	"encoding/json"
	"io"
	"log"
	"strings"

	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/render"
	"github.com/google/uuid"
	"github.com/stephenhoward/pavillion/activitypub"
	"github.com/stephenhoward/pavillion/db"
	"github.com/stephenhoward/pavillion/util"
	"golang.org/x/time/rate"
)

// Server wires the HTTP surface to the federation machinery. Both the
// public ActivityPub routes and the local management API hang off it.
type Server struct {
	db        *db.DB
	conf      *util.AppConfig
	resolver  *activitypub.Resolver
	outbox    *activitypub.Outbox
	engine    *activitypub.RepostEngine
	directory *activitypub.Directory
	processor *activitypub.Processor
}

func NewServer(database *db.DB, conf *util.AppConfig) *Server {
	resolver := activitypub.NewResolver(database)
	outbox := activitypub.NewOutbox(database, conf)
	// one registry per concern, shared by every component that touches the
	// same keys
	contentLock := activitypub.NewKeyLocks()
	followLock := activitypub.NewKeyLocks()
	engine := activitypub.NewRepostEngine(database, conf, outbox, contentLock)
	return &Server{
		db:        database,
		conf:      conf,
		resolver:  resolver,
		outbox:    outbox,
		engine:    engine,
		directory: activitypub.NewDirectory(database, conf, resolver, outbox, followLock),
		processor: activitypub.NewProcessor(database, conf, resolver, engine, outbox, contentLock, followLock),
	}
}

// Router builds the gin engine with all routes registered.
func (s *Server) Router() *gin.Engine {
	if s.conf.Conf.Production {
		gin.SetMode(gin.ReleaseMode)
	}
	g := gin.Default()
	g.Use(gzip.Gzip(gzip.DefaultCompression))

	// Global rate limiter: 10 requests per second per IP, burst of 20
	globalLimiter := NewRateLimiter(rate.Limit(10), 20)
	g.Use(RateLimitMiddleware(globalLimiter))

	// Stricter rate limit for ActivityPub endpoints: 5 req/sec per IP
	apLimiter := NewRateLimiter(rate.Limit(5), 10)

	// Max 1MB request body size for ActivityPub activities
	maxBodySize := MaxBytesMiddleware(1 * 1024 * 1024)

	g.GET("/calendars/:name", func(c *gin.Context) {
		c.Header("Content-Type", "application/activity+json; charset=utf-8")
		err, actor := GetActor(s.db, s.conf, c.Param("name"))
		if err != nil {
			c.Render(404, render.String{Format: actor})
		} else {
			c.Render(200, render.String{Format: actor})
		}
	})

	g.GET("/calendars/:name/followers", func(c *gin.Context) {
		c.Header("Content-Type", "application/activity+json; charset=utf-8")
		err, coll := GetCollection(s.db, s.conf, c.Param("name"), followers)
		if err != nil {
			c.Render(404, render.String{Format: coll})
		} else {
			c.Render(200, render.String{Format: coll})
		}
	})

	g.GET("/calendars/:name/following", func(c *gin.Context) {
		c.Header("Content-Type", "application/activity+json; charset=utf-8")
		err, coll := GetCollection(s.db, s.conf, c.Param("name"), following)
		if err != nil {
			c.Render(404, render.String{Format: coll})
		} else {
			c.Render(200, render.String{Format: coll})
		}
	})

	g.GET("/calendars/:name/outbox", func(c *gin.Context) {
		c.Header("Content-Type", "application/activity+json; charset=utf-8")
		c.Render(200, render.String{Format: "{}"})
	})

	// Serve individual events as ActivityPub objects
	g.GET("/events/:id", func(c *gin.Context) {
		c.Header("Content-Type", "application/activity+json; charset=utf-8")

		eventId, err := uuid.Parse(c.Param("id"))
		if err != nil {
			c.JSON(404, gin.H{"error": "Invalid event ID"})
			return
		}

		err, event := GetEventObject(s.db, s.conf, eventId)
		if err != nil {
			c.JSON(404, gin.H{"error": "Event not found"})
		} else {
			c.Render(200, render.String{Format: event})
		}
	})

	g.POST("/calendars/:name/inbox", RateLimitMiddleware(apLimiter), maxBodySize, func(c *gin.Context) {
		name := c.Param("name")
		log.Printf("POST /calendars/%s/inbox", name)
		err, cal := s.db.ReadCalendarByUrlName(name)
		if err != nil || cal == nil {
			c.JSON(404, gin.H{"error": "calendar not found"})
			return
		}
		s.processor.HandleInbox(c, cal)
	})

	g.POST("/inbox", RateLimitMiddleware(apLimiter), maxBodySize, s.handleSharedInbox)

	g.GET("/.well-known/webfinger", func(c *gin.Context) {
		c.Header("Content-Type", "application/json; charset=utf-8")

		resource := c.Query("resource")
		if resource == "" || !strings.HasPrefix(resource, "acct:") {
			c.Render(404, render.String{Format: GetWebFingerNotFound()})
			return
		}
		resource = strings.TrimPrefix(resource, "acct:")
		resource = strings.TrimSuffix(resource, "@"+s.conf.Conf.SslDomain)
		err, resp := GetWebfinger(s.db, s.conf, resource)
		if err != nil {
			c.Render(404, render.String{Format: GetWebFingerNotFound()})
		} else {
			c.Render(200, render.String{Format: resp})
		}
	})

	// RSS feed per calendar
	g.GET("/feed/:name", func(c *gin.Context) {
		c.Header("Content-Type", "application/xml; charset=utf-8")
		rss, err := GetRSS(s.db, s.conf, c.Param("name"))
		if err != nil {
			c.Render(404, render.String{Format: ""})
		} else {
			c.Render(200, render.String{Format: rss})
		}
	})

	api := g.Group("/api")
	{
		api.POST("/calendars", s.createCalendar)
		api.GET("/calendars", s.listCalendars)

		api.POST("/events", s.createEvent)
		api.GET("/events", s.listEvents)
		api.PUT("/events/:id", s.updateEvent)
		api.DELETE("/events/:id", s.deleteEvent)

		api.POST("/follows", s.createFollow)
		api.GET("/follows", s.listFollows)
		api.GET("/followers", s.listFollowers)
		api.PATCH("/follows/:id", s.setRepostPolicy)
		api.DELETE("/follows/:id", s.deleteFollow)

		api.POST("/shares", s.createShare)
		api.GET("/shares", s.listShares)
		api.DELETE("/shares/:id", s.deleteShare)

		api.GET("/feed", s.getFeed)
	}

	return g
}

// handleSharedInbox routes a shared-inbox delivery to a target calendar
// derived from the activity's addressing, falling back to any local
// calendar that follows the sending actor.
func (s *Server) handleSharedInbox(c *gin.Context) {
	log.Println("POST /inbox (shared inbox)")
	body, err := c.GetRawData()
	if err != nil {
		log.Printf("Shared inbox: Failed to read body: %v", err)
		c.Status(400)
		return
	}

	var activity map[string]interface{}
	if err := json.Unmarshal(body, &activity); err != nil {
		log.Printf("Shared inbox: Failed to parse activity: %v", err)
		c.Status(400)
		return
	}

	targetName := s.targetCalendarName(activity)
	if targetName == "" {
		log.Printf("Shared inbox: Could not determine target calendar for activity type %v", activity["type"])
		// accept anyway; nothing local cares about this activity
		c.Status(202)
		return
	}

	err, cal := s.db.ReadCalendarByUrlName(targetName)
	if err != nil || cal == nil {
		log.Printf("Shared inbox: Target calendar %s not found", targetName)
		c.Status(202)
		return
	}

	log.Printf("Shared inbox: Routing to calendar %s", targetName)
	c.Request.Body = io.NopCloser(bytes.NewReader(body))
	s.processor.HandleInbox(c, cal)
}

// extractCalendarName pulls a local calendar url name out of a URI like
// https://domain/calendars/music or .../music/followers.
func (s *Server) extractCalendarName(uri string) string {
	if !strings.Contains(uri, s.conf.Conf.SslDomain) || !strings.Contains(uri, "/calendars/") {
		return ""
	}
	parts := strings.Split(uri, "/")
	for i, part := range parts {
		if part == "calendars" && i+1 < len(parts) {
			return parts[i+1]
		}
	}
	return ""
}

func (s *Server) targetCalendarName(activity map[string]interface{}) string {
	scanAddresses := func(field string) string {
		arr, ok := activity[field].([]interface{})
		if !ok {
			return ""
		}
		for _, entry := range arr {
			if uri, ok := entry.(string); ok {
				if name := s.extractCalendarName(uri); name != "" {
					return name
				}
			}
		}
		return ""
	}

	if name := scanAddresses("to"); name != "" {
		return name
	}
	if name := scanAddresses("cc"); name != "" {
		return name
	}

	// Follow activities address the calendar in the object field
	if objStr, ok := activity["object"].(string); ok {
		if name := s.extractCalendarName(objStr); name != "" {
			return name
		}
	}

	// Create/Update/Delete/Announce arrive untargeted; hand them to the
	// first local calendar following the sender. Ingest effects are global
	// (shared content cache), so any follower works as the entry point.
	actorURI, _ := activity["actor"].(string)
	if actorURI == "" {
		return ""
	}
	err, remoteActor := s.db.ReadRemoteActorByURI(actorURI)
	if err != nil || remoteActor == nil {
		log.Printf("Shared inbox: Remote actor %s not found in cache", actorURI)
		return ""
	}
	err, followerEdges := s.db.ReadFollowersOf(remoteActor.Id)
	if err != nil || followerEdges == nil {
		return ""
	}
	for _, edge := range *followerEdges {
		err, cal := s.db.ReadCalendarById(edge.FollowerId)
		if err == nil && cal != nil {
			return cal.UrlName
		}
	}
	log.Printf("Shared inbox: No local followers found for %s", actorURI)
	return ""
}
