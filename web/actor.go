package web

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/stephenhoward/pavillion/db"
	"github.com/stephenhoward/pavillion/domain"
	"github.com/stephenhoward/pavillion/util"
)

type action uint

const (
	id action = iota
	inbox
	outbox
	followers
	following
	sharedInbox
)

func getIRI(domain string, urlName string, a action) string {
	prefix := fmt.Sprintf("https://%s/calendars/%s", domain, urlName)
	switch a {
	case inbox:
		return fmt.Sprintf("%s/inbox", prefix)
	case outbox:
		return fmt.Sprintf("%s/outbox", prefix)
	case followers:
		return fmt.Sprintf("%s/followers", prefix)
	case following:
		return fmt.Sprintf("%s/following", prefix)
	case id:
		return prefix
	case sharedInbox:
		return fmt.Sprintf("https://%s/inbox", domain)
	default:
		return ""
	}
}

// GetActor renders a calendar's actor document. Calendars federate as Group
// actors; a key consumer finds the public key under #main-key.
func GetActor(database *db.DB, conf *util.AppConfig, urlName string) (error, string) {
	err, cal := database.ReadCalendarByUrlName(urlName)
	if err != nil || cal == nil {
		return fmt.Errorf("calendar not found: %s", urlName), "{}"
	}

	sslDomain := conf.Conf.SslDomain
	actorURI := getIRI(sslDomain, cal.UrlName, id)

	doc := map[string]interface{}{
		"@context": []string{
			"https://www.w3.org/ns/activitystreams",
			"https://w3id.org/security/v1",
		},
		"id":                        actorURI,
		"type":                      "Group",
		"preferredUsername":         cal.UrlName,
		"name":                      cal.DisplayName,
		"summary":                   cal.Description,
		"inbox":                     getIRI(sslDomain, cal.UrlName, inbox),
		"outbox":                    getIRI(sslDomain, cal.UrlName, outbox),
		"followers":                 getIRI(sslDomain, cal.UrlName, followers),
		"following":                 getIRI(sslDomain, cal.UrlName, following),
		"url":                       actorURI,
		"manuallyApprovesFollowers": false,
		"discoverable":              true,
		"endpoints": map[string]interface{}{
			"sharedInbox": getIRI(sslDomain, cal.UrlName, sharedInbox),
		},
		"publicKey": map[string]interface{}{
			"id":           actorURI + "#main-key",
			"owner":        actorURI,
			"publicKeyPem": cal.WebPublicKey,
		},
	}

	jsonBytes, err := json.Marshal(doc)
	if err != nil {
		return err, "{}"
	}
	return nil, string(jsonBytes)
}

// GetCollection renders a followers or following OrderedCollection for a
// calendar. Only the totalItems count is exposed, not the member list.
func GetCollection(database *db.DB, conf *util.AppConfig, urlName string, a action) (error, string) {
	err, cal := database.ReadCalendarByUrlName(urlName)
	if err != nil || cal == nil {
		return fmt.Errorf("calendar not found: %s", urlName), "{}"
	}

	var edges *[]domain.Follow
	if a == followers {
		err, edges = database.ReadFollowersOf(cal.Id)
	} else {
		err, edges = database.ReadFollowsOf(cal.Id)
	}
	if err != nil {
		return err, "{}"
	}

	count := 0
	if edges != nil {
		count = len(*edges)
	}

	doc := map[string]interface{}{
		"@context":   "https://www.w3.org/ns/activitystreams",
		"id":         getIRI(conf.Conf.SslDomain, cal.UrlName, a),
		"type":       "OrderedCollection",
		"totalItems": count,
	}

	jsonBytes, err := json.Marshal(doc)
	if err != nil {
		return err, "{}"
	}
	return nil, string(jsonBytes)
}

// GetEventObject returns an event as an ActivityPub Event object
func GetEventObject(database *db.DB, conf *util.AppConfig, eventId uuid.UUID) (error, string) {
	err, event := database.ReadEventById(eventId)
	if err != nil || event == nil {
		return fmt.Errorf("event not found: %s", eventId), "{}"
	}

	err, cal := database.ReadCalendarById(event.CalendarId)
	if err != nil || cal == nil {
		return fmt.Errorf("calendar not found: %s", event.CalendarId), "{}"
	}

	actorURI := getIRI(conf.Conf.SslDomain, cal.UrlName, id)
	eventURI := fmt.Sprintf("https://%s/events/%s", conf.Conf.SslDomain, event.Id.String())

	obj := map[string]interface{}{
		"@context":     "https://www.w3.org/ns/activitystreams",
		"id":           eventURI,
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
			getIRI(conf.Conf.SslDomain, cal.UrlName, followers),
		},
	}

	if event.UpdatedAt != nil {
		obj["updated"] = event.UpdatedAt.Format(time.RFC3339)
	}

	jsonBytes, err := json.Marshal(obj)
	if err != nil {
		return err, "{}"
	}

	return nil, string(jsonBytes)
}
