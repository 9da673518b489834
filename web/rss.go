package web

import (
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/gorilla/feeds"
	"github.com/stephenhoward/pavillion/db"
	"github.com/stephenhoward/pavillion/util"
)

// GetRSS renders a calendar's upcoming events as an RSS feed, original and
// reposted events alike.
func GetRSS(database *db.DB, conf *util.AppConfig, urlName string) (string, error) {
	err, cal := database.ReadCalendarByUrlName(urlName)
	if err != nil || cal == nil {
		log.Printf("Could not get calendar %s: %v", urlName, err)
		return "", errors.New("error retrieving calendar")
	}

	err, events := database.ReadEventsByCalendarId(cal.Id)
	if err != nil {
		log.Printf("Could not get events for %s: %v", urlName, err)
		return "", errors.New("error retrieving events")
	}

	link := fmt.Sprintf("https://%s/calendars/%s", conf.Conf.SslDomain, cal.UrlName)

	feed := &feeds.Feed{
		Title:       cal.DisplayName,
		Link:        &feeds.Link{Href: link},
		Description: cal.Description,
		Author:      &feeds.Author{Name: cal.DisplayName, Email: fmt.Sprintf("%s@%s", cal.UrlName, conf.Conf.SslDomain)},
		Created:     time.Now(),
	}

	var feedItems []*feeds.Item
	for _, event := range *events {
		eventLink := fmt.Sprintf("https://%s/events/%s", conf.Conf.SslDomain, event.Id)
		feedItems = append(feedItems,
			&feeds.Item{
				Id:          event.Id.String(),
				Title:       event.Title,
				Link:        &feeds.Link{Href: eventLink},
				Content:     event.Content,
				Description: event.StartTime.Format(util.DateTimeFormat()),
				Author:      &feeds.Author{Name: cal.DisplayName},
				Created:     event.CreatedAt,
			})
	}

	feed.Items = feedItems
	return feed.ToRss()
}
