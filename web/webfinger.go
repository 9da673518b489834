package web

import (
	"fmt"

	"github.com/stephenhoward/pavillion/db"
	"github.com/stephenhoward/pavillion/util"
)

func GetWebfinger(database *db.DB, conf *util.AppConfig, urlName string) (error, string) {
	err, cal := database.ReadCalendarByUrlName(urlName)
	if err != nil || cal == nil {
		return fmt.Errorf("calendar not found: %s", urlName), GetWebFingerNotFound()
	}

	return nil, fmt.Sprintf(
		`{
					"subject": "acct:%s@%s",

					"links": [
						{
							"rel": "self",
							"type": "application/activity+json",
							"href": "https://%s/calendars/%s"
						}
					]
				}`, cal.UrlName, conf.Conf.SslDomain,
		conf.Conf.SslDomain, cal.UrlName)
}

func GetWebFingerNotFound() string {
	return `{"detail":"Not Found"}`
}
