package activitypub

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/stephenhoward/pavillion/db"
	"github.com/stephenhoward/pavillion/util"
)

var backoffMinutes = []int{1, 5, 15, 60, 240, 1440}

const maxDeliveryAttempts = 10

// StartDeliveryWorker starts the background worker that drains the delivery
// queue and runs the nightly ledger retention sweep.
func StartDeliveryWorker(database *db.DB, conf *util.AppConfig) {
	log.Println("Starting ActivityPub delivery worker...")

	ticker := time.NewTicker(10 * time.Second)
	go func() {
		lastSweep := time.Time{}
		for range ticker.C {
			processDeliveryQueue(database, conf)
			if time.Since(lastSweep) > 24*time.Hour {
				sweepLedger(database, conf)
				lastSweep = time.Now()
			}
		}
	}()
}

// processDeliveryQueue drains due deliveries, max 50 at a time. A failure on
// one inbox never blocks delivery to the others.
func processDeliveryQueue(database *db.DB, conf *util.AppConfig) {
	err, items := database.ReadPendingDeliveries(50)
	if err != nil {
		log.Printf("DeliveryWorker: Failed to read queue: %v", err)
		return
	}

	if items == nil || len(*items) == 0 {
		return
	}

	log.Printf("DeliveryWorker: Processing %d pending deliveries", len(*items))

	for _, item := range *items {
		err, permanent := deliverActivity(database, conf, item.InboxURI, item.ActivityJSON)
		if err == nil {
			log.Printf("DeliveryWorker: Delivered to %s", item.InboxURI)
			database.DeleteDelivery(item.Id)
			continue
		}

		if permanent {
			log.Printf("DeliveryWorker: Dropping delivery to %s, permanent failure: %v", item.InboxURI, err)
			database.DeleteDelivery(item.Id)
			continue
		}

		item.Attempts++
		if item.Attempts >= maxDeliveryAttempts {
			log.Printf("DeliveryWorker: Giving up on %s after %d attempts", item.InboxURI, item.Attempts)
			database.DeleteDelivery(item.Id)
			continue
		}

		backoff := backoffMinutes[min(item.Attempts-1, len(backoffMinutes)-1)]
		item.NextRetryAt = time.Now().Add(time.Duration(backoff) * time.Minute)
		log.Printf("DeliveryWorker: Delivery to %s failed (attempt %d), retry in %dm: %v",
			item.InboxURI, item.Attempts, backoff, err)
		database.UpdateDeliveryAttempt(item.Id, item.Attempts, item.NextRetryAt)
	}
}

// deliverActivity signs and posts a single activity. The second return
// reports whether the failure is permanent (malformed item or a remote 4xx),
// meaning a retry cannot succeed.
func deliverActivity(database *db.DB, conf *util.AppConfig, inboxURI, activityJSON string) (error, bool) {
	var activity map[string]interface{}
	if err := json.Unmarshal([]byte(activityJSON), &activity); err != nil {
		return fmt.Errorf("failed to parse activity JSON: %w", err), true
	}

	actor, ok := activity["actor"].(string)
	if !ok {
		return fmt.Errorf("activity missing actor field"), true
	}

	// actor format: "https://example.com/calendars/music"
	parts := strings.Split(actor, "/")
	urlName := parts[len(parts)-1]

	err, cal := database.ReadCalendarByUrlName(urlName)
	if err != nil || cal == nil {
		return fmt.Errorf("no local calendar for actor %s", actor), true
	}

	privateKey, err := ParsePrivateKey(cal.WebPrivateKey)
	if err != nil {
		return fmt.Errorf("failed to parse private key: %w", err), true
	}

	body := []byte(activityJSON)
	req, err := http.NewRequest("POST", inboxURI, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err), true
	}

	req.Header.Set("Content-Type", "application/activity+json")
	req.Header.Set("Accept", "application/activity+json")
	req.Header.Set("User-Agent", "pavillion/1.0 ActivityPub")
	req.Header.Set("Date", time.Now().UTC().Format(http.TimeFormat))

	keyID := fmt.Sprintf("https://%s/calendars/%s#main-key", conf.Conf.SslDomain, urlName)
	if err := SignRequest(req, privateKey, keyID, body); err != nil {
		return fmt.Errorf("failed to sign request: %w", err), true
	}

	client := &http.Client{Timeout: 30 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return err, false
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil, false
	}

	err = fmt.Errorf("remote server returned status: %d", resp.StatusCode)
	// 4xx responses other than rate limiting will not improve on retry
	if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
		return err, true
	}
	return err, false
}

// sweepLedger enforces the processed-activity retention window. Dedup only
// holds within the window; peers are expected to retry well inside it.
func sweepLedger(database *db.DB, conf *util.AppConfig) {
	cutoff := time.Now().AddDate(0, 0, -conf.Conf.LedgerRetentionDays)
	affected, err := database.DeleteProcessedBefore(cutoff)
	if err != nil {
		log.Printf("DeliveryWorker: Ledger sweep failed: %v", err)
		return
	}
	if affected > 0 {
		log.Printf("DeliveryWorker: Ledger sweep removed %d entries older than %d days", affected, conf.Conf.LedgerRetentionDays)
	}
}
