package domain

import (
	"time"

	"github.com/google/uuid"
)

// Calendar is a local federation actor. Every calendar created on this
// instance gets a keypair so it can sign outbound activities.
type Calendar struct {
	Id            uuid.UUID
	UrlName       string // unique path segment, e.g. /calendars/<urlName>
	DisplayName   string
	Description   string
	WebPublicKey  string
	WebPrivateKey string
	CreatedAt     time.Time
}
