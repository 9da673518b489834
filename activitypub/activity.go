package activitypub

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
)

// Supported activity kinds
const (
	KindFollow   = "Follow"
	KindAccept   = "Accept"
	KindReject   = "Reject"
	KindUndo     = "Undo"
	KindCreate   = "Create"
	KindUpdate   = "Update"
	KindDelete   = "Delete"
	KindAnnounce = "Announce"
	KindLike     = "Like"
	KindBlock    = "Block"
	KindAdd      = "Add"
	KindRemove   = "Remove"
)

var supportedKinds = map[string]bool{
	KindFollow:   true,
	KindAccept:   true,
	KindReject:   true,
	KindUndo:     true,
	KindCreate:   true,
	KindUpdate:   true,
	KindDelete:   true,
	KindAnnounce: true,
	KindLike:     true,
	KindBlock:    true,
	KindAdd:      true,
	KindRemove:   true,
}

// Object is the embedded form of an activity object. Id may be empty on
// Create, where the remote side has not assigned one yet.
type Object struct {
	ID           string   `json:"id,omitempty"`
	Type         string   `json:"type"`
	Name         string   `json:"name,omitempty"`
	Content      string   `json:"content,omitempty"`
	StartTime    string   `json:"startTime,omitempty"`
	EndTime      string   `json:"endTime,omitempty"`
	Published    string   `json:"published,omitempty"`
	Updated      string   `json:"updated,omitempty"`
	AttributedTo string   `json:"attributedTo,omitempty"`
	Actor        string   `json:"actor,omitempty"`
	Object       string   `json:"object,omitempty"`
	URL          string   `json:"url,omitempty"`
	To           []string `json:"to,omitempty"`
	CC           []string `json:"cc,omitempty"`
}

// ObjectRef is the object field of an activity: either a bare URI reference
// or an embedded object. Exactly one side is set on a validated activity.
type ObjectRef struct {
	Ref      string
	Embedded *Object
}

// URI returns the object's identifier regardless of representation.
func (o ObjectRef) URI() string {
	if o.Ref != "" {
		return o.Ref
	}
	if o.Embedded != nil {
		return o.Embedded.ID
	}
	return ""
}

func (o ObjectRef) IsEmbedded() bool {
	return o.Embedded != nil
}

// Activity is a validated, typed activity document.
type Activity struct {
	Context json.RawMessage
	ID      string
	Kind    string
	Actor   string
	Object  ObjectRef
	To      []string
	CC      []string
	RawJSON []byte
}

// ValidationError enumerates the offending field paths of a rejected
// activity document.
type ValidationError struct {
	Fields []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid activity: %s", strings.Join(e.Fields, ", "))
}

type rawActivity struct {
	Context json.RawMessage `json:"@context"`
	ID      string          `json:"id"`
	Type    string          `json:"type"`
	Actor   string          `json:"actor"`
	Object  json.RawMessage `json:"object"`
	To      []string        `json:"to"`
	CC      []string        `json:"cc"`
}

// ParseActivity validates a raw activity document against the supported
// vocabulary and returns its typed form. Malformed documents never reach the
// inbox processor. When production is false the https-only scheme check is
// relaxed to allow http test fixtures.
func ParseActivity(body []byte, production bool) (*Activity, error) {
	var raw rawActivity
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, &ValidationError{Fields: []string{"(document)"}}
	}

	var fields []string

	if len(raw.Context) == 0 || string(raw.Context) == "null" {
		fields = append(fields, "@context")
	}
	if raw.ID == "" || !validURI(raw.ID, production) {
		fields = append(fields, "id")
	}
	if !supportedKinds[raw.Type] {
		fields = append(fields, "type")
	}
	if raw.Actor == "" || !validURI(raw.Actor, production) {
		fields = append(fields, "actor")
	}

	object, objFields := parseObjectRef(raw.Object, raw.Type, production)
	fields = append(fields, objFields...)

	// Follow addresses an actor, so its object collapses to a URI even when
	// a peer sends it embedded.
	if raw.Type == KindFollow && object.IsEmbedded() {
		object = ObjectRef{Ref: object.Embedded.ID}
	}

	if len(fields) > 0 {
		return nil, &ValidationError{Fields: fields}
	}

	return &Activity{
		Context: raw.Context,
		ID:      raw.ID,
		Kind:    raw.Type,
		Actor:   raw.Actor,
		Object:  object,
		To:      raw.To,
		CC:      raw.CC,
		RawJSON: body,
	}, nil
}

func parseObjectRef(raw json.RawMessage, kind string, production bool) (ObjectRef, []string) {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" || trimmed == "null" {
		return ObjectRef{}, []string{"object"}
	}

	// Bare URI reference
	if trimmed[0] == '"' {
		var ref string
		if err := json.Unmarshal(raw, &ref); err != nil || !validURI(ref, production) {
			return ObjectRef{}, []string{"object"}
		}
		return ObjectRef{Ref: ref}, nil
	}

	if trimmed[0] != '{' {
		return ObjectRef{}, []string{"object"}
	}

	var obj Object
	if err := json.Unmarshal(raw, &obj); err != nil {
		return ObjectRef{}, []string{"object"}
	}

	var fields []string
	if obj.Type == "" {
		fields = append(fields, "object.type")
	}
	// Only Create may carry an embedded object without an id; the remote
	// side may not have assigned one yet.
	if obj.ID == "" && kind != KindCreate {
		fields = append(fields, "object.id")
	}
	if obj.ID != "" && !validURI(obj.ID, production) {
		fields = append(fields, "object.id")
	}
	if len(fields) > 0 {
		return ObjectRef{}, fields
	}
	return ObjectRef{Embedded: &obj}, nil
}

func validURI(raw string, production bool) bool {
	parsed, err := url.Parse(raw)
	if err != nil || parsed.Host == "" {
		return false
	}
	if production {
		return parsed.Scheme == "https"
	}
	return parsed.Scheme == "https" || parsed.Scheme == "http"
}
