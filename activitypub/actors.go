package activitypub

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/stephenhoward/pavillion/db"
	"github.com/stephenhoward/pavillion/domain"
)

var (
	// ErrActorUnreachable means discovery or the actor fetch failed at the
	// network level; callers may retry.
	ErrActorUnreachable = errors.New("actor unreachable")
	// ErrActorInvalid means the remote returned a document that does not
	// pass actor-shape validation.
	ErrActorInvalid = errors.New("actor invalid")
)

// ActorResponse represents the JSON structure of an ActivityPub actor
type ActorResponse struct {
	Context           interface{} `json:"@context"`
	ID                string      `json:"id"`
	Type              string      `json:"type"`
	PreferredUsername string      `json:"preferredUsername"`
	Name              string      `json:"name"`
	Summary           string      `json:"summary"`
	Inbox             string      `json:"inbox"`
	Outbox            string      `json:"outbox"`
	PublicKey         struct {
		ID           string `json:"id"`
		Owner        string `json:"owner"`
		PublicKeyPem string `json:"publicKeyPem"`
	} `json:"publicKey"`
}

type webfingerResponse struct {
	Subject string `json:"subject"`
	Links   []struct {
		Rel  string `json:"rel"`
		Type string `json:"type"`
		Href string `json:"href"`
	} `json:"links"`
}

// Resolver looks up remote actors, caching them in the database. Identity is
// immutable once cached; profile fields refresh when stale.
type Resolver struct {
	db     *db.DB
	client *http.Client
}

func NewResolver(database *db.DB) *Resolver {
	return &Resolver{
		db:     database,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

// ResolveActor accepts either an actor URI or an acct:user@domain handle.
// Handles go through webfinger discovery first.
func (r *Resolver) ResolveActor(account string) (*domain.RemoteActor, error) {
	if strings.HasPrefix(account, "acct:") || (!strings.HasPrefix(account, "http") && strings.Contains(account, "@")) {
		actorURI, err := r.webfingerLookup(strings.TrimPrefix(account, "acct:"))
		if err != nil {
			return nil, err
		}
		return r.GetOrFetchActor(actorURI)
	}
	return r.GetOrFetchActor(account)
}

// GetOrFetchActor returns the actor from cache or fetches if not cached or
// stale (> 24 hours).
func (r *Resolver) GetOrFetchActor(actorURI string) (*domain.RemoteActor, error) {
	err, cached := r.db.ReadRemoteActorByURI(actorURI)
	if err == nil && cached != nil {
		if time.Since(cached.LastFetchedAt) < 24*time.Hour {
			return cached, nil
		}
	}

	return r.fetchActor(actorURI)
}

// webfingerLookup resolves user@domain to an actor URI via the domain's
// /.well-known/webfinger endpoint. A missing or malformed self link is an
// invalid actor, not an unreachable one.
func (r *Resolver) webfingerLookup(handle string) (string, error) {
	handle = strings.TrimPrefix(handle, "@")
	parts := strings.SplitN(handle, "@", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", fmt.Errorf("%w: malformed account %q", ErrActorInvalid, handle)
	}

	wfURL := fmt.Sprintf("https://%s/.well-known/webfinger?resource=%s",
		parts[1], url.QueryEscape("acct:"+handle))

	req, err := http.NewRequest("GET", wfURL, nil)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrActorUnreachable, err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "pavillion/1.0 ActivityPub")

	resp, err := r.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrActorUnreachable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%w: webfinger status %d", ErrActorUnreachable, resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrActorUnreachable, err)
	}

	var wf webfingerResponse
	if err := json.Unmarshal(body, &wf); err != nil {
		return "", fmt.Errorf("%w: webfinger parse: %v", ErrActorInvalid, err)
	}

	for _, link := range wf.Links {
		if link.Rel == "self" && link.Type == "application/activity+json" && link.Href != "" {
			return link.Href, nil
		}
	}

	return "", fmt.Errorf("%w: no self link for %s", ErrActorInvalid, handle)
}

// fetchActor fetches an actor document from a remote server and caches it
func (r *Resolver) fetchActor(actorURI string) (*domain.RemoteActor, error) {
	req, err := http.NewRequest("GET", actorURI, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrActorUnreachable, err)
	}

	req.Header.Set("Accept", "application/activity+json")
	req.Header.Set("User-Agent", "pavillion/1.0 ActivityPub")

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrActorUnreachable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: actor fetch status %d", ErrActorUnreachable, resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrActorUnreachable, err)
	}

	var actor ActorResponse
	if err := json.Unmarshal(body, &actor); err != nil {
		return nil, fmt.Errorf("%w: parse: %v", ErrActorInvalid, err)
	}

	if actor.ID == "" || actor.Inbox == "" || actor.PublicKey.PublicKeyPem == "" {
		return nil, fmt.Errorf("%w: missing required fields", ErrActorInvalid)
	}

	domainName, err := extractDomain(actor.ID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrActorInvalid, err)
	}

	remoteActor := &domain.RemoteActor{
		Id:            uuid.New(),
		Username:      actor.PreferredUsername,
		Domain:        domainName,
		ActorURI:      actor.ID,
		DisplayName:   actor.Name,
		Summary:       actor.Summary,
		InboxURI:      actor.Inbox,
		OutboxURI:     actor.Outbox,
		PublicKeyPem:  actor.PublicKey.PublicKeyPem,
		LastFetchedAt: time.Now(),
	}

	err = r.db.CreateRemoteActor(remoteActor)
	if err != nil {
		// Already cached; refresh profile fields but keep the stored identity
		if updateErr := r.db.UpdateRemoteActor(remoteActor); updateErr != nil {
			return nil, fmt.Errorf("failed to store remote actor: %w", updateErr)
		}
		err, stored := r.db.ReadRemoteActorByURI(remoteActor.ActorURI)
		if err == nil && stored != nil {
			return stored, nil
		}
	}

	return remoteActor, nil
}

// extractDomain extracts the domain from an actor URI
// Example: "https://othercal.example/calendars/music" -> "othercal.example"
func extractDomain(actorURI string) (string, error) {
	parsed, err := url.Parse(actorURI)
	if err != nil {
		return "", fmt.Errorf("invalid actor URI: %w", err)
	}
	return parsed.Host, nil
}
