package activitypub

import (
	"context"
	"crypto/rsa"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/javahippie/fitpub-sub002/db"
	"github.com/javahippie/fitpub-sub002/domain"
	"github.com/javahippie/fitpub-sub002/util"
	"golang.org/x/sync/singleflight"
)

// actorCacheMaxAge is the freshness window for cached remote actors.
const actorCacheMaxAge = 24 * time.Hour

type ResolutionErrorKind int

const (
	ActorUnreachable ResolutionErrorKind = iota
	MalformedProfile
	UnsupportedKey
)

func (k ResolutionErrorKind) String() string {
	switch k {
	case ActorUnreachable:
		return "actor unreachable"
	case MalformedProfile:
		return "malformed profile"
	case UnsupportedKey:
		return "unsupported key"
	default:
		return fmt.Sprintf("resolution error(%d)", int(k))
	}
}

// ResolutionError reports why an actor could not be resolved. Callers
// abandon the single message or delivery that needed the actor, never
// the whole batch.
type ResolutionError struct {
	Kind       ResolutionErrorKind
	Identifier string
	Err        error
}

func (e *ResolutionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("resolving %s: %s: %v", e.Identifier, e.Kind, e.Err)
	}
	return fmt.Sprintf("resolving %s: %s", e.Identifier, e.Kind)
}

func (e *ResolutionError) Unwrap() error {
	return e.Err
}

func resolutionErr(kind ResolutionErrorKind, identifier string, err error) *ResolutionError {
	return &ResolutionError{Kind: kind, Identifier: identifier, Err: err}
}

// ActorResponse represents the JSON structure of an ActivityPub actor
type ActorResponse struct {
	Context           interface{} `json:"@context"`
	ID                string      `json:"id"`
	Type              string      `json:"type"`
	PreferredUsername string      `json:"preferredUsername"`
	Name              string      `json:"name"`
	Summary           string      `json:"summary"`
	Inbox             string      `json:"inbox"`
	Endpoints         struct {
		SharedInbox string `json:"sharedInbox"`
	} `json:"endpoints"`
	Icon struct {
		Type      string `json:"type"`
		MediaType string `json:"mediaType"`
		URL       string `json:"url"`
	} `json:"icon"`
	PublicKey struct {
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

// Directory resolves actor identifiers (handles or URIs) to cached
// remote actor profiles, fetching from the origin server on miss or
// staleness. Concurrent resolutions for the same identifier coalesce
// into a single outstanding fetch.
type Directory struct {
	store  *db.DB
	client *http.Client
	group  singleflight.Group
	scheme string // https outside of tests

	// optional identity for signing discovery fetches; some servers
	// reject unsigned actor GETs
	signKey   *rsa.PrivateKey
	signKeyId string
}

func NewDirectory(store *db.DB) *Directory {
	return &Directory{
		store:  store,
		client: &http.Client{Timeout: 10 * time.Second},
		scheme: "https",
	}
}

// UseSigningIdentity makes the directory sign its discovery fetches
// with the given key.
func (d *Directory) UseSigningIdentity(privateKeyPem, keyId string) error {
	key, err := ParsePrivateKey(privateKeyPem)
	if err != nil {
		return err
	}
	d.signKey = key
	d.signKeyId = keyId
	return nil
}

// Resolve resolves an actor identifier to a cached profile. Accepted
// forms: "https://..." actor URIs, "user@domain" and "@user@domain"
// handles. Cache hits inside the freshness window return without
// touching the network.
func (d *Directory) Resolve(ctx context.Context, identifier string) (*domain.RemoteAccount, error) {
	v, err, _ := d.group.Do(identifier, func() (interface{}, error) {
		return d.resolve(ctx, identifier)
	})
	if err != nil {
		return nil, err
	}
	return v.(*domain.RemoteAccount), nil
}

func (d *Directory) resolve(ctx context.Context, identifier string) (*domain.RemoteAccount, error) {
	if strings.HasPrefix(identifier, "http://") || strings.HasPrefix(identifier, "https://") {
		return d.getOrFetch(ctx, identifier)
	}

	handle := strings.TrimPrefix(identifier, "@")
	username, domainName, found := strings.Cut(handle, "@")
	if !found || username == "" || domainName == "" {
		return nil, resolutionErr(MalformedProfile, identifier, fmt.Errorf("not a handle or URI"))
	}

	// Check cache by handle before hitting webfinger
	cached, err := d.store.ReadRemoteAccountByHandle(username, domainName)
	if err == nil && cached != nil && time.Since(cached.LastFetchedAt) < actorCacheMaxAge {
		return cached, nil
	}

	actorURI, rerr := d.webfinger(ctx, username, domainName)
	if rerr != nil {
		return nil, rerr
	}
	return d.getOrFetch(ctx, actorURI)
}

// Refresh forces a re-fetch of the actor, bypassing the freshness
// window. Used after a signature failure with the cached key, which
// usually means the remote rotated keys.
func (d *Directory) Refresh(ctx context.Context, actorURI string) (*domain.RemoteAccount, error) {
	v, err, _ := d.group.Do("refresh:"+actorURI, func() (interface{}, error) {
		return d.fetchActor(ctx, actorURI)
	})
	if err != nil {
		return nil, err
	}
	return v.(*domain.RemoteAccount), nil
}

func (d *Directory) getOrFetch(ctx context.Context, actorURI string) (*domain.RemoteAccount, error) {
	cached, err := d.store.ReadRemoteAccountByURI(actorURI)
	if err == nil && cached != nil {
		if time.Since(cached.LastFetchedAt) < actorCacheMaxAge {
			return cached, nil
		}
	}
	return d.fetchActor(ctx, actorURI)
}

// webfinger resolves a handle to its canonical actor URI.
func (d *Directory) webfinger(ctx context.Context, username, domainName string) (string, *ResolutionError) {
	handle := fmt.Sprintf("%s@%s", username, domainName)
	wfURL := fmt.Sprintf("%s://%s/.well-known/webfinger?resource=acct:%s", d.scheme, domainName, url.QueryEscape(handle))

	req, err := http.NewRequestWithContext(ctx, "GET", wfURL, nil)
	if err != nil {
		return "", resolutionErr(ActorUnreachable, handle, err)
	}
	req.Header.Set("Accept", "application/jrd+json, application/json")
	req.Header.Set("User-Agent", util.GetNameAndVersion())

	resp, err := d.client.Do(req)
	if err != nil {
		return "", resolutionErr(ActorUnreachable, handle, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", resolutionErr(ActorUnreachable, handle, fmt.Errorf("webfinger status %d", resp.StatusCode))
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", resolutionErr(ActorUnreachable, handle, err)
	}

	var wf webfingerResponse
	if err := json.Unmarshal(body, &wf); err != nil {
		return "", resolutionErr(MalformedProfile, handle, err)
	}

	for _, link := range wf.Links {
		if link.Rel == "self" && link.Href != "" {
			return link.Href, nil
		}
	}
	return "", resolutionErr(MalformedProfile, handle, fmt.Errorf("webfinger response has no self link"))
}

// fetchActor fetches an actor document from its origin server,
// validates it and upserts the cache entry.
func (d *Directory) fetchActor(ctx context.Context, actorURI string) (*domain.RemoteAccount, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", actorURI, nil)
	if err != nil {
		return nil, resolutionErr(ActorUnreachable, actorURI, err)
	}

	req.Header.Set("Accept", "application/activity+json")
	req.Header.Set("User-Agent", util.GetNameAndVersion())

	if d.signKey != nil {
		if err := SignRequest(req, nil, d.signKey, d.signKeyId); err != nil {
			return nil, resolutionErr(ActorUnreachable, actorURI, err)
		}
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, resolutionErr(ActorUnreachable, actorURI, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, resolutionErr(ActorUnreachable, actorURI, fmt.Errorf("actor fetch status %d", resp.StatusCode))
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resolutionErr(ActorUnreachable, actorURI, err)
	}

	var actor ActorResponse
	if err := json.Unmarshal(body, &actor); err != nil {
		return nil, resolutionErr(MalformedProfile, actorURI, err)
	}

	if actor.ID == "" || actor.Inbox == "" || actor.PublicKey.PublicKeyPem == "" {
		return nil, resolutionErr(MalformedProfile, actorURI, fmt.Errorf("actor missing required fields"))
	}

	// The key must parse to a supported type before anything is cached
	if _, err := ParsePublicKey(actor.PublicKey.PublicKeyPem); err != nil {
		return nil, resolutionErr(UnsupportedKey, actorURI, err)
	}

	domainName, err := extractDomain(actor.ID)
	if err != nil {
		return nil, resolutionErr(MalformedProfile, actorURI, err)
	}

	remoteAcc := &domain.RemoteAccount{
		Id:             uuid.New(),
		Username:       actor.PreferredUsername,
		Domain:         domainName,
		ActorURI:       actor.ID,
		DisplayName:    actor.Name,
		Summary:        actor.Summary,
		InboxURI:       actor.Inbox,
		SharedInboxURI: actor.Endpoints.SharedInbox,
		PublicKeyPem:   actor.PublicKey.PublicKeyPem,
		KeyId:          actor.PublicKey.ID,
		AvatarURL:      actor.Icon.URL,
		LastFetchedAt:  time.Now(),
	}

	if err := d.store.UpsertRemoteAccount(remoteAcc); err != nil {
		return nil, fmt.Errorf("failed to store remote account: %w", err)
	}

	// Re-read so refreshes keep the id of the existing row
	stored, err := d.store.ReadRemoteAccountByURI(remoteAcc.ActorURI)
	if err != nil {
		return nil, fmt.Errorf("failed to read back remote account: %w", err)
	}
	return stored, nil
}

// extractDomain extracts the domain from an actor URI
// Example: "https://mastodon.social/users/alice" -> "mastodon.social"
func extractDomain(actorURI string) (string, error) {
	parsed, err := url.Parse(actorURI)
	if err != nil {
		return "", fmt.Errorf("invalid actor URI: %w", err)
	}
	return parsed.Host, nil
}
