package activitypub

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/javahippie/fitpub-sub002/db"
	"github.com/javahippie/fitpub-sub002/domain"
	"github.com/javahippie/fitpub-sub002/util"
)

// FollowerSource supplies the fan-out target set for broadcasts. The
// relationship store provides the default implementation; the interface
// exists so the surrounding application can narrow or widen the set.
type FollowerSource interface {
	RemoteFollowers(ctx context.Context, localID uuid.UUID) ([]string, error)
}

type storeFollowers struct {
	store *db.DB
}

func (s storeFollowers) RemoteFollowers(_ context.Context, localID uuid.UUID) ([]string, error) {
	return s.store.ReadRemoteFollowerURIs(localID)
}

// Outbox turns local social actions into signed outgoing activities.
// Federation is a side effect here: once the local mutation committed,
// delivery failures are the dispatcher's problem and never surface back
// to the caller.
type Outbox struct {
	store      *db.DB
	directory  *Directory
	dispatcher *Dispatcher
	followers  FollowerSource
	conf       *util.AppConfig
}

func NewOutbox(store *db.DB, directory *Directory, dispatcher *Dispatcher, conf *util.AppConfig) *Outbox {
	return &Outbox{
		store:      store,
		directory:  directory,
		dispatcher: dispatcher,
		followers:  storeFollowers{store: store},
		conf:       conf,
	}
}

func (o *Outbox) actorURI(username string) string {
	return fmt.Sprintf("https://%s/users/%s", o.conf.Conf.SslDomain, username)
}

func (o *Outbox) newActivityURI() string {
	return fmt.Sprintf("https://%s/activities/%s", o.conf.Conf.SslDomain, uuid.New().String())
}

func (o *Outbox) workoutURI(id uuid.UUID) string {
	return fmt.Sprintf("https://%s/workouts/%s", o.conf.Conf.SslDomain, id.String())
}

func (o *Outbox) followersURI(username string) string {
	return fmt.Sprintf("%s/followers", o.actorURI(username))
}

func (o *Outbox) signingIdentity(acc *domain.Account) (SigningIdentity, error) {
	key, err := ParsePrivateKey(acc.WebPrivateKey)
	if err != nil {
		return SigningIdentity{}, fmt.Errorf("failed to parse private key for %s: %w", acc.Username, err)
	}
	return SigningIdentity{
		Key:   key,
		KeyId: fmt.Sprintf("%s#main-key", o.actorURI(acc.Username)),
	}, nil
}

// FollowActor issues a Follow to a remote actor on behalf of a local
// account. The relationship is stored pending until the remote Accept
// arrives.
func (o *Outbox) FollowActor(ctx context.Context, localID uuid.UUID, targetIdentifier string) (*domain.FollowRelationship, error) {
	acc, err := o.store.ReadAccById(localID)
	if err != nil {
		return nil, fmt.Errorf("local account not found: %w", err)
	}

	remote, err := o.directory.Resolve(ctx, targetIdentifier)
	if err != nil {
		return nil, err
	}

	follower := domain.LocalActor(localID)
	target := domain.RemoteActor(remote.ActorURI)

	followID := o.newActivityURI()
	rel := &domain.FollowRelationship{
		Id:         uuid.New(),
		Follower:   follower,
		Target:     target,
		Status:     domain.FollowPending,
		MessageURI: followID,
		CreatedAt:  time.Now(),
	}

	inserted, err := o.store.CreateFollow(rel)
	if err != nil {
		return nil, fmt.Errorf("failed to store follow: %w", err)
	}
	if !inserted {
		// Edge already exists, return it instead of re-sending
		return o.store.ReadFollowByPair(follower, target)
	}

	identity, err := o.signingIdentity(acc)
	if err != nil {
		return nil, err
	}

	follow := map[string]interface{}{
		"@context": "https://www.w3.org/ns/activitystreams",
		"id":       followID,
		"type":     "Follow",
		"actor":    o.actorURI(acc.Username),
		"object":   remote.ActorURI,
	}

	o.dispatcher.Deliver(mustMarshal(follow), remote.ActorURI, identity)
	log.Info("outbox: sent follow", "from", acc.Username, "to", remote.ActorURI)
	return rel, nil
}

// Unfollow withdraws a follow edge and tells the remote side via
// Undo(Follow). Withdrawing a non-existent edge is a no-op.
func (o *Outbox) Unfollow(ctx context.Context, localID uuid.UUID, targetIdentifier string) error {
	acc, err := o.store.ReadAccById(localID)
	if err != nil {
		return fmt.Errorf("local account not found: %w", err)
	}

	remote, err := o.directory.Resolve(ctx, targetIdentifier)
	if err != nil {
		return err
	}

	follower := domain.LocalActor(localID)
	target := domain.RemoteActor(remote.ActorURI)

	rel, err := o.store.ReadFollowByPair(follower, target)
	if err == sql.ErrNoRows {
		return nil
	}
	if err != nil {
		return err
	}

	if _, err := o.store.DeleteFollowByPair(follower, target); err != nil {
		return err
	}

	identity, err := o.signingIdentity(acc)
	if err != nil {
		return err
	}

	actorURI := o.actorURI(acc.Username)
	undo := map[string]interface{}{
		"@context": "https://www.w3.org/ns/activitystreams",
		"id":       o.newActivityURI(),
		"type":     "Undo",
		"actor":    actorURI,
		"object": map[string]interface{}{
			"id":     rel.MessageURI,
			"type":   "Follow",
			"actor":  actorURI,
			"object": remote.ActorURI,
		},
	}

	o.dispatcher.Deliver(mustMarshal(undo), remote.ActorURI, identity)
	log.Info("outbox: sent unfollow", "from", acc.Username, "to", remote.ActorURI)
	return nil
}

// Like records a like on local content and fans the Like activity out
// to the account's remote followers. Liking twice is a no-op.
func (o *Outbox) Like(ctx context.Context, localID uuid.UUID, contentId uuid.UUID) (*domain.InteractionRecord, error) {
	acc, err := o.store.ReadAccById(localID)
	if err != nil {
		return nil, fmt.Errorf("local account not found: %w", err)
	}

	if _, err := o.store.ReadWorkoutById(contentId); err != nil {
		return nil, fmt.Errorf("content not found: %w", err)
	}

	rec := &domain.InteractionRecord{
		Id:          uuid.New(),
		ContentId:   contentId,
		Actor:       domain.LocalActor(localID),
		Kind:        domain.InteractionLike,
		DisplayName: acc.DisplayName,
		MessageURI:  o.newActivityURI(),
		CreatedAt:   time.Now(),
	}

	inserted, err := o.store.CreateInteraction(rec)
	if err != nil {
		return nil, fmt.Errorf("failed to store like: %w", err)
	}
	if !inserted {
		return rec, nil
	}

	like := map[string]interface{}{
		"@context": "https://www.w3.org/ns/activitystreams",
		"id":       rec.MessageURI,
		"type":     "Like",
		"actor":    o.actorURI(acc.Username),
		"object":   o.workoutURI(contentId),
	}

	o.fanout(ctx, acc, mustMarshal(like))
	return rec, nil
}

// Unlike removes a like and fans out Undo(Like). Removing an absent
// like is a no-op.
func (o *Outbox) Unlike(ctx context.Context, localID uuid.UUID, contentId uuid.UUID) error {
	acc, err := o.store.ReadAccById(localID)
	if err != nil {
		return fmt.Errorf("local account not found: %w", err)
	}

	deleted, err := o.store.DeleteLikeByPair(contentId, domain.LocalActor(localID))
	if err != nil {
		return err
	}
	if !deleted {
		return nil
	}

	actorURI := o.actorURI(acc.Username)
	undo := map[string]interface{}{
		"@context": "https://www.w3.org/ns/activitystreams",
		"id":       o.newActivityURI(),
		"type":     "Undo",
		"actor":    actorURI,
		"object": map[string]interface{}{
			"type":   "Like",
			"actor":  actorURI,
			"object": o.workoutURI(contentId),
		},
	}

	o.fanout(ctx, acc, mustMarshal(undo))
	return nil
}

// AnnounceCreate broadcasts new local content to the account's remote
// followers as a Create activity.
func (o *Outbox) AnnounceCreate(ctx context.Context, localID uuid.UUID, contentId uuid.UUID, audience string) error {
	acc, err := o.store.ReadAccById(localID)
	if err != nil {
		return fmt.Errorf("local account not found: %w", err)
	}

	workout, err := o.store.ReadWorkoutById(contentId)
	if err != nil {
		return fmt.Errorf("content not found: %w", err)
	}

	actorURI := o.actorURI(acc.Username)
	objectURI := o.workoutURI(workout.Id)

	to := []string{o.followersURI(acc.Username)}
	if audience == domain.VisibilityPublic {
		to = []string{"https://www.w3.org/ns/activitystreams#Public"}
	}
	cc := []string{o.followersURI(acc.Username)}

	create := map[string]interface{}{
		"@context":  "https://www.w3.org/ns/activitystreams",
		"id":        o.newActivityURI(),
		"type":      "Create",
		"actor":     actorURI,
		"published": workout.CreatedAt.Format(time.RFC3339),
		"to":        to,
		"cc":        cc,
		"object": map[string]interface{}{
			"id":           objectURI,
			"type":         "Note",
			"attributedTo": actorURI,
			"content":      workout.Title,
			"published":    workout.CreatedAt.Format(time.RFC3339),
			"to":           to,
			"cc":           cc,
		},
	}

	o.fanout(ctx, acc, mustMarshal(create))
	return nil
}

// SendAccept answers an inbound Follow, referencing the original
// message identifier so the remote side can match its pending edge.
func (o *Outbox) SendAccept(acc *domain.Account, remote *domain.RemoteAccount, followID string) {
	identity, err := o.signingIdentity(acc)
	if err != nil {
		log.Error("outbox: cannot sign accept", "account", acc.Username, "err", err)
		return
	}

	actorURI := o.actorURI(acc.Username)
	accept := map[string]interface{}{
		"@context": "https://www.w3.org/ns/activitystreams",
		"id":       o.newActivityURI(),
		"type":     "Accept",
		"actor":    actorURI,
		"object": map[string]interface{}{
			"id":     followID,
			"type":   "Follow",
			"actor":  remote.ActorURI,
			"object": actorURI,
		},
	}

	o.dispatcher.Deliver(mustMarshal(accept), remote.ActorURI, identity)
}

// fanout enqueues one independent delivery per remote follower so one
// unreachable peer cannot delay the rest.
func (o *Outbox) fanout(ctx context.Context, acc *domain.Account, activityJSON []byte) {
	identity, err := o.signingIdentity(acc)
	if err != nil {
		log.Error("outbox: cannot sign fan-out", "account", acc.Username, "err", err)
		return
	}

	followerURIs, err := o.followers.RemoteFollowers(ctx, acc.Id)
	if err != nil {
		log.Warn("outbox: failed to load followers", "account", acc.Username, "err", err)
		return
	}
	if len(followerURIs) == 0 {
		log.Debug("outbox: no followers to deliver to", "account", acc.Username)
		return
	}

	for _, uri := range followerURIs {
		o.dispatcher.Deliver(activityJSON, uri, identity)
	}
	log.Info("outbox: queued fan-out", "account", acc.Username, "recipients", len(followerURIs))
}

// mustMarshal marshals v to JSON, panicking on error
func mustMarshal(v interface{}) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("failed to marshal: %v", err))
	}
	return b
}
