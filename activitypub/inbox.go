package activitypub

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/javahippie/fitpub-sub002/db"
	"github.com/javahippie/fitpub-sub002/domain"
	"github.com/javahippie/fitpub-sub002/util"
)

// Result is the outcome of processing one inbound activity. Rejection
// carries a reason for the transport layer to log; processing never
// half-applies an activity.
type Result struct {
	Accepted bool
	Reason   string
}

func accepted() Result {
	return Result{Accepted: true}
}

func rejected(reason string) Result {
	return Result{Accepted: false, Reason: reason}
}

// activity is the inbound envelope. Object stays raw because its shape
// depends on the activity type: a bare URI for Follow and Like, an
// embedded object for Accept, Undo and Create.
type activity struct {
	Id     string          `json:"id"`
	Type   string          `json:"type"`
	Actor  string          `json:"actor"`
	Object json.RawMessage `json:"object"`
}

// embeddedObject covers the fields we read from nested objects.
type embeddedObject struct {
	Id        string `json:"id"`
	Type      string `json:"type"`
	Actor     string `json:"actor"`
	Object    string `json:"object"`
	Content   string `json:"content"`
	InReplyTo string `json:"inReplyTo"`
}

// objectURI extracts the object reference whether it arrives as a bare
// string or as an embedded object with an id.
func objectURI(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var obj embeddedObject
	if err := json.Unmarshal(raw, &obj); err == nil {
		return obj.Id
	}
	return ""
}

// Processor verifies and applies inbound activities. Verification is
// fail-closed: nothing mutates state before the request signature
// checked out against the claimed actor's key.
type Processor struct {
	store      *db.DB
	directory  *Directory
	outbox     *Outbox
	autoAccept bool
	host       string
}

func NewProcessor(store *db.DB, directory *Directory, outbox *Outbox, conf *util.AppConfig) *Processor {
	return &Processor{
		store:      store,
		directory:  directory,
		outbox:     outbox,
		autoAccept: conf.Conf.AutoAccept,
		host:       conf.Conf.SslDomain,
	}
}

// AcceptInbound runs the full inbound pipeline for one request: parse
// the envelope, resolve the claimed actor, verify the HTTP signature
// against that actor's key, then apply the activity. A verification
// mismatch triggers exactly one key refresh and re-check to cover key
// rotation on the remote side.
func (p *Processor) AcceptInbound(ctx context.Context, method, requestURI string, headers http.Header, rawBody []byte) Result {
	var act activity
	if err := json.Unmarshal(rawBody, &act); err != nil {
		return rejected("malformed activity document")
	}
	if act.Type == "" || act.Actor == "" {
		return rejected("activity missing type or actor")
	}

	remote, err := p.directory.Resolve(ctx, act.Actor)
	if err != nil {
		log.Warn("inbox: actor resolution failed", "actor", act.Actor, "err", err)
		return rejected(fmt.Sprintf("cannot resolve actor: %v", err))
	}

	verdict, keyID := p.verify(method, requestURI, headers, rawBody, remote)
	if verdict == Mismatch {
		// The remote key may have rotated since we cached it
		if refreshed, err := p.directory.Refresh(ctx, remote.ActorURI); err == nil {
			remote = refreshed
			verdict, keyID = p.verify(method, requestURI, headers, rawBody, remote)
		}
	}
	if !verdict.Ok() {
		log.Info("inbox: rejected activity", "type", act.Type, "actor", act.Actor, "verdict", verdict.String())
		return rejected(fmt.Sprintf("signature verification failed: %s", verdict))
	}
	if !keyBelongsToActor(keyID, remote) {
		return rejected("signing key does not belong to claimed actor")
	}

	switch act.Type {
	case "Follow":
		return p.handleFollow(remote, &act)
	case "Accept":
		return p.handleAcceptReject(remote, &act, domain.FollowAccepted)
	case "Reject":
		return p.handleAcceptReject(remote, &act, domain.FollowRejected)
	case "Undo":
		return p.handleUndo(remote, &act)
	case "Like":
		return p.handleLike(remote, &act)
	case "Create":
		return p.handleCreate(remote, &act)
	case "Delete":
		return p.handleDelete(&act)
	default:
		// Unknown activity types are acknowledged and dropped
		log.Debug("inbox: ignoring activity type", "type", act.Type)
		return accepted()
	}
}

func (p *Processor) verify(method, requestURI string, headers http.Header, body []byte, remote *domain.RemoteAccount) (Verdict, string) {
	pub, err := ParsePublicKey(remote.PublicKeyPem)
	if err != nil {
		return Malformed, ""
	}
	keyID, verdict := VerifyRequest(method, requestURI, headers, body, pub)
	return verdict, keyID
}

// keyBelongsToActor ties the signature's keyId back to the claimed
// actor so a valid signature from actor A cannot authorize an activity
// attributed to actor B.
func keyBelongsToActor(keyID string, remote *domain.RemoteAccount) bool {
	if remote.KeyId != "" && keyID == remote.KeyId {
		return true
	}
	base, _, _ := strings.Cut(keyID, "#")
	return base == remote.ActorURI
}

// localAccountForURI maps an actor URI of the form
// https://<host>/users/<name> to the local account it addresses.
func (p *Processor) localAccountForURI(uri string) (*domain.Account, error) {
	prefix := fmt.Sprintf("https://%s/users/", p.host)
	if !strings.HasPrefix(uri, prefix) {
		return nil, fmt.Errorf("not a local actor uri: %s", uri)
	}
	username := strings.TrimPrefix(uri, prefix)
	return p.store.ReadAccByUsername(username)
}

// localContentForURI maps https://<host>/workouts/<id> to a content id.
func (p *Processor) localContentForURI(uri string) (uuid.UUID, error) {
	prefix := fmt.Sprintf("https://%s/workouts/", p.host)
	if !strings.HasPrefix(uri, prefix) {
		return uuid.Nil, fmt.Errorf("not a local content uri: %s", uri)
	}
	return uuid.Parse(strings.TrimPrefix(uri, prefix))
}

func (p *Processor) handleFollow(remote *domain.RemoteAccount, act *activity) Result {
	target := objectURI(act.Object)
	acc, err := p.localAccountForURI(target)
	if err != nil {
		return rejected("follow target is not a known local actor")
	}

	follower := domain.RemoteActor(remote.ActorURI)
	localRef := domain.LocalActor(acc.Id)

	status := domain.FollowPending
	if p.autoAccept {
		status = domain.FollowAccepted
	}

	rel := &domain.FollowRelationship{
		Id:         uuid.New(),
		Follower:   follower,
		Target:     localRef,
		Status:     status,
		MessageURI: act.Id,
		CreatedAt:  time.Now(),
	}

	inserted, err := p.store.CreateFollow(rel)
	if err != nil {
		log.Error("inbox: failed to store follow", "err", err)
		return rejected("failed to store follow")
	}
	if !inserted {
		// Replayed Follow: the edge exists, just re-acknowledge
		existing, err := p.store.ReadFollowByPair(follower, localRef)
		if err == nil && (existing.Status == domain.FollowAccepted || p.autoAccept) {
			p.outbox.SendAccept(acc, remote, existing.MessageURI)
		}
		return accepted()
	}

	log.Info("inbox: new follower", "account", acc.Username, "follower", remote.ActorURI, "status", status)
	if p.autoAccept {
		p.outbox.SendAccept(acc, remote, act.Id)
	}
	return accepted()
}

// handleAcceptReject settles a pending outbound follow. Only the actor
// the follow was addressed to may answer it; the transition itself is
// guarded on the stored state, so a stray or replayed answer is a
// no-op rather than an error.
func (p *Processor) handleAcceptReject(remote *domain.RemoteAccount, act *activity, to domain.FollowStatus) Result {
	followURI := objectURI(act.Object)
	if followURI == "" {
		return rejected("answer does not reference a follow")
	}

	rel, err := p.store.ReadFollowByMessageURI(followURI)
	if err == sql.ErrNoRows {
		log.Debug("inbox: answer for unknown follow", "uri", followURI, "status", to)
		return accepted()
	}
	if err != nil {
		log.Error("inbox: failed to read follow", "uri", followURI, "err", err)
		return rejected("failed to read follow")
	}
	if rel.Target != domain.RemoteActor(remote.ActorURI) {
		log.Warn("inbox: answer from actor that is not the follow target", "uri", followURI, "actor", remote.ActorURI)
		return rejected("answering actor is not the follow target")
	}

	updated, err := p.store.UpdateFollowStatus(followURI, domain.FollowPending, to)
	if err != nil {
		log.Error("inbox: failed to settle follow", "uri", followURI, "err", err)
		return rejected("failed to update follow")
	}
	if !updated {
		log.Debug("inbox: answer for unknown or settled follow", "uri", followURI, "status", to)
	} else {
		log.Info("inbox: follow settled", "uri", followURI, "status", to)
	}
	return accepted()
}

func (p *Processor) handleUndo(remote *domain.RemoteAccount, act *activity) Result {
	var inner embeddedObject
	if err := json.Unmarshal(act.Object, &inner); err != nil {
		return rejected("malformed undo object")
	}

	actor := domain.RemoteActor(remote.ActorURI)

	switch inner.Type {
	case "Follow":
		acc, err := p.localAccountForURI(inner.Object)
		if err != nil {
			return rejected("undo follow target is not a known local actor")
		}
		deleted, err := p.store.DeleteFollowByPair(actor, domain.LocalActor(acc.Id))
		if err != nil {
			log.Error("inbox: failed to delete follow", "err", err)
			return rejected("failed to delete follow")
		}
		if deleted {
			log.Info("inbox: follower left", "account", acc.Username, "follower", remote.ActorURI)
		}
		return accepted()
	case "Like":
		contentId, err := p.localContentForURI(inner.Object)
		if err != nil {
			return rejected("undo like target is not known local content")
		}
		if _, err := p.store.DeleteLikeByPair(contentId, actor); err != nil {
			log.Error("inbox: failed to delete like", "err", err)
			return rejected("failed to delete like")
		}
		return accepted()
	default:
		log.Debug("inbox: ignoring undo of type", "type", inner.Type)
		return accepted()
	}
}

func (p *Processor) handleLike(remote *domain.RemoteAccount, act *activity) Result {
	contentId, err := p.localContentForURI(objectURI(act.Object))
	if err != nil {
		return rejected("like target is not known local content")
	}

	visible, err := p.store.WorkoutVisible(contentId)
	if err != nil {
		return rejected("failed to check content")
	}
	if !visible {
		return rejected("content not available")
	}

	rec := &domain.InteractionRecord{
		Id:          uuid.New(),
		ContentId:   contentId,
		Actor:       domain.RemoteActor(remote.ActorURI),
		Kind:        domain.InteractionLike,
		DisplayName: remote.DisplayName,
		MessageURI:  act.Id,
		CreatedAt:   time.Now(),
	}

	inserted, err := p.store.CreateInteraction(rec)
	if err != nil {
		log.Error("inbox: failed to store like", "err", err)
		return rejected("failed to store like")
	}
	if inserted {
		log.Info("inbox: new like", "content", contentId, "actor", remote.ActorURI)
	}
	return accepted()
}

func (p *Processor) handleCreate(remote *domain.RemoteAccount, act *activity) Result {
	var obj embeddedObject
	if err := json.Unmarshal(act.Object, &obj); err != nil {
		return rejected("malformed create object")
	}
	if obj.InReplyTo == "" {
		// Not a reply to anything of ours, acknowledge and drop
		return accepted()
	}

	contentId, err := p.localContentForURI(obj.InReplyTo)
	if err != nil {
		return accepted()
	}

	visible, err := p.store.WorkoutVisible(contentId)
	if err != nil {
		return rejected("failed to check content")
	}
	if !visible {
		return rejected("content not available")
	}

	rec := &domain.InteractionRecord{
		Id:          uuid.New(),
		ContentId:   contentId,
		Actor:       domain.RemoteActor(remote.ActorURI),
		Kind:        domain.InteractionComment,
		Body:        util.NormalizeInput(obj.Content),
		DisplayName: remote.DisplayName,
		MessageURI:  obj.Id,
		CreatedAt:   time.Now(),
	}

	inserted, err := p.store.CreateInteraction(rec)
	if err != nil {
		log.Error("inbox: failed to store comment", "err", err)
		return rejected("failed to store comment")
	}
	if inserted {
		log.Info("inbox: new comment", "content", contentId, "actor", remote.ActorURI)
	}
	return accepted()
}

// handleDelete retracts an interaction we stored earlier, addressed by
// its original message identifier. Deleting something we never stored
// is a no-op.
func (p *Processor) handleDelete(act *activity) Result {
	uri := objectURI(act.Object)
	if uri == "" {
		return rejected("delete does not reference an object")
	}

	removed, err := p.store.RemoveInteractionByMessageURI(uri)
	if err != nil {
		log.Error("inbox: failed to remove interaction", "uri", uri, "err", err)
		return rejected("failed to remove interaction")
	}
	if removed {
		log.Info("inbox: interaction removed", "uri", uri)
	}
	return accepted()
}
