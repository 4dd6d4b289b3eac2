package activitypub

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/javahippie/fitpub-sub002/db"
	"github.com/javahippie/fitpub-sub002/domain"
	"github.com/javahippie/fitpub-sub002/util"
)

// federatedPeer is a fake remote server with its own signing key, an
// actor document and an inbox that records every delivery it receives.
type federatedPeer struct {
	server *httptest.Server
	name   string

	mu       sync.Mutex
	keyPair  *util.RsaKeyPair
	received [][]byte
}

func newFederatedPeer(t *testing.T) *federatedPeer {
	return newNamedPeer(t, "carol")
}

func newNamedPeer(t *testing.T, name string) *federatedPeer {
	t.Helper()
	p := &federatedPeer{name: name, keyPair: util.GeneratePemKeypair()}
	p.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/users/"+name && r.Method == "GET":
			p.mu.Lock()
			pubPem := p.keyPair.Public
			p.mu.Unlock()
			w.Write(actorJSON(p.actorURI(), pubPem))
		case r.URL.Path == "/users/"+name+"/inbox" && r.Method == "POST":
			body := new(bytes.Buffer)
			body.ReadFrom(r.Body)
			p.mu.Lock()
			p.received = append(p.received, body.Bytes())
			p.mu.Unlock()
			w.WriteHeader(http.StatusAccepted)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(p.server.Close)
	return p
}

func (p *federatedPeer) actorURI() string {
	return p.server.URL + "/users/" + p.name
}

// rotateKey swaps the peer's signing key, as a remote server would
// after a key rotation.
func (p *federatedPeer) rotateKey() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.keyPair = util.GeneratePemKeypair()
}

// signedInbound builds the headers of a request the peer would send to
// the local inbox.
func (p *federatedPeer) signedInbound(t *testing.T, path string, body []byte) http.Header {
	t.Helper()
	req, err := http.NewRequest("POST", "https://local.example"+path, bytes.NewReader(body))
	if err != nil {
		t.Fatalf("Failed to build request: %v", err)
	}
	p.mu.Lock()
	keyPem := p.keyPair.Private
	p.mu.Unlock()
	key, err := ParsePrivateKey(keyPem)
	if err != nil {
		t.Fatalf("Failed to parse peer key: %v", err)
	}
	if err := SignRequest(req, body, key, p.actorURI()+"#main-key"); err != nil {
		t.Fatalf("Failed to sign request: %v", err)
	}
	return req.Header
}

func (p *federatedPeer) receivedActivities(t *testing.T) []map[string]interface{} {
	t.Helper()
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]map[string]interface{}, 0, len(p.received))
	for _, raw := range p.received {
		var m map[string]interface{}
		if err := json.Unmarshal(raw, &m); err != nil {
			t.Fatalf("Peer received unparseable activity: %v", err)
		}
		out = append(out, m)
	}
	return out
}

type inboxHarness struct {
	store      *db.DB
	directory  *Directory
	dispatcher *Dispatcher
	outbox     *Outbox
	processor  *Processor
	peer       *federatedPeer
	acc        *domain.Account
}

func newInboxHarness(t *testing.T, autoAccept bool) *inboxHarness {
	t.Helper()
	store := newTestDB(t)
	peer := newFederatedPeer(t)

	conf := &util.AppConfig{}
	conf.Conf.SslDomain = "local.example"
	conf.Conf.AutoAccept = autoAccept

	directory := newTestDirectory(store)
	dispatcher := NewDispatcher(directory, 2, 32, 1)
	outbox := NewOutbox(store, directory, dispatcher, conf)
	processor := NewProcessor(store, directory, outbox, conf)

	keyPair := util.GeneratePemKeypair()
	acc := &domain.Account{
		Id:            uuid.New(),
		Username:      "alice",
		DisplayName:   "Alice",
		WebPublicKey:  keyPair.Public,
		WebPrivateKey: keyPair.Private,
		CreatedAt:     time.Now(),
	}
	if err := store.CreateAccount(acc); err != nil {
		t.Fatalf("Failed to create local account: %v", err)
	}

	return &inboxHarness{
		store:      store,
		directory:  directory,
		dispatcher: dispatcher,
		outbox:     outbox,
		processor:  processor,
		peer:       peer,
		acc:        acc,
	}
}

// drain waits until all queued deliveries went out.
func (h *inboxHarness) drain() {
	h.dispatcher.Close()
}

func (h *inboxHarness) accept(t *testing.T, body []byte) Result {
	t.Helper()
	headers := h.peer.signedInbound(t, "/users/alice/inbox", body)
	return h.processor.AcceptInbound(context.Background(), "POST", "/users/alice/inbox", headers, body)
}

func (h *inboxHarness) createWorkout(t *testing.T, visibility string) *domain.Workout {
	t.Helper()
	w := &domain.Workout{
		Id:         uuid.New(),
		UserId:     h.acc.Id,
		Title:      "Morning run",
		Visibility: visibility,
		CreatedAt:  time.Now(),
	}
	if err := h.store.CreateWorkout(w); err != nil {
		t.Fatalf("Failed to create workout: %v", err)
	}
	return w
}

func followActivity(id, actor, object string) []byte {
	b, _ := json.Marshal(map[string]interface{}{
		"@context": "https://www.w3.org/ns/activitystreams",
		"id":       id,
		"type":     "Follow",
		"actor":    actor,
		"object":   object,
	})
	return b
}

func TestInboundFollowAutoAccept(t *testing.T) {
	h := newInboxHarness(t, true)

	followID := h.peer.server.URL + "/activities/f1"
	body := followActivity(followID, h.peer.actorURI(), "https://local.example/users/alice")

	res := h.accept(t, body)
	if !res.Accepted {
		t.Fatalf("Follow was rejected: %s", res.Reason)
	}

	rel, err := h.store.ReadFollowByPair(domain.RemoteActor(h.peer.actorURI()), domain.LocalActor(h.acc.Id))
	if err != nil {
		t.Fatalf("Follow relationship not stored: %v", err)
	}
	if rel.Status != domain.FollowAccepted {
		t.Errorf("Expected accepted status, got %s", rel.Status)
	}
	if rel.MessageURI != followID {
		t.Errorf("Unexpected message URI: %s", rel.MessageURI)
	}

	h.drain()
	activities := h.peer.receivedActivities(t)
	if len(activities) != 1 {
		t.Fatalf("Expected 1 delivered Accept, peer received %d activities", len(activities))
	}
	accept := activities[0]
	if accept["type"] != "Accept" {
		t.Errorf("Expected Accept, peer received %v", accept["type"])
	}
	obj, ok := accept["object"].(map[string]interface{})
	if !ok || obj["id"] != followID {
		t.Errorf("Accept does not reference the original follow: %v", accept["object"])
	}
}

func TestInboundFollowManualApproval(t *testing.T) {
	h := newInboxHarness(t, false)

	body := followActivity(h.peer.server.URL+"/activities/f1", h.peer.actorURI(), "https://local.example/users/alice")
	res := h.accept(t, body)
	if !res.Accepted {
		t.Fatalf("Follow was rejected: %s", res.Reason)
	}

	rel, err := h.store.ReadFollowByPair(domain.RemoteActor(h.peer.actorURI()), domain.LocalActor(h.acc.Id))
	if err != nil {
		t.Fatalf("Follow relationship not stored: %v", err)
	}
	if rel.Status != domain.FollowPending {
		t.Errorf("Expected pending status, got %s", rel.Status)
	}

	h.drain()
	if n := len(h.peer.receivedActivities(t)); n != 0 {
		t.Errorf("Expected no Accept without auto-accept, peer received %d activities", n)
	}
}

func TestInboundFollowReplayed(t *testing.T) {
	h := newInboxHarness(t, true)

	body := followActivity(h.peer.server.URL+"/activities/f1", h.peer.actorURI(), "https://local.example/users/alice")

	for i := 0; i < 2; i++ {
		if res := h.accept(t, body); !res.Accepted {
			t.Fatalf("Follow %d was rejected: %s", i, res.Reason)
		}
	}

	// Still exactly one relationship, but both deliveries acknowledged
	if _, err := h.store.ReadFollowByPair(domain.RemoteActor(h.peer.actorURI()), domain.LocalActor(h.acc.Id)); err != nil {
		t.Fatalf("Follow relationship not stored: %v", err)
	}

	h.drain()
	activities := h.peer.receivedActivities(t)
	if len(activities) != 2 {
		t.Errorf("Expected re-acknowledgement of replayed follow, peer received %d activities", len(activities))
	}
	for _, a := range activities {
		if a["type"] != "Accept" {
			t.Errorf("Expected Accept, got %v", a["type"])
		}
	}
}

func TestInboundFollowUnknownTarget(t *testing.T) {
	h := newInboxHarness(t, true)

	body := followActivity(h.peer.server.URL+"/activities/f1", h.peer.actorURI(), "https://local.example/users/nobody")
	if res := h.accept(t, body); res.Accepted {
		t.Error("Follow of unknown local actor was accepted")
	}
}

func TestInboundTamperedBodyRejected(t *testing.T) {
	h := newInboxHarness(t, true)

	body := followActivity(h.peer.server.URL+"/activities/f1", h.peer.actorURI(), "https://local.example/users/alice")
	headers := h.peer.signedInbound(t, "/users/alice/inbox", body)

	// Deliver a different body under the original signature
	tampered := followActivity(h.peer.server.URL+"/activities/f2", h.peer.actorURI(), "https://local.example/users/alice")
	res := h.processor.AcceptInbound(context.Background(), "POST", "/users/alice/inbox", headers, tampered)
	if res.Accepted {
		t.Fatal("Tampered request was accepted")
	}

	// Nothing may have been stored
	_, err := h.store.ReadFollowByPair(domain.RemoteActor(h.peer.actorURI()), domain.LocalActor(h.acc.Id))
	if err != sql.ErrNoRows {
		t.Errorf("Expected no stored state after rejection, got err=%v", err)
	}
}

func TestInboundWrongKeyRejected(t *testing.T) {
	h := newInboxHarness(t, true)

	// Sign with a key the peer never published
	other := util.GeneratePemKeypair()
	key, err := ParsePrivateKey(other.Private)
	if err != nil {
		t.Fatalf("Failed to parse key: %v", err)
	}

	body := followActivity(h.peer.server.URL+"/activities/f1", h.peer.actorURI(), "https://local.example/users/alice")
	req, err := http.NewRequest("POST", "https://local.example/users/alice/inbox", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("Failed to build request: %v", err)
	}
	if err := SignRequest(req, body, key, h.peer.actorURI()+"#main-key"); err != nil {
		t.Fatalf("Failed to sign request: %v", err)
	}

	res := h.processor.AcceptInbound(context.Background(), "POST", "/users/alice/inbox", req.Header, body)
	if res.Accepted {
		t.Fatal("Request signed with a foreign key was accepted")
	}
}

func TestInboundSurvivesKeyRotation(t *testing.T) {
	h := newInboxHarness(t, true)

	// Warm the cache with the old key, then rotate on the peer
	if _, err := h.directory.Resolve(context.Background(), h.peer.actorURI()); err != nil {
		t.Fatalf("Warm-up resolve failed: %v", err)
	}
	h.peer.rotateKey()

	body := followActivity(h.peer.server.URL+"/activities/f1", h.peer.actorURI(), "https://local.example/users/alice")
	res := h.accept(t, body)
	if !res.Accepted {
		t.Fatalf("Request after key rotation was rejected: %s", res.Reason)
	}
}

func TestInboundLikeIdempotent(t *testing.T) {
	h := newInboxHarness(t, true)
	workout := h.createWorkout(t, domain.VisibilityPublic)

	likeID := h.peer.server.URL + "/activities/l1"
	body, _ := json.Marshal(map[string]interface{}{
		"@context": "https://www.w3.org/ns/activitystreams",
		"id":       likeID,
		"type":     "Like",
		"actor":    h.peer.actorURI(),
		"object":   fmt.Sprintf("https://local.example/workouts/%s", workout.Id),
	})

	for i := 0; i < 2; i++ {
		if res := h.accept(t, body); !res.Accepted {
			t.Fatalf("Like %d was rejected: %s", i, res.Reason)
		}
	}

	records, err := h.store.ReadInteractionsByContent(workout.Id)
	if err != nil {
		t.Fatalf("Failed to read interactions: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("Expected 1 like after replay, got %d", len(records))
	}
	if records[0].Kind != domain.InteractionLike {
		t.Errorf("Expected like, got %s", records[0].Kind)
	}
}

func TestInboundLikeOnUnavailableContent(t *testing.T) {
	h := newInboxHarness(t, true)
	workout := h.createWorkout(t, domain.VisibilityPrivate)

	body, _ := json.Marshal(map[string]interface{}{
		"id":     h.peer.server.URL + "/activities/l1",
		"type":   "Like",
		"actor":  h.peer.actorURI(),
		"object": fmt.Sprintf("https://local.example/workouts/%s", workout.Id),
	})

	if res := h.accept(t, body); res.Accepted {
		t.Error("Like on private content was accepted")
	}

	records, err := h.store.ReadInteractionsByContent(workout.Id)
	if err != nil {
		t.Fatalf("Failed to read interactions: %v", err)
	}
	if len(records) != 0 {
		t.Errorf("Expected no stored likes, got %d", len(records))
	}
}

func TestInboundCommentAndDelete(t *testing.T) {
	h := newInboxHarness(t, true)
	workout := h.createWorkout(t, domain.VisibilityPublic)

	commentID := h.peer.server.URL + "/notes/c1"
	body, _ := json.Marshal(map[string]interface{}{
		"@context": "https://www.w3.org/ns/activitystreams",
		"id":       h.peer.server.URL + "/activities/c1",
		"type":     "Create",
		"actor":    h.peer.actorURI(),
		"object": map[string]interface{}{
			"id":        commentID,
			"type":      "Note",
			"content":   "Nice pace!",
			"inReplyTo": fmt.Sprintf("https://local.example/workouts/%s", workout.Id),
		},
	})

	if res := h.accept(t, body); !res.Accepted {
		t.Fatalf("Comment was rejected: %s", res.Reason)
	}

	records, err := h.store.ReadInteractionsByContent(workout.Id)
	if err != nil {
		t.Fatalf("Failed to read interactions: %v", err)
	}
	if len(records) != 1 || records[0].Kind != domain.InteractionComment {
		t.Fatalf("Expected 1 comment, got %v", records)
	}
	if records[0].Body != "Nice pace!" {
		t.Errorf("Unexpected comment body: %s", records[0].Body)
	}

	deleteBody, _ := json.Marshal(map[string]interface{}{
		"id":     h.peer.server.URL + "/activities/d1",
		"type":   "Delete",
		"actor":  h.peer.actorURI(),
		"object": commentID,
	})
	if res := h.accept(t, deleteBody); !res.Accepted {
		t.Fatalf("Delete was rejected: %s", res.Reason)
	}

	records, err = h.store.ReadInteractionsByContent(workout.Id)
	if err != nil {
		t.Fatalf("Failed to read interactions: %v", err)
	}
	if len(records) != 0 {
		t.Errorf("Expected no visible interactions after delete, got %d", len(records))
	}

	// Deleting again is a no-op, not an error
	if res := h.accept(t, deleteBody); !res.Accepted {
		t.Errorf("Replayed delete was rejected: %s", res.Reason)
	}
}

func TestInboundUndoFollow(t *testing.T) {
	h := newInboxHarness(t, true)

	body := followActivity(h.peer.server.URL+"/activities/f1", h.peer.actorURI(), "https://local.example/users/alice")
	if res := h.accept(t, body); !res.Accepted {
		t.Fatalf("Follow was rejected: %s", res.Reason)
	}

	undoBody, _ := json.Marshal(map[string]interface{}{
		"id":    h.peer.server.URL + "/activities/u1",
		"type":  "Undo",
		"actor": h.peer.actorURI(),
		"object": map[string]interface{}{
			"id":     h.peer.server.URL + "/activities/f1",
			"type":   "Follow",
			"actor":  h.peer.actorURI(),
			"object": "https://local.example/users/alice",
		},
	})
	if res := h.accept(t, undoBody); !res.Accepted {
		t.Fatalf("Undo was rejected: %s", res.Reason)
	}

	_, err := h.store.ReadFollowByPair(domain.RemoteActor(h.peer.actorURI()), domain.LocalActor(h.acc.Id))
	if err != sql.ErrNoRows {
		t.Errorf("Expected follow to be gone, got err=%v", err)
	}
}

func TestInboundUndoLike(t *testing.T) {
	h := newInboxHarness(t, true)
	workout := h.createWorkout(t, domain.VisibilityPublic)
	contentURI := fmt.Sprintf("https://local.example/workouts/%s", workout.Id)

	likeBody, _ := json.Marshal(map[string]interface{}{
		"id":     h.peer.server.URL + "/activities/l1",
		"type":   "Like",
		"actor":  h.peer.actorURI(),
		"object": contentURI,
	})
	if res := h.accept(t, likeBody); !res.Accepted {
		t.Fatalf("Like was rejected: %s", res.Reason)
	}

	undoBody, _ := json.Marshal(map[string]interface{}{
		"id":    h.peer.server.URL + "/activities/u1",
		"type":  "Undo",
		"actor": h.peer.actorURI(),
		"object": map[string]interface{}{
			"type":   "Like",
			"actor":  h.peer.actorURI(),
			"object": contentURI,
		},
	})
	if res := h.accept(t, undoBody); !res.Accepted {
		t.Fatalf("Undo was rejected: %s", res.Reason)
	}

	records, err := h.store.ReadInteractionsByContent(workout.Id)
	if err != nil {
		t.Fatalf("Failed to read interactions: %v", err)
	}
	if len(records) != 0 {
		t.Errorf("Expected like to be gone, got %d records", len(records))
	}
}

func TestOutboundFollowSettledByAccept(t *testing.T) {
	h := newInboxHarness(t, true)

	rel, err := h.outbox.FollowActor(context.Background(), h.acc.Id, h.peer.actorURI())
	if err != nil {
		t.Fatalf("FollowActor failed: %v", err)
	}
	if rel.Status != domain.FollowPending {
		t.Fatalf("Expected pending outbound follow, got %s", rel.Status)
	}

	acceptBody, _ := json.Marshal(map[string]interface{}{
		"id":     h.peer.server.URL + "/activities/a1",
		"type":   "Accept",
		"actor":  h.peer.actorURI(),
		"object": rel.MessageURI,
	})
	if res := h.accept(t, acceptBody); !res.Accepted {
		t.Fatalf("Accept was rejected: %s", res.Reason)
	}

	settled, err := h.store.ReadFollowByPair(domain.LocalActor(h.acc.Id), domain.RemoteActor(h.peer.actorURI()))
	if err != nil {
		t.Fatalf("Failed to read follow: %v", err)
	}
	if settled.Status != domain.FollowAccepted {
		t.Errorf("Expected accepted, got %s", settled.Status)
	}

	// A second Accept must not change anything
	if res := h.accept(t, acceptBody); !res.Accepted {
		t.Errorf("Replayed Accept was rejected: %s", res.Reason)
	}
}

func TestOutboundFollowSettledByReject(t *testing.T) {
	h := newInboxHarness(t, true)

	rel, err := h.outbox.FollowActor(context.Background(), h.acc.Id, h.peer.actorURI())
	if err != nil {
		t.Fatalf("FollowActor failed: %v", err)
	}

	rejectBody, _ := json.Marshal(map[string]interface{}{
		"id":     h.peer.server.URL + "/activities/r1",
		"type":   "Reject",
		"actor":  h.peer.actorURI(),
		"object": rel.MessageURI,
	})
	if res := h.accept(t, rejectBody); !res.Accepted {
		t.Fatalf("Reject was rejected: %s", res.Reason)
	}

	settled, err := h.store.ReadFollowByPair(domain.LocalActor(h.acc.Id), domain.RemoteActor(h.peer.actorURI()))
	if err != nil {
		t.Fatalf("Failed to read follow: %v", err)
	}
	if settled.Status != domain.FollowRejected {
		t.Errorf("Expected rejected, got %s", settled.Status)
	}
}

func TestRefollowAfterReject(t *testing.T) {
	h := newInboxHarness(t, true)

	rel, err := h.outbox.FollowActor(context.Background(), h.acc.Id, h.peer.actorURI())
	if err != nil {
		t.Fatalf("FollowActor failed: %v", err)
	}

	rejectBody, _ := json.Marshal(map[string]interface{}{
		"id":     h.peer.server.URL + "/activities/r1",
		"type":   "Reject",
		"actor":  h.peer.actorURI(),
		"object": rel.MessageURI,
	})
	if res := h.accept(t, rejectBody); !res.Accepted {
		t.Fatalf("Reject was rejected: %s", res.Reason)
	}

	// The rejected edge must not block a new follow attempt
	fresh, err := h.outbox.FollowActor(context.Background(), h.acc.Id, h.peer.actorURI())
	if err != nil {
		t.Fatalf("FollowActor after reject failed: %v", err)
	}
	if fresh.Status != domain.FollowPending {
		t.Fatalf("Expected a fresh pending edge after reject, got status %q", fresh.Status)
	}
	if fresh.MessageURI == rel.MessageURI {
		t.Error("Expected the new follow to carry a new message URI")
	}

	h.drain()
	follows := 0
	for _, act := range h.peer.receivedActivities(t) {
		if act["type"] == "Follow" {
			follows++
		}
	}
	if follows != 2 {
		t.Errorf("Expected two Follow deliveries, got %d", follows)
	}
}

func TestAcceptFromNonTargetRejected(t *testing.T) {
	h := newInboxHarness(t, true)
	mallory := newNamedPeer(t, "mallory")

	rel, err := h.outbox.FollowActor(context.Background(), h.acc.Id, h.peer.actorURI())
	if err != nil {
		t.Fatalf("FollowActor failed: %v", err)
	}

	// A validly signed Accept from an actor the follow was never
	// addressed to must not settle it
	acceptBody, _ := json.Marshal(map[string]interface{}{
		"id":     mallory.server.URL + "/activities/a1",
		"type":   "Accept",
		"actor":  mallory.actorURI(),
		"object": rel.MessageURI,
	})
	headers := mallory.signedInbound(t, "/users/alice/inbox", acceptBody)
	res := h.processor.AcceptInbound(context.Background(), "POST", "/users/alice/inbox", headers, acceptBody)
	if res.Accepted {
		t.Error("Accept from an actor that is not the follow target was applied")
	}

	stored, err := h.store.ReadFollowByPair(domain.LocalActor(h.acc.Id), domain.RemoteActor(h.peer.actorURI()))
	if err != nil {
		t.Fatalf("Failed to read follow: %v", err)
	}
	if stored.Status != domain.FollowPending {
		t.Errorf("Expected follow to stay pending, got %s", stored.Status)
	}
}

func TestStrayAcceptIsNoOp(t *testing.T) {
	h := newInboxHarness(t, true)

	acceptBody, _ := json.Marshal(map[string]interface{}{
		"id":     h.peer.server.URL + "/activities/a1",
		"type":   "Accept",
		"actor":  h.peer.actorURI(),
		"object": "https://local.example/activities/never-sent",
	})

	if res := h.accept(t, acceptBody); !res.Accepted {
		t.Errorf("Stray Accept was rejected: %s", res.Reason)
	}
}

func TestUnknownActivityTypeIgnored(t *testing.T) {
	h := newInboxHarness(t, true)

	body, _ := json.Marshal(map[string]interface{}{
		"id":     h.peer.server.URL + "/activities/m1",
		"type":   "Move",
		"actor":  h.peer.actorURI(),
		"object": "https://somewhere.example/users/x",
	})
	if res := h.accept(t, body); !res.Accepted {
		t.Errorf("Unknown activity type was rejected: %s", res.Reason)
	}
}

func TestConcurrentDuplicateLikes(t *testing.T) {
	h := newInboxHarness(t, true)
	workout := h.createWorkout(t, domain.VisibilityPublic)

	body, _ := json.Marshal(map[string]interface{}{
		"id":     h.peer.server.URL + "/activities/l1",
		"type":   "Like",
		"actor":  h.peer.actorURI(),
		"object": fmt.Sprintf("https://local.example/workouts/%s", workout.Id),
	})
	headers := h.peer.signedInbound(t, "/users/alice/inbox", body)

	var wg sync.WaitGroup
	results := make([]Result, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = h.processor.AcceptInbound(context.Background(), "POST", "/users/alice/inbox", headers, body)
		}(i)
	}
	wg.Wait()

	for i, res := range results {
		if !res.Accepted {
			t.Errorf("Concurrent like %d was rejected: %s", i, res.Reason)
		}
	}

	records, err := h.store.ReadInteractionsByContent(workout.Id)
	if err != nil {
		t.Fatalf("Failed to read interactions: %v", err)
	}
	if len(records) != 1 {
		t.Errorf("Expected exactly 1 like from concurrent duplicates, got %d", len(records))
	}
}
