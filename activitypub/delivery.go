package activitypub

import (
	"bytes"
	"context"
	"crypto/rsa"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/charmbracelet/log"
	"github.com/javahippie/fitpub-sub002/util"
)

// DeliveryError reports a failed delivery attempt: a network failure
// (StatusCode 0) or a non-2xx response.
type DeliveryError struct {
	InboxURI   string
	StatusCode int
	Err        error
}

func (e *DeliveryError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("delivery to %s: status %d", e.InboxURI, e.StatusCode)
	}
	return fmt.Sprintf("delivery to %s: %v", e.InboxURI, e.Err)
}

func (e *DeliveryError) Unwrap() error {
	return e.Err
}

// SigningIdentity is the local key material a delivery is signed with.
type SigningIdentity struct {
	Key   *rsa.PrivateKey
	KeyId string
}

// deliveryTask is one unit of outbound work. Never persisted; it lives
// only in the dispatch queue for the duration of its attempts.
type deliveryTask struct {
	activityJSON []byte
	targetActor  string
	identity     SigningIdentity
}

// Dispatcher delivers signed activities to remote inboxes on a bounded
// worker pool. Enqueueing never blocks the caller: when the queue is
// full the task is dropped with a log entry, and a failed delivery
// never rolls back the local state change that triggered it.
type Dispatcher struct {
	directory *Directory
	client    *http.Client
	tasks     chan deliveryTask
	attempts  uint

	wg     sync.WaitGroup
	mu     sync.Mutex
	closed bool
}

// NewDispatcher starts a dispatcher with the given worker pool size,
// queue capacity and per-delivery attempt budget.
func NewDispatcher(directory *Directory, workers, queueSize, attempts int) *Dispatcher {
	dp := &Dispatcher{
		directory: directory,
		client:    &http.Client{Timeout: 30 * time.Second},
		tasks:     make(chan deliveryTask, queueSize),
		attempts:  uint(attempts),
	}

	for i := 0; i < workers; i++ {
		dp.wg.Add(1)
		go dp.worker()
	}

	log.Info("delivery: dispatcher started", "workers", workers, "queue", queueSize)
	return dp
}

// Deliver enqueues a signed delivery of the activity to the target
// actor's inbox. Fire and forget: failures are retried with backoff,
// then logged and dropped.
func (dp *Dispatcher) Deliver(activityJSON []byte, targetActor string, identity SigningIdentity) {
	dp.mu.Lock()
	defer dp.mu.Unlock()
	if dp.closed {
		log.Warn("delivery: dispatcher closed, dropping task", "target", targetActor)
		return
	}

	select {
	case dp.tasks <- deliveryTask{activityJSON: activityJSON, targetActor: targetActor, identity: identity}:
	default:
		log.Warn("delivery: queue full, dropping task", "target", targetActor)
	}
}

// Close stops accepting work, drains the queue and waits for in-flight
// deliveries to finish.
func (dp *Dispatcher) Close() {
	dp.mu.Lock()
	if dp.closed {
		dp.mu.Unlock()
		return
	}
	dp.closed = true
	close(dp.tasks)
	dp.mu.Unlock()

	dp.wg.Wait()
}

func (dp *Dispatcher) worker() {
	defer dp.wg.Done()
	for task := range dp.tasks {
		dp.deliver(task)
	}
}

func (dp *Dispatcher) deliver(task deliveryTask) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	remote, err := dp.directory.Resolve(ctx, task.targetActor)
	if err != nil {
		log.Warn("delivery: could not resolve target, dropping", "target", task.targetActor, "err", err)
		return
	}

	// Prefer the origin's shared inbox so fan-out to many actors on
	// one server converges on a single endpoint
	inbox := remote.InboxURI
	if remote.SharedInboxURI != "" {
		inbox = remote.SharedInboxURI
	}
	err = retry.Do(
		func() error {
			return dp.attempt(ctx, inbox, task)
		},
		retry.Attempts(dp.attempts),
		retry.Delay(500*time.Millisecond),
		retry.MaxDelay(30*time.Second),
		retry.DelayType(retry.BackOffDelay),
		retry.Context(ctx),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		log.Warn("delivery: giving up", "inbox", inbox, "attempts", dp.attempts, "err", err)
		return
	}
	log.Debug("delivery: delivered", "inbox", inbox)
}

func (dp *Dispatcher) attempt(ctx context.Context, inboxURI string, task deliveryTask) error {
	req, err := http.NewRequestWithContext(ctx, "POST", inboxURI, bytes.NewReader(task.activityJSON))
	if err != nil {
		return retry.Unrecoverable(&DeliveryError{InboxURI: inboxURI, Err: err})
	}

	req.Header.Set("Content-Type", "application/activity+json")
	req.Header.Set("Accept", "application/activity+json")
	req.Header.Set("User-Agent", util.GetNameAndVersion())

	if err := SignRequest(req, task.activityJSON, task.identity.Key, task.identity.KeyId); err != nil {
		return retry.Unrecoverable(fmt.Errorf("failed to sign request: %w", err))
	}

	resp, err := dp.client.Do(req)
	if err != nil {
		return &DeliveryError{InboxURI: inboxURI, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &DeliveryError{InboxURI: inboxURI, StatusCode: resp.StatusCode}
	}
	return nil
}
