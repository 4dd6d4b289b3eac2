package domain

import (
	"time"

	"github.com/google/uuid"
)

// RemoteAccount is the cached profile of a foreign actor. Created on
// first successful fetch, refreshed when stale or after a signature
// failure with the cached key; never actively expired.
type RemoteAccount struct {
	Id             uuid.UUID
	Username       string
	Domain         string
	ActorURI       string
	DisplayName    string
	Summary        string
	InboxURI       string
	SharedInboxURI string
	PublicKeyPem   string
	KeyId          string
	AvatarURL      string
	LastFetchedAt  time.Time
}

type FollowStatus string

const (
	FollowPending  FollowStatus = "pending"
	FollowAccepted FollowStatus = "accepted"
	FollowRejected FollowStatus = "rejected"
)

// FollowRelationship is a directed edge from follower to target. At
// least one side is local; a purely remote edge is never stored. At
// most one row exists per (follower, target) pair.
type FollowRelationship struct {
	Id         uuid.UUID
	Follower   ActorRef
	Target     ActorRef
	Status     FollowStatus
	MessageURI string // id of the originating Follow activity
	CreatedAt  time.Time
}

type InteractionKind string

const (
	InteractionLike    InteractionKind = "like"
	InteractionComment InteractionKind = "comment"
)

// InteractionRecord is a like or comment attached to local content.
// Likes are unique per (content, actor) and hard-deleted; comments may
// repeat and are soft-deleted. MessageURI dedupes at-least-once
// inbound delivery and is empty for locally created records.
type InteractionRecord struct {
	Id          uuid.UUID
	ContentId   uuid.UUID
	Actor       ActorRef
	Kind        InteractionKind
	Body        string
	DisplayName string
	MessageURI  string
	Deleted     bool
	CreatedAt   time.Time
}
