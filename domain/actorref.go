package domain

import (
	"fmt"

	"github.com/google/uuid"
)

// ActorRef identifies one side of a social edge: either a local account
// (by id) or a remote actor (by URI). Exactly one side is ever set; the
// constructors are the only way to build a valid value and the zero
// value reports neither local nor remote.
type ActorRef struct {
	localID   uuid.UUID
	remoteURI string
}

func LocalActor(id uuid.UUID) ActorRef {
	return ActorRef{localID: id}
}

func RemoteActor(uri string) ActorRef {
	return ActorRef{remoteURI: uri}
}

func (a ActorRef) IsLocal() bool {
	return a.remoteURI == "" && a.localID != uuid.Nil
}

func (a ActorRef) IsRemote() bool {
	return a.remoteURI != ""
}

func (a ActorRef) IsZero() bool {
	return a.remoteURI == "" && a.localID == uuid.Nil
}

// LocalID returns the local account id; uuid.Nil for remote refs.
func (a ActorRef) LocalID() uuid.UUID {
	return a.localID
}

// RemoteURI returns the remote actor URI; empty for local refs.
func (a ActorRef) RemoteURI() string {
	return a.remoteURI
}

// Key returns a stable string usable as a uniqueness key regardless of
// which side is set, mirroring the COALESCE expression the store
// indexes on.
func (a ActorRef) Key() string {
	if a.IsRemote() {
		return a.remoteURI
	}
	return a.localID.String()
}

func (a ActorRef) String() string {
	switch {
	case a.IsRemote():
		return fmt.Sprintf("remote(%s)", a.remoteURI)
	case a.IsLocal():
		return fmt.Sprintf("local(%s)", a.localID)
	default:
		return "actor(zero)"
	}
}
