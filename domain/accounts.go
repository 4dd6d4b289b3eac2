package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Account is a local user able to federate: its keypair signs every
// outgoing activity and its inbox receives the incoming ones.
type Account struct {
	Id            uuid.UUID
	Username      string
	DisplayName   string
	Summary       string
	AvatarURL     string
	WebPublicKey  string
	WebPrivateKey string
	CreatedAt     time.Time
}

func (acc *Account) ToString() string {
	return fmt.Sprintf("\n\tId: %s \n\tUsername: %s \n\tCreatedAt: %s", acc.Id, acc.Username, acc.CreatedAt)
}

// Workout is the local content interactions attach to. The surrounding
// application owns the full record (route, metrics, title); federation
// only needs the id, the owner and the visibility.
type Workout struct {
	Id         uuid.UUID
	UserId     uuid.UUID
	Title      string
	Visibility string
	CreatedAt  time.Time
}

const (
	VisibilityPublic    = "public"
	VisibilityFollowers = "followers"
	VisibilityPrivate   = "private"
)
