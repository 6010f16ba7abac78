package models

import (
	"fmt"
	mrand "math/rand"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

func NewID(prefix string) string {
	t := time.Now()
	entropy := ulid.Monotonic(mrand.New(mrand.NewSource(t.UnixNano())), 0)
	id := ulid.MustNew(ulid.Timestamp(t), entropy)
	return fmt.Sprintf("%s_%s", prefix, id.String())
}

// NewSessionToken returns the opaque token that scopes a checkout order and
// its negotiation session. Tokens are handed to the storefront, so they must
// be unguessable rather than merely unique.
func NewSessionToken() string {
	return fmt.Sprintf("sess_%s", uuid.NewString())
}
