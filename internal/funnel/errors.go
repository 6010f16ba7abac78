package funnel

import "errors"

var (
	// ErrNotFound means the session token or referenced record is unknown.
	ErrNotFound = errors.New("not found")
	// ErrValidation means the request does not match the server-side session
	// state (stale offer, expired presentation, bad quantity). No state is
	// mutated beyond any implicit-decline edge already applied.
	ErrValidation = errors.New("invalid request")
)
