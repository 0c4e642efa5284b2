// Package credloader implements the credential loader collaborator
// contract from spec.md §6.2: supplies an ordered list of `{id,
// secret}` pairs. StaticLoader serves a fixed slice; RedisLoader
// discovers credential ids from a Redis hash, polling and diffing the
// known set the way core/redis_registry.go's StartHeartbeat discovers
// service changes, and reports additions and removals as ChangeEvents.
// Nothing in this module applies those events: a scheduler.Pool's
// credential set is fixed when it is constructed.
package credloader

import (
	"context"
)

// Credential is the loader-supplied pair the scheduler wraps into a
// scheduler.Key (spec.md §6.2). Kept independent of the scheduler
// package so loaders have no dependency on selection internals.
type Credential struct {
	ID     string
	Secret []byte
}

// Loader supplies the current credential set on demand.
type Loader interface {
	Load(ctx context.Context) ([]Credential, error)
}

// ChangeEvent reports credentials added or removed since the last
// poll (spec.md §3 expansion: "added/removed events on a channel").
type ChangeEvent struct {
	Added   []Credential
	Removed []string // credential ids
}

// StaticLoader serves a fixed credential set supplied at construction.
type StaticLoader struct {
	creds []Credential
}

// NewStaticLoader builds a StaticLoader over a fixed credential set.
func NewStaticLoader(creds []Credential) *StaticLoader {
	cp := make([]Credential, len(creds))
	copy(cp, creds)
	return &StaticLoader{creds: cp}
}

// Load returns the fixed credential set. The context is accepted to
// satisfy Loader but never consulted.
func (s *StaticLoader) Load(context.Context) ([]Credential, error) {
	out := make([]Credential, len(s.creds))
	copy(out, s.creds)
	return out, nil
}
