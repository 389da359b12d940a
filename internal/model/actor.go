package model

import (
	"fmt"
	"strings"
)

// ActorType distinguishes who performed a governed mutation.
type ActorType string

const (
	ActorUser   ActorType = "user"
	ActorAgent  ActorType = "agent"
	ActorSystem ActorType = "system"
)

// Actor is the authenticated identity attached to every audit entry.
// It is supplied by the auth/session layer; steward never issues identities.
type Actor struct {
	Type ActorType `json:"type"`
	ID   string    `json:"id"`
}

// SystemActor returns the actor used by background timers.
func SystemActor(name string) Actor {
	return Actor{Type: ActorSystem, ID: name}
}

// UserActor returns an actor for a user UID.
func UserActor(uid string) Actor {
	return Actor{Type: ActorUser, ID: uid}
}

// AgentActor returns an actor for an agent UID.
func AgentActor(uid string) Actor {
	return Actor{Type: ActorAgent, ID: uid}
}

// Valid reports whether the actor has a known type and a non-empty id.
func (a Actor) Valid() bool {
	switch a.Type {
	case ActorUser, ActorAgent, ActorSystem:
		return strings.TrimSpace(a.ID) != ""
	}
	return false
}

// String renders the actor as "type:id".
func (a Actor) String() string {
	return string(a.Type) + ":" + a.ID
}

// ParseActor parses the "type:id" form produced by String.
func ParseActor(s string) (Actor, error) {
	typ, id, ok := strings.Cut(s, ":")
	a := Actor{Type: ActorType(typ), ID: id}
	if !ok || !a.Valid() {
		return Actor{}, fmt.Errorf("invalid actor %q: want type:id", s)
	}
	return a, nil
}
