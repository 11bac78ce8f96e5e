// README: Actor variant (user or system) and caller roles.
package types

import (
	"encoding/json"
	"fmt"
)

type Role string

const (
	RoleRider  Role = "rider"
	RoleDriver Role = "driver"
	RoleAdmin  Role = "admin"
	RoleSystem Role = "system"
)

func ParseRole(v string) (Role, bool) {
	switch Role(v) {
	case RoleRider, RoleDriver, RoleAdmin:
		return Role(v), true
	case "":
		return RoleRider, true
	}
	return "", false
}

type actorKind uint8

const (
	actorUser actorKind = iota + 1
	actorSystem
)

// Actor identifies who caused a state change: a user (rider, driver or admin
// account) or the system itself. The zero value is invalid.
type Actor struct {
	kind actorKind
	id   ID
}

var SystemActor = Actor{kind: actorSystem}

func UserActor(id ID) Actor {
	return Actor{kind: actorUser, id: id}
}

func (a Actor) IsSystem() bool { return a.kind == actorSystem }

func (a Actor) IsZero() bool { return a.kind == 0 }

// UserID returns the user id for user actors.
func (a Actor) UserID() (ID, bool) {
	if a.kind != actorUser {
		return "", false
	}
	return a.id, true
}

// Type returns the persisted discriminator: "user" or "system".
func (a Actor) Type() string {
	switch a.kind {
	case actorUser:
		return "user"
	case actorSystem:
		return "system"
	}
	return ""
}

func (a Actor) String() string {
	if a.kind == actorUser {
		return string(a.id)
	}
	if a.kind == actorSystem {
		return "SYSTEM"
	}
	return ""
}

// ActorFrom rebuilds an Actor from its persisted form.
func ActorFrom(kind string, id *ID) (Actor, error) {
	switch kind {
	case "system":
		return SystemActor, nil
	case "user":
		if id == nil || *id == "" {
			return Actor{}, fmt.Errorf("user actor without id")
		}
		return UserActor(*id), nil
	}
	return Actor{}, fmt.Errorf("unknown actor type %q", kind)
}

type actorJSON struct {
	Type string `json:"type"`
	ID   ID     `json:"id,omitempty"`
}

func (a Actor) MarshalJSON() ([]byte, error) {
	return json.Marshal(actorJSON{Type: a.Type(), ID: a.id})
}

func (a *Actor) UnmarshalJSON(b []byte) error {
	var v actorJSON
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	id := v.ID
	got, err := ActorFrom(v.Type, &id)
	if err != nil {
		return err
	}
	*a = got
	return nil
}
