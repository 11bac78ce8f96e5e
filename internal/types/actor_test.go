package types

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestActorVariants(t *testing.T) {
	u := UserActor("u1")
	id, ok := u.UserID()
	assert.True(t, ok)
	assert.Equal(t, ID("u1"), id)
	assert.False(t, u.IsSystem())
	assert.Equal(t, "user", u.Type())

	_, ok = SystemActor.UserID()
	assert.False(t, ok)
	assert.True(t, SystemActor.IsSystem())
	assert.Equal(t, "SYSTEM", SystemActor.String())
	assert.True(t, Actor{}.IsZero())
}

func TestActorJSONRoundTrip(t *testing.T) {
	for _, a := range []Actor{UserActor("abc"), SystemActor} {
		b, err := json.Marshal(a)
		require.NoError(t, err)
		var got Actor
		require.NoError(t, json.Unmarshal(b, &got))
		assert.Equal(t, a, got)
	}
}

func TestActorFromRejectsUnknown(t *testing.T) {
	_, err := ActorFrom("robot", nil)
	assert.Error(t, err)
	_, err = ActorFrom("user", nil)
	assert.Error(t, err)
}

func TestParseRole(t *testing.T) {
	r, ok := ParseRole("")
	assert.True(t, ok)
	assert.Equal(t, RoleRider, r)
	r, ok = ParseRole("admin")
	assert.True(t, ok)
	assert.Equal(t, RoleAdmin, r)
	_, ok = ParseRole("system")
	assert.False(t, ok)
}

func TestMoneyShare(t *testing.T) {
	assert.Equal(t, Money(150), Money(200).Share(0.75))
	assert.Equal(t, Money(75.38), Money(100.5).Share(0.75))
	assert.Equal(t, Money(101), Money(100.5).Round())
}
