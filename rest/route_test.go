package rest

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/adred-codev/concord/snowflake"
)

func TestDeriveRouteTemplates(t *testing.T) {
	cases := []struct {
		method, path string
		template     string
		major        string
	}{
		{"GET", "/gateway/bot", "/gateway/bot", ""},
		{"GET", "/users/@me", "/users/@me", ""},
		{"GET", "/users/175928847299117063", "/users/:id", ""},
		{"GET", "/channels/240985949371958286", "/channels/:id", "240985949371958286"},
		{"POST", "/channels/240985949371958286/messages", "/channels/:id/messages", "240985949371958286"},
		{"GET", "/channels/240985949371958286/messages/267810505920053505", "/channels/:id/messages/:id", "240985949371958286"},
		{"GET", "/guilds/197038439483310086/members/175928847299117063", "/guilds/:id/members/:id", "197038439483310086"},
	}
	for _, tc := range cases {
		r := DeriveRoute(tc.method, tc.path)
		assert.Equal(t, tc.template, r.Template, tc.path)
		assert.Equal(t, tc.major, r.MajorParam, tc.path)
		assert.False(t, r.Interaction, tc.path)
	}
}

func TestDeriveRouteIsPure(t *testing.T) {
	a := DeriveRoute("GET", "/channels/240985949371958286/messages")
	b := DeriveRoute("GET", "/channels/240985949371958286/messages")
	assert.Equal(t, a, b)
	assert.Equal(t, a.SyntheticKey(), b.SyntheticKey())
}

func TestDeriveRouteMajorParamSplitsBuckets(t *testing.T) {
	a := DeriveRoute("POST", "/channels/240985949371958286/messages")
	b := DeriveRoute("POST", "/channels/155101607195836416/messages")
	assert.Equal(t, a.Template, b.Template)
	assert.NotEqual(t, a.SyntheticKey(), b.SyntheticKey())
}

func TestDeriveRouteReactions(t *testing.T) {
	r := DeriveRoute("PUT", "/channels/240985949371958286/messages/267810505920053505/reactions/%F0%9F%98%84/@me")
	assert.Equal(t, "/channels/:id/messages/:id/reactions/:reaction", r.Template)
	assert.Equal(t, "240985949371958286", r.MajorParam)

	// Distinct emoji collapse into the one reactions bucket.
	other := DeriveRoute("PUT", "/channels/240985949371958286/messages/267810505920053505/reactions/custom:155149110087685632/@me")
	assert.Equal(t, r.SyntheticKey(), other.SyntheticKey())
}

func TestDeriveRouteWebhookToken(t *testing.T) {
	r := DeriveRoute("POST", "/webhooks/223704706495545344/3d89bb7572e0fb30d8128367b3b1b44fecd1726de135cbe28a41f8b2f777c372ab")
	assert.Equal(t, "/webhooks/:id/:token", r.Template)
	assert.Equal(t, "223704706495545344:3d89bb7572e0fb30d8128367b3b1b44fecd1726de135cbe28a41f8b2f777c372ab", r.MajorParam)

	// Same webhook id with a different token is a different principal.
	other := DeriveRoute("POST", "/webhooks/223704706495545344/anothertokenvalue")
	assert.Equal(t, r.Template, other.Template)
	assert.NotEqual(t, r.SyntheticKey(), other.SyntheticKey())
}

func TestDeriveRouteInteractionExempt(t *testing.T) {
	r := DeriveRoute("POST", "/interactions/847412932744249344/sometoken/callback")
	assert.True(t, r.Interaction)
	assert.Equal(t, "/interactions/:id/:token/callback", r.Template)
}

func TestDeriveRouteOldMessageDelete(t *testing.T) {
	newest := snowflake.ID(uint64(time.Now().UnixMilli()-snowflake.Epoch) << 22)
	old := snowflake.ID(uint64(time.Now().Add(-15*24*time.Hour).UnixMilli()-snowflake.Epoch) << 22)

	fresh := DeriveRoute("DELETE", fmt.Sprintf("/channels/240985949371958286/messages/%s", newest))
	stale := DeriveRoute("DELETE", fmt.Sprintf("/channels/240985949371958286/messages/%s", old))

	assert.Equal(t, "/channels/:id/messages/:id", fresh.Template)
	assert.Equal(t, "/channels/:id/messages/:id?old", stale.Template)
	assert.NotEqual(t, fresh.SyntheticKey(), stale.SyntheticKey())
}
