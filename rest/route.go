package rest

import (
	"regexp"
	"strings"
	"time"

	"github.com/adred-codev/concord/snowflake"
)

// Route is the rate-limit identity of a request path. Two requests share a
// bucket iff their method, template and major parameter are equal.
type Route struct {
	Method string

	// Template is the path with every ID-shaped segment replaced by a
	// placeholder.
	Template string

	// MajorParam preserves the guild/channel/webhook identity verbatim.
	// For webhooks it is "<id>:<token>".
	MajorParam string

	// Interaction marks callback endpoints exempt from the global limit.
	Interaction bool
}

// SyntheticKey is the bucket key used until the server reveals the canonical
// one via the bucket header.
func (r Route) SyntheticKey() string {
	return r.Method + ":" + r.Template + ":" + r.MajorParam
}

var (
	reSnowflake    = regexp.MustCompile(`\d{17,19}`)
	reReactions    = regexp.MustCompile(`/reactions/.*`)
	reWebhookToken = regexp.MustCompile(`/webhooks/(:id|\d{17,19})/[^/?]+`)
)

// oldMessageAge splits bulk-delete style buckets: deleting messages older
// than two weeks lives in a separate server bucket.
const oldMessageAge = 14 * 24 * time.Hour

// DeriveRoute computes the rate-limit route for a method and path. It is
// pure: equal inputs always produce the equal Route values.
func DeriveRoute(method, path string) Route {
	if strings.HasPrefix(path, "/interactions/") && strings.HasSuffix(path, "/callback") {
		return Route{
			Method:      method,
			Template:    "/interactions/:id/:token/callback",
			MajorParam:  "interaction",
			Interaction: true,
		}
	}

	major := ""
	if strings.HasPrefix(path, "/guilds/") || strings.HasPrefix(path, "/channels/") || strings.HasPrefix(path, "/webhooks/") {
		major = reSnowflake.FindString(path)
	}
	if strings.HasPrefix(path, "/webhooks/") && major != "" {
		// The webhook token is part of the major parameter.
		rest := strings.TrimPrefix(path, "/webhooks/"+major)
		if len(rest) > 1 {
			token := strings.TrimPrefix(rest, "/")
			if i := strings.IndexByte(token, '/'); i >= 0 {
				token = token[:i]
			}
			if token != "" && !reSnowflake.MatchString(token) {
				major = major + ":" + token
			}
		}
	}

	template := reSnowflake.ReplaceAllString(path, ":id")
	template = reReactions.ReplaceAllString(template, "/reactions/:reaction")
	template = reWebhookToken.ReplaceAllString(template, "/webhooks/:id/:token")

	if method == "DELETE" && strings.HasPrefix(template, "/channels/:id/messages/:id") {
		segments := strings.Split(path, "/")
		if id, err := snowflake.Parse(segments[len(segments)-1]); err == nil {
			if time.Since(id.Timestamp()) > oldMessageAge {
				template += "?old"
			}
		}
	}

	return Route{Method: method, Template: template, MajorParam: major}
}
