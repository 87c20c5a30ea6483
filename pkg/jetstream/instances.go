package jetstream

import (
	"net/url"

	"github.com/skylight-labs/jetstream-ingest/pkg/errors"
	"github.com/skylight-labs/jetstream-ingest/pkg/models"
)

// publicInstances is the allow-list of source instances sessions may
// connect to. Connecting to any other host is a configuration error.
var publicInstances = []string{
	"jetstream1.us-east.bsky.network",
	"jetstream2.us-east.bsky.network",
	"jetstream1.us-west.bsky.network",
	"jetstream2.us-west.bsky.network",
}

// PublicInstances returns the allow-listed source instance hostnames.
func PublicInstances() []string {
	out := make([]string, len(publicInstances))
	copy(out, publicInstances)
	return out
}

// DefaultInstance returns the instance used when none is configured.
func DefaultInstance() string {
	return publicInstances[0]
}

// IsPublicInstance reports whether host is on the allow-list.
func IsPublicInstance(host string) bool {
	for _, instance := range publicInstances {
		if instance == host {
			return true
		}
	}
	return false
}

// SubscribeParams are the query parameters of a subscribe URI.
// Multi-valued filters are repeated once per value in the query string.
type SubscribeParams struct {
	WantedCollections []string
	WantedDIDs        []string
	Cursor            models.Cursor // zero means tail from now
	Compress          bool
}

// SubscribeURI builds the wss subscribe URI for an allow-listed instance.
func SubscribeURI(instance string, params SubscribeParams) (string, error) {
	if !IsPublicInstance(instance) {
		return "", errors.Newf(errors.ErrorTypeConfig,
			"instance %s is not a public instance", instance)
	}

	query := url.Values{}
	for _, collection := range params.WantedCollections {
		query.Add("wantedCollections", collection)
	}
	for _, did := range params.WantedDIDs {
		query.Add("wantedDids", did)
	}
	if params.Cursor > 0 {
		query.Set("cursor", params.Cursor.String())
	}
	if params.Compress {
		query.Set("compress", "true")
	}

	u := url.URL{
		Scheme:   "wss",
		Host:     instance,
		Path:     "/subscribe",
		RawQuery: query.Encode(),
	}
	return u.String(), nil
}
