package synth

import (
	"net/http"

	"github.com/gregjones/httpcache"
	"github.com/gregjones/httpcache/diskcache"
)

// NewCachingHTTPClient creates an HTTP client honouring Cache-Control on responses.
// Voice model lookups are cacheable, so repeated jobs for the same voice skip the round trip.
func NewCachingHTTPClient(cacheDir string, base http.RoundTripper) *http.Client {
	var cache httpcache.Cache = httpcache.NewMemoryCache()
	if cacheDir != "" {
		// persists across restarts
		cache = diskcache.New(cacheDir)
	}

	transport := httpcache.NewTransport(cache)
	transport.Transport = base

	return &http.Client{
		Transport: transport,
	}
}
