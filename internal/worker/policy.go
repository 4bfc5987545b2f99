package worker

import (
	"net/http"
	"net/url"
	"path"
	"strings"

	"github.com/pquerna/cachecontrol/cacheobject"
)

// Route is the strategy the controller picks for a request.
type Route int

const (
	// RoutePassThrough leaves the request to the network untouched.
	RoutePassThrough Route = iota
	// RouteNetworkFirst serves documents from the network and falls back to
	// the cache.
	RouteNetworkFirst
	// RouteCacheFirst serves assets from the cache and fills it from the
	// network.
	RouteCacheFirst
)

func (r Route) String() string {
	switch r {
	case RouteNetworkFirst:
		return "network-first"
	case RouteCacheFirst:
		return "cache-first"
	default:
		return "pass-through"
	}
}

// Classify picks the route for req. Rules are applied in order: non-GET,
// non-http(s), API and cross-origin requests pass through; HTML is network
// first; everything else is cache first.
func Classify(req *http.Request, origin *url.URL, apiPrefix string) Route {
	if req.Method != http.MethodGet && req.Method != "" {
		return RoutePassThrough
	}
	if req.URL.Scheme != "http" && req.URL.Scheme != "https" {
		return RoutePassThrough
	}
	if apiPrefix != "" && strings.Contains(req.URL.Path, apiPrefix) {
		return RoutePassThrough
	}
	if !sameOrigin(req.URL, origin) {
		return RoutePassThrough
	}
	if IsHTMLRequest(req) {
		return RouteNetworkFirst
	}
	return RouteCacheFirst
}

// IsHTMLRequest reports whether req asks for a document: a navigation, an
// Accept header naming text/html, or a path ending in .html.
func IsHTMLRequest(req *http.Request) bool {
	if req.Header.Get("Sec-Fetch-Mode") == "navigate" {
		return true
	}
	if strings.Contains(req.Header.Get("Accept"), "text/html") {
		return true
	}
	// the query string never makes a request HTML
	return strings.HasSuffix(req.URL.Path, ".html")
}

// ShouldCache reports whether an asset path has a cacheable extension.
func ShouldCache(p string, extensions []string) bool {
	ext := strings.ToLower(path.Ext(p))
	if ext == "" {
		return false
	}
	for _, e := range extensions {
		if ext == e {
			return true
		}
	}
	return false
}

// storable reports whether resp may be written to a cache: a 2xx response
// without Cache-Control: no-store.
func storable(resp *http.Response) bool {
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return false
	}
	cc := resp.Header.Get("Cache-Control")
	if cc == "" {
		return true
	}
	directives, err := cacheobject.ParseResponseCacheControl(cc)
	if err != nil {
		return true
	}
	return !directives.NoStore
}

func sameOrigin(u, origin *url.URL) bool {
	return strings.EqualFold(u.Scheme, origin.Scheme) && strings.EqualFold(u.Host, origin.Host)
}
