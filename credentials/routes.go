package credentials

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

// Validate checks the route table.
//
// Validation rules:
//   - Every route needs a host unless it has Any: true
//   - Only the last route may have Any: true
//   - A path prefix must start with "/"
func (c *SourceAuthConfig) Validate() error {
	if c == nil {
		return nil
	}
	for i, route := range c.Routes {
		isLast := i == len(c.Routes)-1
		if route.Match.Any {
			if !isLast {
				return fmt.Errorf("source route %d: only the last route may have any: true", i)
			}
			continue
		}
		if route.Match.Host == "" {
			return fmt.Errorf("source route %d: host is required (or use any: true for catch-all)", i)
		}
		if route.Match.PathPrefix != "" && !strings.HasPrefix(route.Match.PathPrefix, "/") {
			return fmt.Errorf("source route %d: path_prefix %q must start with /", i, route.Match.PathPrefix)
		}
	}
	return nil
}

// Match returns the first route matching u, or nil.
func (c *SourceAuthConfig) Match(u *url.URL) *SourceRoute {
	if c == nil || u == nil {
		return nil
	}
	for i := range c.Routes {
		route := &c.Routes[i]
		if route.Match.Any {
			return route
		}
		if !strings.EqualFold(u.Hostname(), route.Match.Host) {
			continue
		}
		if route.Match.PathPrefix != "" && !strings.HasPrefix(u.Path, route.Match.PathPrefix) {
			continue
		}
		return route
	}
	return nil
}

// Apply attaches the route's credentials to req.
func (r *SourceRoute) Apply(req *http.Request) {
	for k, v := range r.Headers {
		req.Header.Set(k, v)
	}
	switch {
	case r.Token != "":
		req.Header.Set("Authorization", "Bearer "+r.Token)
	case r.Username != "" || r.Password != "":
		req.SetBasicAuth(r.Username, r.Password)
	}
}
