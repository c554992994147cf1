// Package credentials loads the session cookies and user agent used against
// the gallery site. The credentials file is a text/template that renders to
// JSON, so secrets can come from the environment, files or a secret manager.
package credentials

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Credentials holds the resolved remote site credentials.
type Credentials struct {
	UserAgent string     `json:"user_agent,omitempty"`
	Sites     []SiteAuth `json:"sites,omitempty"`
}

// SiteAuth holds the session cookies sent to a remote host and its
// subdomains.
type SiteAuth struct {
	Host    string   `json:"host"`
	Cookies []Cookie `json:"cookies,omitempty"`
}

// Cookie is a single session cookie.
type Cookie struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// Validate reports every site without a host and every host listed twice.
func (c *Credentials) Validate() error {
	var errs []error
	seen := make(map[string]bool, len(c.Sites))
	for i, s := range c.Sites {
		h := s.domain()
		switch {
		case h == "":
			errs = append(errs, fmt.Errorf("sites[%d]: host is required", i))
		case seen[h]:
			errs = append(errs, fmt.Errorf("sites[%d]: duplicate host %q", i, s.Host))
		}
		seen[h] = true
	}
	return errors.Join(errs...)
}

// Site returns the most specific site entry matching host, or nil.
func (c *Credentials) Site(host string) *SiteAuth {
	if c == nil {
		return nil
	}
	host = strings.ToLower(host)
	var best *SiteAuth
	for i := range c.Sites {
		s := &c.Sites[i]
		if !s.matches(host) {
			continue
		}
		if best == nil || len(s.domain()) > len(best.domain()) {
			best = s
		}
	}
	return best
}

// domain is the host without a leading dot, lower cased.
func (s *SiteAuth) domain() string {
	return strings.ToLower(strings.TrimPrefix(s.Host, "."))
}

func (s *SiteAuth) matches(host string) bool {
	d := s.domain()
	return d != "" && (host == d || strings.HasSuffix(host, "."+d))
}

// HTTPCookies returns the named site cookies as http cookies.
func (s *SiteAuth) HTTPCookies() []*http.Cookie {
	if s == nil {
		return nil
	}
	var cookies []*http.Cookie
	for _, c := range s.Cookies {
		if c.Name != "" {
			cookies = append(cookies, &http.Cookie{Name: c.Name, Value: c.Value})
		}
	}
	return cookies
}
