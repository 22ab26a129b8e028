// Package crawl coordinates crawl runs: an orchestrator seeds the task
// queue, a dispatcher leases batches out of it, a worker pool fetches them,
// and discovered links feed back into the queue until it drains.
package crawl

import (
	"net/url"
	"sort"
	"strings"
	"sync"

	"github.com/danwakefield/fnmatch"

	"github.com/AeyeOps/sitesync/internal/config"
)

// Filter decides which (host, path) pairs a run may touch. Host admission
// comes from the source's allowed_domains; path admission layers the
// configured allow/deny patterns with deny rules learned during the run,
// such as auth sections discovered through login redirects.
type Filter struct {
	domains map[string]config.DomainFilter

	mu      sync.RWMutex
	runtime map[string]map[string]struct{}
}

// NewFilter builds a filter over the source's allowed_domains map. A nil or
// empty map admits every host.
func NewFilter(domains map[string]config.DomainFilter) *Filter {
	return &Filter{
		domains: domains,
		runtime: map[string]map[string]struct{}{},
	}
}

// Suffixes is the set of admissible host suffixes for one filtering pass.
type Suffixes map[string]struct{}

// Admits reports whether host equals a suffix or sits under one. An empty
// set admits everything.
func (s Suffixes) Admits(host string) bool {
	if len(s) == 0 {
		return true
	}
	host = strings.ToLower(host)
	for suffix := range s {
		if host == suffix || strings.HasSuffix(host, "."+suffix) {
			return true
		}
	}
	return false
}

// Suffixes returns the admissible host suffixes: every configured domain
// lowercased with leading dots stripped, a bare alias for www. domains, and
// the base URL's own host when one parses. Discovery passes the page URL so
// a crawl stays on the page's host even when the domain list omits it.
func (f *Filter) Suffixes(baseURL string) Suffixes {
	suffixes := Suffixes{}
	for raw := range f.domains {
		domain := strings.TrimLeft(strings.ToLower(raw), ".")
		if domain == "" {
			continue
		}
		suffixes[domain] = struct{}{}
		if bare, ok := strings.CutPrefix(domain, "www."); ok {
			suffixes[bare] = struct{}{}
		}
	}
	if baseURL != "" {
		if parsed, err := url.Parse(baseURL); err == nil && parsed.Host != "" {
			suffixes[strings.ToLower(parsed.Host)] = struct{}{}
			if hostname := parsed.Hostname(); hostname != "" {
				suffixes[strings.ToLower(hostname)] = struct{}{}
			}
		}
	}
	return suffixes
}

// PathAllowed applies the longest-matching domain's rules to path. Any deny
// pattern match rejects, configured and runtime alike; then a non-empty
// allow list requires a match. Hosts with no configured rules pass, but
// runtime denies still apply to them.
func (f *Filter) PathAllowed(host, path string) bool {
	candidate := path
	if candidate == "" {
		candidate = "/"
	}

	for _, pattern := range f.matchRuntimeDenies(host) {
		if pathMatches(candidate, pattern) {
			return false
		}
	}

	rules, matched := f.matchDomainRules(host)
	if !matched {
		return true
	}
	for _, pattern := range rules.DenyPaths {
		if pathMatches(candidate, pattern) {
			return false
		}
	}

	allowed := false
	hasAllow := false
	for _, pattern := range rules.AllowPaths {
		if pattern == "" {
			continue
		}
		hasAllow = true
		if pathMatches(candidate, pattern) {
			allowed = true
			break
		}
	}
	return !hasAllow || allowed
}

// AddRuntimeDeny records a deny pattern for host, reporting whether it was
// newly added. Patterns accumulate for the lifetime of the filter; there is
// no removal.
func (f *Filter) AddRuntimeDeny(host, pattern string) bool {
	if host == "" || pattern == "" {
		return false
	}
	host = strings.ToLower(host)

	f.mu.Lock()
	defer f.mu.Unlock()
	rules, ok := f.runtime[host]
	if !ok {
		rules = map[string]struct{}{}
		f.runtime[host] = rules
	}
	if _, exists := rules[pattern]; exists {
		return false
	}
	rules[pattern] = struct{}{}
	return true
}

// RuntimeDenies snapshots the deny rules accumulated during the run, with
// patterns sorted per host.
func (f *Filter) RuntimeDenies() map[string][]string {
	f.mu.RLock()
	defer f.mu.RUnlock()

	out := make(map[string][]string, len(f.runtime))
	for host, rules := range f.runtime {
		patterns := make([]string, 0, len(rules))
		for pattern := range rules {
			patterns = append(patterns, pattern)
		}
		sort.Strings(patterns)
		out[host] = patterns
	}
	return out
}

// matchDomainRules returns the rules of the longest configured domain that
// host equals or sits under.
func (f *Filter) matchDomainRules(host string) (config.DomainFilter, bool) {
	host = strings.ToLower(host)
	best := ""
	var rules config.DomainFilter
	found := false
	for raw, candidate := range f.domains {
		domain := strings.TrimLeft(strings.ToLower(raw), ".")
		if domain == "" {
			continue
		}
		if host != domain && !strings.HasSuffix(host, "."+domain) {
			continue
		}
		if len(domain) > len(best) {
			best = domain
			rules = candidate
			found = true
		}
	}
	return rules, found
}

// matchRuntimeDenies returns the runtime deny patterns of the longest
// matching host entry.
func (f *Filter) matchRuntimeDenies(host string) []string {
	f.mu.RLock()
	defer f.mu.RUnlock()

	host = strings.ToLower(host)
	best := ""
	var patterns map[string]struct{}
	for entry, rules := range f.runtime {
		domain := strings.TrimLeft(entry, ".")
		if domain == "" {
			continue
		}
		if host != domain && !strings.HasSuffix(host, "."+domain) {
			continue
		}
		if len(domain) > len(best) {
			best = domain
			patterns = rules
		}
	}
	if len(patterns) == 0 {
		return nil
	}
	out := make([]string, 0, len(patterns))
	for pattern := range patterns {
		out = append(out, pattern)
	}
	return out
}

// pathMatches applies one pattern to a path. "prefix/**" and "prefix/*"
// match paths strictly under prefix, never prefix itself; patterns with
// glob metacharacters match shell-style against the whole path; everything
// else is exact equality.
func pathMatches(path, pattern string) bool {
	if pattern == "" {
		return false
	}
	if prefix, ok := strings.CutSuffix(pattern, "/**"); ok {
		if !strings.HasSuffix(prefix, "/") {
			prefix += "/"
		}
		return strings.HasPrefix(path, prefix)
	}
	if prefix, ok := strings.CutSuffix(pattern, "/*"); ok {
		if !strings.HasSuffix(prefix, "/") {
			prefix += "/"
		}
		return strings.HasPrefix(path, prefix)
	}
	if strings.ContainsAny(pattern, "*?[") {
		return fnmatch.Match(pattern, path, 0)
	}
	return path == pattern
}
