// Package routepath compiles parametric path patterns and splits
// application URLs into a pathname and a query map.
//
// Patterns support a single syntax: colon-prefixed segment captures
// (`:name`) that match any non-empty, non-slash run. Matches are
// anchored against the full pathname.
package routepath

import (
	"strings"
)

// Params maps capture names from a pattern to the matched path segments.
type Params map[string]string

// Pattern is a compiled path pattern.
type Pattern struct {
	raw      string
	segments []segment
}

type segment struct {
	literal string
	param   string // capture name; empty for literal segments
}

// Compile parses a pattern such as "/api/items/:id" into a matcher.
// Compilation never fails: a pattern with no captures degrades to an
// exact string match.
func Compile(pattern string) *Pattern {
	p := &Pattern{raw: pattern}
	for _, seg := range splitSegments(pattern) {
		if strings.HasPrefix(seg, ":") && len(seg) > 1 {
			p.segments = append(p.segments, segment{param: seg[1:]})
		} else {
			p.segments = append(p.segments, segment{literal: seg})
		}
	}
	return p
}

// String returns the original pattern text.
func (p *Pattern) String() string { return p.raw }

// Match tests path against the pattern and, on success, returns the
// captured parameters. The match is anchored: every segment of the path
// must be consumed. A repeated capture name keeps the last capture.
func (p *Pattern) Match(path string) (Params, bool) {
	segs := splitSegments(path)
	if len(segs) != len(p.segments) {
		return nil, false
	}

	var params Params
	for i, want := range p.segments {
		got := segs[i]
		if want.param != "" {
			if got == "" {
				return nil, false
			}
			if params == nil {
				params = make(Params)
			}
			params[want.param] = got
			continue
		}
		if got != want.literal {
			return nil, false
		}
	}
	if params == nil {
		params = Params{}
	}
	return params, true
}

// splitSegments normalises a path into its slash-separated segments.
// "/" and "" both yield zero segments so a route registered as "/"
// matches the root path.
func splitSegments(path string) []string {
	path = strings.Trim(path, "/")
	if path == "" {
		return nil
	}
	return strings.Split(path, "/")
}

// Split separates a frame URL into its pathname and query map. It
// accepts plain pathnames ("/a/b?x=1") and full URLs with an authority
// ("https://host:1234/a/b?x=1"). Query values are kept as raw strings;
// when a key repeats, the last value wins.
func Split(rawurl string) (string, map[string]string) {
	path := rawurl

	// Strip scheme://authority if present.
	if idx := strings.Index(path, "://"); idx != -1 {
		rest := path[idx+3:]
		if slash := strings.IndexByte(rest, '/'); slash != -1 {
			path = rest[slash:]
		} else {
			path = "/"
		}
	}

	var query map[string]string
	if q := strings.IndexByte(path, '?'); q != -1 {
		query = parseQuery(path[q+1:])
		path = path[:q]
	}
	if path == "" {
		path = "/"
	}
	return path, query
}

func parseQuery(qs string) map[string]string {
	if qs == "" {
		return nil
	}
	out := make(map[string]string)
	for _, pair := range strings.Split(qs, "&") {
		if pair == "" {
			continue
		}
		if eq := strings.IndexByte(pair, '='); eq != -1 {
			out[pair[:eq]] = pair[eq+1:]
		} else {
			out[pair] = ""
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
