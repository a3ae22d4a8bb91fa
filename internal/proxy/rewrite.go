package proxy

import (
	"mime"
	"net/url"
	"regexp"
	"strconv"
	"strings"
)

// attrPattern matches src, srcset, href and action attributes, quoted or not.
// Go regexps have no backreferences, so each quote style is its own branch.
var attrPattern = regexp.MustCompile(`(?i)(\s(src|srcset|href|action)\s*=\s*)(?:"([^"]*)"|'([^']*)'|([^\s"'>]+))`)

// ShouldRewrite reports whether a response with contentType carries HTML.
func ShouldRewrite(contentType string) bool {
	if contentType == "" {
		return false
	}
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return strings.HasPrefix(strings.ToLower(strings.TrimSpace(contentType)), "text/html")
	}
	return mt == "text/html"
}

// Rewriter routes the links of a proxied page back through the proxy.
type Rewriter struct {
	// Mount is the path the proxy is served under, such as /api/v1/proxy.
	Mount   string
	Project string
	Port    int
	// BasePath is the upstream path of the page, used to resolve relative links.
	BasePath string
}

// HTML rewrites every src, srcset, href and action attribute of body.
// Unquoted values come back double-quoted.
func (rw Rewriter) HTML(body []byte) []byte {
	return attrPattern.ReplaceAllFunc(body, func(m []byte) []byte {
		sub := attrPattern.FindSubmatch(m)
		prefix, name := string(sub[1]), strings.ToLower(string(sub[2]))
		quote, value := `"`, string(sub[3])
		switch {
		case sub[4] != nil:
			quote, value = `'`, string(sub[4])
		case sub[5] != nil:
			value = string(sub[5])
		}
		if name == "srcset" {
			return []byte(prefix + quote + rw.SrcSet(value) + quote)
		}
		return []byte(prefix + quote + rw.URL(value) + quote)
	})
}

// SrcSet rewrites the URL of every candidate in a srcset value. Values with
// data: URLs are returned unchanged since their commas are not separators.
func (rw Rewriter) SrcSet(value string) string {
	if strings.Contains(strings.ToLower(value), "data:") {
		return value
	}
	candidates := strings.Split(value, ",")
	for i, c := range candidates {
		fields := strings.Fields(c)
		if len(fields) == 0 {
			continue
		}
		fields[0] = rw.URL(fields[0])
		candidates[i] = strings.Join(fields, " ")
	}
	return strings.Join(candidates, ", ")
}

// Location rewrites a redirect target. Absolute URLs pointing at the
// upstream itself are treated as root-relative.
func (rw Rewriter) Location(loc, upstreamHost string) string {
	if u, err := url.Parse(strings.TrimSpace(loc)); err == nil && u.Host != "" && strings.EqualFold(u.Host, upstreamHost) {
		u.Scheme, u.Host, u.User = "", "", nil
		if u.Path == "" {
			u.Path = "/"
		}
		loc = u.String()
	}
	return rw.URL(loc)
}

// URL rewrites a single link. Absolute and protocol-relative URLs, fragments
// and non-navigational schemes are returned unchanged.
func (rw Rewriter) URL(ref string) string {
	trimmed := strings.TrimSpace(ref)
	if trimmed == "" || strings.HasPrefix(trimmed, "#") || strings.HasPrefix(trimmed, "//") {
		return ref
	}
	u, err := url.Parse(trimmed)
	if err != nil || u.Scheme != "" || u.Host != "" {
		return ref
	}

	base := rw.BasePath
	if !strings.HasPrefix(base, "/") {
		base = "/" + base
	}
	resolved := base
	if u.Path != "" {
		resolved = (&url.URL{Path: base}).ResolveReference(&url.URL{Path: u.Path}).Path
	}

	extra := "project=" + url.QueryEscape(rw.Project) + "&port=" + strconv.Itoa(rw.Port)
	query := extra
	if u.RawQuery != "" {
		query = u.RawQuery + "&" + extra
	}

	out := strings.TrimSuffix(rw.Mount, "/") + (&url.URL{Path: resolved}).EscapedPath() + "?" + query
	if u.Fragment != "" {
		out += "#" + u.EscapedFragment()
	}
	return out
}
