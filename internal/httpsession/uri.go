package httpsession

import (
	"fmt"
	"net/url"
	"strings"
)

// ParseFileURI accepts file:///abs/path and file://localhost/abs/path,
// strips any query/fragment, percent-decodes, and rejects non-absolute
// paths. Unix-only semantics are acceptable per spec.
func ParseFileURI(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("httpsession: malformed URI %q: %w", raw, err)
	}
	if u.Scheme != "file" {
		return "", fmt.Errorf("httpsession: not a file:// URI: %q", raw)
	}
	if u.Host != "" && !strings.EqualFold(u.Host, "localhost") {
		return "", fmt.Errorf("httpsession: unsupported file:// authority %q", u.Host)
	}

	path := u.Path
	if path == "" {
		return "", fmt.Errorf("httpsession: empty path in %q", raw)
	}
	if !strings.HasPrefix(path, "/") {
		return "", fmt.Errorf("httpsession: non-absolute path %q", raw)
	}
	return path, nil
}

// ParseRoots parses a roots/list response's URI list, returning only the
// entries that decode to a valid absolute path. Per spec, an empty or
// all-malformed reply is a fatal handshake error (callers check len==0).
func ParseRoots(uris []string) []string {
	out := make([]string, 0, len(uris))
	for _, u := range uris {
		if p, err := ParseFileURI(u); err == nil {
			out = append(out, p)
		}
	}
	return out
}
