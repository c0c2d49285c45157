// Package discovery extracts rel=hub links from topic responses and decides
// whether this hub is listed for a topic.
package discovery

import (
	"strings"
)

// Link is one discovered link: a target plus its attributes (rel, type, ...).
type Link struct {
	Target string
	Attrs  map[string]string
}

// HasRelToken reports whether the link's rel attribute contains the
// space-separated token (case-insensitive).
func (l Link) HasRelToken(token string) bool {
	for _, t := range strings.Fields(l.Attrs["rel"]) {
		if strings.EqualFold(t, token) {
			return true
		}
	}
	return false
}

// ParseLinkHeader parses an RFC 8288 Link header value into links.
// Malformed segments are skipped rather than failing the whole header.
func ParseLinkHeader(value string) []Link {
	var links []Link
	for _, segment := range splitOutsideQuotes(value, ',') {
		segment = strings.TrimSpace(segment)
		if segment == "" {
			continue
		}
		parts := splitOutsideQuotes(segment, ';')
		target := strings.TrimSpace(parts[0])
		if !strings.HasPrefix(target, "<") || !strings.HasSuffix(target, ">") {
			continue
		}
		link := Link{
			Target: strings.TrimSpace(target[1 : len(target)-1]),
			Attrs:  make(map[string]string),
		}
		for _, param := range parts[1:] {
			key, val, ok := strings.Cut(param, "=")
			if !ok {
				continue
			}
			key = strings.ToLower(strings.TrimSpace(key))
			val = strings.TrimSpace(val)
			val = strings.Trim(val, `"`)
			if key == "" {
				continue
			}
			// First value wins for repeated parameters, per RFC 8288.
			if _, exists := link.Attrs[key]; !exists {
				link.Attrs[key] = val
			}
		}
		links = append(links, link)
	}
	return links
}

// splitOutsideQuotes splits s on sep, ignoring separators inside double
// quotes or inside <> URI brackets.
func splitOutsideQuotes(s string, sep byte) []string {
	var (
		out      []string
		start    int
		inQuote  bool
		inAngles bool
	)
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '"':
			inQuote = !inQuote
		case '<':
			if !inQuote {
				inAngles = true
			}
		case '>':
			if !inQuote {
				inAngles = false
			}
		case sep:
			if !inQuote && !inAngles {
				out = append(out, s[start:i])
				start = i + 1
			}
		}
	}
	out = append(out, s[start:])
	return out
}
