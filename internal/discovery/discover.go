package discovery

import (
	"bytes"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strings"

	"golang.org/x/net/html/charset"
)

// xmlMediaTypes are the feed-family media types parsed as XML.
var xmlMediaTypes = map[string]bool{
	"application/atom+xml": true,
	"application/rss+xml":  true,
	"application/rdf+xml":  true,
	"application/xml":      true,
	"text/xml":             true,
}

var htmlMediaTypes = map[string]bool{
	"text/html":             true,
	"application/xhtml+xml": true,
}

// DiscoverLinks collects the links advertised by a topic response. Link
// header links come first, then links extracted from the body according to
// its media type. Relative targets are resolved against topicURL.
func DiscoverLinks(topicURL string, header http.Header, body []byte) []Link {
	var links []Link
	for _, value := range header.Values("Link") {
		links = append(links, ParseLinkHeader(value)...)
	}

	contentType := header.Get("Content-Type")
	mediaType, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		mediaType = ""
	}

	switch {
	case xmlMediaTypes[mediaType]:
		// The XML decoder transcodes via its CharsetReader; no pre-pass needed.
		if feedLinks, err := parseFeedLinks(body); err == nil {
			links = append(links, feedLinks...)
		}
	case htmlMediaTypes[mediaType]:
		links = append(links, parseHTMLLinks(normalizeToUTF8(body, params["charset"]))...)
	}

	return resolveTargets(topicURL, links)
}

// normalizeToUTF8 transcodes body to UTF-8 when the declared charset is not
// already UTF-8 compatible, substituting unmappable bytes. On any transcode
// failure the original bytes are returned.
func normalizeToUTF8(body []byte, label string) []byte {
	label = strings.ToLower(strings.TrimSpace(label))
	if label == "" || label == "utf-8" || label == "us-ascii" {
		return body
	}
	r, err := charset.NewReaderLabel(label, bytes.NewReader(body))
	if err != nil {
		return body
	}
	decoded, err := io.ReadAll(r)
	if err != nil {
		return body
	}
	return decoded
}

func resolveTargets(topicURL string, links []Link) []Link {
	base, err := url.Parse(topicURL)
	if err != nil {
		return links
	}
	for i, link := range links {
		ref, err := url.Parse(link.Target)
		if err != nil {
			continue
		}
		links[i].Target = base.ResolveReference(ref).String()
	}
	return links
}

// SelfListed reports whether the response advertises selfURL as a hub:
// some link whose rel tokens include "hub" must resolve to selfURL.
func SelfListed(topicURL, selfURL string, header http.Header, body []byte) bool {
	want := strings.TrimRight(selfURL, "/")
	for _, link := range DiscoverLinks(topicURL, header, body) {
		if !link.HasRelToken("hub") {
			continue
		}
		if strings.TrimRight(link.Target, "/") == want {
			return true
		}
	}
	return false
}
