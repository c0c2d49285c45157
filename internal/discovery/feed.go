package discovery

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"io"
	"strings"

	"golang.org/x/net/html/charset"
)

// feedLink is a <link> element in feed metadata. Atom links carry rel/href
// attributes; a plain RSS <link> carries the URL as character data.
type feedLink struct {
	Rel   string `xml:"rel,attr"`
	Href  string `xml:"href,attr"`
	Type  string `xml:"type,attr"`
	Title string `xml:"title,attr"`
	Text  string `xml:",chardata"`
}

func (l feedLink) toLink() (Link, bool) {
	target := l.Href
	if target == "" {
		target = strings.TrimSpace(l.Text)
	}
	if target == "" {
		return Link{}, false
	}
	link := Link{Target: target, Attrs: make(map[string]string)}
	if l.Rel != "" {
		link.Attrs["rel"] = l.Rel
	}
	if l.Type != "" {
		link.Attrs["type"] = l.Type
	}
	if l.Title != "" {
		link.Attrs["title"] = l.Title
	}
	return link, true
}

// atomDoc matches <feed> roots: links live directly under the feed element.
type atomDoc struct {
	Links []feedLink `xml:"link"`
}

// channelDoc matches <rss> and RDF roots: links live under <channel>.
// The unqualified element name matches both plain <link> and <atom:link>,
// so an RSS channel with a single atom:link still decodes as a one-element
// list.
type channelDoc struct {
	Channel struct {
		Links []feedLink `xml:"link"`
	} `xml:"channel"`
}

// parseFeedLinks extracts feed-metadata links from an XML body.
// Entry/item links are intentionally not collected.
func parseFeedLinks(body []byte) ([]Link, error) {
	root, err := rootElementName(body)
	if err != nil {
		return nil, err
	}

	var rawLinks []feedLink
	switch root {
	case "feed":
		var doc atomDoc
		if err := decodeXML(body, &doc); err != nil {
			return nil, err
		}
		rawLinks = doc.Links
	case "rss", "RDF":
		var doc channelDoc
		if err := decodeXML(body, &doc); err != nil {
			return nil, err
		}
		rawLinks = doc.Channel.Links
	default:
		// Generic XML: accept either shape; feed wins when both decode.
		var feed atomDoc
		if err := decodeXML(body, &feed); err == nil && len(feed.Links) > 0 {
			rawLinks = feed.Links
			break
		}
		var channel channelDoc
		if err := decodeXML(body, &channel); err != nil {
			return nil, fmt.Errorf("unrecognized XML feed root %q: %w", root, err)
		}
		rawLinks = channel.Channel.Links
	}

	var links []Link
	for _, raw := range rawLinks {
		if link, ok := raw.toLink(); ok {
			links = append(links, link)
		}
	}
	return links, nil
}

func decodeXML(body []byte, v any) error {
	dec := xml.NewDecoder(bytes.NewReader(body))
	dec.CharsetReader = charset.NewReaderLabel
	return dec.Decode(v)
}

func rootElementName(body []byte) (string, error) {
	dec := xml.NewDecoder(bytes.NewReader(body))
	dec.CharsetReader = charset.NewReaderLabel
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			return "", fmt.Errorf("no root element")
		}
		if err != nil {
			return "", fmt.Errorf("parse XML: %w", err)
		}
		if start, ok := tok.(xml.StartElement); ok {
			return start.Name.Local, nil
		}
	}
}
