package discovery

import (
	"bytes"
	"strings"

	"golang.org/x/net/html"
)

// parseHTMLLinks stream-parses an HTML body and collects every <link>
// element's attributes. The tokenizer tolerates malformed markup, so this
// never fails; it just returns what it found.
func parseHTMLLinks(body []byte) []Link {
	var links []Link
	z := html.NewTokenizer(bytes.NewReader(body))
	for {
		switch z.Next() {
		case html.ErrorToken:
			// EOF or unrecoverable garbage; either way we are done.
			return links
		case html.StartTagToken, html.SelfClosingTagToken:
			name, hasAttr := z.TagName()
			if string(name) != "link" || !hasAttr {
				continue
			}
			link := Link{Attrs: make(map[string]string)}
			for {
				key, val, more := z.TagAttr()
				k := strings.ToLower(string(key))
				if k == "href" {
					link.Target = string(val)
				} else if _, exists := link.Attrs[k]; !exists {
					link.Attrs[k] = string(val)
				}
				if !more {
					break
				}
			}
			if link.Target != "" {
				links = append(links, link)
			}
		}
	}
}
