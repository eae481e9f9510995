package delivery

import (
	"bytes"
	"io"
	"regexp"
	"strings"

	"golang.org/x/net/html"

	"github.com/foxzi/herald/internal/tracking"
)

var varPattern = regexp.MustCompile(`\{\{([^}]+)\}\}`)

// Render substitutes {{variable}} patterns. Unknown variables are kept verbatim.
func Render(template string, vars map[string]string) string {
	if template == "" {
		return template
	}

	return varPattern.ReplaceAllStringFunc(template, func(match string) string {
		name := strings.TrimSpace(match[2 : len(match)-2])
		if value, ok := vars[name]; ok {
			return value
		}
		return match
	})
}

// Truncate shortens s to max runes, ending with "..." when cut
func Truncate(s string, max int) string {
	r := []rune(s)
	if max <= 0 || len(r) <= max {
		return s
	}
	if max <= 3 {
		return string(r[:max])
	}
	return string(r[:max-3]) + "..."
}

// rewriteLinks points every absolute http(s) anchor through the click tracker
func rewriteLinks(doc string, links tracking.Links, campaignID, recipientID string) string {
	z := html.NewTokenizer(strings.NewReader(doc))
	var out bytes.Buffer

	for {
		tt := z.Next()
		switch tt {
		case html.ErrorToken:
			if z.Err() == io.EOF {
				return out.String()
			}
			// unparsable tail, keep the original
			return doc
		case html.StartTagToken, html.SelfClosingTagToken:
			raw := string(z.Raw())
			tok := z.Token()
			if tok.Data != "a" || !rewriteHref(&tok, links, campaignID, recipientID) {
				out.WriteString(raw)
				continue
			}
			out.WriteString(tok.String())
		default:
			out.Write(z.Raw())
		}
	}
}

func rewriteHref(tok *html.Token, links tracking.Links, campaignID, recipientID string) bool {
	for i, a := range tok.Attr {
		if a.Key != "href" || a.Namespace != "" {
			continue
		}
		if !tracking.SafeTarget(a.Val) || links.IsTracking(a.Val) {
			return false
		}
		tok.Attr[i].Val = links.Click(campaignID, recipientID, a.Val)
		return true
	}
	return false
}

// appendPixel inserts the open pixel before the last </body>, or at the end
func appendPixel(doc, src string) string {
	img := `<img src="` + html.EscapeString(src) + `" width="1" height="1" alt="" style="display:none">`

	if i := bodyEnd(doc); i >= 0 {
		return doc[:i] + img + doc[i:]
	}
	return doc + img
}

// bodyEnd returns the byte offset of the last </body> end tag in doc, or -1
func bodyEnd(doc string) int {
	z := html.NewTokenizer(strings.NewReader(doc))
	pos, at := 0, -1

	for {
		tt := z.Next()
		if tt == html.ErrorToken {
			return at
		}
		n := len(z.Raw())
		if tt == html.EndTagToken {
			if name, _ := z.TagName(); string(name) == "body" {
				at = pos
			}
		}
		pos += n
	}
}
