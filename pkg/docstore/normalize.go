package docstore

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
	"golang.org/x/text/unicode/norm"
)

// Normalize strips markup and canonicalizes text so that equivalent
// documents hash identically: HTML tags removed (script and style content
// dropped, entities decoded), NFKC, lower-cased, whitespace collapsed.
func Normalize(text string) string {
	stripped := stripHTML(text)
	folded := strings.ToLower(norm.NFKC.String(stripped))
	return strings.Join(strings.Fields(folded), " ")
}

// Hash returns the hex SHA-256 of already normalized text.
func Hash(normalized string) string {
	sum := sha256.Sum256([]byte(normalized))
	return hex.EncodeToString(sum[:])
}

func stripHTML(text string) string {
	if !strings.ContainsAny(text, "<&") {
		return text
	}

	var b strings.Builder
	b.Grow(len(text))

	z := html.NewTokenizer(strings.NewReader(text))
	skip := 0
	for {
		tt := z.Next()
		switch tt {
		case html.ErrorToken:
			// io.EOF or malformed input; keep what was read
			return b.String()
		case html.StartTagToken, html.EndTagToken:
			name, _ := z.TagName()
			a := atom.Lookup(name)
			if a == atom.Script || a == atom.Style {
				if tt == html.StartTagToken {
					skip++
				} else if skip > 0 {
					skip--
				}
			}
			// tags separate words
			b.WriteByte(' ')
		case html.SelfClosingTagToken:
			b.WriteByte(' ')
		case html.TextToken:
			if skip == 0 {
				b.Write(z.Text())
			}
		}
	}
}
