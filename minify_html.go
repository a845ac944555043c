package assetcache

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// htmlMinLength is the size below which documents are returned untouched.
const htmlMinLength = 100

const tokenBase = "<!--PRESERVE_"

// verbatimTags are extracted in this order before any whitespace rewriting.
var verbatimTags = []string{"script", "style", "pre", "code", "textarea", "svg"}

var verbatimRes = func() []*regexp.Regexp {
	res := make([]*regexp.Regexp, len(verbatimTags))
	for i, tag := range verbatimTags {
		res[i] = regexp.MustCompile(`(?is)<` + tag + `\b[^>]*>.*?</` + tag + `>`)
	}
	return res
}()

var (
	interTagWSRe = regexp.MustCompile(`>\s{2,}<`)
	multiWSRe    = regexp.MustCompile(`\s{2,}`)

	// inline elements are deliberately absent
	blockTagWSRe = regexp.MustCompile(`(?i)\s*(</?(?:div|section|article|header|footer|nav|main|aside|ul|ol|li|p|h[1-6]|table|tr|td|th)\b[^>]*>)\s*`)
)

// verbatimSet holds regions lifted out of a document and the tokens that replaced them.
type verbatimSet struct {
	prefix string
	tokens []string
	blocks []string
}

// extractVerbatim replaces every script, style, pre, code, textarea and svg
// element with a unique comment token.
func extractVerbatim(html string) (string, *verbatimSet) {
	set := &verbatimSet{prefix: tokenPrefix(html)}

	for i, re := range verbatimRes {
		kind := strings.ToUpper(verbatimTags[i])
		html = re.ReplaceAllStringFunc(html, func(block string) string {
			token := set.prefix + kind + "_" + strconv.Itoa(len(set.tokens)) + "-->"
			set.tokens = append(set.tokens, token)
			set.blocks = append(set.blocks, block)
			return token
		})
	}

	return html, set
}

// tokenPrefix returns a token prefix that does not occur in html.
func tokenPrefix(html string) string {
	if !strings.Contains(html, tokenBase) {
		return tokenBase
	}

	for {
		prefix := tokenBase + strings.ReplaceAll(uuid.NewString(), "-", "")[:12] + "_"
		if !strings.Contains(html, prefix) {
			return prefix
		}
	}
}

// Len returns the number of extracted regions.
func (v *verbatimSet) Len() int {
	return len(v.tokens)
}

// restore puts every extracted region back. Tokens are replaced newest first so
// a region extracted from inside another one is restored after its container.
// Each token must appear exactly once.
func (v *verbatimSet) restore(html string) (string, error) {
	for i := len(v.tokens) - 1; i >= 0; i-- {
		if n := strings.Count(html, v.tokens[i]); n != 1 {
			return "", fmt.Errorf("placeholder %s found %d times", v.tokens[i], n)
		}
		html = strings.Replace(html, v.tokens[i], v.blocks[i], 1)
	}

	return html, nil
}

// isToken reports whether a comment is one of this set's placeholders.
func (v *verbatimSet) isToken(comment string) bool {
	return strings.HasPrefix(comment, v.prefix)
}

// MinifyHTML collapses whitespace and strips comments from markup while
// leaving script, style, pre, code, textarea and svg contents byte-for-byte
// intact. Documents shorter than 100 bytes and documents whose placeholders
// cannot be accounted for are returned unchanged.
func MinifyHTML(src []byte) []byte {
	out, err := minifyHTML(src)
	if err != nil {
		return src
	}

	return out
}

func minifyHTML(src []byte) ([]byte, error) {
	if len(src) < htmlMinLength {
		return src, nil
	}

	html, set := extractVerbatim(string(src))

	html = stripComments(html, set)
	html = interTagWSRe.ReplaceAllString(html, "><")
	html = multiWSRe.ReplaceAllString(html, " ")
	html = blockTagWSRe.ReplaceAllString(html, "${1}")

	html, err := set.restore(html)
	if err != nil {
		return nil, err
	}

	return []byte(strings.TrimSpace(html)), nil
}

// stripComments removes HTML comments except placeholders, conditional
// comments and comments wrapping noscript.
func stripComments(html string, set *verbatimSet) string {
	var b strings.Builder
	b.Grow(len(html))

	for {
		start := strings.Index(html, "<!--")
		if start < 0 {
			break
		}

		rel := strings.Index(html[start+4:], "-->")
		if rel < 0 {
			break
		}

		end := start + 4 + rel + 3
		comment := html[start:end]

		b.WriteString(html[:start])
		if keepComment(comment, set) {
			b.WriteString(comment)
		}

		html = html[end:]
	}

	b.WriteString(html)

	return b.String()
}

// keepComment reports whether a comment survives stripping. Comments holding
// a placeholder are kept so a commented-out script stays commented out and
// its token can be restored.
func keepComment(comment string, set *verbatimSet) bool {
	if set.isToken(comment) || strings.Contains(comment, set.prefix) {
		return true
	}

	body := strings.TrimLeft(comment[4:len(comment)-3], " \t\r\n\f")
	switch {
	case strings.HasPrefix(body, "[if ") && strings.Contains(body, "]"):
		return true
	case strings.HasPrefix(body, "<!"), strings.HasPrefix(body, ">"):
		return true
	case strings.HasPrefix(strings.ToLower(body), "<noscript"):
		return true
	default:
		return false
	}
}
