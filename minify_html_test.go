package assetcache

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const htmlPadding = "<div class=\"padding\">lorem ipsum dolor sit amet, consectetur adipiscing elit</div>\n"

func TestMinifyHTMLKeepsScriptVerbatim(t *testing.T) {
	script := "<script>var  x = 1;\n  // keep\n</script>"
	doc := "<html>\n  <body>\n    <p>Hi   there</p>\n    " + script + "\n    <!-- drop me -->\n" + htmlPadding + "  </body>\n</html>\n"
	require.GreaterOrEqual(t, len(doc), htmlMinLength)

	out := string(MinifyHTML([]byte(doc)))

	assert.Contains(t, out, "<p>Hi there</p>")
	assert.Contains(t, out, script)
	assert.NotContains(t, out, "drop me")
	assert.NotContains(t, out, tokenBase)
	assert.Less(t, len(out), len(doc))
}

func TestMinifyHTMLShortInputUnchanged(t *testing.T) {
	doc := "<p>Hi   there</p><script>var  x = 1;</script>"
	require.Less(t, len(doc), htmlMinLength)

	assert.Equal(t, doc, string(MinifyHTML([]byte(doc))))
}

func TestMinifyHTMLPreservesVerbatimElements(t *testing.T) {
	blocks := []string{
		"<style>\n  .a  {  color: red; }\n</style>",
		"<pre>\n  indented\n    text\n</pre>",
		"<code>a  =  b</code>",
		"<textarea name=\"t\">\n  line one\n\n  line two\n</textarea>",
		"<svg viewBox=\"0 0 10 10\">\n  <path d=\"M0 0  L10 10\"/>\n</svg>",
	}

	doc := "<html>\n<body>\n" + htmlPadding + strings.Join(blocks, "\n\n   ") + "\n</body>\n</html>"
	out := string(MinifyHTML([]byte(doc)))

	for _, block := range blocks {
		assert.Contains(t, out, block)
	}
}

func TestMinifyHTMLKeepsSpecialComments(t *testing.T) {
	conditional := "<!--[if IE 9]><p>old browser</p><![endif]-->"
	noscript := "<!--<noscript><img src=\"/pixel.gif\"></noscript>-->"
	doc := "<html>\n<head>\n" + conditional + "\n</head>\n<body>\n" + noscript + "\n<!-- build 42 -->\n" + htmlPadding + "</body>\n</html>"

	out := string(MinifyHTML([]byte(doc)))

	assert.Contains(t, out, conditional)
	assert.Contains(t, out, noscript)
	assert.NotContains(t, out, "build 42")
}

func TestMinifyHTMLCommentedOutScript(t *testing.T) {
	doc := "<div>\n\n  <p>hi</p>\n</div>\n<!-- old: <script>x()</script> -->\n<!-- gone -->\n" + htmlPadding

	out := string(MinifyHTML([]byte(doc)))

	assert.NotEqual(t, doc, out)
	assert.Contains(t, out, "<div><p>hi</p></div>")
	assert.Contains(t, out, "<!-- old: <script>x()</script> -->")
	assert.NotContains(t, out, "gone")
	assert.NotContains(t, out, tokenBase)
}

func TestMinifyHTMLDoesNotCollapseInlineTags(t *testing.T) {
	doc := "<p>\n  Read <a href=\"/more\">more</a> and <strong>this</strong>  now\n</p>\n" + htmlPadding

	out := string(MinifyHTML([]byte(doc)))

	assert.Contains(t, out, "Read <a href=\"/more\">more</a> and <strong>this</strong> now")
}

func TestMinifyHTMLLiteralPlaceholderInInput(t *testing.T) {
	script := "<script>let  y = 2;</script>"
	doc := "<body>\n<!--PRESERVE_SCRIPT_0-->\n" + script + "\n" + htmlPadding + "</body>"

	out, err := minifyHTML([]byte(doc))
	require.NoError(t, err)
	assert.Contains(t, string(out), script)
}

func TestExtractVerbatimRoundTrip(t *testing.T) {
	doc := "<body>\n<script>a()</script>\n<style>b{}</style>\n<pre> c </pre>\n<code>d</code>\n<textarea>e</textarea>\n<svg><g/></svg>\n</body>"

	html, set := extractVerbatim(doc)

	assert.Equal(t, 6, set.Len())
	assert.Equal(t, set.Len(), strings.Count(html, tokenBase))
	assert.NotContains(t, html, "<script>")

	restored, err := set.restore(html)
	require.NoError(t, err)
	assert.Equal(t, doc, restored)
}

func TestExtractVerbatimNested(t *testing.T) {
	doc := "<div><svg><script>x()</script><path/></svg></div>"

	html, set := extractVerbatim(doc)

	// the script token lives inside the extracted svg block
	assert.Equal(t, 2, set.Len())
	assert.Equal(t, 1, strings.Count(html, tokenBase))

	restored, err := set.restore(html)
	require.NoError(t, err)
	assert.Equal(t, doc, restored)
}

func TestRestoreRejectsMissingOrDuplicatedPlaceholder(t *testing.T) {
	html, set := extractVerbatim("<p>a</p><script>x()</script><p>b</p>")
	require.Equal(t, 1, set.Len())

	_, err := set.restore(strings.Replace(html, set.tokens[0], "", 1))
	assert.Error(t, err)

	_, err = set.restore(html + set.tokens[0])
	assert.Error(t, err)
}

func TestTokenPrefixAvoidsCollision(t *testing.T) {
	assert.Equal(t, tokenBase, tokenPrefix("<p>plain</p>"))

	prefix := tokenPrefix("<p><!--PRESERVE_SCRIPT_0--></p>")
	assert.NotEqual(t, tokenBase, prefix)
	assert.True(t, strings.HasPrefix(prefix, tokenBase))
}

func TestHTMLTransform(t *testing.T) {
	doc := "<div>\n    <p>one</p>\n    <p>two</p>\n</div>\n" + htmlPadding

	out, err := HTMLTransform([]byte(doc))
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(out), "<div><p>one</p><p>two</p></div>"))
}
