package assetcache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap/zaptest"
)

func processWith(t *testing.T, minify MinifyConfig, req PageRequest, doc string) string {
	t.Helper()

	p := NewPageProcessor(&Config{Minify: minify}, nil, nil, zaptest.NewLogger(t))
	return string(p.Process(context.Background(), req, []byte(doc)))
}

func TestPageExcludedURLsAreUntouched(t *testing.T) {
	doc := "<html>\n\n\n<body>   <p>x</p>   </body></html>" + htmlPadding
	minify := MinifyConfig{HTML: true, ExcludeURLs: []string{"/checkout/*", " ", "/cart"}}

	assert.Equal(t, doc, processWith(t, minify, PageRequest{URI: "/checkout/step-2"}, doc))
	assert.Equal(t, doc, processWith(t, minify, PageRequest{URI: "/CART"}, doc))
	assert.NotEqual(t, doc, processWith(t, minify, PageRequest{URI: "/cart/items"}, doc))
}

func TestPageDefersScripts(t *testing.T) {
	minify := MinifyConfig{DeferJS: true, DeferExclude: []string{"jquery"}}
	doc := `<script src="/js/app.js"></script>` +
		`<script src="/js/jquery.min.js"></script>` +
		`<script async src="/js/analytics.js"></script>` +
		`<script src="/js/b.js" defer></script>` +
		`<script>inline()</script>`

	out := processWith(t, minify, PageRequest{}, doc)

	assert.Contains(t, out, `<script defer src="/js/app.js"></script>`)
	assert.Contains(t, out, `<script src="/js/jquery.min.js"></script>`)
	assert.Contains(t, out, `<script async src="/js/analytics.js"></script>`)
	assert.Contains(t, out, `<script src="/js/b.js" defer></script>`)
	assert.Contains(t, out, `<script>inline()</script>`)
}

func TestPageStripsVersionQueryStrings(t *testing.T) {
	doc := `<link rel="stylesheet" href="/css/a.css?ver=6.4.2"><script src="/js/b.js?ver=1"></script><img src="/img/c.png?ver=2">`

	out := processWith(t, MinifyConfig{StripQueryStrings: true}, PageRequest{}, doc)

	assert.Contains(t, out, `href="/css/a.css"`)
	assert.Contains(t, out, `src="/js/b.js"`)
	assert.Contains(t, out, `src="/img/c.png?ver=2"`)
}

func TestPageLazyLoadsImages(t *testing.T) {
	doc := `<img src="/a.png"><img class="hero" src="/b.png"><img loading="eager" src="/c.png">`

	out := processWith(t, MinifyConfig{LazyLoad: true}, PageRequest{}, doc)

	assert.Contains(t, out, `<img loading="lazy" src="/a.png">`)
	assert.Contains(t, out, `<img class="hero" loading="lazy" src="/b.png">`)
	assert.Contains(t, out, `<img loading="eager" src="/c.png">`)
}

func TestPageMinifiesInlineStylesAndScripts(t *testing.T) {
	doc := "<style media=\"all\">\n  .a {  color : red; }\n</style>" +
		"<script>\n  var a = 1; // one\n</script>" +
		"<script type=\"application/ld+json\">{ \"@type\": \"Thing\" }</script>" +
		"<script src=\"/js/x.js\">  </script>"

	out := processWith(t, MinifyConfig{CSS: true, JS: true}, PageRequest{}, doc)

	assert.Contains(t, out, `<style media="all">.a{color:red}</style>`)
	assert.Contains(t, out, `<script>var a=1;</script>`)
	assert.Contains(t, out, `<script type="application/ld+json">{ "@type": "Thing" }</script>`)
	assert.Contains(t, out, `<script src="/js/x.js">  </script>`)
}

func TestPageRewritesImagesForWebPClients(t *testing.T) {
	env := newTestCache(t, nil)
	env.writeSource(t, "img/photo.png", testPNG(t), time.Time{})
	env.writeSource(t, "img/anim.gif", []byte("GIF89a"), time.Time{})

	cfg := &Config{Images: ImagesConfig{WebP: true, Quality: 80}}
	p := NewPageProcessor(cfg, env.cache, nil, zaptest.NewLogger(t))

	doc := `<img alt="a" src="/img/photo.png"><img src="/img/missing.jpg"><img src="/img/anim.gif">`

	out := string(p.Process(context.Background(), PageRequest{Accept: "image/avif,image/webp,*/*"}, []byte(doc)))
	assert.Contains(t, out, `<img alt="a" src="/img/photo.webp">`)
	assert.Contains(t, out, `<img src="/img/missing.jpg">`)
	assert.Contains(t, out, `<img src="/img/anim.gif">`)

	out = string(p.Process(context.Background(), PageRequest{Accept: "image/png,*/*"}, []byte(doc)))
	assert.Equal(t, doc, out)
}

func TestPageRewritesRehostedFonts(t *testing.T) {
	f, env := newTestRehoster(t, testFontsConfig())

	remote := "https://fonts.googleapis.com/css?family=Roboto&display=swap"
	writeFile(t, env.cache.Path(remote, KindFontCSS), []byte("@font-face{}"), time.Now())

	p := NewPageProcessor(&Config{}, env.cache, f, zaptest.NewLogger(t))

	doc := `<link rel='stylesheet' href='https://fonts.googleapis.com/css?family=Roboto&amp;display=swap' type='text/css'>`
	out := string(p.Process(context.Background(), PageRequest{}, []byte(doc)))

	assert.Equal(t, `<link rel="stylesheet" href="/cache/fonts/`+HashKey(remote)+`.css">`, out)
}

func TestPageRequestAcceptsWebP(t *testing.T) {
	assert.True(t, PageRequest{Accept: "text/html,image/webp"}.AcceptsWebP())
	assert.False(t, PageRequest{Accept: "text/html"}.AcceptsWebP())
}
