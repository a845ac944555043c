package assetcache

import (
	"context"
	"html"
	"path/filepath"
	"regexp"
	"strings"

	"go.uber.org/zap"
)

var (
	inlineStyleRe  = regexp.MustCompile(`(?is)(<style\b[^>]*>)(.*?)(</style>)`)
	inlineScriptRe = regexp.MustCompile(`(?is)(<script\b[^>]*>)(.*?)(</script>)`)
	scriptSrcRe    = regexp.MustCompile(`(?is)<script\b[^>]*\bsrc\s*=\s*["']([^"']+)["'][^>]*>`)
	srcAttrRe      = regexp.MustCompile(`(?i)\bsrc\s*=`)
	typeAttrRe     = regexp.MustCompile(`(?i)\btype\s*=\s*["']?([^"'\s>]+)`)
	queryVerRe     = regexp.MustCompile(`(\.css|\.js)\?ver=[^"'\s>]*`)
	imgSrcRe       = regexp.MustCompile(`(?i)<img([^>]+?)src=`)
	imgImageRe     = regexp.MustCompile(`(?i)<img[^>]+src=["']([^"']+\.(?:jpg|jpeg|png))["'][^>]*>`)
	fontLinkRe     = regexp.MustCompile(`(?i)<link[^>]*href=['"]([^'"]*fonts\.googleapis\.com[^'"]*)['"][^>]*>`)
)

var jsTypes = map[string]bool{
	"text/javascript":        true,
	"application/javascript": true,
	"text/ecmascript":        true,
	"application/ecmascript": true,
	"module":                 true,
}

// PageRequest carries the request attributes the page pipeline depends on.
type PageRequest struct {
	URI    string
	Accept string
}

// AcceptsWebP reports whether the client advertised WebP support.
func (r PageRequest) AcceptsWebP() bool {
	return strings.Contains(r.Accept, "image/webp")
}

// PageProcessor rewrites a fully buffered HTML document.
type PageProcessor struct {
	minify MinifyConfig
	images ImagesConfig
	cache  *Cache
	fonts  *FontRehoster
	log    *zap.Logger

	excludedURLs []*regexp.Regexp
}

// NewPageProcessor creates a page pipeline. cache and fonts may be nil to
// disable image conversion and font re-hosting.
func NewPageProcessor(cfg *Config, cache *Cache, fonts *FontRehoster, log *zap.Logger) *PageProcessor {
	p := &PageProcessor{
		minify: cfg.Minify,
		images: cfg.Images,
		cache:  cache,
		fonts:  fonts,
		log:    log,
	}

	for _, pattern := range cfg.Minify.ExcludeURLs {
		pattern = strings.TrimSpace(pattern)
		if pattern == "" {
			continue
		}
		expr := "(?i)^" + strings.ReplaceAll(regexp.QuoteMeta(pattern), `\*`, ".*") + "$"
		p.excludedURLs = append(p.excludedURLs, regexp.MustCompile(expr))
	}

	return p
}

// Excluded reports whether the request URI matches an excluded pattern.
func (p *PageProcessor) Excluded(uri string) bool {
	for _, re := range p.excludedURLs {
		if re.MatchString(uri) {
			return true
		}
	}
	return false
}

// Process runs the enabled rewrites over doc in a fixed order. Excluded URIs
// are returned untouched.
func (p *PageProcessor) Process(ctx context.Context, req PageRequest, doc []byte) []byte {
	if p.Excluded(req.URI) {
		return doc
	}

	out := string(doc)

	if p.minify.HTML {
		out = string(MinifyHTML([]byte(out)))
	}

	if p.minify.CSS {
		out = minifyInlineStyles(out)
	}

	if p.minify.JS {
		out = minifyInlineScripts(out)
	}

	if p.minify.DeferJS {
		out = deferScripts(out, p.minify.DeferExclude)
	}

	if p.minify.StripQueryStrings {
		out = queryVerRe.ReplaceAllString(out, "${1}")
	}

	if p.minify.LazyLoad {
		out = lazyLoadImages(out)
	}

	if p.images.WebP && p.cache != nil && req.AcceptsWebP() {
		out = p.rewriteImages(ctx, out)
	}

	if p.fonts != nil {
		out = p.rewriteFonts(out)
	}

	return []byte(out)
}

func minifyInlineStyles(doc string) string {
	return inlineStyleRe.ReplaceAllStringFunc(doc, func(block string) string {
		m := inlineStyleRe.FindStringSubmatch(block)
		return m[1] + string(MinifyCSS([]byte(m[2]))) + m[3]
	})
}

func minifyInlineScripts(doc string) string {
	return inlineScriptRe.ReplaceAllStringFunc(doc, func(block string) string {
		m := inlineScriptRe.FindStringSubmatch(block)
		open := m[1]

		if srcAttrRe.MatchString(open) {
			return block
		}

		if t := typeAttrRe.FindStringSubmatch(open); t != nil && !jsTypes[strings.ToLower(t[1])] {
			return block
		}

		return open + string(MinifyJS([]byte(m[2]))) + m[3]
	})
}

// deferScripts adds defer to external scripts that have neither defer nor
// async and whose src matches no exclusion.
func deferScripts(doc string, excludes []string) string {
	return scriptSrcRe.ReplaceAllStringFunc(doc, func(tag string) string {
		src := scriptSrcRe.FindStringSubmatch(tag)[1]
		if Excluded(src, excludes) {
			return tag
		}

		lower := strings.ToLower(tag)
		if strings.Contains(lower, "defer") || strings.Contains(lower, "async") {
			return tag
		}

		return "<script defer" + tag[len("<script"):]
	})
}

func lazyLoadImages(doc string) string {
	return imgSrcRe.ReplaceAllStringFunc(doc, func(match string) string {
		attrs := imgSrcRe.FindStringSubmatch(match)[1]
		if strings.Contains(strings.ToLower(attrs), "loading=") {
			return match
		}
		return "<img" + attrs + `loading="lazy" src=`
	})
}

func (p *PageProcessor) rewriteImages(ctx context.Context, doc string) string {
	return imgImageRe.ReplaceAllStringFunc(doc, func(tag string) string {
		src := imgImageRe.FindStringSubmatch(tag)[1]

		webpPath, err := p.cache.WebPFor(ctx, src)
		if err != nil {
			p.log.Debug("keeping original image", zap.String("src", src), zap.Error(err))
			return tag
		}

		// siblings share the source's URL directory; fallbacks live under the cache root
		var webpURL string
		if filepath.Dir(webpPath) == filepath.Join(p.cache.Root(), KindWebP.Dir()) {
			webpURL = p.cache.URL(webpPath)
		} else {
			webpURL, _ = webpName(src)
		}

		if webpURL == "" {
			return tag
		}

		return strings.Replace(tag, src, webpURL, 1)
	})
}

func (p *PageProcessor) rewriteFonts(doc string) string {
	return fontLinkRe.ReplaceAllStringFunc(doc, func(tag string) string {
		remote := html.UnescapeString(fontLinkRe.FindStringSubmatch(tag)[1])

		local, ok := p.fonts.Local(remote)
		if !ok {
			return tag
		}

		return `<link rel="stylesheet" href="` + html.EscapeString(local) + `">`
	})
}
