package assetcache

import (
	"bytes"
	"regexp"
	"strings"
)

// CSS and JS minification is lexical: a fixed sequence of regular expression
// rewrites with no tokenizer. Inputs that depend on whitespace inside string
// literals or on automatic semicolon insertion should be excluded by the caller.

var (
	blockCommentRe = regexp.MustCompile(`(?s)/\*.*?\*/`)
	whitespaceRe   = regexp.MustCompile(`\s+`)

	cssPunctRe        = regexp.MustCompile(`\s*([:;{}])\s*`)
	cssTrailingSemiRe = regexp.MustCompile(`;+}`)

	// line comments not preceded by ':' so URL schemes survive
	jsLineCommentRe = regexp.MustCompile(`(^|[^:])//[^\n]*`)
	jsPunctRe       = regexp.MustCompile(`\s*([=+\-*/%<>!&|,;:{}()\[\]])\s*`)
)

var space = []byte(" ")

// MinifyCSS strips comments and redundant whitespace from a stylesheet.
func MinifyCSS(src []byte) []byte {
	out := blockCommentRe.ReplaceAll(src, nil)
	out = whitespaceRe.ReplaceAll(out, space)
	out = cssPunctRe.ReplaceAll(out, []byte("${1}"))
	out = cssTrailingSemiRe.ReplaceAll(out, []byte("}"))

	return bytes.TrimSpace(out)
}

// MinifyJS strips comments and whitespace around operators and punctuation.
func MinifyJS(src []byte) []byte {
	out := jsLineCommentRe.ReplaceAll(src, []byte("${1}"))
	out = blockCommentRe.ReplaceAll(out, nil)
	out = whitespaceRe.ReplaceAll(out, space)
	out = jsPunctRe.ReplaceAll(out, []byte("${1}"))

	return bytes.TrimSpace(out)
}

// CSSTransform adapts MinifyCSS to a TransformFunc.
func CSSTransform(src []byte) ([]byte, error) {
	return MinifyCSS(src), nil
}

// JSTransform adapts MinifyJS to a TransformFunc.
func JSTransform(src []byte) ([]byte, error) {
	return MinifyJS(src), nil
}

// HTMLTransform adapts the verbatim-preserving HTML minifier to a TransformFunc.
func HTMLTransform(src []byte) ([]byte, error) {
	out, err := minifyHTML(src)
	if err != nil {
		return nil, unsupportedFormat(err.Error())
	}

	return out, nil
}

// Excluded reports whether name contains any of the patterns, case-insensitively.
// Blank patterns are ignored.
func Excluded(name string, patterns []string) bool {
	lower := strings.ToLower(name)
	for _, p := range patterns {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if strings.Contains(lower, strings.ToLower(p)) {
			return true
		}
	}

	return false
}
