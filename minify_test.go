package assetcache

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMinifyCSS(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{
			name: "rule",
			in:   ".a {\n  color: red;\n}\n",
			want: ".a{color:red}",
		},
		{
			name: "comments and spacing",
			in:   "/* reset */ body { margin : 0 ; }",
			want: "body{margin:0}",
		},
		{
			name: "multiline comment",
			in:   "/*\n * theme\n */\nh1, h2 {\n\tfont-weight: bold;;\n}\n",
			want: "h1, h2{font-weight:bold}",
		},
		{
			name: "empty",
			in:   "  \n ",
			want: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, string(MinifyCSS([]byte(tt.in))))
		})
	}
}

func TestMinifyCSSIsIdempotent(t *testing.T) {
	inputs := []string{
		".a {\n  color: red;\n}\n",
		"@media (max-width: 600px) {\n  .nav { display : none; }\n}\n",
		"a:hover { text-decoration: underline }",
	}

	for _, in := range inputs {
		once := MinifyCSS([]byte(in))
		assert.Equal(t, string(once), string(MinifyCSS(once)), in)
	}
}

func TestMinifyJS(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{
			name: "url scheme survives line comment stripping",
			in:   "var url = \"http://example.com\"; // note\nvar a = 1;",
			want: `var url="http://example.com";var a=1;`,
		},
		{
			name: "block comment",
			in:   "/* header */\nfunction f(a, b) {\n  return a + b;\n}",
			want: "function f(a,b){return a+b;}",
		},
		{
			name: "comment at start",
			in:   "// only a comment\nx = y;",
			want: "x=y;",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, string(MinifyJS([]byte(tt.in))))
		})
	}
}

func TestMinifyJSIsIdempotent(t *testing.T) {
	in := "function add(a, b) {\n  // sum\n  return a + b;\n}\nvar s = 'https://cdn.example.com/lib.js';\n"

	once := MinifyJS([]byte(in))
	assert.Equal(t, string(once), string(MinifyJS(once)))
	assert.Contains(t, string(once), "https://cdn.example.com/lib.js")
}

func TestExcluded(t *testing.T) {
	patterns := []string{"jquery", " ", "Admin-Bar"}

	assert.True(t, Excluded("/wp-includes/js/jquery/jquery.min.js", patterns))
	assert.True(t, Excluded("/js/admin-bar.js", patterns))
	assert.False(t, Excluded("/js/app.js", patterns))
	assert.False(t, Excluded("/js/app.js", nil))
}
