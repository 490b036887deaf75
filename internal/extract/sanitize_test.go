package extract

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSanitizeMainRegion(t *testing.T) {
	t.Parallel()

	raw := `<html><head><title>x</title><script>var a = 1;</script></head><body>
<header>Top</header><nav>Links</nav>
<main class="page" id="m"><div data-id="1" onclick="go()" aria-label="card"><span style="color:red">Red   Lipstick</span><div></div><!-- promo --></div></main>
<footer>f</footer></body></html>`

	got, err := Sanitize(raw)
	require.NoError(t, err)
	require.Equal(t, `<main><div><span>Red Lipstick</span></div></main>`, got)
}

func TestSanitizeFallsBackToBody(t *testing.T) {
	t.Parallel()

	got, err := Sanitize(`<html><body><div class="menu-top">Menu</div><div><p>Hello</p></div><p>   </p></body></html>`)
	require.NoError(t, err)
	require.Equal(t, `<div><p>Hello</p></div>`, got)
}

func TestSanitizeMatchesContentIDBeforeStripping(t *testing.T) {
	t.Parallel()

	got, err := Sanitize(`<body><div>Outside</div><div id="content"><p>Inside</p></div></body>`)
	require.NoError(t, err)
	require.Equal(t, `<div><p>Inside</p></div>`, got)
}

func TestSanitizeIsIdempotent(t *testing.T) {
	t.Parallel()

	pages := []string{
		`<html><body><main><section><h1>Results</h1><ul><li>Red lipstick <b>499</b></li><li></li></ul></section></main></body></html>`,
		`<body><article><p>One</p>  <p>Two</p></article><aside>x</aside></body>`,
		`<body><div class="content"><div><img src="a.png"></div><p>Card</p></div></body>`,
		`<body><div><p>plain</p></div><!-- c --></body>`,
		`<body></body>`,
		`<body><noscript><iframe src="https://www.googletagmanager.com/ns.html?id=GTM-X"></iframe>Enable JavaScript</noscript><div><p>Red Lipstick Matte</p></div></body>`,
		`<body><template><p>card</p></template><title>Search</title><div><p>Blue Mascara</p></div></body>`,
		`<body><link rel="preload" href="a.css"><base href="/"><noframes>x</noframes><div><p>Face Cream</p></div></body>`,
	}
	for _, page := range pages {
		once, err := Sanitize(page)
		require.NoError(t, err)
		twice, err := Sanitize(once)
		require.NoError(t, err)
		require.Equal(t, once, twice, "page %q", page)
	}
}

func TestSanitizeDropsHeadOnlyElementsInBody(t *testing.T) {
	t.Parallel()

	got, err := Sanitize(`<body><noscript><iframe src="https://gtm.test/ns"></iframe>Enable JavaScript</noscript><template><b>t</b></template><div><p>Red Lipstick Matte</p></div></body>`)
	require.NoError(t, err)
	require.Equal(t, `<div><p>Red Lipstick Matte</p></div>`, got)
}

func TestIsStrippedAttr(t *testing.T) {
	t.Parallel()

	for _, key := range []string{"class", "style", "id", "role", "onclick", "data-test", "aria-hidden", "CLASS"} {
		require.True(t, isStrippedAttr(key), key)
	}
	for _, key := range []string{"href", "src", "alt", "content", "itemprop"} {
		require.False(t, isStrippedAttr(key), key)
	}
}
