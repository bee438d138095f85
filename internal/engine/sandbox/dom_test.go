package sandbox

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/html"
)

func TestDOMQueryAndEvaluate(t *testing.T) {
	dom, err := NewDOM("http://example.com/", testPage)
	require.NoError(t, err)

	assert.Equal(t, "Test Page", dom.Title())
	assert.Len(t, dom.Query(nil, "li"), 2)

	ul := dom.Query(nil, "ul")[0]
	assert.Len(t, dom.Query(ul, "li"), 2)

	v, err := dom.Evaluate(nil, "count(//li)")
	require.NoError(t, err)
	assert.Equal(t, float64(2), v)

	v, err = dom.Evaluate(ul, "li[2]")
	require.NoError(t, err)
	nodes := v.([]*html.Node)
	require.Len(t, nodes, 1)
	assert.Equal(t, "two", dom.Text(nodes[0]))

	_, err = dom.Evaluate(nil, "//[")
	assert.Error(t, err)

	assert.NotNil(t, dom.ByID("t"))
	assert.Nil(t, dom.ByID("absent"))
}

func TestDOMInnerHTMLIsSanitized(t *testing.T) {
	dom, err := NewDOM("http://example.com/", testPage)
	require.NoError(t, err)

	div := dom.ByID("t")
	require.NoError(t, dom.SetInnerHTML(div, `<b>bold</b><script>alert(1)</script>`))

	inner := dom.InnerHTML(div)
	assert.Contains(t, inner, "<b>bold</b>")
	assert.NotContains(t, inner, "script")

	changes := dom.GetChanges()
	require.Len(t, changes, 1)
	assert.Equal(t, "set_html", changes[0].Type)
}

func TestDOMChangeTracking(t *testing.T) {
	dom, err := NewDOM("http://example.com/", testPage)
	require.NoError(t, err)

	items := dom.Query(nil, "li")
	dom.SetAttribute(items[1], "data-x", "1")
	mark := dom.ChangeCount()
	dom.SetText(items[0], "first")

	assert.Equal(t, 2, dom.ChangeCount())
	since := dom.ChangesSince(mark)
	require.Len(t, since, 1)
	assert.Equal(t, "html > body > ul > li:nth-of-type(1)", since[0].Selector)

	assert.Equal(t, "html > body > ul > li:nth-of-type(2)", dom.GetChanges()[0].Selector)
	assert.Empty(t, dom.ChangesSince(10))
}

func TestAddStyleRequiresHead(t *testing.T) {
	dom, err := NewDOM("http://example.com/", testPage)
	require.NoError(t, err)
	require.NoError(t, dom.AddStyle("p { margin: 0 }"))

	styles := dom.Query(nil, "head style")
	require.Len(t, styles, 1)
	assert.Equal(t, "p { margin: 0 }", dom.Text(styles[0]))
}
