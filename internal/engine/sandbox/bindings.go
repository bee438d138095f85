package sandbox

import (
	"strconv"
	"strings"

	"github.com/dop251/goja"
	"golang.org/x/net/html"
)

// XPathResult type constants, as exposed to scripts.
const (
	xpathAny               = 0
	xpathNumber            = 1
	xpathString            = 2
	xpathBoolean           = 3
	xpathUnorderedIterator = 4
	xpathOrderedIterator   = 5
	xpathUnorderedSnapshot = 6
	xpathOrderedSnapshot   = 7
	xpathAnyUnorderedNode  = 8
	xpathFirstOrderedNode  = 9
)

var xpathTypeNames = map[string]int{
	"ANY_TYPE":                     xpathAny,
	"NUMBER_TYPE":                  xpathNumber,
	"STRING_TYPE":                  xpathString,
	"BOOLEAN_TYPE":                 xpathBoolean,
	"UNORDERED_NODE_ITERATOR_TYPE": xpathUnorderedIterator,
	"ORDERED_NODE_ITERATOR_TYPE":   xpathOrderedIterator,
	"UNORDERED_NODE_SNAPSHOT_TYPE": xpathUnorderedSnapshot,
	"ORDERED_NODE_SNAPSHOT_TYPE":   xpathOrderedSnapshot,
	"ANY_UNORDERED_NODE_TYPE":      xpathAnyUnorderedNode,
	"FIRST_ORDERED_NODE_TYPE":      xpathFirstOrderedNode,
}

// documentBinding exposes a DOM to one runtime. Each node maps to a single
// script object so identity comparisons hold across queries.
type documentBinding struct {
	vm      *goja.Runtime
	dom     *DOM
	nodes   map[*html.Node]*goja.Object
	objects map[*goja.Object]*html.Node
}

func bindDocument(vm *goja.Runtime, dom *DOM) *documentBinding {
	return &documentBinding{
		vm:      vm,
		dom:     dom,
		nodes:   map[*html.Node]*goja.Object{},
		objects: map[*goja.Object]*html.Node{},
	}
}

// install defines window, document and XPathResult as globals.
func (b *documentBinding) install() error {
	if err := b.vm.Set("XPathResult", b.xpathConstants()); err != nil {
		return err
	}

	window := b.vm.NewObject()
	if b.dom == nil {
		return b.vm.Set("window", window)
	}

	document := b.document()
	location := b.location()
	_ = window.Set("document", document)
	_ = window.Set("location", location)

	if err := b.vm.Set("document", document); err != nil {
		return err
	}
	return b.vm.Set("window", window)
}

func (b *documentBinding) xpathConstants() *goja.Object {
	obj := b.vm.NewObject()
	for name, v := range xpathTypeNames {
		_ = obj.Set(name, v)
	}
	return obj
}

func (b *documentBinding) location() *goja.Object {
	u := b.dom.URL()
	loc := b.vm.NewObject()
	_ = loc.Set("href", u.String())
	_ = loc.Set("protocol", u.Scheme+":")
	_ = loc.Set("host", u.Host)
	_ = loc.Set("hostname", u.Hostname())
	_ = loc.Set("pathname", u.Path)
	if u.RawQuery != "" {
		_ = loc.Set("search", "?"+u.RawQuery)
	} else {
		_ = loc.Set("search", "")
	}
	if u.Fragment != "" {
		_ = loc.Set("hash", "#"+u.Fragment)
	} else {
		_ = loc.Set("hash", "")
	}
	_ = loc.Set("toString", func(goja.FunctionCall) goja.Value { return b.vm.ToValue(u.String()) })
	return loc
}

func (b *documentBinding) document() *goja.Object {
	root := b.dom.Root()
	doc := b.vm.NewObject()
	b.nodes[root] = doc
	b.objects[doc] = root

	_ = doc.Set("nodeType", 9)
	_ = doc.Set("URL", b.dom.URL().String())
	b.getter(doc, "title", func() goja.Value { return b.vm.ToValue(b.dom.Title()) })
	b.getter(doc, "documentElement", func() goja.Value { return b.first(root, "html") })
	b.getter(doc, "head", func() goja.Value { return b.first(root, "head") })
	b.getter(doc, "body", func() goja.Value { return b.first(root, "body") })

	_ = doc.Set("getElementById", func(call goja.FunctionCall) goja.Value {
		return b.element(b.dom.ByID(call.Argument(0).String()))
	})
	_ = doc.Set("getElementsByTagName", func(call goja.FunctionCall) goja.Value {
		return b.list(b.dom.Query(nil, call.Argument(0).String()))
	})
	_ = doc.Set("getElementsByClassName", func(call goja.FunctionCall) goja.Value {
		return b.list(b.dom.Query(nil, classSelector(call.Argument(0).String())))
	})
	b.queryMethods(doc, nil)
	_ = doc.Set("evaluate", b.evaluate)

	return doc
}

func (b *documentBinding) queryMethods(obj *goja.Object, scope *html.Node) {
	_ = obj.Set("querySelector", func(call goja.FunctionCall) goja.Value {
		nodes := b.dom.Query(scope, call.Argument(0).String())
		if len(nodes) == 0 {
			return goja.Null()
		}
		return b.element(nodes[0])
	})
	_ = obj.Set("querySelectorAll", func(call goja.FunctionCall) goja.Value {
		return b.list(b.dom.Query(scope, call.Argument(0).String()))
	})
}

func (b *documentBinding) first(scope *html.Node, selector string) goja.Value {
	nodes := b.dom.Query(scope, selector)
	if len(nodes) == 0 {
		return goja.Null()
	}
	return b.element(nodes[0])
}

// element returns the script object for n, creating it on first use.
func (b *documentBinding) element(n *html.Node) goja.Value {
	if n == nil {
		return goja.Null()
	}
	if obj, ok := b.nodes[n]; ok {
		return obj
	}

	obj := b.vm.NewObject()
	b.nodes[n] = obj
	b.objects[obj] = n

	_ = obj.Set("nodeType", nodeType(n))
	_ = obj.Set("nodeName", nodeName(n))
	_ = obj.Set("tagName", nodeName(n))

	b.getter(obj, "parentNode", func() goja.Value { return b.element(n.Parent) })
	b.property(obj, "textContent",
		func() goja.Value { return b.vm.ToValue(b.dom.Text(n)) },
		func(v goja.Value) { b.dom.SetText(n, v.String()) })
	b.property(obj, "innerHTML",
		func() goja.Value { return b.vm.ToValue(b.dom.InnerHTML(n)) },
		func(v goja.Value) {
			if err := b.dom.SetInnerHTML(n, v.String()); err != nil {
				panic(b.vm.NewGoError(err))
			}
		})
	b.attributeProperty(obj, n, "id", "id")
	b.attributeProperty(obj, n, "className", "class")

	_ = obj.Set("getAttribute", func(call goja.FunctionCall) goja.Value {
		v, ok := b.dom.Attribute(n, call.Argument(0).String())
		if !ok {
			return goja.Null()
		}
		return b.vm.ToValue(v)
	})
	_ = obj.Set("setAttribute", func(call goja.FunctionCall) goja.Value {
		b.dom.SetAttribute(n, call.Argument(0).String(), call.Argument(1).String())
		return goja.Undefined()
	})
	_ = obj.Set("hasAttribute", func(call goja.FunctionCall) goja.Value {
		_, ok := b.dom.Attribute(n, call.Argument(0).String())
		return b.vm.ToValue(ok)
	})
	if n.Type == html.ElementNode {
		b.queryMethods(obj, n)
	}

	return obj
}

func (b *documentBinding) list(nodes []*html.Node) goja.Value {
	items := make([]any, len(nodes))
	for i, n := range nodes {
		items[i] = b.element(n)
	}
	return b.vm.NewArray(items...)
}

// evaluate implements document.evaluate(expression, contextNode, resolver,
// type, result).
func (b *documentBinding) evaluate(call goja.FunctionCall) goja.Value {
	var scope *html.Node
	if obj, ok := call.Argument(1).(*goja.Object); ok {
		scope = b.objects[obj]
	}
	want := int(call.Argument(3).ToInteger())

	value, err := b.dom.Evaluate(scope, call.Argument(0).String())
	if err != nil {
		panic(b.vm.NewGoError(err))
	}
	return b.xpathResult(value, want)
}

func (b *documentBinding) xpathResult(value any, want int) *goja.Object {
	nodes, isNodes := value.([]*html.Node)

	resultType := want
	if want == xpathAny {
		switch value.(type) {
		case float64:
			resultType = xpathNumber
		case string:
			resultType = xpathString
		case bool:
			resultType = xpathBoolean
		default:
			resultType = xpathUnorderedIterator
		}
	}

	res := b.vm.NewObject()
	_ = res.Set("resultType", resultType)

	switch resultType {
	case xpathNumber:
		_ = res.Set("numberValue", xpathNumberValue(value, b.dom))
		return res
	case xpathString:
		_ = res.Set("stringValue", xpathStringValue(value, b.dom))
		return res
	case xpathBoolean:
		_ = res.Set("booleanValue", xpathBooleanValue(value))
		return res
	}

	if !isNodes {
		panic(b.vm.NewTypeError("xpath expression does not evaluate to nodes"))
	}

	_ = res.Set("snapshotLength", len(nodes))
	_ = res.Set("snapshotItem", func(call goja.FunctionCall) goja.Value {
		i := int(call.Argument(0).ToInteger())
		if i < 0 || i >= len(nodes) {
			return goja.Null()
		}
		return b.element(nodes[i])
	})
	next := 0
	_ = res.Set("iterateNext", func(goja.FunctionCall) goja.Value {
		if next >= len(nodes) {
			return goja.Null()
		}
		next++
		return b.element(nodes[next-1])
	})
	if len(nodes) > 0 {
		_ = res.Set("singleNodeValue", b.element(nodes[0]))
	} else {
		_ = res.Set("singleNodeValue", goja.Null())
	}
	return res
}

func (b *documentBinding) getter(obj *goja.Object, name string, get func() goja.Value) {
	_ = obj.DefineAccessorProperty(name,
		b.vm.ToValue(func(goja.FunctionCall) goja.Value { return get() }),
		nil, goja.FLAG_FALSE, goja.FLAG_TRUE)
}

func (b *documentBinding) property(obj *goja.Object, name string, get func() goja.Value, set func(goja.Value)) {
	_ = obj.DefineAccessorProperty(name,
		b.vm.ToValue(func(goja.FunctionCall) goja.Value { return get() }),
		b.vm.ToValue(func(call goja.FunctionCall) goja.Value {
			set(call.Argument(0))
			return goja.Undefined()
		}),
		goja.FLAG_FALSE, goja.FLAG_TRUE)
}

func (b *documentBinding) attributeProperty(obj *goja.Object, n *html.Node, prop, attr string) {
	b.property(obj, prop,
		func() goja.Value {
			v, _ := b.dom.Attribute(n, attr)
			return b.vm.ToValue(v)
		},
		func(v goja.Value) { b.dom.SetAttribute(n, attr, v.String()) })
}

func xpathNumberValue(value any, dom *DOM) float64 {
	switch v := value.(type) {
	case float64:
		return v
	case bool:
		if v {
			return 1
		}
		return 0
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(xpathStringValue(value, dom)), 64)
	if err != nil {
		return 0
	}
	return f
}

func xpathStringValue(value any, dom *DOM) string {
	switch v := value.(type) {
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(v)
	case []*html.Node:
		if len(v) == 0 {
			return ""
		}
		return dom.Text(v[0])
	}
	return ""
}

func xpathBooleanValue(value any) bool {
	switch v := value.(type) {
	case bool:
		return v
	case float64:
		return v != 0
	case string:
		return v != ""
	case []*html.Node:
		return len(v) > 0
	}
	return false
}

func classSelector(names string) string {
	var sb strings.Builder
	for _, name := range strings.Fields(names) {
		sb.WriteString(".")
		sb.WriteString(name)
	}
	return sb.String()
}

func nodeType(n *html.Node) int {
	switch n.Type {
	case html.ElementNode:
		return 1
	case html.TextNode:
		return 3
	case html.CommentNode:
		return 8
	case html.DocumentNode:
		return 9
	default:
		return 0
	}
}

func nodeName(n *html.Node) string {
	switch n.Type {
	case html.ElementNode:
		return strings.ToUpper(n.Data)
	case html.TextNode:
		return "#text"
	case html.CommentNode:
		return "#comment"
	case html.DocumentNode:
		return "#document"
	default:
		return ""
	}
}
