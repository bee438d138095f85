package sandbox

import (
	"fmt"
	"strings"
)

// hiddenGlobals are captured into the isolated closure and then removed
// from the global object, along with GM itself.
var hiddenGlobals = []string{"window", "document", "console", "XPathResult"}

// Wrapped is an assembled source ready for evaluation.
type Wrapped struct {
	Source string
	// Preamble is the number of wrapper lines before the assembled source,
	// plus one. Subtracting it from an evaluated line gives the line within
	// the assembled source counted from zero.
	Preamble int
}

// Wrap surrounds assembled source according to strategy. names are the
// capability names to alias as GM_<name>.
func Wrap(strategy Strategy, source string, names []string) Wrapped {
	var prefix, suffix strings.Builder

	switch strategy {
	case Ambient:
		writeAliases(&prefix, names)
	default:
		prefix.WriteString("(function() {\n")
		prefix.WriteString("const GM = this.GM; delete this.GM;\n")
		writeAliases(&prefix, names)
		for _, name := range hiddenGlobals {
			fmt.Fprintf(&prefix, "var %[1]s = this.%[1]s; delete this.%[1]s;\n", name)
		}
		suffix.WriteString("}).call(this);\n")
	}

	head := prefix.String()
	return Wrapped{
		Source:   head + source + suffix.String(),
		Preamble: strings.Count(head, "\n") + 1,
	}
}

func writeAliases(sb *strings.Builder, names []string) {
	if len(names) == 0 {
		return
	}
	sb.WriteString("var ")
	for i, name := range names {
		if i > 0 {
			sb.WriteString(", ")
		}
		fmt.Fprintf(sb, "GM_%[1]s = GM.%[1]s", name)
	}
	sb.WriteString(";\n")
}
