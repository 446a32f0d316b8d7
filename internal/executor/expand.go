package executor

import (
	"sort"
	"strings"
)

// ExpandDetails performs the cartesian-expansion contract shared by
// backends whose details documents may be templated: every {{name}}
// placeholder in the raw details text whose name is a key of params marks
// the document as parameterized over that parameter. The result is one
// Expansion per element of the cartesian product of the referenced
// parameters' value lists, each with its placeholders substituted and the
// chosen values recorded in its ParameterSet. Details that reference no
// parameter expand to themselves, unchanged, with an empty ParameterSet.
//
// Referenced parameters are combined in lexical order, so the expansion
// order is deterministic for a given input. A referenced parameter with an
// empty value list yields zero expansions.
func ExpandDetails(details TaskDetails, params Parameters) []Expansion {
	text := string(details)
	var referenced []string
	for name := range params {
		if strings.Contains(text, placeholder(name)) {
			referenced = append(referenced, name)
		}
	}
	if len(referenced) == 0 {
		return []Expansion{{Details: details, Parameters: ParameterSet{}}}
	}
	sort.Strings(referenced)

	expansions := []Expansion{{Details: details, Parameters: ParameterSet{}}}
	for _, name := range referenced {
		next := make([]Expansion, 0, len(expansions)*len(params[name]))
		for _, exp := range expansions {
			for _, value := range params[name] {
				substituted := strings.ReplaceAll(string(exp.Details), placeholder(name), value)
				set := make(ParameterSet, len(exp.Parameters)+1)
				for k, v := range exp.Parameters {
					set[k] = v
				}
				set[name] = value
				next = append(next, Expansion{Details: TaskDetails(substituted), Parameters: set})
			}
		}
		expansions = next
	}
	return expansions
}

func placeholder(name string) string {
	return "{{" + name + "}}"
}
