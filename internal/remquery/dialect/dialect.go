// Package dialect parses REM's thin textual query grammar: a first token
// naming the query mode, followed by shell-quoted positional and k=v
// arguments. It does not interpret the arguments beyond aliasing and type
// coercion — internal/remquery validates them against a table/field
// allow-list and executes.
package dialect

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/google/shlex"
)

// Mode is one of REM's five query modes, the dialect's first token.
type Mode string

const (
	ModeLookup   Mode = "LOOKUP"
	ModeFuzzy    Mode = "FUZZY"
	ModeSearch   Mode = "SEARCH"
	ModeSQL      Mode = "SQL"
	ModeTraverse Mode = "TRAVERSE"
)

var validModes = map[Mode]bool{
	ModeLookup: true, ModeFuzzy: true, ModeSearch: true, ModeSQL: true, ModeTraverse: true,
}

// Query is a parsed dialect statement: a mode plus a bag of named
// parameters, already alias-mapped and type-coerced.
type Query struct {
	Mode   Mode
	Params map[string]any
}

// paramAliases maps a short user-facing key to REM's canonical internal
// field name, matching the original parser's alias table.
var paramAliases = map[string]string{
	"table":     "table_name",
	"field":     "field_name",
	"where":     "where_clause",
	"depth":     "max_depth",
	"rel_type":  "edge_types",
	"rel_types": "edge_types",
}

var intParams = map[string]bool{"limit": true, "max_depth": true}
var floatParams = map[string]bool{"threshold": true, "min_similarity": true, "weight": true}
var listParams = map[string]bool{"edge_types": true, "tags": true}

// Parse tokenizes a query string with shell-style quoting and dispatches
// on its first token.
func Parse(queryString string) (Query, error) {
	trimmed := strings.TrimSpace(queryString)
	if trimmed == "" {
		return Query{}, fmt.Errorf("dialect: empty query string")
	}

	tokens, err := shlex.Split(trimmed)
	if err != nil {
		return Query{}, fmt.Errorf("dialect: tokenize: %w", err)
	}
	if len(tokens) == 0 {
		return Query{}, fmt.Errorf("dialect: empty query string")
	}

	mode := Mode(strings.ToUpper(tokens[0]))
	if !validModes[mode] {
		return Query{}, fmt.Errorf("dialect: invalid query mode %q", tokens[0])
	}

	params := make(map[string]any)
	var positional []string
	for _, tok := range tokens[1:] {
		if key, value, ok := strings.Cut(tok, "="); ok {
			mapped := mapAlias(key)
			params[mapped] = convertValue(mapped, value)
		} else {
			positional = append(positional, tok)
		}
	}

	applyPositional(mode, positional, params)
	return Query{Mode: mode, Params: params}, nil
}

func mapAlias(key string) string {
	if mapped, ok := paramAliases[key]; ok {
		return mapped
	}
	return key
}

func convertValue(key, value string) any {
	switch {
	case intParams[key]:
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
		return value
	case floatParams[key]:
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
		return value
	case listParams[key]:
		parts := strings.Split(value, ",")
		for i, p := range parts {
			parts[i] = strings.TrimSpace(p)
		}
		return parts
	default:
		return value
	}
}

// applyPositional folds un-keyed tokens into the one field each mode
// treats as its primary argument, joining multi-word positional input
// back into a single string since callers frequently forget to quote it.
func applyPositional(mode Mode, positional []string, params map[string]any) {
	if len(positional) == 0 {
		return
	}
	combined := strings.Join(positional, " ")

	switch mode {
	case ModeLookup:
		if strings.Contains(combined, ",") {
			parts := strings.Split(combined, ",")
			for i, p := range parts {
				parts[i] = strings.TrimSpace(p)
			}
			params["key"] = parts
		} else {
			params["key"] = combined
		}
	case ModeFuzzy, ModeSearch:
		params["query_text"] = combined
	case ModeTraverse:
		params["key"] = combined
	}
}
