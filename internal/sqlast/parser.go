package sqlast

import (
	"strings"
)

// RelationKind classifies how a FROM/JOIN relation was referenced.
type RelationKind int

const (
	// RelationRef is a {{ ref('model') }} placeholder, resolved back to a model name.
	RelationRef RelationKind = iota
	// RelationSource is a {{ source('group','table') }} placeholder.
	RelationSource
	// RelationBareModel is a schema-qualified literal identifier that
	// happens to match a known model name — the backward-compatible
	// shortcut spec §4.2 documents.
	RelationBareModel
	// RelationUnknown is a bare identifier that resolves to neither a ref
	// placeholder, a source placeholder, nor a known model name.
	RelationUnknown
)

// Relation is one FROM/JOIN target.
type Relation struct {
	Kind    RelationKind
	Name    string // resolved model name (Ref/BareModel) or "" (Source/Unknown)
	Group   string // source group (Source only)
	Table   string // source table (Source only) or the raw literal identifier (Unknown)
	Alias   string // the alias this relation is referenced by elsewhere in the query, if any
}

// ColumnLineage traces one top-level SELECT output column back to an
// upstream relation + column, or marks it as an opaque wildcard/expression.
type ColumnLineage struct {
	OutputColumn     string
	UpstreamRelation string // alias or bare relation name the column came from; "" if not determined
	UpstreamColumn   string // "" if not determined (opaque expression) or if Wildcard
	Wildcard         bool   // true for "SELECT *" / "alias.*" expansion
}

// Result is C2's output for one model: every relation the top-level query
// touches, plus best-effort column lineage. Warnings records non-fatal
// degradation: the parser never refuses to produce a Result.
type Result struct {
	Relations []Relation
	Lineage   []ColumnLineage
	Warnings  []string
}

// Parse walks the expanded SQL of a single model and extracts relations and
// column lineage for its outermost SELECT. knownModels is used to resolve
// the "direct bare reference" backward-compatible shortcut (§4.2): a bare
// schema-qualified identifier that matches a registered model name is
// treated as an implicit dependency even though it didn't go through
// ref(). Parse never returns an error; anything it cannot classify becomes
// a Warning and the corresponding lineage is left empty, per the spec's
// explicit graceful-degradation requirement for this component. The
// SELECT analysed is the first SELECT keyword in the text; WITH clauses are
// not recognised, so for a CTE query that is the first CTE's body.
func Parse(expandedSQL string, knownModels map[string]bool) Result {
	tokens := All(expandedSQL)

	res := Result{}

	selIdx := findKeyword(tokens, 0, "select")
	if selIdx < 0 {
		res.Warnings = append(res.Warnings, "no top-level SELECT found; lineage left empty")
		return res
	}

	fromIdx := findKeywordAtDepth0(tokens, selIdx+1, "from")

	var projectionTokens []Token
	if fromIdx >= 0 {
		projectionTokens = tokens[selIdx+1 : fromIdx]
	} else {
		res.Warnings = append(res.Warnings, "no top-level FROM found; relations left empty")
		projectionTokens = tokens[selIdx+1:]
	}

	var relations []Relation
	if fromIdx >= 0 {
		relations = parseRelations(tokens[fromIdx:], knownModels, &res.Warnings)
	}

	res.Relations = relations
	res.Lineage = parseProjection(projectionTokens, relations, &res.Warnings)

	return res
}

var stopKeywords = map[string]bool{
	"where": true, "group": true, "having": true, "order": true,
	"limit": true, "qualify": true, "union": true, "intersect": true,
	"except": true, "join": true, "inner": true, "left": true, "right": true,
	"full": true, "cross": true, "on": true, "as": true,
}

func parseRelations(tokens []Token, knownModels map[string]bool, warnings *[]string) []Relation {
	var out []Relation

	joinModifier := func(t Token) bool {
		return eqKeyword(t, "inner") || eqKeyword(t, "left") || eqKeyword(t, "right") ||
			eqKeyword(t, "full") || eqKeyword(t, "cross") || eqKeyword(t, "outer")
	}

	i := 0
	for i < len(tokens) {
		tok := tokens[i]

		isIntro := eqKeyword(tok, "from") || eqKeyword(tok, "join") || joinModifier(tok)

		if !isIntro {
			i++
			continue
		}

		i++
		// skip join-type modifier words (LEFT, OUTER, ...) up to JOIN itself
		for i < len(tokens) && joinModifier(tokens[i]) {
			i++
		}

		if i < len(tokens) && eqKeyword(tokens[i], "join") {
			i++
		}

		if i >= len(tokens) || tokens[i].Type != WORD {
			continue
		}

		// Gather dotted identifier: word(.word)*
		nameParts := []string{tokens[i].Text}
		i++

		for i+1 < len(tokens) && tokens[i].Type == DOT && tokens[i+1].Type == WORD {
			nameParts = append(nameParts, tokens[i+1].Text)
			i += 2
		}

		raw := strings.Join(nameParts, ".")

		rel := resolveRelation(raw, knownModels)

		// Optional alias: `AS alias` or bare `alias` (a WORD that isn't a
		// stop keyword and isn't immediately a DOT-qualified continuation).
		if i < len(tokens) && eqKeyword(tokens[i], "as") {
			i++
			if i < len(tokens) && tokens[i].Type == WORD {
				rel.Alias = tokens[i].Text
				i++
			}
		} else if i < len(tokens) && tokens[i].Type == WORD && !stopKeywords[strings.ToLower(tokens[i].Text)] {
			rel.Alias = tokens[i].Text
			i++
		}

		if rel.Kind == RelationUnknown {
			*warnings = append(*warnings, "unresolved bare relation reference: "+raw)
		}

		out = append(out, rel)
	}

	return out
}

func resolveRelation(raw string, knownModels map[string]bool) Relation {
	if name, ok := stripPlaceholder(raw, "__REF__"); ok {
		return Relation{Kind: RelationRef, Name: name}
	}

	if rest, ok := stripPlaceholder(raw, "__SRC__"); ok {
		parts := strings.SplitN(rest, "__", 2)
		if len(parts) == 2 {
			return Relation{Kind: RelationSource, Group: parts[0], Table: parts[1]}
		}
	}

	if knownModels[raw] {
		return Relation{Kind: RelationBareModel, Name: raw}
	}
	// also try last dotted segment combos, matching models registered under
	// a shorter dotted suffix of a fully qualified reference
	if idx := strings.Index(raw, "."); idx >= 0 {
		if knownModels[raw[idx+1:]] {
			return Relation{Kind: RelationBareModel, Name: raw[idx+1:]}
		}
	}

	return Relation{Kind: RelationUnknown, Table: raw}
}

func stripPlaceholder(raw, prefix string) (string, bool) {
	if !strings.HasPrefix(raw, prefix) || !strings.HasSuffix(raw, "__") {
		return "", false
	}

	return strings.TrimSuffix(strings.TrimPrefix(raw, prefix), "__"), true
}

func parseProjection(tokens []Token, relations []Relation, warnings *[]string) []ColumnLineage {
	items := splitTopLevel(tokens, COMMA)

	var out []ColumnLineage

	for _, item := range items {
		if len(item) == 0 {
			continue
		}

		if len(item) == 1 && item[0].Type == STAR {
			out = append(out, wildcardLineage("*", relations, warnings))
			continue
		}

		if len(item) == 3 && item[0].Type == WORD && item[1].Type == DOT && item[2].Type == STAR {
			out = append(out, wildcardLineage(item[0].Text, relations, warnings))
			continue
		}

		out = append(out, parseProjectionItem(item, relations, warnings))
	}

	return out
}

func wildcardLineage(qualifier string, relations []Relation, warnings *[]string) ColumnLineage {
	var rel *Relation
	if qualifier == "*" {
		rel = soleRelation(relations)
	} else {
		rel = findRelationByAlias(relations, qualifier)
	}

	upstream := qualifier

	if rel != nil {
		upstream = relationDisplayName(*rel)
	} else if qualifier != "*" {
		*warnings = append(*warnings, "wildcard qualifier does not match any known relation: "+qualifier)
	}

	return ColumnLineage{OutputColumn: "*", UpstreamRelation: upstream, Wildcard: true}
}

// parseProjectionItem handles the common shapes: bare column, qualified
// column, "expr AS alias" / "expr alias", and falls back to an opaque
// lineage edge (no upstream column determined) for anything else —
// exactly the graceful-degradation behaviour spec §4.2 requires.
func parseProjectionItem(item []Token, relations []Relation, warnings *[]string) ColumnLineage {
	alias := ""

	body := item
	if n := len(item); n >= 2 && eqKeyword(item[n-2], "as") && item[n-1].Type == WORD {
		alias = item[n-1].Text
		body = item[:n-2]
	} else if n := len(item); n >= 2 && item[n-1].Type == WORD && isSimpleExprHead(item[:n-1]) {
		alias = item[n-1].Text
		body = item[:n-1]
	}

	// Simple case: bare column or qualified column with nothing else.
	if len(body) == 1 && body[0].Type == WORD {
		col := body[0].Text
		output := col

		if alias != "" {
			output = alias
		}

		rel := soleRelation(relations)
		if rel == nil {
			return ColumnLineage{OutputColumn: output}
		}

		return ColumnLineage{OutputColumn: output, UpstreamRelation: relationDisplayName(*rel), UpstreamColumn: col}
	}

	if len(body) == 3 && body[0].Type == WORD && body[1].Type == DOT && body[2].Type == WORD {
		qualifier, col := body[0].Text, body[2].Text
		output := col

		if alias != "" {
			output = alias
		}

		rel := findRelationByAlias(relations, qualifier)
		if rel == nil {
			*warnings = append(*warnings, "projection column qualifier does not match any known relation: "+qualifier)
			return ColumnLineage{OutputColumn: output}
		}

		return ColumnLineage{OutputColumn: output, UpstreamRelation: relationDisplayName(*rel), UpstreamColumn: col}
	}

	// Anything more complex (function calls, arithmetic, CASE, subqueries):
	// opaque lineage. The output column name is the alias if present, else
	// left blank (truly anonymous expressions aren't addressable anyway).
	if alias == "" {
		*warnings = append(*warnings, "could not determine output column name for a non-trivial projection expression")
	}

	return ColumnLineage{OutputColumn: alias}
}

// isSimpleExprHead is a coarse check used to decide whether a trailing bare
// WORD is an implicit alias rather than part of the expression itself
// (e.g. disallow treating the `b` in `a.b` as an alias of `a`).
func isSimpleExprHead(head []Token) bool {
	if len(head) == 0 {
		return false
	}

	last := head[len(head)-1]

	return last.Type != DOT
}

func soleRelation(relations []Relation) *Relation {
	if len(relations) != 1 {
		return nil
	}

	return &relations[0]
}

func findRelationByAlias(relations []Relation, qualifier string) *Relation {
	for i := range relations {
		r := &relations[i]
		if r.Alias != "" && strings.EqualFold(r.Alias, qualifier) {
			return r
		}

		if r.Alias == "" && strings.EqualFold(relationDisplayName(*r), qualifier) {
			return r
		}
	}

	return nil
}

func relationDisplayName(r Relation) string {
	switch r.Kind {
	case RelationRef, RelationBareModel:
		return r.Name
	case RelationSource:
		return r.Group + "." + r.Table
	default:
		return r.Table
	}
}

func splitTopLevel(tokens []Token, sep TokenType) [][]Token {
	var out [][]Token

	depth := 0
	start := 0

	for i, tok := range tokens {
		switch tok.Type {
		case OPEN_PAREN:
			depth++
		case CLOSE_PAREN:
			depth--
		case sep:
			if depth == 0 {
				out = append(out, tokens[start:i])
				start = i + 1
			}
		}
	}

	out = append(out, tokens[start:])

	return out
}

func eqKeyword(t Token, kw string) bool {
	return t.Type == WORD && strings.EqualFold(t.Text, kw)
}

func findKeyword(tokens []Token, from int, kw string) int {
	for i := from; i < len(tokens); i++ {
		if eqKeyword(tokens[i], kw) {
			return i
		}
	}

	return -1
}

// findKeywordAtDepth0 finds kw only at paren-depth 0, so a FROM inside a
// subquery in the SELECT list doesn't get mistaken for the outer FROM.
func findKeywordAtDepth0(tokens []Token, from int, kw string) int {
	depth := 0

	for i := from; i < len(tokens); i++ {
		switch tokens[i].Type {
		case OPEN_PAREN:
			depth++
		case CLOSE_PAREN:
			depth--
		default:
			if depth == 0 && eqKeyword(tokens[i], kw) {
				return i
			}
		}
	}

	return -1
}
