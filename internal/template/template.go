// Package template expands the fixed construct set spec §4.1 allows inside
// a model's SQL: {{ ref() }}, {{ source() }}, {{ this }},
// {{ is_incremental() }} guards, and two leading-comment directives. It is
// a hand-written expander by design (spec §9's own design note, carried
// from the teacher's equivalent choice not to pull in a generic templating
// engine for a deliberately small, non-Turing-complete dialect).
package template

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/warehouseplan/core/internal/engerr"
	"github.com/warehouseplan/core/internal/explang"
)

// Result is C1's output: expanded SQL plus the two extracted reference sets
// and the config/dependency metadata pulled from leading comments.
type Result struct {
	// SQL is the expanded text: ref()/source() calls replaced by
	// placeholder tokens, {{ this }} replaced by the physical identifier,
	// {% if %} blocks resolved to one branch's body.
	SQL string
	// Refs is the set of model names referenced via ref(), sorted by name.
	Refs []string
	// Sources is the set of (group, table) pairs referenced via source().
	Sources []SourceRef
	// Variables is the set of $var tokens seen at the top level of the SQL
	// (not inside string literals), sorted by name. Substitution is
	// deferred to the executor (C9); this only records which names exist.
	Variables []string
	// Config is the key/value map extracted from a leading "-- config:" comment.
	Config map[string]string
	// DependsOn is the explicit dependency list from a leading
	// "-- depends_on:" comment.
	DependsOn []string
}

// SourceRef is one {{ source('group', 'table') }} reference.
type SourceRef struct {
	Group string
	Table string
}

// RefPlaceholder returns the token a ref('name') call is replaced with.
func RefPlaceholder(name string) string {
	return "__REF__" + name + "__"
}

// SourcePlaceholder returns the token a source('group','table') call is replaced with.
func SourcePlaceholder(group, table string) string {
	return "__SRC__" + group + "__" + table + "__"
}

var (
	reConfigComment = regexp.MustCompile(`^--\s*config:\s*(.*)$`)
	reDependsOn     = regexp.MustCompile(`^--\s*depends_on:\s*(.*)$`)
	reRef           = regexp.MustCompile(`\{\{\s*ref\(\s*'([^']+)'\s*\)\s*\}\}`)
	reSource        = regexp.MustCompile(`\{\{\s*source\(\s*'([^']+)'\s*,\s*'([^']+)'\s*\)\s*\}\}`)
	reThis          = regexp.MustCompile(`\{\{\s*this\s*\}\}`)
	reIsIncremental = regexp.MustCompile(`\{\{\s*is_incremental\(\s*\)\s*\}\}`)
	reIfBlock       = regexp.MustCompile(`(?s)\{%\s*if\s+(.+?)\s*%\}(.*?)(?:\{%\s*else\s*%\}(.*?))?\{%\s*endif\s*%\}`)
	reDollarVar     = regexp.MustCompile(`\$([A-Za-z_][A-Za-z0-9_]*)`)
	reStringLiteral = regexp.MustCompile(`'(?:[^'\\]|\\.)*'`)
	reUnknownTag    = regexp.MustCompile(`\{\{[^}]*\}\}|\{%[^%]*%\}`)
)

// Context supplies the per-model facts the expander needs that aren't in
// the raw text: the physical identifier for {{ this }}, and whether the
// model has previously materialised for {{ is_incremental() }}/{% if %}.
type Context struct {
	ThisPhysicalID string
	IsIncremental  bool
}

// Expand parses the leading directive comments, resolves conditional
// blocks, and replaces ref/source/this/is_incremental constructs. Unknown
// {{ }}/{% %} constructs are a TemplateError (engerr.KindConfigurationError
// at compile time, since an unrecognised construct is a model authoring
// mistake the compiler must reject, not something the run can route
// around per-model).
func Expand(raw string, ctx Context) (Result, error) {
	res := Result{Config: map[string]string{}}

	body, err := extractLeadingComments(raw, &res)
	if err != nil {
		return Result{}, err
	}

	body, err = expandConditionals(body, ctx)
	if err != nil {
		return Result{}, err
	}

	body, refs := extractRefs(body)
	res.Refs = refs

	body, srcs := extractSources(body)
	res.Sources = srcs

	body = reThis.ReplaceAllString(body, ctx.ThisPhysicalID)
	body = reIsIncremental.ReplaceAllString(body, boolLiteral(ctx.IsIncremental))

	res.Variables = extractVariables(body)

	if loc := reUnknownTag.FindStringIndex(body); loc != nil {
		line, col := lineCol(body, loc[0])
		return Result{}, engerr.New(engerr.KindConfigurationError, "template.Expand",
			fmt.Sprintf("unrecognised template construct %q at line %d, column %d", body[loc[0]:loc[1]], line, col))
	}

	res.SQL = body

	return res, nil
}

func boolLiteral(b bool) string {
	if b {
		return "TRUE"
	}

	return "FALSE"
}

// extractLeadingComments pulls "-- config: k=v, k=v" and "-- depends_on: a, b"
// out of the leading comment block at the top of the file (they are
// metadata, never emitted into the expanded SQL) and populates
// res.Config/res.DependsOn. Only lines in the unbroken run of "--"/blank
// lines at the very top of the file are considered "leading" — a
// config-shaped comment appearing later in the SQL body is left untouched.
func extractLeadingComments(raw string, res *Result) (string, error) {
	lines := strings.Split(raw, "\n")

	leadingEnd := 0

	for leadingEnd < len(lines) {
		trimmed := strings.TrimSpace(lines[leadingEnd])
		if trimmed == "" || strings.HasPrefix(trimmed, "--") {
			leadingEnd++
			continue
		}

		break
	}

	var kept []string

	for i := 0; i < leadingEnd; i++ {
		trimmed := strings.TrimSpace(lines[i])

		if m := reConfigComment.FindStringSubmatch(trimmed); m != nil {
			for _, pair := range strings.Split(m[1], ",") {
				pair = strings.TrimSpace(pair)
				if pair == "" {
					continue
				}

				parts := strings.SplitN(pair, "=", 2)
				if len(parts) != 2 {
					return "", engerr.New(engerr.KindConfigurationError, "template.Expand",
						fmt.Sprintf("malformed config entry %q (expected k=v)", pair))
				}

				res.Config[strings.TrimSpace(parts[0])] = strings.TrimSpace(parts[1])
			}

			continue
		}

		if m := reDependsOn.FindStringSubmatch(trimmed); m != nil {
			for _, name := range strings.Split(m[1], ",") {
				name = strings.TrimSpace(name)
				if name != "" {
					res.DependsOn = append(res.DependsOn, name)
				}
			}

			continue
		}

		kept = append(kept, lines[i])
	}

	body := strings.Join(append(kept, lines[leadingEnd:]...), "\n")

	return strings.TrimLeft(body, "\n"), nil
}

// expandConditionals resolves every {% if <expr> %}...{% else %}...{% endif %}
// block to whichever branch the guard expression selects. Per spec §4.1 the
// guard expression may only be is_incremental() or a boolean literal.
func expandConditionals(body string, ctx Context) (string, error) {
	var outerErr error

	out := reIfBlock.ReplaceAllStringFunc(body, func(match string) string {
		if outerErr != nil {
			return match
		}

		groups := reIfBlock.FindStringSubmatch(match)
		expr, thenBody, elseBody := groups[1], groups[2], groups[3]

		line, col := lineCol(body, strings.Index(body, match))

		ok, err := explang.Eval(expr, explang.Env{IsIncremental: ctx.IsIncremental}, line, col)
		if err != nil {
			outerErr = engerr.New(engerr.KindConfigurationError, "template.Expand",
				fmt.Sprintf("invalid {%% if %%} guard: %v", err))
			return match
		}

		if ok {
			return thenBody
		}

		return elseBody
	})

	if outerErr != nil {
		return "", outerErr
	}

	return out, nil
}

func extractRefs(body string) (string, []string) {
	seen := map[string]bool{}

	var refs []string

	out := reRef.ReplaceAllStringFunc(body, func(match string) string {
		groups := reRef.FindStringSubmatch(match)
		name := groups[1]

		if !seen[name] {
			seen[name] = true

			refs = append(refs, name)
		}

		return RefPlaceholder(name)
	})

	sort.Strings(refs) // deterministic iteration order downstream; source order recorded separately if ever needed

	return out, refs
}

func extractSources(body string) (string, []SourceRef) {
	seen := map[string]bool{}

	var srcs []SourceRef

	out := reSource.ReplaceAllStringFunc(body, func(match string) string {
		groups := reSource.FindStringSubmatch(match)
		group, table := groups[1], groups[2]
		key := group + "." + table

		if !seen[key] {
			seen[key] = true

			srcs = append(srcs, SourceRef{Group: group, Table: table})
		}

		return SourcePlaceholder(group, table)
	})

	sort.Slice(srcs, func(i, j int) bool {
		if srcs[i].Group != srcs[j].Group {
			return srcs[i].Group < srcs[j].Group
		}

		return srcs[i].Table < srcs[j].Table
	})

	return out, srcs
}

// extractVariables finds top-level $var tokens, skipping anything inside a
// single-quoted string literal, per spec §4.1's "not in strings" carve-out.
func extractVariables(body string) []string {
	masked := reStringLiteral.ReplaceAllStringFunc(body, func(s string) string {
		return strings.Repeat("\x00", len(s))
	})

	seen := map[string]bool{}

	var vars []string

	for _, m := range reDollarVar.FindAllStringSubmatch(masked, -1) {
		name := m[1]
		if !seen[name] {
			seen[name] = true

			vars = append(vars, name)
		}
	}

	sort.Strings(vars)

	return vars
}

func lineCol(s string, offset int) (line, col int) {
	line, col = 1, 1

	for i := 0; i < offset && i < len(s); i++ {
		if s[i] == '\n' {
			line++
			col = 1
		} else {
			col++
		}
	}

	return line, col
}
