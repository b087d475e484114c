// Package transform implements the post-processing pipeline applied to
// instruction arguments and responses. A transform block maps output keys to
// expressions: literals, variable paths ($current, $item), or keyword calls
// {"function": name, "kwargs": {...}} drawn from a fixed registry. String
// predicates are compiled with expr-lang under an environment exposing only
// item and current; no arbitrary code runs.
package transform

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"goa.design/ratio/storage"
)

type (
	// StorageOps is the subset of the storage service reachable from
	// transform functions.
	StorageOps interface {
		ListFiles(ctx context.Context, token, directory string) ([]string, error)
		ListFileVersions(ctx context.Context, token, filePath string) ([]map[string]any, error)
		DescribeFileVersion(ctx context.Context, token, filePath, versionID string) (map[string]any, error)
		GetFileVersion(ctx context.Context, token string, req storage.GetFileVersionRequest) (*storage.FileVersionContent, error)
	}

	// Options configures an Evaluator.
	Options struct {
		// Storage enables the storage-aware functions. Optional.
		Storage StorageOps
		// Token authenticates storage reads issued by transforms.
		Token string
	}

	// Evaluator applies transform blocks to bodies.
	Evaluator struct {
		storage StorageOps
		token   string
	}

	// evalState carries per-Apply evaluation context: the body under
	// transformation, the current loop item, compiled predicate programs,
	// and the storage read cache.
	evalState struct {
		e        *Evaluator
		ctx      context.Context
		current  any
		item     any
		programs map[string]*vm.Program
		reads    map[string]any
	}
)

// New builds a transform evaluator.
func New(opts Options) *Evaluator {
	return &Evaluator{storage: opts.Storage, token: opts.Token}
}

// Apply evaluates each entry of the transform block against the body and
// merges the results over a copy of the body. $current is bound to the
// untransformed body for every entry; entries are evaluated in key order.
func (e *Evaluator) Apply(ctx context.Context, spec map[string]any, body map[string]any) (map[string]any, error) {
	if len(spec) == 0 {
		return body, nil
	}
	out := make(map[string]any, len(body)+len(spec))
	for k, v := range body {
		out[k] = v
	}
	st := &evalState{
		e:        e,
		ctx:      ctx,
		current:  anyMap(body),
		programs: make(map[string]*vm.Program),
		reads:    make(map[string]any),
	}
	keys := make([]string, 0, len(spec))
	for k := range spec {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, key := range keys {
		val, err := st.eval(spec[key])
		if err != nil {
			return nil, fmt.Errorf("transform %q: %w", key, err)
		}
		out[key] = val
	}
	return out, nil
}

// eval evaluates one expression node.
func (st *evalState) eval(v any) (any, error) {
	switch tv := v.(type) {
	case string:
		return st.evalString(tv)
	case map[string]any:
		if name, ok := tv["function"].(string); ok {
			kwargs, _ := tv["kwargs"].(map[string]any)
			return st.call(name, kwargs)
		}
		out := make(map[string]any, len(tv))
		for k, elem := range tv {
			val, err := st.eval(elem)
			if err != nil {
				return nil, err
			}
			out[k] = val
		}
		return out, nil
	case []any:
		out := make([]any, len(tv))
		for i, elem := range tv {
			val, err := st.eval(elem)
			if err != nil {
				return nil, err
			}
			out[i] = val
		}
		return out, nil
	default:
		return v, nil
	}
}

// evalString resolves variable paths; all other strings are literals.
func (st *evalState) evalString(s string) (any, error) {
	switch {
	case s == "$current":
		return st.current, nil
	case strings.HasPrefix(s, "$current."):
		return objectPath(st.current, strings.TrimPrefix(s, "$current."))
	case s == "$item":
		return st.item, nil
	case strings.HasPrefix(s, "$item."):
		return objectPath(st.item, strings.TrimPrefix(s, "$item."))
	default:
		return s, nil
	}
}

// predicate compiles and runs an expr-lang expression with only item and
// current bound.
func (st *evalState) predicate(code string, item any) (any, error) {
	prog, ok := st.programs[code]
	if !ok {
		compiled, err := expr.Compile(code, expr.AllowUndefinedVariables())
		if err != nil {
			return nil, fmt.Errorf("compile %q: %w", code, err)
		}
		prog = compiled
		st.programs[code] = prog
	}
	env := map[string]any{"item": item, "current": st.current}
	out, err := expr.Run(prog, env)
	if err != nil {
		return nil, fmt.Errorf("evaluate %q: %w", code, err)
	}
	return out, nil
}

// objectPath walks a dotted path through nested objects.
func objectPath(v any, path string) (any, error) {
	cur := v
	for _, part := range strings.Split(path, ".") {
		obj, ok := cur.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("path %q: %T is not an object", path, cur)
		}
		cur, ok = obj[part]
		if !ok {
			return nil, nil
		}
	}
	return cur, nil
}

func anyMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
