package transform

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"goa.design/ratio/storage"
)

// maxReadFiles caps the fan-in of read_files.
const maxReadFiles = 5

// invalidCall reports a transform call with bad arguments. All functions use
// the same contract: argument types are validated up front.
func invalidCall(fn, format string, args ...any) error {
	return fmt.Errorf("invalid transform: %s: %s", fn, fmt.Sprintf(format, args...))
}

// call dispatches a keyword call to the function registry. Per-item
// arguments (templates and predicates) are evaluated lazily by the functions
// that iterate.
func (st *evalState) call(name string, kwargs map[string]any) (any, error) {
	switch name {
	case "datetime_now":
		return st.datetimeNow(kwargs)
	case "create_object":
		return st.createObject(kwargs)
	case "get_object_property":
		return st.getObjectProperty(kwargs)
	case "join":
		return st.join(kwargs)
	case "json_parse":
		return st.jsonParse(kwargs)
	case "map":
		return st.mapFn(kwargs)
	case "sum":
		return st.sum(kwargs)
	case "if":
		return st.ifFn(kwargs)
	case "filter":
		return st.filter(kwargs)
	case "group_by":
		return st.groupBy(kwargs)
	case "sort":
		return st.sortFn(kwargs)
	case "unique":
		return st.unique(kwargs)
	case "flatten":
		return st.flatten(kwargs)
	case "pipeline":
		return st.pipeline(kwargs)
	case "list_files":
		return st.listFiles(kwargs)
	case "list_file_versions":
		return st.listFileVersions(kwargs)
	case "describe_version":
		return st.describeVersion(kwargs)
	case "read_file":
		return st.readFile(kwargs)
	case "read_files":
		return st.readFiles(kwargs)
	default:
		return nil, invalidCall(name, "unknown function")
	}
}

func (st *evalState) stringArg(kwargs map[string]any, fn, key string, required bool) (string, error) {
	raw, ok := kwargs[key]
	if !ok {
		if required {
			return "", invalidCall(fn, "missing argument %q", key)
		}
		return "", nil
	}
	val, err := st.eval(raw)
	if err != nil {
		return "", err
	}
	s, ok := val.(string)
	if !ok {
		return "", invalidCall(fn, "argument %q must be a string, got %T", key, val)
	}
	return s, nil
}

func (st *evalState) listArg(kwargs map[string]any, fn, key string) ([]any, error) {
	raw, ok := kwargs[key]
	if !ok {
		return nil, invalidCall(fn, "missing argument %q", key)
	}
	val, err := st.eval(raw)
	if err != nil {
		return nil, err
	}
	if val == nil {
		return []any{}, nil
	}
	list, ok := val.([]any)
	if !ok {
		return nil, invalidCall(fn, "argument %q must be a list, got %T", key, val)
	}
	return list, nil
}

func (st *evalState) datetimeNow(kwargs map[string]any) (any, error) {
	layout, err := st.stringArg(kwargs, "datetime_now", "format", false)
	if err != nil {
		return nil, err
	}
	if layout == "" {
		layout = time.RFC3339
	}
	return time.Now().UTC().Format(layout), nil
}

func (st *evalState) createObject(kwargs map[string]any) (any, error) {
	out := make(map[string]any, len(kwargs))
	for k, raw := range kwargs {
		val, err := st.eval(raw)
		if err != nil {
			return nil, err
		}
		out[k] = val
	}
	return out, nil
}

func (st *evalState) getObjectProperty(kwargs map[string]any) (any, error) {
	raw, ok := kwargs["obj"]
	if !ok {
		return nil, invalidCall("get_object_property", "missing argument %q", "obj")
	}
	obj, err := st.eval(raw)
	if err != nil {
		return nil, err
	}
	path, err := st.stringArg(kwargs, "get_object_property", "path", true)
	if err != nil {
		return nil, err
	}
	return objectPath(obj, path)
}

func (st *evalState) join(kwargs map[string]any) (any, error) {
	arr, err := st.listArg(kwargs, "join", "arr")
	if err != nil {
		return nil, err
	}
	sep, err := st.stringArg(kwargs, "join", "sep", false)
	if err != nil {
		return nil, err
	}
	parts := make([]string, len(arr))
	for i, elem := range arr {
		s, ok := elem.(string)
		if !ok {
			return nil, invalidCall("join", "element %d must be a string, got %T", i, elem)
		}
		parts[i] = s
	}
	return strings.Join(parts, sep), nil
}

func (st *evalState) jsonParse(kwargs map[string]any) (any, error) {
	s, err := st.stringArg(kwargs, "json_parse", "str", true)
	if err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal([]byte(s), &out); err != nil {
		return nil, invalidCall("json_parse", "not valid JSON: %v", err)
	}
	return out, nil
}

func (st *evalState) mapFn(kwargs map[string]any) (any, error) {
	arr, err := st.listArg(kwargs, "map", "arr")
	if err != nil {
		return nil, err
	}
	template, ok := kwargs["template"]
	if !ok {
		return nil, invalidCall("map", "missing argument %q", "template")
	}
	out := make([]any, len(arr))
	saved := st.item
	defer func() { st.item = saved }()
	for i, elem := range arr {
		st.item = elem
		val, err := st.eval(template)
		if err != nil {
			return nil, err
		}
		out[i] = val
	}
	return out, nil
}

func (st *evalState) sum(kwargs map[string]any) (any, error) {
	arr, err := st.listArg(kwargs, "sum", "arr")
	if err != nil {
		return nil, err
	}
	path, err := st.stringArg(kwargs, "sum", "path", false)
	if err != nil {
		return nil, err
	}
	total := 0.0
	for i, elem := range arr {
		val := elem
		if path != "" {
			val, err = st.predicate(path, elem)
			if err != nil {
				return nil, err
			}
		}
		n, ok := asFloat(val)
		if !ok {
			return nil, invalidCall("sum", "element %d is not numeric, got %T", i, val)
		}
		total += n
	}
	if total == float64(int64(total)) {
		return int64(total), nil
	}
	return total, nil
}

func (st *evalState) ifFn(kwargs map[string]any) (any, error) {
	raw, ok := kwargs["cond"]
	if !ok {
		return nil, invalidCall("if", "missing argument %q", "cond")
	}
	var cond any
	if code, isStr := raw.(string); isStr && !strings.HasPrefix(code, "$") {
		val, err := st.predicate(code, st.item)
		if err != nil {
			return nil, err
		}
		cond = val
	} else {
		val, err := st.eval(raw)
		if err != nil {
			return nil, err
		}
		cond = val
	}
	branch := "b"
	if truthy(cond) {
		branch = "a"
	}
	if _, ok := kwargs[branch]; !ok {
		return nil, nil
	}
	return st.eval(kwargs[branch])
}

func (st *evalState) filter(kwargs map[string]any) (any, error) {
	arr, err := st.listArg(kwargs, "filter", "arr")
	if err != nil {
		return nil, err
	}
	pred, ok := kwargs["predicate"].(string)
	if !ok {
		return nil, invalidCall("filter", "argument %q must be a string expression", "predicate")
	}
	out := make([]any, 0, len(arr))
	for _, elem := range arr {
		val, err := st.predicate(pred, elem)
		if err != nil {
			return nil, err
		}
		if truthy(val) {
			out = append(out, elem)
		}
	}
	return out, nil
}

func (st *evalState) groupBy(kwargs map[string]any) (any, error) {
	arr, err := st.listArg(kwargs, "group_by", "arr")
	if err != nil {
		return nil, err
	}
	key, ok := kwargs["key"].(string)
	if !ok {
		return nil, invalidCall("group_by", "argument %q must be a string expression", "key")
	}
	out := make(map[string]any)
	for _, elem := range arr {
		val, err := st.predicate(key, elem)
		if err != nil {
			return nil, err
		}
		group := fmt.Sprintf("%v", val)
		bucket, _ := out[group].([]any)
		out[group] = append(bucket, elem)
	}
	return out, nil
}

func (st *evalState) sortFn(kwargs map[string]any) (any, error) {
	arr, err := st.listArg(kwargs, "sort", "arr")
	if err != nil {
		return nil, err
	}
	key, _ := kwargs["key"].(string)
	descending := false
	if raw, ok := kwargs["descending"]; ok {
		b, ok := raw.(bool)
		if !ok {
			return nil, invalidCall("sort", "argument %q must be a boolean, got %T", "descending", raw)
		}
		descending = b
	}
	sortKeys := make([]any, len(arr))
	for i, elem := range arr {
		if key == "" {
			sortKeys[i] = elem
			continue
		}
		val, err := st.predicate(key, elem)
		if err != nil {
			return nil, err
		}
		sortKeys[i] = val
	}
	out := make([]any, len(arr))
	copy(out, arr)
	idx := make([]int, len(arr))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool {
		if descending {
			return lessValues(sortKeys[idx[b]], sortKeys[idx[a]])
		}
		return lessValues(sortKeys[idx[a]], sortKeys[idx[b]])
	})
	for i, j := range idx {
		out[i] = arr[j]
	}
	return out, nil
}

func (st *evalState) unique(kwargs map[string]any) (any, error) {
	arr, err := st.listArg(kwargs, "unique", "arr")
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool, len(arr))
	out := make([]any, 0, len(arr))
	for _, elem := range arr {
		key := fmt.Sprintf("%T:%v", elem, elem)
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, elem)
	}
	return out, nil
}

func (st *evalState) flatten(kwargs map[string]any) (any, error) {
	arr, err := st.listArg(kwargs, "flatten", "arr")
	if err != nil {
		return nil, err
	}
	out := make([]any, 0, len(arr))
	for _, elem := range arr {
		if nested, ok := elem.([]any); ok {
			out = append(out, nested...)
			continue
		}
		out = append(out, elem)
	}
	return out, nil
}

// pipeline threads $current through successive operations.
func (st *evalState) pipeline(kwargs map[string]any) (any, error) {
	raw, ok := kwargs["initial"]
	if !ok {
		return nil, invalidCall("pipeline", "missing argument %q", "initial")
	}
	current, err := st.eval(raw)
	if err != nil {
		return nil, err
	}
	ops, ok := kwargs["ops"].([]any)
	if !ok {
		return nil, invalidCall("pipeline", "argument %q must be a list of calls", "ops")
	}
	saved := st.current
	defer func() { st.current = saved }()
	for i, op := range ops {
		st.current = current
		current, err = st.eval(op)
		if err != nil {
			return nil, fmt.Errorf("pipeline op %d: %w", i, err)
		}
	}
	return current, nil
}

func (st *evalState) requireStorage(fn string) error {
	if st.e.storage == nil {
		return invalidCall(fn, "no storage client available")
	}
	return nil
}

func (st *evalState) listFiles(kwargs map[string]any) (any, error) {
	if err := st.requireStorage("list_files"); err != nil {
		return nil, err
	}
	dir, err := st.stringArg(kwargs, "list_files", "directory", true)
	if err != nil {
		return nil, err
	}
	cacheKey := "list_files:" + dir
	if cached, ok := st.reads[cacheKey]; ok {
		return cached, nil
	}
	files, err := st.e.storage.ListFiles(st.ctx, st.e.token, dir)
	if err != nil {
		return nil, fmt.Errorf("list_files %s: %w", dir, err)
	}
	out := make([]any, len(files))
	for i, f := range files {
		out[i] = f
	}
	st.reads[cacheKey] = out
	return out, nil
}

func (st *evalState) listFileVersions(kwargs map[string]any) (any, error) {
	if err := st.requireStorage("list_file_versions"); err != nil {
		return nil, err
	}
	path, err := st.stringArg(kwargs, "list_file_versions", "file_path", true)
	if err != nil {
		return nil, err
	}
	cacheKey := "list_file_versions:" + path
	if cached, ok := st.reads[cacheKey]; ok {
		return cached, nil
	}
	versions, err := st.e.storage.ListFileVersions(st.ctx, st.e.token, path)
	if err != nil {
		return nil, fmt.Errorf("list_file_versions %s: %w", path, err)
	}
	out := make([]any, len(versions))
	for i, v := range versions {
		out[i] = v
	}
	st.reads[cacheKey] = out
	return out, nil
}

func (st *evalState) describeVersion(kwargs map[string]any) (any, error) {
	if err := st.requireStorage("describe_version"); err != nil {
		return nil, err
	}
	path, err := st.stringArg(kwargs, "describe_version", "file_path", true)
	if err != nil {
		return nil, err
	}
	versionID, err := st.stringArg(kwargs, "describe_version", "version_id", false)
	if err != nil {
		return nil, err
	}
	cacheKey := "describe_version:" + path + "@" + versionID
	if cached, ok := st.reads[cacheKey]; ok {
		return cached, nil
	}
	meta, err := st.e.storage.DescribeFileVersion(st.ctx, st.e.token, path, versionID)
	if err != nil {
		return nil, fmt.Errorf("describe_version %s: %w", path, err)
	}
	out := any(meta)
	st.reads[cacheKey] = out
	return out, nil
}

func (st *evalState) readFile(kwargs map[string]any) (any, error) {
	if err := st.requireStorage("read_file"); err != nil {
		return nil, err
	}
	path, err := st.stringArg(kwargs, "read_file", "file_path", true)
	if err != nil {
		return nil, err
	}
	return st.cachedRead(path)
}

func (st *evalState) readFiles(kwargs map[string]any) (any, error) {
	if err := st.requireStorage("read_files"); err != nil {
		return nil, err
	}
	paths, err := st.listArg(kwargs, "read_files", "file_paths")
	if err != nil {
		return nil, err
	}
	if len(paths) > maxReadFiles {
		return nil, invalidCall("read_files", "at most %d files may be read, got %d", maxReadFiles, len(paths))
	}
	out := make([]any, len(paths))
	for i, raw := range paths {
		path, ok := raw.(string)
		if !ok {
			return nil, invalidCall("read_files", "element %d must be a string path, got %T", i, raw)
		}
		content, err := st.cachedRead(path)
		if err != nil {
			return nil, err
		}
		out[i] = content
	}
	return out, nil
}

// cachedRead fetches file content at most once per transform evaluation.
func (st *evalState) cachedRead(path string) (any, error) {
	cacheKey := "read_file:" + path
	if cached, ok := st.reads[cacheKey]; ok {
		return cached, nil
	}
	content, err := st.e.storage.GetFileVersion(st.ctx, st.e.token, storage.GetFileVersionRequest{FilePath: path})
	if err != nil {
		return nil, fmt.Errorf("read_file %s: %w", path, err)
	}
	data := content.Data
	if content.Base64Encoded {
		decoded, err := base64.StdEncoding.DecodeString(content.Data)
		if err != nil {
			return nil, fmt.Errorf("read_file %s: decode: %w", path, err)
		}
		data = string(decoded)
	}
	st.reads[cacheKey] = data
	return data, nil
}

func truthy(v any) bool {
	switch tv := v.(type) {
	case nil:
		return false
	case bool:
		return tv
	case string:
		return tv != ""
	case []any:
		return len(tv) > 0
	case map[string]any:
		return len(tv) > 0
	default:
		if n, ok := asFloat(v); ok {
			return n != 0
		}
		return true
	}
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	default:
		return 0, false
	}
}

func lessValues(a, b any) bool {
	if an, ok := asFloat(a); ok {
		if bn, ok := asFloat(b); ok {
			return an < bn
		}
		return true
	}
	as, aok := a.(string)
	bs, bok := b.(string)
	if aok && bok {
		return as < bs
	}
	return fmt.Sprintf("%v", a) < fmt.Sprintf("%v", b)
}
