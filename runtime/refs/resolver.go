package refs

import (
	"context"
	"encoding/base64"
	"fmt"
	"path"
	"strings"

	"goa.design/ratio/storage"
)

// Prefix marks a string as a reference expression.
const Prefix = "REF:"

// BaseArguments is the reference base that reads from the engine arguments.
const BaseArguments = "arguments"

// InvalidReferenceError reports a malformed REF: expression or a reference
// to an unknown execution id, response key, or accessor.
type InvalidReferenceError struct {
	Ref    string
	Reason string
}

// Error implements the error interface.
func (e *InvalidReferenceError) Error() string {
	return fmt.Sprintf("invalid reference %q: %s", e.Ref, e.Reason)
}

func invalidRef(ref, format string, args ...any) error {
	return &InvalidReferenceError{Ref: ref, Reason: fmt.Sprintf(format, args...)}
}

// Ref is a parsed reference expression REF:<base>.<key>[.<attr>].
type Ref struct {
	Base string
	Key  string
	Attr string
	raw  string
}

// IsRef reports whether s is a reference expression.
func IsRef(s string) bool {
	return strings.HasPrefix(s, Prefix)
}

// Parse splits a reference expression into base, key, and optional accessor.
func Parse(s string) (Ref, error) {
	if !IsRef(s) {
		return Ref{}, invalidRef(s, "missing %s prefix", Prefix)
	}
	body := strings.TrimPrefix(s, Prefix)
	parts := strings.SplitN(body, ".", 3)
	if len(parts) < 2 || parts[0] == "" || parts[1] == "" {
		return Ref{}, invalidRef(s, "expected REF:<base>.<key>[.<attr>]")
	}
	r := Ref{Base: parts[0], Key: parts[1], raw: s}
	if len(parts) == 3 {
		if parts[2] == "" {
			return Ref{}, invalidRef(s, "empty accessor")
		}
		r.Attr = parts[2]
	}
	return r, nil
}

// BaseOf returns the base of a reference-looking string. It reports false
// for non-references and references without a key separator.
func BaseOf(s string) (string, bool) {
	if !IsRef(s) {
		return "", false
	}
	body := strings.TrimPrefix(s, Prefix)
	i := strings.IndexByte(body, '.')
	if i <= 0 {
		return "", false
	}
	return body[:i], true
}

// FileStore is the subset of the storage service needed to materialize
// file-typed references.
type FileStore interface {
	GetFileVersion(ctx context.Context, token string, req storage.GetFileVersionRequest) (*storage.FileVersionContent, error)
	DescribeFile(ctx context.Context, token, filePath string) (map[string]any, error)
}

// Resolver evaluates reference expressions against a Store. File-typed
// dereferences go through the storage service using the token passed to
// Resolve; all other types resolve locally.
type Resolver struct {
	store *Store
	files FileStore
}

// NewResolver builds a resolver over the given store. files may be nil when
// no file-typed references occur.
func NewResolver(store *Store, files FileStore) *Resolver {
	return &Resolver{store: store, files: files}
}

// Resolve evaluates a single reference expression and returns a plain value.
// Missing arguments resolve to nil; missing execution responses are errors.
// The result never contains a reference.
func (r *Resolver) Resolve(ctx context.Context, ref, token string) (any, error) {
	parsed, err := Parse(ref)
	if err != nil {
		return nil, err
	}
	var val Value
	if parsed.Base == BaseArguments {
		v, ok := r.store.Argument(parsed.Key)
		if !ok {
			return nil, nil
		}
		val = v
	} else {
		responses, ok := r.store.Responses(parsed.Base)
		if !ok {
			return nil, invalidRef(ref, "unknown execution id %q", parsed.Base)
		}
		v, ok := responses[parsed.Key]
		if !ok {
			return nil, invalidRef(ref, "execution %q has no response %q", parsed.Base, parsed.Key)
		}
		val = v
	}
	if val.Kind() == KindFile {
		return r.resolveFile(ctx, parsed, val, token)
	}
	if parsed.Base == BaseArguments && parsed.Attr != "" {
		return nil, invalidRef(ref, "accessor %q not permitted on argument references", parsed.Attr)
	}
	out, err := val.access(parsed.Attr)
	if err != nil {
		return nil, invalidRef(ref, "%s", err)
	}
	return out, nil
}

// ResolveAny walks an arbitrary value and replaces every reference string
// with its resolved value. Maps and lists recurse; all other values pass
// through unchanged.
func (r *Resolver) ResolveAny(ctx context.Context, v any, token string) (any, error) {
	switch tv := v.(type) {
	case string:
		if IsRef(tv) {
			return r.Resolve(ctx, tv, token)
		}
		return tv, nil
	case map[string]any:
		out := make(map[string]any, len(tv))
		for k, elem := range tv {
			resolved, err := r.ResolveAny(ctx, elem, token)
			if err != nil {
				return nil, err
			}
			out[k] = resolved
		}
		return out, nil
	case []any:
		out := make([]any, len(tv))
		for i, elem := range tv {
			resolved, err := r.ResolveAny(ctx, elem, token)
			if err != nil {
				return nil, err
			}
			out[i] = resolved
		}
		return out, nil
	default:
		return v, nil
	}
}

// resolveFile evaluates accessors on a file-typed value. Without an accessor
// the file content is fetched. file_name, path, and parent_directory derive
// from the stored path; any other accessor reads a metadata field from
// describe_file.
func (r *Resolver) resolveFile(ctx context.Context, parsed Ref, val Value, token string) (any, error) {
	if val.IsNull() {
		return nil, nil
	}
	filePath, ok := val.Raw().(string)
	if !ok {
		return nil, invalidRef(parsed.raw, "file value does not hold a path")
	}
	switch parsed.Attr {
	case "":
		if r.files == nil {
			return nil, invalidRef(parsed.raw, "no storage client available for file dereference")
		}
		content, err := r.files.GetFileVersion(ctx, token, storage.GetFileVersionRequest{FilePath: filePath})
		if err != nil {
			return nil, fmt.Errorf("resolve file %s: %w", filePath, err)
		}
		if content.Base64Encoded {
			decoded, err := base64.StdEncoding.DecodeString(content.Data)
			if err != nil {
				return nil, fmt.Errorf("resolve file %s: decode: %w", filePath, err)
			}
			return string(decoded), nil
		}
		return content.Data, nil
	case "file_name":
		return path.Base(filePath), nil
	case "path":
		return filePath, nil
	case "parent_directory":
		return path.Dir(filePath), nil
	default:
		if r.files == nil {
			return nil, invalidRef(parsed.raw, "no storage client available for file metadata")
		}
		meta, err := r.files.DescribeFile(ctx, token, filePath)
		if err != nil {
			return nil, fmt.Errorf("describe file %s: %w", filePath, err)
		}
		field, ok := meta[parsed.Attr]
		if !ok {
			return nil, invalidRef(parsed.raw, "file metadata has no field %q", parsed.Attr)
		}
		return field, nil
	}
}
