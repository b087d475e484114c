package tooldef

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	_ "embed"
	"errors"
	"fmt"
	"sync"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"goa.design/ratio/storage"
)

//go:embed definition_schema.json
var metaSchemaJSON []byte

const metaSchemaID = "ratio://tooldef/definition.schema.json"

var (
	metaOnce   sync.Once
	metaSchema *jsonschema.Schema
	metaErr    error
)

func compiledMetaSchema() (*jsonschema.Schema, error) {
	metaOnce.Do(func() {
		doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(metaSchemaJSON))
		if err != nil {
			metaErr = fmt.Errorf("parse embedded meta-schema: %w", err)
			return
		}
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource(metaSchemaID, doc); err != nil {
			metaErr = fmt.Errorf("register meta-schema: %w", err)
			return
		}
		metaSchema, metaErr = compiler.Compile(metaSchemaID)
	})
	return metaSchema, metaErr
}

// Decode validates a raw definition document against the embedded
// meta-schema, decodes it, and applies the structural rules.
func Decode(raw []byte) (*Definition, error) {
	sch, err := compiledMetaSchema()
	if err != nil {
		return nil, err
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return nil, invalidDef("", "not parseable: %v", err)
	}
	if err := sch.Validate(doc); err != nil {
		return nil, invalidDef("", "%v", err)
	}
	var def Definition
	if err := json.Unmarshal(raw, &def); err != nil {
		return nil, invalidDef("", "decode: %v", err)
	}
	if err := def.Validate(); err != nil {
		return nil, err
	}
	return &def, nil
}

// Load fetches a definition document from storage and decodes it. A missing
// file maps to ErrMissingDefinition.
func Load(ctx context.Context, client storage.Client, token, path string) (*Definition, error) {
	content, err := client.GetFileVersion(ctx, token, storage.GetFileVersionRequest{FilePath: path})
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrMissingDefinition, path)
		}
		return nil, fmt.Errorf("load definition %s: %w", path, err)
	}
	data := []byte(content.Data)
	if content.Base64Encoded {
		decoded, err := base64.StdEncoding.DecodeString(content.Data)
		if err != nil {
			return nil, invalidDef(path, "decode: %v", err)
		}
		data = decoded
	}
	def, err := Decode(data)
	if err != nil {
		var ide *InvalidDefinitionError
		if errors.As(err, &ide) && ide.Path == "" {
			ide.Path = path
		}
		return nil, err
	}
	return def, nil
}
