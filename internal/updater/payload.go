package updater

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/austindbirch/dbip_updater/internal/settings"
)

//go:embed schema/payload.schema.json
var schemaBytes []byte

var (
	compiledSchema *jsonschema.Schema
	compileOnce    sync.Once
	compileErr     error
)

func payloadSchema() (*jsonschema.Schema, error) {
	compileOnce.Do(func() {
		doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(schemaBytes))
		if err != nil {
			compileErr = fmt.Errorf("unmarshaling schema JSON: %w", err)
			return
		}
		c := jsonschema.NewCompiler()
		if err := c.AddResource("payload.schema.json", doc); err != nil {
			compileErr = fmt.Errorf("adding schema resource: %w", err)
			return
		}
		compiledSchema, compileErr = c.Compile("payload.schema.json")
		if compileErr != nil {
			compileErr = fmt.Errorf("compiling schema: %w", compileErr)
		}
	})
	return compiledSchema, compileErr
}

const bodyPrefixLen = 500

// extractURL parses body and returns the validated mmdb.url value.
func extractURL(body []byte, source string) (string, error) {
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(body))
	if err != nil {
		return "", &Error{
			Kind:   KindParse,
			Err:    fmt.Errorf("invalid JSON response from %s: %w", source, err),
			detail: map[string]any{"body_prefix": prefix(body, bodyPrefixLen)},
		}
	}

	schema, err := payloadSchema()
	if err != nil {
		return "", &Error{Kind: KindSchema, Err: err}
	}
	if err := schema.Validate(inst); err != nil {
		e := &Error{
			Kind:   KindSchema,
			Err:    fmt.Errorf("missing 'mmdb.url' in JSON response from %s", source),
			detail: map[string]any{"received_keys": topLevelKeys(inst)},
		}
		var ve *jsonschema.ValidationError
		if errors.As(err, &ve) {
			e.detail["schema_error"] = ve.Error()
		}
		return "", e
	}

	// The schema guarantees the shape below.
	u := inst.(map[string]any)["mmdb"].(map[string]any)["url"].(string)
	if !settings.IsAbsoluteURL(u) {
		return "", newError(KindValidation, "invalid URL format: %q", u)
	}
	return u, nil
}

func topLevelKeys(inst any) []string {
	m, ok := inst.(map[string]any)
	if !ok {
		return nil
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func prefix(b []byte, n int) string {
	if len(b) > n {
		return string(b[:n])
	}
	return string(b)
}
