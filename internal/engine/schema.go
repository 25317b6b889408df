package engine

import (
	"embed"
	"fmt"
	"sort"

	"github.com/xeipuuv/gojsonschema"
)

//go:embed schemas/*.json
var schemaFS embed.FS

// DocumentSchema is a compiled JSON schema for one incoming document kind.
type DocumentSchema struct {
	name   string
	schema *gojsonschema.Schema
}

var (
	DefinitionSchema    = mustSchema("workflow definition", "schemas/definition.schema.json")
	TriggerEventSchema  = mustSchema("trigger event", "schemas/trigger_event.schema.json")
	DeliveryEventSchema = mustSchema("delivery event", "schemas/delivery_event.schema.json")
)

func mustSchema(name, file string) *DocumentSchema {
	raw, err := schemaFS.ReadFile(file)
	if err != nil {
		panic(fmt.Sprintf("read schema %s: %v", file, err))
	}
	s, err := gojsonschema.NewSchema(gojsonschema.NewBytesLoader(raw))
	if err != nil {
		panic(fmt.Sprintf("compile schema %s: %v", file, err))
	}
	return &DocumentSchema{name: name, schema: s}
}

// Validate checks raw JSON and reports every violation in a SchemaError.
func (d *DocumentSchema) Validate(raw []byte) error {
	result, err := d.schema.Validate(gojsonschema.NewBytesLoader(raw))
	if err != nil {
		return &SchemaError{Document: d.name, Problems: []string{err.Error()}}
	}
	if result.Valid() {
		return nil
	}
	problems := make([]string, 0, len(result.Errors()))
	for _, desc := range result.Errors() {
		problems = append(problems, desc.String())
	}
	sort.Strings(problems)
	return &SchemaError{Document: d.name, Problems: problems}
}
