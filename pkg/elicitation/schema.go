package elicitation

import (
	"bytes"
	"encoding/json"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/tachyon-beep/lighthouse/pkg/lherr"
)

// compileSchema parses and compiles a caller-supplied JSON Schema document.
func compileSchema(schemaDoc []byte) (*jsonschema.Schema, error) {
	var raw any
	if err := json.Unmarshal(schemaDoc, &raw); err != nil {
		return nil, lherr.Wrap(lherr.KindInvalidPayload, err, "parse elicitation schema")
	}
	c := jsonschema.NewCompiler()
	const resource = "elicitation-schema.json"
	if err := c.AddResource(resource, raw); err != nil {
		return nil, lherr.Wrap(lherr.KindInvalidPayload, err, "load elicitation schema")
	}
	schema, err := c.Compile(resource)
	if err != nil {
		return nil, lherr.Wrap(lherr.KindInvalidPayload, err, "compile elicitation schema")
	}
	return schema, nil
}

// validateResponse checks payload against schemaDoc.
func validateResponse(schemaDoc, payload []byte) error {
	schema, err := compileSchema(schemaDoc)
	if err != nil {
		return err
	}
	var inst any
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()
	if err := dec.Decode(&inst); err != nil {
		return lherr.Wrap(lherr.KindInvalidPayload, err, "parse response payload")
	}
	if err := schema.Validate(inst); err != nil {
		return lherr.Wrap(lherr.KindInvalidPayload, err, "response payload failed schema validation")
	}
	return nil
}
