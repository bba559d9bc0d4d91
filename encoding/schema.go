package encoding

import (
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// paymentPayloadSchema checks shape only. Version, scheme, and network
// policy are enforced by the Codec so they can produce specific reasons.
const paymentPayloadSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["x402Version", "scheme", "network", "payload"],
  "properties": {
    "x402Version": {"type": "integer"},
    "scheme": {"type": "string", "minLength": 1},
    "network": {"type": "string", "minLength": 1},
    "payload": {
      "type": "object",
      "required": ["signature", "authorization"],
      "properties": {
        "signature": {"type": "string", "pattern": "^0x[0-9a-fA-F]{130}$"},
        "authorization": {
          "type": "object",
          "required": ["from", "to", "value", "validAfter", "validBefore", "nonce"],
          "properties": {
            "from": {"type": "string", "pattern": "^0x[0-9a-fA-F]{40}$"},
            "to": {"type": "string", "pattern": "^0x[0-9a-fA-F]{40}$"},
            "value": {"type": "string", "pattern": "^[0-9]{1,78}$"},
            "validAfter": {"type": "string", "pattern": "^[0-9]{1,78}$"},
            "validBefore": {"type": "string", "pattern": "^[0-9]{1,78}$"},
            "nonce": {"type": "string", "pattern": "^0x[0-9a-fA-F]{64}$"}
          }
        }
      }
    }
  }
}`

var payloadSchema = mustSchema(paymentPayloadSchema)

func mustSchema(source string) *gojsonschema.Schema {
	schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(source))
	if err != nil {
		panic(fmt.Sprintf("encoding: invalid payload schema: %v", err))
	}
	return schema
}

// validateSchema returns nil or an error listing every violation.
func validateSchema(document []byte) error {
	result, err := payloadSchema.Validate(gojsonschema.NewBytesLoader(document))
	if err != nil {
		return fmt.Errorf("not valid JSON: %w", err)
	}
	if result.Valid() {
		return nil
	}

	problems := make([]string, 0, len(result.Errors()))
	for _, e := range result.Errors() {
		problems = append(problems, e.String())
	}
	return fmt.Errorf("schema violation: %s", strings.Join(problems, "; "))
}
