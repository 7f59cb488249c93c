package toolconv

import (
	"encoding/json"

	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/document"
)

// BedrockSchema wraps a JSON Schema document for the Converse tool spec.
// Invalid documents degrade to an empty object schema rather than failing
// the whole request.
func BedrockSchema(raw json.RawMessage) document.Interface {
	var schema any
	if err := json.Unmarshal(raw, &schema); err != nil {
		schema = map[string]any{"type": "object", "properties": map[string]any{}}
	}
	return document.NewLazyDocument(schema)
}
