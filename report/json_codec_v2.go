//go:build jsonv2

package report

import (
	"encoding/json/jsontext"
	jsonv2 "encoding/json/v2"
)

// Reports never carry nil slices, so v2's empty-slice default does not change
// the wire shape.
func jsonMarshal(value any) ([]byte, error) {
	return jsonv2.Marshal(value, jsonv2.Deterministic(true))
}

func jsonMarshalIndent(value any, prefix, indent string) ([]byte, error) {
	opts := jsonv2.JoinOptions(
		jsonv2.Deterministic(true),
		jsontext.WithIndent(indent),
		jsontext.WithIndentPrefix(prefix),
	)
	return jsonv2.Marshal(value, opts)
}
