package commands

import (
	"encoding/json"
	"io"

	"gopkg.in/yaml.v3"
)

// printJSON writes v as indented JSON.
func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// printYAML writes v as YAML. The value goes through its JSON form first so
// field names match the wire format instead of Go struct names.
func printYAML(w io.Writer, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	var tree any
	if err := json.Unmarshal(data, &tree); err != nil {
		return err
	}

	enc := yaml.NewEncoder(w)
	defer enc.Close()
	return enc.Encode(tree)
}
