package profile

import _ "embed"

//go:embed profiles/strict.yaml
var strictYAML []byte

//go:embed profiles/standard.yaml
var standardYAML []byte

//go:embed profiles/dev.yaml
var devYAML []byte

// builtinProfiles maps profile names to their embedded YAML content.
var builtinProfiles = map[string][]byte{
	"strict":   strictYAML,
	"standard": standardYAML,
	"dev":      devYAML,
}
