package catalog

import "strings"

// ModelFileExt is the extension of servable model files.
const ModelFileExt = ".gguf"

// NormalizeModelName canonicalizes a model identifier so "llama.gguf" and
// " llama " name the same file.
func NormalizeModelName(name string) string {
	return strings.TrimSuffix(strings.TrimSpace(name), ModelFileExt)
}

// ValidModelName reports whether name stays inside the model directory.
func ValidModelName(name string) bool {
	name = NormalizeModelName(name)
	if name == "" || name == "." || strings.Contains(name, "..") {
		return false
	}
	return !strings.ContainsAny(name, `/\`)
}
