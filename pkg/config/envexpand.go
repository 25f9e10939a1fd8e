package config

import "os"

// ExpandEnv expands ${VAR} / $VAR references in raw YAML bytes before
// parsing, the same way the teacher's config loader does it. This is how
// broker_secret is normally supplied — out of the checked-in YAML file and
// into the process environment or a keystore-backed env var.
func ExpandEnv(data []byte) []byte {
	return []byte(os.Expand(string(data), os.Getenv))
}
