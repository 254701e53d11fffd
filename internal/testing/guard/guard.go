// Package guard switches the process into test mode when imported, so test binaries
// that reach an entry point never dial Postgres or Redis.
package guard

import "os"

// Env is the variable the entry points consult before starting.
const Env = "ODYSSEY_TEST_MODE"

func init() {
	if os.Getenv(Env) == "" {
		_ = os.Setenv(Env, "1")
	}
}
