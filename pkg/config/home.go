package config

import (
	"os"
	"path/filepath"
)

// EnvHome overrides the home directory.
const EnvHome = "TICKET_RUNNER_HOME"

// Home is the directory that holds run artifacts and logs.
type Home string

// ResolveHome returns $TICKET_RUNNER_HOME when set, otherwise
// ~/.ticket-runner, otherwise .ticket-runner in the working directory.
// It is read on every call so that a changed environment takes effect.
func ResolveHome() Home {
	if env := os.Getenv(EnvHome); env != "" {
		return Home(filepath.Clean(env))
	}
	if user, err := os.UserHomeDir(); err == nil && user != "" {
		return Home(filepath.Join(user, ".ticket-runner"))
	}
	return Home(".ticket-runner")
}

// ArtifactsDir returns <home>/artifacts, where run reports and the
// diagnostics of failed steps go.
func (h Home) ArtifactsDir() string {
	return filepath.Join(string(h), "artifacts")
}

// LogPath returns <home>/logs/<name>.log.
func (h Home) LogPath(name string) string {
	return filepath.Join(string(h), "logs", name+".log")
}
