// Package config defines the application configuration structure and loading
// mechanism. Values come from defaults, an optional YAML file, and
// JOBENGINE_-prefixed environment variables, in increasing precedence, and
// are validated before the server starts.
package config
