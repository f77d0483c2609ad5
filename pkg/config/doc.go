/*
Package config loads engine configuration from a yaml file.

Every tunable has a default; an empty path to Load yields a fully usable
configuration. The loaded Config is read-only at runtime and exposed as-is
through the manager's admin surface.
*/
package config
