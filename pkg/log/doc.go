/*
Package log provides structured logging for Conductor built on zerolog.

Call Init once at process start, then use WithComponent (or the id-scoped
helpers) to derive child loggers that tag every line with its origin.
*/
package log
