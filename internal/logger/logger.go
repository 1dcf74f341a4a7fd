// Package logger is a thin, tag-prefixed console logger over zerolog. Call
// sites pass a short subsystem tag ("SDE", "DB", "AUTH", ...) instead of a
// structured field set, matching how the rest of this codebase logs.
package logger

import (
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func init() {
	zerolog.TimeFieldFormat = time.RFC3339
	log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: "15:04:05"}).With().Timestamp().Logger()
}

// Info logs a routine message under tag.
func Info(tag, msg string) {
	log.Info().Str("tag", tag).Msg(msg)
}

// Success logs a notable positive event under tag (ready, opened, loaded).
func Success(tag, msg string) {
	log.Info().Str("tag", tag).Bool("ok", true).Msg(msg)
}

// Warn logs a recoverable problem under tag.
func Warn(tag, msg string) {
	log.Warn().Str("tag", tag).Msg(msg)
}

// Error logs a failure under tag.
func Error(tag, msg string) {
	log.Error().Str("tag", tag).Msg(msg)
}

// Banner prints the startup version banner once, outside the structured
// tag/message shape — this is operator-facing, not machine-parsed.
func Banner(version string) {
	if version == "" {
		version = "dev"
	}
	fmt.Printf("\n  forgeplan %s\n\n", version)
}

// Server announces the HTTP listen address.
func Server(addr string) {
	log.Info().Str("tag", "SERVER").Msgf("listening on %s", addr)
}

// Section prints a labeled divider ahead of a block of Stats calls (used by
// internal/sde's post-load summary).
func Section(title string) {
	fmt.Printf("\n-- %s --\n", title)
}

// Stats prints one label/value row under the most recent Section.
func Stats(label string, value int) {
	fmt.Printf("  %-14s %d\n", label, value)
}
