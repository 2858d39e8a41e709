// Package dedupe provides a time-based cache used to drop retried client
// sends before they create duplicate chat message rows.
package dedupe
