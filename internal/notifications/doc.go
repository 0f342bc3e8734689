// Package notifications delivers job lifecycle events via ntfy.
//
// NewService publishes to the topic configured in the [notifications]
// section and degrades to a no-op when no topic is set. Each event kind can
// be switched off individually; suppressed events return nil without a
// request.
package notifications
