package repositories

import "github.com/satriahrh/arunika/client/domain/entities"

// StatusSink is the display layer. Publish is called on the session's control
// thread after every transition and must return quickly.
type StatusSink interface {
	Publish(status entities.Status)
}

// StatusSinkFunc adapts a function to a StatusSink
type StatusSinkFunc func(status entities.Status)

// Publish implements StatusSink
func (f StatusSinkFunc) Publish(status entities.Status) { f(status) }
