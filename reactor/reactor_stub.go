//go:build !linux

// Stub for platforms without an epoll-equivalent implementation wired
// up yet. A production build could add a Windows IOCP backend here;
// this module only targets the Linux epoll path (see DESIGN.md for the
// scope reduction and its justification).
package reactor

import "github.com/nyxwave/wsreactor/wsapi"

// New returns wsapi.ErrNotSupported on non-Linux platforms.
func New() (EventReactor, error) {
	return nil, wsapi.ErrNotSupported
}
