// Package clock provides the millisecond-timestamp primitive the rest of
// the store builds timestamps from. Clock is a function type so that a
// deterministic source can stand in for the default wall-clock System.
package clock

import "time"

// Clock returns the current time as milliseconds since the Unix epoch.
type Clock func() uint64

// System is the default Clock, backed by time.Now.
func System() uint64 {
	return uint64(time.Now().UnixMilli())
}
