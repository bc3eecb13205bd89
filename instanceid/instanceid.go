// Package instanceid hands out short, stable identity strings used in
// log lines and String() methods across observers, connections and
// devices. It plays the same role the original library's id()-based
// instance_id() helper plays, but Go has no stable pointer-identity
// hash worth relying on, so a process-wide counter is used instead.
// Identity here is purely cosmetic; nothing depends on it for
// correctness.
package instanceid

import "sync/atomic"

var counter uint64

// Next returns the next identity in the process-wide sequence,
// starting at 1.
func Next() uint64 {
	return atomic.AddUint64(&counter, 1)
}
