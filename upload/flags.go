package upload

import "strings"

// PoolCreateFlags exposes options for pool behavior that can be applied at creation time.
type PoolCreateFlags int32

const (
	// PoolCreateSynchronized guards every pool operation with an internal mutex. By
	// default a Pool is not safe for concurrent use from multiple goroutines- callers
	// must serialize access themselves, usually by giving each producing goroutine its
	// own Pool.
	PoolCreateSynchronized PoolCreateFlags = 1 << iota
)

var poolCreateFlagsMapping = map[PoolCreateFlags]string{
	PoolCreateSynchronized: "PoolCreateSynchronized",
}

func (f PoolCreateFlags) String() string {
	if f == 0 {
		return "None"
	}

	var parts []string
	for flag, name := range poolCreateFlagsMapping {
		if f&flag != 0 {
			parts = append(parts, name)
		}
	}
	return strings.Join(parts, "|")
}
