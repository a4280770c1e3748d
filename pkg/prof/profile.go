package prof

import (
	"fmt"

	"github.com/ardnew/smdlink/pkg"
)

// Profile names a runtime/pprof snapshot profile.
type Profile string

// Snapshot profiles. CPU profiling is streamed with [Start] and [Stop]
// instead.
const (
	ProfileHeap      Profile = "heap"
	ProfileAllocs    Profile = "allocs"
	ProfileGoroutine Profile = "goroutine"
	ProfileBlock     Profile = "block"
	ProfileMutex     Profile = "mutex"
)

var profiles = []Profile{ProfileHeap, ProfileAllocs, ProfileGoroutine, ProfileBlock, ProfileMutex}

func (p Profile) String() string { return string(p) }

// ParseProfile returns the snapshot profile named s.
func ParseProfile(s string) (Profile, error) {
	for _, p := range profiles {
		if string(p) == s {
			return p, nil
		}
	}
	return "", fmt.Errorf("%w: profile %q", pkg.ErrInvalidParameter, s)
}
