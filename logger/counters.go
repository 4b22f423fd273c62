package logger

import (
	"sync"
	"sync/atomic"
)

type levelCount struct {
	warns  int64
	errors int64
}

// ComponentCounts is the number of warnings and errors logged by a component.
type ComponentCounts struct {
	Warns  int64
	Errors int64
}

var components sync.Map // map[string]*levelCount

func countFor(component string) *levelCount {
	v, _ := components.LoadOrStore(component, &levelCount{})
	return v.(*levelCount)
}

func recordWarn(component string) {
	atomic.AddInt64(&countFor(component).warns, 1)
}

func recordError(component string) {
	atomic.AddInt64(&countFor(component).errors, 1)
}

// Counts returns a snapshot of warnings and errors per component, as logged
// through Entry.Warn and Entry.Error.
func Counts() map[string]ComponentCounts {
	out := make(map[string]ComponentCounts)
	components.Range(func(k, v any) bool {
		lc := v.(*levelCount)
		out[k.(string)] = ComponentCounts{
			Warns:  atomic.LoadInt64(&lc.warns),
			Errors: atomic.LoadInt64(&lc.errors),
		}
		return true
	})
	return out
}
