package logger

import (
	"runtime"
	"strings"

	"github.com/sirupsen/logrus"
)

const maxCallerDepth = 24

// callerHook replaces a caller that logrus resolved inside this package's
// wrappers with the first frame that belongs to neither logrus nor logger.
type callerHook struct{}

func (h *callerHook) Levels() []logrus.Level {
	return logrus.AllLevels
}

func (h *callerHook) Fire(entry *logrus.Entry) error {
	if entry.Caller != nil && !internalFrame(entry.Caller.Function) {
		return nil
	}

	pcs := make([]uintptr, maxCallerDepth)
	frames := runtime.CallersFrames(pcs[:runtime.Callers(2, pcs)])
	for frame, more := frames.Next(); ; frame, more = frames.Next() {
		if frame.Function != "" && !internalFrame(frame.Function) {
			entry.Caller = &frame
			return nil
		}
		if !more {
			return nil
		}
	}
}

func internalFrame(fn string) bool {
	return strings.Contains(fn, "sirupsen/logrus") || strings.Contains(fn, "hermesgw/logger.")
}
