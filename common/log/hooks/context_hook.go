package hooks

import (
	"runtime"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"
)

// NewContextHook returns a logrus hook that annotates every entry with the
// file:line of the logging callsite.
func NewContextHook() contextHook {
	return contextHook{}
}

type contextHook struct{}

func (hook contextHook) Levels() []logrus.Level {
	return logrus.AllLevels
}

func (hook contextHook) Fire(entry *logrus.Entry) error {
	pcs := make([]uintptr, 16)
	n := runtime.Callers(4, pcs)
	frames := runtime.CallersFrames(pcs[:n])
	for {
		frame, more := frames.Next()
		if frame.File != "" &&
			!strings.Contains(frame.File, "sirupsen/logrus") &&
			!strings.Contains(frame.File, "context_hook.go") {
			parts := strings.Split(frame.File, "seqbatch/")
			entry.Data["file:line"] = parts[len(parts)-1] + ":" + strconv.Itoa(frame.Line)
			return nil
		}
		if !more {
			return nil
		}
	}
}
