package infra

import (
	"fmt"
	"runtime"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
)

const respawnDelay = time.Second

// GoRecoverable runs f and respawns it after a panic. maxPanics counts the
// remaining respawns, a negative value respawns forever and zero makes the
// next panic fatal.
func GoRecoverable(maxPanics int, id string, f func()) {
	defer func() {
		r := recover()
		if r == nil {
			return
		}
		entry := log.WithField("job", id).WithField("origin", identifyPanic())
		if maxPanics == 0 {
			entry.Fatalf("panic limit exceeded: %v", r)
		}
		entry.Errorf("recovering from panic: %v", r)
		left := maxPanics
		if left > 0 {
			left--
		}
		time.Sleep(respawnDelay)
		go GoRecoverable(left, id, f)
	}()
	f()
}

// identifyPanic walks past the runtime frames of the panic machinery to the
// first application frame.
func identifyPanic() string {
	var pc [16]uintptr
	n := runtime.Callers(3, pc[:])
	frames := runtime.CallersFrames(pc[:n])
	for {
		frame, more := frames.Next()
		if frame.Function != "" && !strings.HasPrefix(frame.Function, "runtime.") {
			return fmt.Sprintf("%s:%d", frame.Function, frame.Line)
		}
		if !more {
			break
		}
	}
	return "unknown"
}
