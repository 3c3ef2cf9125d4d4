package util

import (
	"fmt"
	"runtime"
	"runtime/debug"

	"github.com/sirupsen/logrus"
)

// PanicHandler recovers panics in background goroutines so one failing
// session or connection does not take the process down
type PanicHandler struct {
	logger *logrus.Logger
}

// NewPanicHandler creates a new panic handler
func NewPanicHandler(logger *logrus.Logger) *PanicHandler {
	return &PanicHandler{logger: logger}
}

func (ph *PanicHandler) report(component string, value interface{}) {
	var caller string
	if pc, file, line, ok := runtime.Caller(3); ok {
		if fn := runtime.FuncForPC(pc); fn != nil {
			caller = fmt.Sprintf("%s:%d %s", file, line, fn.Name())
		} else {
			caller = fmt.Sprintf("%s:%d", file, line)
		}
	}

	ph.logger.WithFields(logrus.Fields{
		"component":   component,
		"panic_value": value,
		"caller":      caller,
		"stack_trace": string(debug.Stack()),
	}).Error("Panic recovered")
}

// Recover recovers from panics and logs them. It must be deferred directly.
func (ph *PanicHandler) Recover(component string) {
	if r := recover(); r != nil {
		ph.report(component, r)
	}
}

// RecoverWithCallback recovers from panics and then runs callback with the
// panic value. It must be deferred directly.
func (ph *PanicHandler) RecoverWithCallback(component string, callback func(interface{})) {
	r := recover()
	if r == nil {
		return
	}
	ph.report(component, r)

	if callback == nil {
		return
	}
	defer func() {
		if cbPanic := recover(); cbPanic != nil {
			ph.logger.WithFields(logrus.Fields{
				"component":      component,
				"callback_panic": cbPanic,
			}).Error("Panic in panic recovery callback")
		}
	}()
	callback(r)
}

// SafeGo starts a goroutine with panic recovery
func (ph *PanicHandler) SafeGo(component string, fn func()) {
	go func() {
		defer ph.Recover(component)
		fn()
	}()
}

// SafeGoWithCallback starts a goroutine that runs onPanic if fn panics
func (ph *PanicHandler) SafeGoWithCallback(component string, fn func(), onPanic func(interface{})) {
	go func() {
		defer ph.RecoverWithCallback(component, onPanic)
		fn()
	}()
}
