// Package runtime provides panic recovery helpers for long-lived goroutines.
//
// Background loops (relay sweeps, consumer loops, channel monitors) must not
// take the process down on a handler panic; these helpers recover, log the
// panic with its stack, and either keep the goroutine pool alive or re-panic
// depending on policy.
package runtime

import (
	"context"
	"fmt"
	"runtime/debug"

	"github.com/shopfabric/lib-eventbus/eventbus/log"
)

// PanicPolicy decides what happens after a panic is recovered and logged.
type PanicPolicy int

const (
	// KeepRunning swallows the panic after logging it. The goroutine ends
	// but the process stays up.
	KeepRunning PanicPolicy = iota
	// CrashProcess re-panics after logging, preserving the original value.
	CrashProcess
)

const maxStackBytes = 4096

func formatPanicValue(value any) string {
	if value == nil {
		return "<nil>"
	}

	switch val := value.(type) {
	case string:
		return val
	case error:
		return val.Error()
	default:
		return fmt.Sprintf("%v", value)
	}
}

// logPanicWithStack logs a recovered panic. A nil logger is tolerated so
// recovery never becomes a second failure.
func logPanicWithStack(logger log.Logger, name string, panicValue any, stack []byte) {
	if logger == nil {
		return
	}

	stackStr := string(stack)
	if len(stackStr) > maxStackBytes {
		stackStr = stackStr[:maxStackBytes] + "\n...[truncated]"
	}

	logger.Log(context.Background(), log.LevelError, "panic recovered",
		log.String("name", name),
		log.String("panic", formatPanicValue(panicValue)),
		log.String("stack", stackStr),
	)
}

// RecoverAndLog recovers a panic, logs it, and keeps the process running.
// Use as `defer runtime.RecoverAndLog(logger, "worker")`.
func RecoverAndLog(logger log.Logger, name string) {
	if r := recover(); r != nil {
		logPanicWithStack(logger, name, r, debug.Stack())
	}
}

// RecoverAndLogWithContext is RecoverAndLog with a component tag for
// correlation in structured logs.
func RecoverAndLogWithContext(_ context.Context, logger log.Logger, component, name string) {
	if r := recover(); r != nil {
		logPanicWithStack(logger, component+"."+name, r, debug.Stack())
	}
}

// RecoverAndCrash logs the panic and re-panics with the original value.
func RecoverAndCrash(logger log.Logger, name string) {
	if r := recover(); r != nil {
		logPanicWithStack(logger, name, r, debug.Stack())
		panic(r)
	}
}

// RecoverAndCrashWithContext is RecoverAndCrash with a component tag.
func RecoverAndCrashWithContext(_ context.Context, logger log.Logger, component, name string) {
	if r := recover(); r != nil {
		logPanicWithStack(logger, component+"."+name, r, debug.Stack())
		panic(r)
	}
}

// RecoverWithPolicy recovers, logs, and applies the given policy.
func RecoverWithPolicy(logger log.Logger, name string, policy PanicPolicy) {
	if r := recover(); r != nil {
		logPanicWithStack(logger, name, r, debug.Stack())

		if policy == CrashProcess {
			panic(r)
		}
	}
}

// RecoverWithPolicyAndContext is RecoverWithPolicy with a component tag.
func RecoverWithPolicyAndContext(_ context.Context, logger log.Logger, component, name string, policy PanicPolicy) {
	if r := recover(); r != nil {
		logPanicWithStack(logger, component+"."+name, r, debug.Stack())

		if policy == CrashProcess {
			panic(r)
		}
	}
}

// SafeGo launches fn in a goroutine guarded by RecoverWithPolicy.
func SafeGo(logger log.Logger, name string, policy PanicPolicy, fn func()) {
	go func() {
		defer RecoverWithPolicy(logger, name, policy)

		fn()
	}()
}

// SafeGoWithContextAndComponent launches fn in a goroutine guarded by
// RecoverWithPolicyAndContext, passing the context through to fn.
func SafeGoWithContextAndComponent(
	ctx context.Context,
	logger log.Logger,
	component, name string,
	policy PanicPolicy,
	fn func(ctx context.Context),
) {
	go func() {
		defer RecoverWithPolicyAndContext(ctx, logger, component, name, policy)

		fn(ctx)
	}()
}
