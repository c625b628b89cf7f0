package runner

import "errors"

// RequestExec aborts the currently instantiated user module via the
// exec sentinel; the runner's top-level loop catches it and
// instantiates the kernel-preloaded replacement module instead (spec.md
// §4.1 "User-mode tail control").
func RequestExec() error { return errExecRequested }

// RequestSigReturn aborts the in-progress signal handler via the
// sigreturn sentinel; the caller reloads the stack pointer and TLS
// base before resuming.
func RequestSigReturn() error { return errSigReturnRequested }

// RunUserMode runs one user-mode invocation, translating the sentinel
// aborts from RequestExec/RequestSigReturn into a TailCode the caller
// dispatches on, instead of letting them escape as ordinary errors.
func (r *Runner) RunUserMode(body func() error) (TailCode, error) {
	err := body()
	switch {
	case err == nil:
		r.tail.Store(int32(TailNormal))
		return TailNormal, nil
	case errors.Is(err, errExecRequested):
		r.tail.Store(int32(TailExec))
		return TailExec, nil
	case errors.Is(err, errSigReturnRequested):
		r.tail.Store(int32(TailSigReturn))
		return TailSigReturn, nil
	default:
		return TailNormal, err
	}
}

// Tail returns the runner's last observed tail code.
func (r *Runner) Tail() TailCode { return TailCode(r.tail.Load()) }

// EnterSignal records that the runner is about to invoke a
// libc-provided signal-handler export, transiently switching the user
// stack pointer and TLS base to kernel-managed values (spec.md §4.1
// "Signal delivery"). The caller is responsible for performing the
// actual register swap; this only updates tracked state.
func (r *Runner) EnterSignal() {
	r.tail.Store(int32(TailSignal))
}
