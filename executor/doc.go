// Package executor runs a playground's source on its interpreter.
//
// # Overview
//
// A [Controller] ties together the three pieces a playground owns: the
// runtime loader, the editor state and the output sink. It exposes a
// three-state status that drives the run button:
//
//	NotReady ──load ok──▶ Ready ──Run──▶ Running ──done──▶ Ready
//
// # Running
//
// Run is a no-op unless the status is Ready. Otherwise it clears the sink,
// routes the interpreter's stdout and stderr into it, submits the current
// source and waits. Stderr lines are prefixed with "Error: " and an
// unhandled fault adds a final "Traceback: " line:
//
//	ctrl := executor.New(loader, editor.New(src), sink)
//	res, err := ctrl.Run(ctx)
//	if errors.Is(err, executor.ErrNotReady) {
//	    // runtime still loading or failed to load
//	}
//
// # Reset
//
// Reset asks a [Confirmer] first. A confirmed reset restores the default
// source and clears the output; during a run it is queued and applied as
// soon as the run finishes.
package executor
