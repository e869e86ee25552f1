// Package numplay hosts interactive machine-learning playgrounds: a code
// editor, a run button and an output console backed by an interpreter that
// is loaded once per playground.
//
// # Overview
//
// Each playground is a [playground.View] built from a preset program. The
// view loads its interpreter in the background, reports a status of
// not ready, ready or running, and replaces its console with the output of
// every run. Two presets ship by default: a logistic regression written
// from scratch and a scikit-learn style workflow.
//
// # Basic Usage
//
//	preset, _ := playground.Lookup("scratch")
//	view := playground.New(preset, star.New())
//	view.Mount(ctx)
//	defer view.Unmount(ctx)
//
//	view.WaitLoaded(ctx)
//	res, err := view.Run(ctx)
//	for _, line := range view.Output() {
//	    fmt.Println(line.Text)
//	}
//
// # Backends
//
// The starlark backend ([language/star]) runs in-process with a built-in
// numpy subset. The python backend ([language/python]) runs a CPython WASI
// build on wazero, fetched from an index location:
//
//	factory := python.New(python.WithDiskCache(""))
//	view := playground.New(preset, factory,
//	    playground.WithRuntimeConfig(runtime.Config{IndexURL: "https://example.com/index"}))
//
// See the [playground], [executor], [runtime] and [output] packages for
// details, and cmd/numplay for the command line and HTTP front ends.
package numplay
