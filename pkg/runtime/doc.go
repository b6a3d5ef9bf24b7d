// Package runtime wraps containerd to create, run, watch, and tear down the
// ephemeral per-work-unit containers the engine executes. One call to
// CreateAndStart corresponds to exactly one container; callers are expected
// to call Remove on every exit path, successful or not.
package runtime
