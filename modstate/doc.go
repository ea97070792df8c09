// Moderation action state derivation.
//
// The effective state of a moderation action is never stored: it is a fold over the immutable records which reference the action (appeals, resolutions, reverse actions, and testimony windows), replayed in causal order. [Fold] is the pure derivation; [Deriver] loads the record graph from a store, recursing into reverse actions, and detects reference cycles.
//
// Derivation never fails on odd inputs: cyclic or malformed chains produce the [StateIndeterminate] state with a reason.
package modstate
