// Package render runs one rendering worker per camera. Each worker owns
// a drawing surface and a single-slot mailbox: a frame dispatched while
// another is still pending replaces it, so a slow surface only ever
// costs skipped frames, never queued memory.
//
// Every dispatched bitmap is completed exactly once, whether it is
// drawn, superseded, refused, or dropped by teardown. Completion closes
// the bitmap and then invokes the caller's callback.
package render
