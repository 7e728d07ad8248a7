// Package service supervises a single function and publishes its results.
//
// The Supervisor owns an event loop over three inputs: invocation requests,
// invocation results and context cancellation. Requests come from Start,
// which never blocks, either called once on entry (manual mode) or by a
// gocron scheduler (timer mode).
//
// Data flow:
//
//	Supervisor              function.Function          container engine
//	    |                         |                          |
//	    | Start() --------------->| ready -> idle ---------->| run -i --rm IMAGE
//	    |                         |<------ READY ------------|
//	    | invoke() -------------->| Call(payload) ---------->| base64 line
//	    |                         |<------ base64 line ------|
//	    |<------ Result ----------|                          |
//	    | upload -> stdout | dir | repository
//
// A function stopped by a failed invocation is replaced by a fresh one before
// the next invocation, so timer mode keeps serving after worker crashes.
//
// Invariants:
//   - At most one function is owned at a time.
//   - Each invocation produces exactly one Result.
//   - Only successful results are uploaded.
//   - The function is stopped before Do returns.
package service
