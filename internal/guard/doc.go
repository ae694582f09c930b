// Package guard provides generation tickets for discarding stale results.
//
// An asynchronous operation takes a Ticket before it suspends on a remote
// call. When the call returns, the operation applies its result only if
// the ticket is still current:
//
//	ticket := gen.Begin()
//	result, err := gateway.Call(ctx, ...)
//	ticket.Apply(func() { store(result) })
//
// Any later Begin or Invalidate on the same Generation makes older tickets
// stale, so a result that arrives after a superseding state change becomes
// a no-op instead of clobbering newer state.
package guard
