// Package service drives the agent: it schedules ticks and delivers their
// output.
//
// The Supervisor owns an event loop. Every start request (a manual oneshot
// run, or a gocron timer tick) asks its Ticker for one aggregated answer and
// hands it to the uploaders: a writer, a directory or a remote collector.
//
// The Agent is the production Ticker. One tick:
//
//	Supervisor        Agent                 plugin.Table         provider
//	    |                |                       |                   |
//	    | Tick() ------->| walk.Files            |                   |
//	    |                | Reconcile ----------->| entries added,    |
//	    |                |                       | reconfigured,     |
//	    |                |                       | removed           |
//	    |                | Collect --------------------------------->| sections, sync
//	    |                |                       |                   | plugins, cached
//	    |                |                       |                   | async plugins
//	    |                | StartMarked --------->| restart sweep     |
//	    |<-- output -----|                       |                   |
//	    | upload         |                       |                   |
//
// Invariants:
//   - Ticks never overlap, the tables have a single writer.
//   - Plugin failures are absorbed by the engine, a tick always produces output.
//   - Requests arriving during a tick are merged into one following tick.
//   - Cancelling the context stops the loop and joins every background worker.
package service
