// Package researchq orchestrates long-running research tasks: it accepts
// requests, persists their lifecycle in a task record store, hands them to
// workers through a priority queue on asynq, and reports progress to
// pollers and subscribers.
//
// The store is the single source of truth. Queue messages only carry a task
// id; every state change goes through Store.Update, which validates it
// against the lifecycle
//
//	QUEUED -> PROCESSING | CANCELLED | FAILED (publish failure)
//	PROCESSING -> COMPLETED | FAILED | QUEUED | CANCELLED
//
// and commits atomically per record.
//
// Quick start:
//  1. Open a *sql.DB (any database/sql driver) and run Migrate, or use a
//     RedisStore.
//  2. Wrap the store with NewNotifyingStore and attach a Notifier and Metrics.
//  3. Create an AsynqQueue (or a MemoryQueue for a single process).
//  4. Submit work with a Dispatcher.
//  5. Run a Pool of Workers with an Executor, and a Reaper to recover
//     tasks left behind by crashed workers.
package researchq
