// Package scheduler drives the task lifecycle: it mirrors the store's active
// rows as an in-memory set of one-shot timers, and runs each fired row
// through the fire-and-reschedule protocol.
//
// The timer set is rebuilt from scratch on every admission, cancellation,
// completed fire, and periodic evaluation tick. Full rebuild per mutation is
// a deliberate simplification over incremental timer management: the
// in-memory schedule is always consistent with durable state, at
// O(active rows) per mutation, which is fine at announcement volumes.
//
// Protocol states per fired row:
//
//	Scheduled -> Delivering -> Rescheduled | Completed | Suspended
//
// A transient delivery failure causes no transition at all: the row stays
// active at its old publish time, shows up as overdue on the next evaluation
// pass, and is retried then.
package scheduler
