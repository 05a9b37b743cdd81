/*
Package engine implements the rotation driver: the tick loop that
evaluates every configured job, applies record updates through the DNS
provider, and persists rotation state.

# Tick algorithm

On each tick the engine:

 1. Loads the configuration document and refreshes job gauges. A
    document that fails to parse aborts the tick; the engine retries on
    the next tick once the operator fixes the file.
 2. Walks every enabled job in configuration order. A job fires only
    when at least interval_minutes have elapsed since its persisted
    last_fired_at, regardless of how fine the tick interval is.
 3. Applies each job's plan sequentially and persists state immediately
    after a successful firing, so a crash mid-tick loses at most the
    updates not yet applied and never duplicates a persisted one.
 4. Runs the traffic-trigger evaluator every few ticks.

# Concurrency

Jobs for the same account are serialized behind a per-account mutex to
respect provider rate limits; jobs across distinct accounts run in
parallel. Within one job, operations are strictly sequential: read the
live record, decide, update, persist.

# Failure policy

Transient provider faults leave state untouched except for the
consecutive-failure streak and retry on the next tick; the streak is
surfaced at WARN on the first failure and every power-of-two occurrence
after. Record-scope and auth faults quarantine the job for the current
tick only. Config and state faults have no local recovery.

The engine runs either as a daemon (Run) or as an externally scheduled
one-shot (RunOnce); both share the same evaluator and state discipline,
so alternating between them does not corrupt state.
*/
package engine
