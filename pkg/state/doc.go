/*
Package state persists per-job rotation state (last firing time, pool
cursor, consecutive failures) and trigger-firing markers in a single
YAML file owned exclusively by the engine.

Reads are served from memory; every mutation is written through with
the temp+fsync+rename discipline before the mutator returns, so a
crash never leaves a torn or stale-beyond-one-write file. A missing
file is simply empty state; a corrupt one is a fatal state fault.

last_fired_at is enforced monotonically non-decreasing per job.
*/
package state
