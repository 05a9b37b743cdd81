// Package trigger polls per-host traffic agents and raises an alert
// when a window's accumulated traffic exceeds its configured limit,
// at most once per (trigger, period identifier).
package trigger
