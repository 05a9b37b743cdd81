// Package rotation implements the pure selection algorithms behind the
// three job kinds. Functions here take values and cursors and return
// values and cursors; provider reads, state persistence, and logging
// all live with the callers.
package rotation

// SinglePick selects the next pool entry for a single-record job.
// The cursor-advanced candidate is skipped once when it equals the
// live value and an alternative exists, so an operator never sees a
// "same IP again" rotation when the pool can avoid one. The returned
// cursor is the index of the chosen entry.
func SinglePick(pool []string, live string, cursor int) (target string, newCursor int) {
	n := len(pool)
	if n == 1 {
		// A no-op update is permitted; the job still fires
		return pool[0], 0
	}

	idx := mod(cursor+1, n)
	if pool[idx] == live {
		idx = mod(cursor+2, n)
	}
	return pool[idx], idx
}

// MultiPoolWindow returns the values for the n records of a multi-pool
// job: pool[(cursor+i) mod len(pool)] for i in [0, n).
func MultiPoolWindow(pool []string, n, cursor int) []string {
	values := make([]string, n)
	for i := 0; i < n; i++ {
		values[i] = pool[mod(cursor+i, len(pool))]
	}
	return values
}

// NextWindowCursor slides the multi-pool window forward one position
func NextWindowCursor(pool []string, cursor int) int {
	return mod(cursor+1, len(pool))
}

// Shuffle returns the cyclically shifted assignment for a shuffle job:
// record i receives live[(i+shift) mod len(live)]. The live values must
// be sampled once before calling so the permutation is deterministic
// within a firing.
func Shuffle(live []string, shift int) []string {
	n := len(live)
	values := make([]string, n)
	for i := 0; i < n; i++ {
		values[i] = live[mod(i+shift, n)]
	}
	return values
}

// mod is the non-negative remainder
func mod(a, n int) int {
	m := a % n
	if m < 0 {
		m += n
	}
	return m
}
