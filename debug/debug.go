// ─────────────────────────────────────────────────────────────────────────────
// [Filename]: debug.go — Cold-Path Diagnostics (zero-alloc)
//
// Purpose:
//   - Logs infrequent failure and lifecycle events without heap pressure.
//   - Used by the tracker and journal: commit failures, sweep results,
//     shutdown progress.
//
// Notes:
//   - Avoids fmt on the common path; callers concatenate with utils.Itoa.
//   - One line per event, prefix-tagged, written straight to stderr.
//
// ⚠️ Never invoke in hot loops — use only for diagnostics.
// ─────────────────────────────────────────────────────────────────────────────

package debug

import "github.com/paulbrucker/containerqueue/utils"

// DropError logs err under a short prefix tag, or just the prefix when err
// is nil. Concatenation keeps the write to a single stderr call.
//
//go:nosplit
//go:inline
func DropError(prefix string, err error) {
	if err != nil {
		utils.PrintWarning(prefix + ": " + err.Error() + "\n")
	} else {
		utils.PrintWarning(prefix + "\n")
	}
}

// DropMessage logs a prefix-tagged message line. Cold paths only: state
// changes, periodic progress, termination notices.
//
//go:nosplit
//go:inline
func DropMessage(prefix, message string) {
	utils.PrintWarning(prefix + ": " + message + "\n")
}
