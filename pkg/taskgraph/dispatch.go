package taskgraph

import "fmt"

// Mode is the kind of execution backend in use.
type Mode string

const (
	ModeSandbox Mode = "sandbox"
	ModeProd    Mode = "prod"
)

func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModeSandbox, ModeProd:
		return Mode(s), nil
	default:
		return "", fmt.Errorf("invalid mode %q (expected %s or %s)", s, ModeSandbox, ModeProd)
	}
}

// Target describes where queries are dispatched. It only drives scheduling
// and progress text.
type Target struct {
	Label           string `json:"label"`
	ParallelCapable bool   `json:"parallelCapable"`
}

// DispatchTarget reports the execution target for a backend mode. The
// sandbox emulator runs queries one at a time.
func DispatchTarget(hasSubAnalyst bool, mode Mode) Target {
	switch {
	case hasSubAnalyst && mode == ModeProd:
		return Target{Label: "sub-analyst + warehouse", ParallelCapable: true}
	case hasSubAnalyst:
		return Target{Label: "sub-analyst + sandbox emulator", ParallelCapable: false}
	case mode == ModeProd:
		return Target{Label: "warehouse", ParallelCapable: true}
	default:
		return Target{Label: "sandbox emulator", ParallelCapable: false}
	}
}
