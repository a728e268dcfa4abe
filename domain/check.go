package domain

// Classification is the verdict for a single CI check run
type Classification int

const (
	CheckPending Classification = iota
	CheckFailed
	CheckPassed
)

func (c Classification) String() string {
	switch c {
	case CheckPending:
		return "pending"
	case CheckFailed:
		return "failed"
	case CheckPassed:
		return "passed"
	default:
		return "unknown"
	}
}

// MarshalText implements encoding.TextMarshaler
func (c Classification) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

// CheckResult describes one classified check run. It only lives for the
// duration of a checking phase.
type CheckResult struct {
	Repository     string         `json:"repository"`
	CheckName      string         `json:"check_name"`
	URL            string         `json:"url"`
	Classification Classification `json:"classification"`
}

// Round is the pending/failed partition of one poll across all repositories
type Round struct {
	Number  int
	Pending []CheckResult
	Failed  []CheckResult
	Passed  int
}

// HasPending reports whether the round contains unfinished checks
func (r Round) HasPending() bool {
	return len(r.Pending) > 0
}

// HasFailed reports whether the round contains failed checks
func (r Round) HasFailed() bool {
	return len(r.Failed) > 0
}

// Final reports whether no further round follows this one
func (r Round) Final() bool {
	return r.HasFailed() || !r.HasPending()
}
