package tasksync

type Decision int

const (
	DecisionSkip Decision = iota
	DecisionApply
)

func (d Decision) String() string {
	if d == DecisionApply {
		return "apply"
	}
	return "skip"
}

type MergeOptions struct {
	// Force applies the incoming record regardless of versions. Incremental
	// sync sets it for task records only: the remote reports assignment-only
	// task changes without bumping updated_at, and those must not be dropped.
	// Other kinds have not shown that gap, so they keep the version check.
	Force bool
}

// Merge decides whether incoming replaces existing. It is last-writer-wins by
// sync version, not by arrival order.
func Merge(existing *Record, incoming Record, opts MergeOptions) Decision {
	if existing == nil {
		return DecisionApply
	}
	if opts.Force || incoming.SyncVersion > existing.SyncVersion {
		return DecisionApply
	}
	return DecisionSkip
}
