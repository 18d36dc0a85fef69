package delegation

// Summary aggregates a fleet of delegations into external reporting buckets.
type Summary struct {
	Total     int
	Running   int // spawned + running + retrying
	Completed int
	Verified  int
	Rejected  int
	Failed    int // failed + abandoned

	// AllSettled is true iff every delegation is verified, abandoned, or
	// rejected (awaiting a retry/abandon decision counts as settled enough
	// for fleet-level reporting).
	AllSettled bool
}

// Summarize folds the internal lifecycle states into the buckets a dashboard
// cares about.
func Summarize(list []*Delegation) Summary {
	s := Summary{Total: len(list), AllSettled: true}
	for _, d := range list {
		switch d.Status {
		case StatusSpawned, StatusRunning, StatusRetrying:
			s.Running++
		case StatusCompleted:
			s.Completed++
		case StatusVerified:
			s.Verified++
		case StatusRejected:
			s.Rejected++
		case StatusFailed, StatusAbandoned:
			s.Failed++
		}

		switch d.Status {
		case StatusVerified, StatusAbandoned, StatusRejected:
			// settled
		default:
			s.AllSettled = false
		}
	}
	return s
}
