package status

// And returns a Status that succeeds once both s and other succeed, and fails
// as soon as either fails, carrying that failure.
func (s *Status) And(other *Status) *Status {
	combined := New()

	check := func(*Status) {
		if err := s.Err(); err != nil {
			combined.resolve(err)
			return
		}
		if err := other.Err(); err != nil {
			combined.resolve(err)
			return
		}
		if s.IsDone() && other.IsDone() {
			combined.resolve(nil)
		}
	}

	s.AddCallback(check)
	other.AddCallback(check)
	return combined
}

// Chain ANDs statuses together left to right. The result succeeds when all of
// them succeed and fails when any one fails. Chain of nothing has already
// succeeded.
func Chain(statuses ...*Status) *Status {
	combined := Done()
	for _, s := range statuses {
		combined = combined.And(s)
	}
	return combined
}
