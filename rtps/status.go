package rtps

// StatusMask selects communication statuses. Bit positions follow Cyclone DDS
// so masks can be compared with dds_get_status_changes output.
type StatusMask uint32

const (
	OfferedIncompatibleQoSStatus   StatusMask = 1 << 5
	RequestedIncompatibleQoSStatus StatusMask = 1 << 6
	PublicationMatchedStatus       StatusMask = 1 << 13
	SubscriptionMatchedStatus      StatusMask = 1 << 14

	writerStatuses = OfferedIncompatibleQoSStatus | PublicationMatchedStatus
	readerStatuses = RequestedIncompatibleQoSStatus | SubscriptionMatchedStatus
)

func (m StatusMask) String() string {
	names := []struct {
		bit  StatusMask
		name string
	}{
		{OfferedIncompatibleQoSStatus, "offered_incompatible_qos"},
		{RequestedIncompatibleQoSStatus, "requested_incompatible_qos"},
		{PublicationMatchedStatus, "publication_matched"},
		{SubscriptionMatchedStatus, "subscription_matched"},
	}
	s := ""
	for _, n := range names {
		if m&n.bit == 0 {
			continue
		}
		if s != "" {
			s += "|"
		}
		s += n.name
	}
	if s == "" {
		return "none"
	}
	return s
}

// entityStatus tracks which statuses changed since they were last taken.
// Changes to statuses outside the enabled mask are not recorded.
type entityStatus struct {
	valid   StatusMask
	enabled StatusMask
	changes StatusMask
}

func newEntityStatus(valid StatusMask) entityStatus {
	return entityStatus{valid: valid, enabled: valid}
}

func (s *entityStatus) setMask(m StatusMask) error {
	if m&^s.valid != 0 {
		return ErrBadStatusMask
	}
	s.enabled = m
	s.changes &= m
	return nil
}

func (s *entityStatus) raise(m StatusMask) {
	s.changes |= m & s.enabled
}

func (s *entityStatus) take(m StatusMask) StatusMask {
	c := s.changes & m
	s.changes &^= m
	return c
}

// MatchedStatus is the DDS publication/subscription matched status. The
// change counts are relative to the last time it was read.
type MatchedStatus struct {
	TotalCount         int32
	TotalCountChange   int32
	CurrentCount       int32
	CurrentCountChange int32
	LastHandle         GUID
}

func (s *MatchedStatus) matched(g GUID) {
	s.TotalCount++
	s.TotalCountChange++
	s.CurrentCount++
	s.CurrentCountChange++
	s.LastHandle = g
}

func (s *MatchedStatus) unmatched(g GUID) {
	s.CurrentCount--
	s.CurrentCountChange--
	s.LastHandle = g
}

func (s *MatchedStatus) read() MatchedStatus {
	out := *s
	s.TotalCountChange = 0
	s.CurrentCountChange = 0
	return out
}

// IncompatibleQoSStatus counts remote endpoints on the same topic that were
// not matched because of a QoS mismatch.
type IncompatibleQoSStatus struct {
	TotalCount       int32
	TotalCountChange int32
	LastPolicy       string
}

func (s *IncompatibleQoSStatus) bump(policy string) {
	s.TotalCount++
	s.TotalCountChange++
	s.LastPolicy = policy
}

func (s *IncompatibleQoSStatus) read() IncompatibleQoSStatus {
	out := *s
	s.TotalCountChange = 0
	return out
}
