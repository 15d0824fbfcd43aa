package followup

// Score derives the verification aggregate of a complaint from its full
// follow-up set. It depends only on the multiset of statuses, so the order
// of followUps does not matter.
func Score(complaintID uint64, followUps []FollowUp, threshold uint8, now uint64) VerificationStatus {
	total := len(followUps)
	vs := VerificationStatus{
		ComplaintID:   complaintID,
		OverallStatus: AggregatePending,
		FollowUpCount: uint32(total),
		LastUpdated:   now,
	}
	if total == 0 {
		return vs
	}

	verified := 0
	for _, f := range followUps {
		if f.Status == StatusVerified {
			verified++
		}
	}

	vs.MatchScore = uint8(100 * verified / total)
	if vs.MatchScore >= threshold {
		vs.OverallStatus = AggregateVerified
	} else {
		vs.OverallStatus = AggregateDisputed
	}
	return vs
}
