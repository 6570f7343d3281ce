package demand

// ClassifyUrgency applies the scan thresholds; Urgent is checked first.
func ClassifyUrgency(scansLast24h int64, scansLast7d int64) Urgency {
	if scansLast24h >= urgentShortWindowScans || scansLast7d >= urgentLongWindowScans {
		return UrgencyUrgent
	}
	if scansLast24h >= trendingShortWindowScans || scansLast7d >= trendingLongWindowScans {
		return UrgencyTrending
	}
	return UrgencyNormal
}

// VelocityScore is scansLast24h*5 + scansLast7d + weightedScore.
func VelocityScore(scansLast24h int64, scansLast7d int64, weightedScore float64) float64 {
	return float64(scansLast24h*velocityShortWindowFactor+scansLast7d) + weightedScore
}

// Derive computes velocity and urgency for a score and its scan window counts.
func Derive(weightedScore float64, scansLast24h int64, scansLast7d int64) Derived {
	return Derived{
		Score:         weightedScore,
		VelocityScore: VelocityScore(scansLast24h, scansLast7d, weightedScore),
		Urgency:       ClassifyUrgency(scansLast24h, scansLast7d),
		ScansLast24h:  scansLast24h,
		ScansLast7d:   scansLast7d,
	}
}

// deltaFor converts a validated signal into counter increments.
func deltaFor(signal Signal, weights WeightTable) SignalDelta {
	delta := SignalDelta{Weight: weights.Weight(signal.Kind, signal.IsVerifiedMember) * float64(signal.Count)}
	switch signal.Kind {
	case SignalSearch:
		delta.SearchSignals = signal.Count
	case SignalPossession, SignalPhotoContribution:
		if signal.IsVerifiedMember {
			delta.VerifiedPossessionSignals = signal.Count
		} else {
			delta.PossessionSignals = signal.Count
		}
		if signal.Kind == SignalPhotoContribution {
			delta.PhotoSignals = signal.Count
		}
	}
	return delta
}

func rankedFrom(record DemandRecord) RankedProduct {
	return RankedProduct{
		ProductKey:    record.ProductKey,
		Urgency:       record.Urgency,
		VelocityScore: record.VelocityScore,
	}
}

func isRankable(record DemandRecord) bool {
	return !record.Archived && record.Status != StatusComplete
}
