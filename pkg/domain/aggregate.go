package domain

// AggregateDetections folds per-package detections into an overall result
// using worst-wins: COUNTERFEIT beats SUSPICIOUS beats GENUINE. The overall
// confidence is the lowest classifier confidence among the detections that
// carry the worst result. An empty slice yields UNKNOWN with zero confidence.
func AggregateDetections(detections []Detection) (DetectionResult, float64) {
	if len(detections) == 0 {
		return ResultUnknown, 0
	}
	worst := ResultUnknown
	var confidence float64
	for _, d := range detections {
		switch {
		case d.Result.Severity() > worst.Severity():
			worst = d.Result
			confidence = d.ClassifierConfidence
		case d.Result == worst && d.ClassifierConfidence < confidence:
			confidence = d.ClassifierConfidence
		}
	}
	return worst, confidence
}
