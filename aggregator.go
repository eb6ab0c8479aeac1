package conductor

import "time"

// Stage weights for the confidence roll-up. Placeholders, not a contract.
const (
	requiredStageWeight = 1.0
	optionalStageWeight = 0.5
)

// ReportSummary gives stage counts for a finished workflow.
type ReportSummary struct {
	TotalStages int  `json:"total_stages"`
	Completed   int  `json:"completed"`
	Skipped     int  `json:"skipped"`
	Failed      int  `json:"failed"`
	Degraded    bool `json:"degraded"`
}

// StageDetail is the per-stage entry in a final report.
type StageDetail struct {
	Status     StageStatus    `json:"status"`
	Succeeded  bool           `json:"succeeded"`
	Degraded   bool           `json:"degraded"`
	Confidence float64        `json:"confidence"`
	Attempts   int            `json:"attempts"`
	Payload    map[string]any `json:"payload,omitempty"`
}

// FinalReport is the merged result of all completed stages. The system
// always produces one: callers distinguish trustworthy from degraded content
// via the degraded flags, never via errors.
type FinalReport struct {
	WorkflowID   string                 `json:"workflow_id"`
	WorkflowType string                 `json:"workflow_type"`
	Status       InstanceStatus         `json:"status"`
	Summary      ReportSummary          `json:"summary"`
	Confidence   float64                `json:"confidence"`
	Details      map[string]StageDetail `json:"details"`
	StartedAt    time.Time              `json:"started_at,omitzero"`
	EndedAt      time.Time              `json:"ended_at,omitzero"`
}

// Aggregate merges the stage results of an instance snapshot into a final
// report. Pure function of the snapshot and template: no side effects, no
// network or storage access.
func Aggregate(template *Template, snapshot *InstanceSnapshot) *FinalReport {
	summary := ReportSummary{TotalStages: len(snapshot.Stages)}
	details := make(map[string]StageDetail, len(snapshot.Stages))

	var weightedSum, weightTotal float64
	for stageID, record := range snapshot.Stages {
		detail := StageDetail{
			Status:   record.Status,
			Attempts: len(record.Attempts),
		}
		switch record.Status {
		case StageStatusCompleted:
			summary.Completed++
		case StageStatusSkipped:
			summary.Skipped++
		case StageStatusFailed:
			summary.Failed++
		}

		if result, ok := snapshot.Results[stageID]; ok {
			detail.Succeeded = result.Succeeded
			detail.Degraded = result.Degraded
			detail.Confidence = result.Confidence
			detail.Payload = result.Payload
			if result.Degraded {
				summary.Degraded = true
			}

			weight := optionalStageWeight
			if stage, ok := template.Stage(stageID); ok && stage.Required {
				weight = requiredStageWeight
			}
			weightedSum += weight * result.Confidence
			weightTotal += weight
		}
		details[stageID] = detail
	}

	confidence := 0.0
	if weightTotal > 0 {
		confidence = weightedSum / weightTotal
	}

	return &FinalReport{
		WorkflowID:   snapshot.WorkflowID,
		WorkflowType: snapshot.WorkflowType,
		Status:       snapshot.Status,
		Summary:      summary,
		Confidence:   confidence,
		Details:      details,
		StartedAt:    snapshot.StartedAt,
		EndedAt:      snapshot.EndedAt,
	}
}
