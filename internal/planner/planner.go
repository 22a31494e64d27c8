// Package planner implements the task_planning stage: a pure function from
// an Intent to the ordered Plan of stage identifiers the Pipeline Engine
// will execute, per the two fixed pipelines in spec §4.5.
package planner

import "github.com/cartorch/orchestrator/internal/model"

// Plan selects one of the two fixed pipelines based on intent.Kind. Branching
// in this system is expressed through the Pipeline Engine's node predicates,
// not through the Plan itself (spec §4.5 "no explicit graph edges"); Plan
// exists as a stage output mainly to make the planner's choice visible and
// auditable.
func Plan(intent model.Intent) model.Plan {
	switch intent.Kind {
	case model.IntentPurchase:
		return model.Plan{Stages: []model.StageID{
			model.StageIntentExtraction,
			model.StageTaskPlanning,
			model.StageSearch,
			model.StageComparison,
			model.StageDecision,
			model.StageAwaitConfirm,
			model.StagePurchase,
			model.StageNotification,
		}}
	default:
		// info and clarify both resolve to the info branch: a clarify intent
		// runs the same query_info lookup as an info intent, and there is no
		// separate clarification step.
		return model.Plan{Stages: []model.StageID{
			model.StageIntentExtraction,
			model.StageTaskPlanning,
			model.StageQueryInfo,
			model.StageNotification,
		}}
	}
}
