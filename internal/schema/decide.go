package schema

import (
	"fmt"

	"geoimport/internal/model"
)

// Outcome is the approval decision for a schema diff.
type Outcome string

const (
	OutcomeAutoApprove     Outcome = "auto_approve"
	OutcomeRequireApproval Outcome = "require_approval"
	OutcomeFail            Outcome = "fail"
)

// Decision is the result of applying the processing mode (or the dataset's
// own configuration) to a diff. A Fail outcome is a schema policy failure —
// an explicit stage outcome, not an infrastructure error.
type Decision struct {
	Outcome Outcome
	Reason  string
}

// Decide applies the schema policy. When cfg.Mode is set it wins; otherwise
// the dataset's locked/auto-approve configuration decides.
func Decide(cfg model.SchemaConfig, d Diff) Decision {
	switch cfg.Mode {
	case model.SchemaModeStrict:
		if !d.Empty() {
			return Decision{Outcome: OutcomeFail,
				Reason: fmt.Sprintf("strict mode: schema changed (%s)", d.Summary())}
		}
		return Decision{Outcome: OutcomeAutoApprove}

	case model.SchemaModeAdditive:
		if d.IsBreaking() {
			return Decision{Outcome: OutcomeFail,
				Reason: fmt.Sprintf("additive mode: breaking change (%s)", d.Summary())}
		}
		if d.HighConfidenceRename() {
			return Decision{Outcome: OutcomeRequireApproval,
				Reason: "additive mode: suspected field rename"}
		}
		return Decision{Outcome: OutcomeAutoApprove}

	case model.SchemaModeFlexible:
		if d.IsBreaking() {
			return Decision{Outcome: OutcomeFail,
				Reason: fmt.Sprintf("flexible mode: breaking change (%s)", d.Summary())}
		}
		return Decision{Outcome: OutcomeAutoApprove}
	}

	// No explicit mode: the dataset configuration decides.
	switch {
	case d.Empty():
		return Decision{Outcome: OutcomeAutoApprove}
	case d.IsBreaking():
		return Decision{Outcome: OutcomeRequireApproval,
			Reason: fmt.Sprintf("breaking change requires approval (%s)", d.Summary())}
	case cfg.Locked:
		return Decision{Outcome: OutcomeRequireApproval, Reason: "dataset schema is locked"}
	case !cfg.AutoApproveNonBreaking:
		return Decision{Outcome: OutcomeRequireApproval,
			Reason: "dataset does not auto-approve non-breaking changes"}
	}
	return Decision{Outcome: OutcomeAutoApprove}
}
