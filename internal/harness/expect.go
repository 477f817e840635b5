package harness

import (
	"fmt"
	"slices"

	"github.com/roach88/ledgerops/internal/compensation"
	"github.com/roach88/ledgerops/internal/orchestrator"
	"github.com/roach88/ledgerops/internal/validate"
)

// checkOperation compares an execute result with its expect clause and
// returns one message per mismatch.
func checkOperation(e *ExpectClause, res *orchestrator.OperationResult) []string {
	if e == nil {
		return nil
	}
	var errs []string
	mismatch := func(field string, want, got any) {
		errs = append(errs, fmt.Sprintf("%s: expected %v, got %v", field, want, got))
	}

	if e.Success != nil && *e.Success != res.Success {
		mismatch("success", *e.Success, res.Success)
	}
	if e.Status != "" && e.Status != string(res.Status) {
		mismatch("status", e.Status, res.Status)
	}
	if e.Method != "" && e.Method != string(res.Method) {
		mismatch("method", e.Method, res.Method)
	}
	if e.ErrorKind != "" && e.ErrorKind != string(res.ErrorKind) {
		mismatch("error_kind", e.ErrorKind, res.ErrorKind)
	}
	if e.IDs != nil && *e.IDs != len(res.IDs) {
		mismatch("ids", *e.IDs, len(res.IDs))
	}
	if e.Attempts != nil && *e.Attempts != res.Attempts {
		mismatch("attempts", *e.Attempts, res.Attempts)
	}
	if e.FellBack != nil && *e.FellBack != res.FellBack {
		mismatch("fell_back", *e.FellBack, res.FellBack)
	}
	if e.Landed != nil {
		landed := []string{}
		for _, g := range res.Groups {
			if g.Landed {
				landed = append(landed, string(g.Label))
			}
		}
		if !slices.Equal(e.Landed, landed) {
			mismatch("landed", e.Landed, landed)
		}
	}
	if e.Violations != nil {
		fields := []string{}
		for _, v := range res.Violations {
			fields = append(fields, v.Field)
		}
		if !slices.Equal(e.Violations, fields) {
			mismatch("violations", e.Violations, fields)
		}
	}
	if e.Error != "" {
		errs = append(errs, fmt.Sprintf("error: expected %q, execute returned a result", e.Error))
	}
	if e.Complete != nil || e.ManualActions != nil {
		if res.Rollback == nil {
			errs = append(errs, "rollback: expected a rollback report, got none")
		} else {
			errs = append(errs, checkRollback(e, res.Rollback)...)
		}
	}
	return errs
}

func checkValidation(e *ExpectClause, res *validate.Result) []string {
	if e == nil {
		return nil
	}
	var errs []string
	if e.OK != nil && *e.OK != res.OK {
		errs = append(errs, fmt.Sprintf("ok: expected %v, got %v", *e.OK, res.OK))
	}
	if e.Violations != nil && !slices.Equal(e.Violations, res.Fields()) {
		errs = append(errs, fmt.Sprintf("violations: expected %v, got %v", e.Violations, res.Fields()))
	}
	return errs
}

func checkRollback(e *ExpectClause, rep *compensation.RollbackReport) []string {
	if e == nil {
		return nil
	}
	var errs []string
	if e.Complete != nil && *e.Complete != rep.Complete {
		errs = append(errs, fmt.Sprintf("complete: expected %v, got %v", *e.Complete, rep.Complete))
	}
	if e.ManualActions != nil && *e.ManualActions != len(rep.ManualActions) {
		errs = append(errs, fmt.Sprintf("manual_actions: expected %d, got %d", *e.ManualActions, len(rep.ManualActions)))
	}
	return errs
}
