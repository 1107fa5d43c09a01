package compose

import (
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Outcome is a plugin's final mount result.
type Outcome string

const (
	OutcomeMounted         Outcome = "mounted"
	OutcomeFailed          Outcome = "failed"
	OutcomeSkippedConflict Outcome = "skipped_conflict"
	OutcomeDisabled        Outcome = "disabled"
)

// PluginResult is one plugin's line in the mount report.
type PluginResult struct {
	Name    string
	Outcome Outcome
	// Reason is set for failed and skipped plugins
	Reason string
	// Groups counts the route groups mounted
	Groups int
}

// Report is the per-pass mount report. Every discovered plugin appears
// exactly once; omitting one is a defect, not an optimization.
type Report struct {
	// PassID identifies one composition pass in startup diagnostics
	PassID string
	// Results are ordered by registry scan order, so two passes over the
	// same plugin set produce identical reports
	Results []PluginResult
}

func newReport() *Report {
	return &Report{PassID: uuid.NewString()}
}

func (r *Report) add(name string, outcome Outcome, reason string, groups int) {
	r.Results = append(r.Results, PluginResult{
		Name:    name,
		Outcome: outcome,
		Reason:  reason,
		Groups:  groups,
	})
}

// Result returns the entry for a plugin name.
func (r *Report) Result(name string) (PluginResult, bool) {
	for _, res := range r.Results {
		if res.Name == name {
			return res, true
		}
	}
	return PluginResult{}, false
}

// Mounted counts plugins that mounted successfully.
func (r *Report) Mounted() int {
	n := 0
	for _, res := range r.Results {
		if res.Outcome == OutcomeMounted {
			n++
		}
	}
	return n
}

// Log writes the report to startup logs, one line per plugin.
func (r *Report) Log(logger *zap.SugaredLogger) {
	for _, res := range r.Results {
		fields := []interface{}{
			"pass", r.PassID,
			"plugin", res.Name,
			"outcome", string(res.Outcome),
		}
		if res.Reason != "" {
			fields = append(fields, "reason", res.Reason)
		}
		switch res.Outcome {
		case OutcomeMounted:
			fields = append(fields, "groups", res.Groups)
			logger.Infow("Plugin mounted", fields...)
		case OutcomeDisabled:
			logger.Infow("Plugin disabled", fields...)
		default:
			logger.Warnw("Plugin not mounted", fields...)
		}
	}
}
