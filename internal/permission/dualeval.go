package permission

import "log/slog"

// DualEval runs both the v2 (canonicalizing) and the legacy v1 engine
// against the same query and logs a warning on mismatch, returning the
// v2 result as authoritative. Enabled by LETTA_PERMISSIONS_DUAL_EVAL;
// intended as a migration aid, per spec.md §4.4 and §9's note that the
// v1 engine is "maintained for migration."
func DualEval(v2, v1 *Engine, tool string, args Args, logger *slog.Logger) *Result {
	if logger == nil {
		logger = slog.Default()
	}
	v2Result := v2.Check(tool, args)
	v1Result := v1.Check(tool, args)

	if v1Result.Decision != v2Result.Decision {
		logger.Warn("permission dual-eval mismatch",
			"tool", tool,
			"v2_decision", v2Result.Decision,
			"v1_decision", v1Result.Decision,
			"v2_matched_rule", v2Result.MatchedRule,
			"v1_matched_rule", v1Result.MatchedRule,
		)
	}
	return v2Result
}
