package waf

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/vigilwaf/vigil/internal/rules"
)

// Reload recompiles the configured rule files and swaps them in. On failure
// the active rule set is kept and the load error returned. Transactions
// already started keep the rule set they began with.
func (e *Engine) Reload() error {
	e.reloadMu.Lock()
	defer e.reloadMu.Unlock()

	set, err := rules.Load(e.cfg.RuleFiles, e.cfg.Rules)
	if err != nil {
		e.metrics.Reloaded(false, 0)
		e.logger.Error("rule reload failed, keeping previous rule set", zap.Error(err))
		return fmt.Errorf("reload rules: %w", err)
	}
	e.Swap(set)
	return nil
}

// Swap publishes set as the active rule set.
func (e *Engine) Swap(set *rules.RuleSet) {
	e.rules.Store(set)
	e.metrics.Reloaded(true, set.Len())
	e.logger.Info("rule set loaded",
		zap.Int("rules", set.Len()),
		zap.Strings("files", set.Files()))
}
