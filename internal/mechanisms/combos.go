package mechanisms

import (
	"context"
	"fmt"

	"github.com/datim/mechsync/internal/logging"
	"github.com/datim/mechsync/internal/metadata"
)

const comboFields = "categoryOptions[id,name,code,categoryOptionCombos[id,name,code]]"

// verifyCombos checks that every mechanism's category option combo carries
// the mechanism's name and code, patching the ones that do not. The server
// rebuilds combos between attempts until none are left to patch.
func (r *run) verifyCombos(ctx context.Context) error {
	path := "categories/" + r.category.ID() + ".json?fields=" + comboFields + "&paging=none"
	for attempt := 1; attempt <= r.opts.ComboAttempts; attempt++ {
		r.summary.ComboAttempts = attempt
		options, err := r.gw.GetAllInPath(ctx, "categoryOption", path)
		if err != nil {
			return fmt.Errorf("read category option combos: %w", err)
		}
		mismatches := 0
		for _, option := range options {
			ok, err := r.checkCombo(ctx, option)
			if err != nil {
				return err
			}
			if !ok {
				mismatches++
			}
		}
		if attempt == 1 {
			r.summary.Inconsistencies = mismatches
		}
		if mismatches == 0 {
			logging.Action(r.logger, "category option combos consistent", "attempt", attempt)
			return nil
		}
		logging.Action(r.logger, "category option combos inconsistent", "attempt", attempt, "mismatches", mismatches)
		if attempt == r.opts.ComboAttempts {
			break
		}
		if err := r.gw.CategoryOptionComboUpdate(ctx); err != nil {
			return fmt.Errorf("category option combo update: %w", err)
		}
	}
	return fmt.Errorf("%w: %d attempts", ErrConsistencyExhausted, r.opts.ComboAttempts)
}

// checkCombo reports whether the option's combo already matches, patching
// it when it does not. An option with no combo yet is a mismatch.
func (r *run) checkCombo(ctx context.Context, option metadata.Entity) (bool, error) {
	combos := option.Refs("categoryOptionCombos")
	if len(combos) == 0 {
		r.logger.Warn("mechanism has no category option combo", "name", option.Name())
		return false, nil
	}
	combo := combos[0]
	if combo.Name() == option.Name() && (combo.Code() == "" || combo.Code() == option.Code()) {
		return true, nil
	}
	// Only servers that support combo codes hand back a code to correct.
	patch := map[string]any{}
	if combo.Name() != option.Name() {
		patch["name"] = option.Name()
	}
	if combo.Code() != "" && combo.Code() != option.Code() {
		patch["code"] = option.Code()
	}
	logging.Action(r.logger, "fixing category option combo", "combo", combo.Name(), "code", combo.Code(), "to", option.Name(), "toCode", option.Code())
	err := r.gw.Patch(ctx, "categoryOptionCombo", combo.ID(), patch)
	if err := r.tolerate(err, "patching category option combo", "id", combo.ID()); err != nil {
		return false, err
	}
	return false, nil
}
