package policy

import "github.com/haasonsaas/warden/pkg/models"

// Merged layers configured ceilings and sink labels over a base engine.
// Configuration wins on key collisions. The merged engine keeps the
// base's signing key so capabilities stay verifiable.
func Merged(base *Engine, ceilings, sinks map[string]models.SecurityLabel) *Engine {
	mergedCeilings := make(map[string]models.SecurityLabel, len(base.labelCeilings)+len(ceilings))
	for k, v := range base.labelCeilings {
		mergedCeilings[k] = v
	}
	for k, v := range ceilings {
		mergedCeilings[k] = v
	}
	mergedSinks := make(map[string]models.SecurityLabel, len(base.sinkLabels)+len(sinks))
	for k, v := range base.sinkLabels {
		mergedSinks[k] = v
	}
	for k, v := range sinks {
		mergedSinks[k] = v
	}
	merged := New(mergedCeilings, mergedSinks, nil)
	merged.signer = base.signer
	return merged
}
