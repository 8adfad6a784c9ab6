package config

// DeepMerge returns base with overrides applied recursively. Maps merge
// key-wise; any other value (including slices) replaces wholesale. Neither
// input is mutated.
func DeepMerge(base, overrides map[string]any) map[string]any {
	out := make(map[string]any, len(base)+len(overrides))
	for k, v := range base {
		out[k] = v
	}
	for k, ov := range overrides {
		bv, exists := out[k]
		if !exists {
			out[k] = ov
			continue
		}
		bm, baseIsMap := asStringMap(bv)
		om, overrideIsMap := asStringMap(ov)
		if baseIsMap && overrideIsMap {
			out[k] = DeepMerge(bm, om)
		} else {
			out[k] = ov
		}
	}
	return out
}

// asStringMap normalizes YAML's map[string]any and map[any]any decodings.
func asStringMap(v any) (map[string]any, bool) {
	switch m := v.(type) {
	case map[string]any:
		return m, true
	case map[any]any:
		out := make(map[string]any, len(m))
		for k, val := range m {
			ks, ok := k.(string)
			if !ok {
				return nil, false
			}
			out[ks] = val
		}
		return out, true
	default:
		return nil, false
	}
}
