package plan

// IsSchemaSubset reports whether source's outputs structurally satisfy
// target: a payload valid under source is shaped acceptably for target.
// The check recurses over object properties and array items:
//
//   - when target declares a type it must match source's;
//   - every key target requires must be required by source;
//   - every target property must exist in source and itself be a subset;
//   - array items must be a subset;
//   - target's minItems/maxItems bounds must be at least as tight as
//     source's.
//
// The plan builder uses it to decide whether a normalization node is
// needed between the last execution node and the final output contract.
func IsSchemaSubset(source, target map[string]any) bool {
	if len(target) == 0 {
		return true
	}
	if source == nil {
		return false
	}

	if tt, ok := schemaString(target, "type"); ok {
		st, sok := schemaString(source, "type")
		if !sok || st != tt {
			return false
		}
	}

	if treq, ok := schemaStrings(target, "required"); ok {
		sreq, _ := schemaStrings(source, "required")
		for _, k := range treq {
			if !containsString(sreq, k) {
				return false
			}
		}
	}

	if tprops, ok := target["properties"].(map[string]any); ok {
		sprops, _ := source["properties"].(map[string]any)
		for k, tv := range tprops {
			tschema, _ := tv.(map[string]any)
			sv, present := sprops[k]
			if !present {
				return false
			}
			sschema, _ := sv.(map[string]any)
			if !IsSchemaSubset(sschema, tschema) {
				return false
			}
		}
	}

	if titems, ok := target["items"].(map[string]any); ok {
		sitems, _ := source["items"].(map[string]any)
		if !IsSchemaSubset(sitems, titems) {
			return false
		}
	}

	if tmin, ok := schemaNumber(target, "minItems"); ok {
		smin, sok := schemaNumber(source, "minItems")
		if !sok || smin < tmin {
			return false
		}
	}
	if tmax, ok := schemaNumber(target, "maxItems"); ok {
		smax, sok := schemaNumber(source, "maxItems")
		if !sok || smax > tmax {
			return false
		}
	}

	return true
}

func schemaString(m map[string]any, key string) (string, bool) {
	s, ok := m[key].(string)
	return s, ok
}

func schemaStrings(m map[string]any, key string) ([]string, bool) {
	raw, ok := m[key].([]any)
	if !ok {
		return nil, false
	}
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out, true
}

func schemaNumber(m map[string]any, key string) (float64, bool) {
	switch t := m[key].(type) {
	case float64:
		return t, true
	case int:
		return float64(t), true
	}
	return 0, false
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
