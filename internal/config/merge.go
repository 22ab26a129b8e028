package config

// mergeMaps deep-merges override onto base. Nested maps merge recursively,
// the sources list merges entry-wise by name, and everything else is
// replaced by the override value.
func mergeMaps(base, override map[string]any) map[string]any {
	result := make(map[string]any, len(base)+len(override))
	for key, value := range base {
		result[key] = value
	}
	for key, value := range override {
		if key == "sources" {
			baseList, baseOK := result[key].([]any)
			overrideList, overrideOK := value.([]any)
			if baseOK && overrideOK {
				result[key] = mergeSources(baseList, overrideList)
				continue
			}
		}
		baseMap, baseOK := result[key].(map[string]any)
		overrideMap, overrideOK := value.(map[string]any)
		if baseOK && overrideOK {
			result[key] = mergeMaps(baseMap, overrideMap)
			continue
		}
		result[key] = value
	}
	return result
}

// mergeSources merges source entry lists by their name key so a local
// override may tweak one field of a source without restating the rest.
// Entries without a usable name are appended verbatim.
func mergeSources(base, override []any) []any {
	result := make([]any, 0, len(base)+len(override))
	index := make(map[string]int)

	for _, entry := range base {
		if named, name := sourceName(entry); named {
			index[name] = len(result)
		}
		result = append(result, cloneValue(entry))
	}
	for _, entry := range override {
		named, name := sourceName(entry)
		if !named {
			result = append(result, cloneValue(entry))
			continue
		}
		if position, exists := index[name]; exists {
			existing, existingOK := result[position].(map[string]any)
			incoming, incomingOK := entry.(map[string]any)
			if existingOK && incomingOK {
				result[position] = mergeMaps(existing, incoming)
				continue
			}
		}
		index[name] = len(result)
		result = append(result, cloneValue(entry))
	}
	return result
}

func sourceName(entry any) (bool, string) {
	mapped, ok := entry.(map[string]any)
	if !ok {
		return false, ""
	}
	raw, ok := mapped["name"]
	if !ok {
		return false, ""
	}
	name, ok := raw.(string)
	if !ok {
		return false, ""
	}
	return true, name
}

// cloneValue deep-copies the YAML-shaped value so merges never alias maps
// between layers.
func cloneValue(value any) any {
	switch typed := value.(type) {
	case map[string]any:
		clone := make(map[string]any, len(typed))
		for key, item := range typed {
			clone[key] = cloneValue(item)
		}
		return clone
	case []any:
		clone := make([]any, len(typed))
		for i, item := range typed {
			clone[i] = cloneValue(item)
		}
		return clone
	default:
		return value
	}
}
