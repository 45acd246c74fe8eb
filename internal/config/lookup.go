package config

// lookup resolves a canonical field either from its nested section
// (e.g. {"backend":{"max_sessions":5}}) or, failing that, from the legacy
// flat top-level form (e.g. {"max_sessions":5}) -- trying every supplied
// alias in turn. Nested wins when both present for the same key (§4.A).
type lookup struct {
	raw map[string]any
}

func newLookup(raw map[string]any) *lookup {
	return &lookup{raw: raw}
}

func canonicalKeys(keys []string) []string {
	out := make([]string, 0, len(keys)*2)
	for _, k := range keys {
		out = append(out, k)
		if canon, ok := aliases[k]; ok {
			out = append(out, canon)
		}
		for alias, canon := range aliases {
			if canon == k {
				out = append(out, alias)
			}
		}
	}
	return out
}

func (l *lookup) section(names ...string) (map[string]any, bool) {
	for _, name := range names {
		if v, ok := l.raw[name]; ok {
			if m, ok := v.(map[string]any); ok {
				return m, true
			}
		}
	}
	return nil, false
}

// rawTop returns a top-level value (used for logit_bias, an array, not an
// object).
func (l *lookup) rawTop(name string) (any, bool) {
	v, ok := l.raw[name]
	return v, ok
}

// value resolves keys[0] (and every alias of it) first within section,
// then at the document top level.
func (l *lookup) value(section string, keys ...string) (any, bool) {
	names := canonicalKeys(keys)
	if sec, ok := l.section(section); ok {
		for _, k := range names {
			if v, ok := sec[k]; ok {
				return v, true
			}
		}
	}
	for _, k := range names {
		if v, ok := l.raw[k]; ok {
			return v, true
		}
	}
	return nil, false
}

func (l *lookup) float(section string, keys ...string) (float64, bool) {
	v, ok := l.value(section, keys...)
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	}
	return 0, false
}

func (l *lookup) int(section string, keys ...string) (int, bool) {
	v, ok := l.float(section, keys...)
	if !ok {
		return 0, false
	}
	return int(v), true
}

func (l *lookup) int64(section string, keys ...string) (int64, bool) {
	v, ok := l.float(section, keys...)
	if !ok {
		return 0, false
	}
	return int64(v), true
}

func (l *lookup) bool(section string, keys ...string) (bool, bool) {
	v, ok := l.value(section, keys...)
	if !ok {
		return false, false
	}
	b, ok := v.(bool)
	return b, ok
}

func (l *lookup) str(section string, keys ...string) (string, bool) {
	v, ok := l.value(section, keys...)
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

func (l *lookup) durationMS(section string, keys ...string) (int64, bool) {
	return l.int64(section, keys...)
}

func (l *lookup) strSlice(section string, keys ...string) ([]string, bool) {
	v, ok := l.value(section, keys...)
	if !ok {
		return nil, false
	}
	arr, ok := v.([]any)
	if !ok {
		return nil, false
	}
	out := make([]string, 0, len(arr))
	for _, item := range arr {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out, true
}
