package task

// Get returns the extra attribute stored under key, or def. It never panics.
func (t *Task) Get(key string, def any) any {
	if t == nil || t.extra == nil {
		return def
	}
	if v, ok := t.extra[key]; ok {
		return v
	}
	return def
}

// Lookup returns the extra attribute stored under key.
func (t *Task) Lookup(key string) (any, bool) {
	if t == nil || t.extra == nil {
		return nil, false
	}
	v, ok := t.extra[key]
	return v, ok
}

// Set stores an extra attribute. Not synchronized: only the owning worker
// may call it.
func (t *Task) Set(key string, v any) {
	if t.extra == nil {
		t.extra = map[string]any{}
	}
	t.extra[key] = v
}

// Extra returns a copy of the attribute bag.
func (t *Task) Extra() map[string]any {
	out := make(map[string]any, len(t.extra))
	for k, v := range t.extra {
		out[k] = v
	}
	return out
}

// GetString is Get for string attributes.
func (t *Task) GetString(key, def string) string {
	if s, ok := t.Get(key, nil).(string); ok {
		return s
	}
	return def
}

// GetInt is Get for int attributes.
func (t *Task) GetInt(key string, def int) int {
	if n, ok := t.Get(key, nil).(int); ok {
		return n
	}
	return def
}
