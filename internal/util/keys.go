package util

import "fmt"

// KeyString canonicalizes an arbitrary comparable id into a storage key
// component. Callers with ids whose %v rendering is ambiguous should supply
// their own key function instead.
func KeyString(v any) string {
	switch s := v.(type) {
	case string:
		return s
	case fmt.Stringer:
		return s.String()
	default:
		return fmt.Sprintf("%v", v)
	}
}

// EntityKey namespaces an entity's overflow storage key.
func EntityKey(ns, key string) string {
	return "ent:" + ns + ":" + key
}

// Prefix returns the namespace prefix owning every overflow key, usable for
// prefix scans and wholesale clears.
func Prefix(ns string) string {
	return "ent:" + ns + ":"
}
