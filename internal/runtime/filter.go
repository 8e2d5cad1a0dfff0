package runtime

import "strings"

// Filter decides whether an envelope is worth processing. Rejections are
// silent: no error, no retry and no failure log.
type Filter[K, V any] func(env Envelope[K, V]) bool

// DefaultFilter rejects envelopes without a value.
func DefaultFilter[K, V any](env Envelope[K, V]) bool {
	return env.Value != nil
}

// WithDefault returns DefaultFilter AND f. A nil f yields DefaultFilter alone,
// so listener filters can never skip the empty-value check.
func WithDefault[K, V any](f Filter[K, V]) Filter[K, V] {
	if f == nil {
		return DefaultFilter[K, V]
	}
	return func(env Envelope[K, V]) bool {
		return DefaultFilter(env) && f(env)
	}
}

// All accepts an envelope only if every non-nil filter does.
func All[K, V any](filters ...Filter[K, V]) Filter[K, V] {
	return func(env Envelope[K, V]) bool {
		for _, f := range filters {
			if f != nil && !f(env) {
				return false
			}
		}
		return true
	}
}

// RequireString accepts envelopes whose extracted identifier is non-blank.
// Envelopes without a value are rejected before extract is called.
func RequireString[K, V any](extract func(value *V) string) Filter[K, V] {
	return func(env Envelope[K, V]) bool {
		if env.Value == nil {
			return false
		}
		return strings.TrimSpace(extract(env.Value)) != ""
	}
}
