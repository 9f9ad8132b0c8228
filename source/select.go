package source

import (
	"go2tv.app/mediasource/internal/logging"
)

// Select returns the first candidate of the wanted kind whose
// capability probe succeeds. Candidates are tried in the given order,
// so callers encode backend priority by argument position. Selection
// is a startup decision; callers memoize the result rather than
// re-evaluating per call.
func Select(kind Kind, candidates ...Backend) (Backend, error) {
	log := logging.With("source")
	for _, b := range candidates {
		if b == nil || b.Kind() != kind {
			continue
		}
		if b.IsSupported() {
			log.Debug().Str("backend", b.Name()).Stringer("kind", kind).Msg("backend selected")
			return b, nil
		}
		log.Debug().Str("backend", b.Name()).Stringer("kind", kind).Msg("backend unavailable")
	}
	return nil, ErrNoBackend
}
