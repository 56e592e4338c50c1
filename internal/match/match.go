// Package match enforces the "exactly one candidate" rule shared by
// extension discovery and dependency resolution.
package match

import (
	"errors"
	"fmt"
	"strings"
)

// ErrAmbiguous is wrapped by every AmbiguityError.
var ErrAmbiguous = errors.New("ambiguous match")

// AmbiguityError reports a search that did not find exactly the expected
// number of candidates.
type AmbiguityError struct {
	What       string   // what was searched for, e.g. "extension binary"
	Where      string   // where it was searched, e.g. a directory
	Expected   int      // always 1 for One
	Observed   int      // number of candidates found
	Candidates []string // the candidates, if any
}

func (e *AmbiguityError) Error() string {
	msg := fmt.Sprintf("%s: expected %d match, found %d", e.What, e.Expected, e.Observed)
	if e.Where != "" {
		msg += " in " + e.Where
	}
	if len(e.Candidates) > 0 {
		msg += " (" + strings.Join(e.Candidates, ", ") + ")"
	}
	return msg
}

func (e *AmbiguityError) Unwrap() error {
	return ErrAmbiguous
}

// One returns the single element of candidates or an *AmbiguityError.
func One(what, where string, candidates []string) (string, error) {
	if len(candidates) != 1 {
		return "", &AmbiguityError{
			What:       what,
			Where:      where,
			Expected:   1,
			Observed:   len(candidates),
			Candidates: candidates,
		}
	}
	return candidates[0], nil
}
