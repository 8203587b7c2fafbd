package lineage

import (
	"strings"

	"github.com/Masterminds/semver/v3"

	"github.com/teranos/taxscore/am"
	"github.com/teranos/taxscore/errors"
)

// Order is a total order over lineage version labels
type Order interface {
	// Name identifies the order in configuration ("lexical", "semver")
	Name() string
	// Validate rejects labels the order cannot compare
	Validate(label string) error
	// Compare returns -1, 0 or +1. Both labels must have passed Validate.
	Compare(a, b string) int
}

// LexicalOrder compares labels byte-wise, which orders ISO date strings chronologically
type LexicalOrder struct{}

func (LexicalOrder) Name() string { return am.VersionOrderLexical }

func (LexicalOrder) Validate(label string) error {
	if strings.TrimSpace(label) == "" {
		return errors.NewInvalidRequestError("version label cannot be empty")
	}
	return nil
}

func (LexicalOrder) Compare(a, b string) int {
	return strings.Compare(a, b)
}

// SemverOrder compares labels as semantic versions ("2.1.0", "v3")
type SemverOrder struct{}

func (SemverOrder) Name() string { return am.VersionOrderSemver }

func (SemverOrder) Validate(label string) error {
	if _, err := semver.NewVersion(label); err != nil {
		return errors.Mark(
			errors.Wrapf(err, "invalid semver version label %q", label),
			errors.ErrInvalidRequest,
		)
	}
	return nil
}

func (SemverOrder) Compare(a, b string) int {
	va, errA := semver.NewVersion(a)
	vb, errB := semver.NewVersion(b)
	if errA != nil || errB != nil {
		// Unreachable for validated labels; keep the order total anyway
		return strings.Compare(a, b)
	}
	return va.Compare(vb)
}

// NewOrder returns the Order configured by lineage.version_order
func NewOrder(name string) (Order, error) {
	switch name {
	case "", am.VersionOrderLexical:
		return LexicalOrder{}, nil
	case am.VersionOrderSemver:
		return SemverOrder{}, nil
	default:
		return nil, errors.NewInvalidRequestError("unknown version order %q", name)
	}
}
