// Package conflict implements record-level last-write-wins resolution.
//
// The rule is the same on every side of the protocol: an incoming version
// replaces the stored one when its updatedAt is greater than or equal to the
// stored updatedAt. Ties favour the incoming version, which makes repeated
// delivery of the same version idempotent and lets the remote's echo of a
// record settle the local copy.
package conflict

import "time"

// Versioned is implemented by records that take part in resolution.
type Versioned interface {
	RecordID() string
	LastModified() time.Time
}

// Decision is the outcome of resolving one incoming record.
type Decision int

const (
	// Insert: no stored version exists.
	Insert Decision = iota
	// Overwrite: the incoming version is at least as recent.
	Overwrite
	// Keep: the stored version is strictly newer; drop the incoming one.
	Keep
)

func (d Decision) String() string {
	switch d {
	case Insert:
		return "insert"
	case Overwrite:
		return "overwrite"
	case Keep:
		return "keep"
	default:
		return "unknown"
	}
}

// Applies reports whether the incoming version should be written.
func (d Decision) Applies() bool {
	return d == Insert || d == Overwrite
}

// Resolve compares an incoming updatedAt against the stored one.
// A nil existing means the record is not stored yet.
func Resolve(incoming time.Time, existing *time.Time) Decision {
	if existing == nil {
		return Insert
	}
	if incoming.Before(*existing) {
		return Keep
	}
	return Overwrite
}

// Winner returns whichever of stored and incoming survives resolution.
// For distinct timestamps the result does not depend on argument order.
func Winner[T Versioned](stored, incoming T) T {
	existing := stored.LastModified()
	if Resolve(incoming.LastModified(), &existing).Applies() {
		return incoming
	}
	return stored
}
