package record

import "time"

// SameTime reports whether a and b are equal within tol. Filesystems that
// truncate sub-second (or two-second) precision report the same instant as
// slightly different values; both sides of a comparison must use the same
// tolerance.
func SameTime(a, b time.Time, tol time.Duration) bool {
	d := a.Sub(b)
	if d < 0 {
		d = -d
	}

	return d <= tol
}

// TimeAfter reports whether a is later than b by more than tol.
func TimeAfter(a, b time.Time, tol time.Duration) bool {
	return a.Sub(b) > tol
}

// IsNewerThan ranks two versions of the same path: a higher version wins,
// and at equal versions the later modification time wins when it is later
// by more than the tolerance of a's policy. It is irreflexive, and two
// records at the same version whose times fall within tolerance are
// unordered.
func IsNewerThan(a, b *Record) bool {
	if a.version != b.version {
		return a.version > b.version
	}

	return TimeAfter(a.modifiedAt, b.modifiedAt, a.policy.MTimeTolerance)
}

// IsNewerThan is the method form of the package function.
func (r *Record) IsNewerThan(o *Record) bool {
	return IsNewerThan(r, o)
}

// SameModTime compares the modification times of two records under the
// tolerance of r's policy.
func (r *Record) SameModTime(o *Record) bool {
	return SameTime(r.modifiedAt, o.modifiedAt, r.policy.MTimeTolerance)
}
