// Package testutil provides small helpers shared by tests.
package testutil

// Ptr returns a pointer to v. Convenient for building partial patches in
// tests without intermediate variables.
func Ptr[T any](v T) *T {
	return &v
}
