// Package must provides helpers that panic on errors.
// Useful for tests and for places where errors are genuinely impossible.
package must

// Do panics if err is not nil.
func Do(err error) {
	if err != nil {
		panic(err)
	}
}

// Do2 returns v and panics if err is not nil.
func Do2[T any](v T, err error) T {
	if err != nil {
		panic(err)
	}
	return v
}

// Do3 returns both values and panics if err is not nil.
func Do3[T1, T2 any](v1 T1, v2 T2, err error) (T1, T2) {
	if err != nil {
		panic(err)
	}
	return v1, v2
}
