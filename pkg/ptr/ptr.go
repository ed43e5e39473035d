// Package ptr provides small helpers for taking the address of a value
// without the two-line var dance, and for safely dereferencing pointers
// that may be nil.
package ptr

// StringPtr returns a pointer to an independent copy of s.
func StringPtr(s string) *string {
	v := s
	return &v
}

// Int64Ptr returns a pointer to an independent copy of i.
func Int64Ptr(i int64) *int64 {
	v := i
	return &v
}

// BoolPtr returns a pointer to an independent copy of b.
func BoolPtr(b bool) *bool {
	v := b
	return &v
}

// String returns *s, or the zero value if s is nil.
func String(s *string) string {
	if s == nil {
		return ""
	}

	return *s
}

// Int64 returns *i, or the zero value if i is nil.
func Int64(i *int64) int64 {
	if i == nil {
		return 0
	}

	return *i
}

// Bool returns *b, or false if b is nil.
func Bool(b *bool) bool {
	if b == nil {
		return false
	}

	return *b
}
