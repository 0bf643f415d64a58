// Package gen contains a bunch of generic functions that will probably be in the Go std lib someday
package gen

import (
	"cmp"
	"slices"
)

// Return a copy of the slice
func CopySlice[T any](src []T) []T {
	dst := make([]T, len(src))
	copy(dst, src)
	return dst
}

// Delete element i by swapping the last element into its place.
// Order is not preserved.
func DeleteFromSliceUnordered[T any](slice []T, i int) []T {
	last := len(slice) - 1
	slice[i] = slice[last]
	var zero T
	slice[last] = zero
	return slice[:last]
}

// Insert v into a sorted slice, if it's not already present
func InsertSorted[T cmp.Ordered](slice []T, v T) ([]T, bool) {
	i, found := slices.BinarySearch(slice, v)
	if found {
		return slice, false
	}
	return slices.Insert(slice, i, v), true
}

// Remove v from a sorted slice
func RemoveSorted[T cmp.Ordered](slice []T, v T) ([]T, bool) {
	i, found := slices.BinarySearch(slice, v)
	if !found {
		return slice, false
	}
	return slices.Delete(slice, i, i+1), true
}
