// Package utils holds small helpers shared across the service.
//
// String Manipulation:
//   - SplitToInt: Splits a string into a slice of integers.
//
// Slices:
//   - Contains
package utils

import (
	"strconv"
	"strings"
)

// SplitToInt will peform and join string split and atoi
func SplitToInt(input, separator string) ([]int, error) {
	// split the input string by the separator
	parts := strings.Split(input, separator)

	// trim spaces and convert to int
	trimAndConvert := func(s string) (int, error) {
		trimmed := strings.TrimSpace(s)

		return strconv.Atoi(trimmed)
	}

	result := make([]int, len(parts))
	for i, part := range parts {
		value, err := trimAndConvert(part)
		if err != nil {
			return nil, err
		}
		result[i] = value
	}

	return result, nil
}

// Contains function iterates over a slice of strings and checks if the given string is there
func Contains(slice []string, val string) bool {
	for _, s := range slice {
		if s == val {
			return true
		}
	}

	return false
}
