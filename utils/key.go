package utils

import (
	"errors"
	"fmt"
	"strings"
)

// FieldSeparator splits the fields of one index file line
const FieldSeparator = "|"

var (
	ErrEmptyKey      = errors.New("key is empty")
	ErrBlankKey      = errors.New("key is only whitespace")
	ErrKeySeparator  = fmt.Errorf("key contains the field separator %q", FieldSeparator)
	ErrKeyLineBreak  = errors.New("key contains a line break")
	forbiddenKeyRune = FieldSeparator + "\r\n"
)

// ValidateKey reports why key cannot be stored, or nil
func ValidateKey(key string) error {
	if len(key) == 0 {
		return ErrEmptyKey
	}
	if strings.TrimSpace(key) == "" {
		return ErrBlankKey
	}
	if !strings.ContainsAny(key, forbiddenKeyRune) {
		return nil
	}
	if strings.Contains(key, FieldSeparator) {
		return ErrKeySeparator
	}
	return ErrKeyLineBreak
}
