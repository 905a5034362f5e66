package memutils

import "github.com/pkg/errors"

// PowerOfTwoError is the error returned from CheckPow2 or other methods if the number being tested is not a power of two
var PowerOfTwoError error = errors.New("number must be a power of two")

// InvalidAlignmentError is returned when an alignment cannot be honored by an allocator
var InvalidAlignmentError error = errors.New("alignment is not supported by this allocator")
