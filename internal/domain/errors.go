package domain

import "errors"

var (
	// ErrInvalidLanguage is returned when an unsupported language is submitted.
	ErrInvalidLanguage = errors.New("invalid or unsupported language")

	// ErrPayloadTooLarge is returned when the source code exceeds the size limit.
	ErrPayloadTooLarge = errors.New("source code payload exceeds maximum size (1MB)")

	// ErrEmptySourceCode is returned when source code is empty.
	ErrEmptySourceCode = errors.New("source code cannot be empty")

	// ErrInvalidLimits is returned when a time or memory limit is negative or above the configured maximum.
	ErrInvalidLimits = errors.New("time or memory limit out of range")

	// ErrTooManyTestCases is returned when a submission carries more test cases than allowed.
	ErrTooManyTestCases = errors.New("too many test cases")

	// ErrSubmissionInFlight is returned when the same submission id is already being judged.
	ErrSubmissionInFlight = errors.New("submission is already being judged")

	// ErrRateLimitExceeded is returned when API rate limit is hit.
	ErrRateLimitExceeded = errors.New("rate limit exceeded, try again later")
)
