package domain

import "errors"

// ErrRecordNotFound indicates no history record carries the requested ID
var ErrRecordNotFound = errors.New("record not found")

// ErrInvalidTransition indicates an upload status change outside the allowed edges
var ErrInvalidTransition = errors.New("invalid upload status transition")

// ErrQuotaExceeded indicates the estimated size does not fit the remaining daily quota
var ErrQuotaExceeded = errors.New("daily quota exceeded")

// ErrToolFailed indicates an external CLI tool exited non-zero
var ErrToolFailed = errors.New("external tool failed")

// ErrUnsupportedURL indicates a link outside the supported platforms
var ErrUnsupportedURL = errors.New("unsupported url")

// ErrJobActive indicates the user already has a download queued or running
var ErrJobActive = errors.New("user already has an active download")

// ErrQueueFull indicates the job queue cannot take more work
var ErrQueueFull = errors.New("download queue is full")
