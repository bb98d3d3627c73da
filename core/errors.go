package core

import "errors"

// ErrNotFound is returned when a project, fragment, context, or anchor does
// not exist. Normal "no search results" cases never surface this error.
var ErrNotFound = errors.New("not found")

// ErrProjectExists is returned when creating a project whose ID is taken.
var ErrProjectExists = errors.New("project already exists")

// ErrEmptyContent is returned when a caller tries to remember empty input.
var ErrEmptyContent = errors.New("empty content")

// ErrDimensionMismatch indicates the embedder's output size disagrees with
// the configured dimensionality. This is a configuration error and fatal at
// construction time, never a runtime condition.
var ErrDimensionMismatch = errors.New("embedding dimension mismatch")
