package db

import "errors"

// ErrNotFound is returned when the requested conversation or profile does not exist.
var ErrNotFound = errors.New("db: record not found")

// usageTTLSeconds keeps day-keyed counters around long enough to cover any timezone offset.
const usageTTLSeconds = 48 * 60 * 60
