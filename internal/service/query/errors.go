package query

import (
	"errors"
)

var (
	ErrInvalidDate        = errors.New("invalid date")
	ErrCatalogUnavailable = errors.New("catalog unavailable")
)
