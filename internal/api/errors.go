package api

import (
	"errors"

	"entitlements/internal/domain/deadletter"
	"entitlements/internal/domain/entitlement"
	"entitlements/internal/usecase"
)

func isNotFound(err error) bool {
	return errors.Is(err, entitlement.ErrNotEntitled) ||
		errors.Is(err, entitlement.ErrNotFound) ||
		errors.Is(err, deadletter.ErrNotFound) ||
		errors.Is(err, usecase.ErrEventNotFound)
}
