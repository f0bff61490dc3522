package oidc

import (
	"fmt"

	"github.com/hashicorp/go-uuid"
)

// NewId generates a random identifier in canonical UUID textual form. The
// result is suitable for a Request's State or Nonce.
func NewId() (string, error) {
	const op = "oidc.NewId"
	id, err := uuid.GenerateUUID()
	if err != nil {
		return "", fmt.Errorf("%s: unable to generate id: %w", op, ErrIdGeneratorFailed)
	}
	return id, nil
}
