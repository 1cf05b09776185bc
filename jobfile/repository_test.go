package jobfile

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRepository_MalformedIDIsNotFound(t *testing.T) {
	// A nil pool proves the lookup never reaches the database.
	repo := NewRepository(nil)

	for _, id := range []string{"", "JF-001", "not-a-uuid"} {
		_, err := repo.GetByID(context.Background(), id)
		assert.ErrorIs(t, err, ErrNotFound, "id %q", id)
	}
}
