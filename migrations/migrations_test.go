package migrations

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingExecer struct {
	sql  []string
	fail error
}

func (r *recordingExecer) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	if r.fail != nil {
		return pgconn.CommandTag{}, r.fail
	}
	r.sql = append(r.sql, sql)
	return pgconn.CommandTag{}, nil
}

func TestAll_ContainsSchema(t *testing.T) {
	sql, err := All()
	require.NoError(t, err)
	for _, table := range []string{"users", "job_files", "deliveries", "timeline_events", "outbox"} {
		assert.Contains(t, sql, "CREATE TABLE IF NOT EXISTS "+table+" (")
	}
}

func TestApply_InOrder(t *testing.T) {
	exec := &recordingExecer{}
	names, err := Apply(context.Background(), exec)
	require.NoError(t, err)
	require.NotEmpty(t, names)
	assert.Equal(t, "001_init.sql", names[0])
	assert.Len(t, exec.sql, len(names))
	assert.True(t, strings.Contains(exec.sql[0], "deliveries"))
}

func TestApply_PropagatesError(t *testing.T) {
	boom := errors.New("permission denied")
	_, err := Apply(context.Background(), &recordingExecer{fail: boom})
	assert.ErrorIs(t, err, boom)
}
