package db

import (
	"context"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMockSatisfiesPool(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	var p Pool = mock
	mock.ExpectPing()
	assert.NoError(t, p.Ping(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestQualifiedIdent(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"simple", `"simple"`},
		{"metastore.tables", `"metastore"."tables"`},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			assert.Equal(t, tt.expected, QualifiedIdent(tt.input))
		})
	}
}

func TestIsUniqueViolation(t *testing.T) {
	err := eris.Wrap(&pgconn.PgError{Code: "23505"}, "insert")
	assert.True(t, IsUniqueViolation(err))
	assert.False(t, IsUniqueViolation(&pgconn.PgError{Code: "23503"}))
	assert.False(t, IsUniqueViolation(eris.New("other")))
}

func TestConnect_BadConnString(t *testing.T) {
	_, err := Connect(context.Background(), "postgres://%zz", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "db: parse config")
}

func TestPoolConfig_WithDefaults(t *testing.T) {
	var nilCfg *PoolConfig
	assert.Equal(t, PoolConfig{MaxConns: 4, MinConns: 1}, nilCfg.withDefaults())
	assert.Equal(t, PoolConfig{MaxConns: 10, MinConns: 2}, (&PoolConfig{MaxConns: 10, MinConns: 2}).withDefaults())
	assert.Equal(t, PoolConfig{MaxConns: 4, MinConns: 1}, (&PoolConfig{}).withDefaults())
	// MinConns never exceeds MaxConns.
	assert.Equal(t, PoolConfig{MaxConns: 2, MinConns: 2}, (&PoolConfig{MaxConns: 2, MinConns: 8}).withDefaults())
}
