package persistence

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/BaSui01/agentregistry/agent/health"
	"github.com/BaSui01/agentregistry/testutil"
	"github.com/BaSui01/agentregistry/types"
)

func writeFile(path, content string) error {
	return os.WriteFile(path, []byte(content), 0o644)
}

// setupMockDB 创建基于 sqlmock 的 postgres GORM 连接
func setupMockDB(t *testing.T) (*sql.DB, sqlmock.Sqlmock, *gorm.DB) {
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { mockDB.Close() })

	dialector := postgres.New(postgres.Config{
		Conn: mockDB,
	})
	gormDB, err := gorm.Open(dialector, &gorm.Config{SkipDefaultTransaction: true})
	require.NoError(t, err)

	return mockDB, mock, gormDB
}

func TestSQLStore_UpsertStatement(t *testing.T) {
	_, mock, db := setupMockDB(t)
	s, err := NewSQLStore(db, false)
	require.NoError(t, err)

	mock.ExpectExec(`INSERT INTO "agent_registrations" .* ON CONFLICT \("agent_id"\) DO UPDATE SET`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, s.SaveRegistration(context.Background(), testRegistration("a", "t1", 1)))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStore_WriteFailureIsRetryable(t *testing.T) {
	_, mock, db := setupMockDB(t)
	s, err := NewSQLStore(db, false)
	require.NoError(t, err)

	mock.ExpectExec(`INSERT INTO "agent_lifecycles"`).
		WillReturnError(errors.New("connection reset by peer"))

	err = s.SaveLifecycle(context.Background(), testLifecycle("a", health.StateActive))
	testutil.AssertErrorCode(t, err, types.ErrPersistenceFailure)
	assert.True(t, types.IsRetryable(err))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStore_Delete(t *testing.T) {
	_, mock, db := setupMockDB(t)
	s, err := NewSQLStore(db, false)
	require.NoError(t, err)

	mock.ExpectExec(`DELETE FROM "agent_registrations" WHERE agent_id = \$1`).
		WithArgs("a").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`DELETE FROM "agent_lifecycles" WHERE agent_id = \$1`).
		WithArgs("a").
		WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, s.DeleteRegistration(context.Background(), "a"))
	require.NoError(t, s.DeleteLifecycle(context.Background(), "a"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStore_LoadFailure(t *testing.T) {
	_, mock, db := setupMockDB(t)
	s, err := NewSQLStore(db, false)
	require.NoError(t, err)

	mock.ExpectQuery(`SELECT \* FROM "agent_registrations"`).
		WillReturnError(errors.New("relation does not exist"))

	state, err := s.LoadAll(context.Background())
	assert.Nil(t, state)
	testutil.AssertErrorCode(t, err, types.ErrPersistenceFailure)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStore_SkipsUndecodableRows(t *testing.T) {
	_, mock, db := setupMockDB(t)
	s, err := NewSQLStore(db, false)
	require.NoError(t, err)

	good := testutil.MustJSON(testRegistration("a", "t1", 1))
	mock.ExpectQuery(`SELECT \* FROM "agent_registrations"`).
		WillReturnRows(sqlmock.NewRows([]string{"agent_id", "tenant", "status", "sequence", "data", "updated_at"}).
			AddRow("a", "t1", "active", 1, good, baseTime).
			AddRow("b", "t1", "active", 2, "{broken", baseTime))
	mock.ExpectQuery(`SELECT \* FROM "agent_lifecycles"`).
		WillReturnRows(sqlmock.NewRows([]string{"agent_id", "state", "data", "updated_at"}))

	state, err := s.LoadAll(context.Background())
	testutil.AssertErrorCode(t, err, types.ErrPersistenceFailure)
	require.NotNil(t, state)
	require.Len(t, state.Registrations, 1)
	assert.Equal(t, "a", state.Registrations[0].AgentID)
}

func TestNewSQLStore_RequiresDB(t *testing.T) {
	_, err := NewSQLStore(nil, true)
	assert.ErrorIs(t, err, ErrInvalidInput)
}
