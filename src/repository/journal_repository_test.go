package repository

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"tradeharness/src/model"
)

var secX = model.NewStock("X", "x", "SEHK", 100)

func TestCreateOrderLog(t *testing.T) {
	mockDB, mock := newMockDB(t)
	repo := (&JournalRepository{}).WithDB(mockDB)

	entry := model.NewOrderLog("run-1", "sim", model.Order{
		OrderID:   "o1",
		Security:  secX,
		Direction: model.DirectionLong,
		Offset:    model.OffsetOpen,
		OrderType: model.OrderTypeLimit,
		Price:     10,
		Quantity:  100,
		Status:    model.OrderStatusSubmitted,
	})

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(`INSERT INTO "order_logs"`)).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(7))
	mock.ExpectCommit()

	require.NoError(t, repo.CreateOrderLog(context.Background(), entry))
	assert.Equal(t, uint(7), entry.ID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateDealLogSkipsDuplicates(t *testing.T) {
	mockDB, mock := newMockDB(t)
	repo := (&JournalRepository{}).WithDB(mockDB)

	deal := model.Deal{DealID: "d1", OrderID: "o1", Security: secX, Direction: model.DirectionLong, Offset: model.OffsetOpen, FilledAvgPrice: 10, FilledQuantity: 100}

	mock.ExpectBegin()
	mock.ExpectQuery(`INSERT INTO "deal_logs" .* ON CONFLICT DO NOTHING`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(1))
	mock.ExpectCommit()
	mock.ExpectBegin()
	mock.ExpectQuery(`INSERT INTO "deal_logs" .* ON CONFLICT DO NOTHING`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	mock.ExpectCommit()

	inserted, err := repo.CreateDealLog(context.Background(), model.NewDealLog("run-1", "sim", deal, 0))
	require.NoError(t, err)
	assert.True(t, inserted)

	inserted, err = repo.CreateDealLog(context.Background(), model.NewDealLog("run-1", "sim", deal, 0))
	require.NoError(t, err)
	assert.False(t, inserted)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateDealLogError(t *testing.T) {
	mockDB, mock := newMockDB(t)
	repo := (&JournalRepository{}).WithDB(mockDB)

	mock.ExpectBegin()
	mock.ExpectQuery(`INSERT INTO "deal_logs"`).WillReturnError(errors.New("disk full"))
	mock.ExpectRollback()

	_, err := repo.CreateDealLog(context.Background(), &model.DealLog{RunID: "r", DealID: "d"})
	require.Error(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSearchOrderLogs(t *testing.T) {
	mockDB, mock := newMockDB(t)
	repo := &JournalRepository{db: mockDB}

	rows := func() *sqlmock.Rows {
		return sqlmock.NewRows([]string{"id", "run_id", "gateway", "order_id", "status"}).
			AddRow(1, "run-1", "sim", "o1", "submitted").
			AddRow(2, "run-1", "sim", "o1", "filled")
	}

	t.Run("filters by run", func(t *testing.T) {
		mock.ExpectQuery(regexp.QuoteMeta(`SELECT * FROM "order_logs" WHERE run_id = $1 ORDER BY id ASC`)).
			WithArgs("run-1").
			WillReturnRows(rows())

		logs, err := repo.SearchOrderLogs(context.Background(), JournalSearchOptions{RunID: "run-1"})
		require.NoError(t, err)
		require.Len(t, logs, 2)
		assert.Equal(t, "filled", logs[1].Status)
	})

	t.Run("filters by gateway and order with pagination", func(t *testing.T) {
		gw, id := "sim", "o1"
		mock.ExpectQuery(regexp.QuoteMeta(`SELECT * FROM "order_logs" WHERE run_id = $1 AND gateway = $2 AND order_id = $3 ORDER BY id ASC LIMIT $4 OFFSET $5`)).
			WithArgs("run-1", gw, id, 1, 1).
			WillReturnRows(rows())

		logs, err := repo.SearchOrderLogs(context.Background(), JournalSearchOptions{RunID: "run-1", Gateway: &gw, OrderID: &id, Limit: 1, Offset: 1})
		require.NoError(t, err)
		require.Len(t, logs, 2)
	})

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSearchDealLogs(t *testing.T) {
	mockDB, mock := newMockDB(t)
	repo := &JournalRepository{db: mockDB}

	at := time.Date(2021, 3, 15, 13, 0, 0, 0, time.UTC)
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT * FROM "deal_logs" WHERE run_id = $1 ORDER BY id ASC`)).
		WithArgs("run-1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "run_id", "deal_id", "filled_quantity", "deal_time"}).
			AddRow(1, "run-1", "d1", 100.0, at))

	logs, err := repo.SearchDealLogs(context.Background(), JournalSearchOptions{RunID: "run-1"})
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, "d1", logs[0].DealID)
	assert.True(t, at.Equal(logs[0].DealTime))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestExceptionRepository(t *testing.T) {
	mockDB, mock := newMockDB(t)
	repo := (&ExceptionRepository{}).WithDB(mockDB)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(`INSERT INTO "exceptions"`)).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(3))
	mock.ExpectCommit()
	require.NoError(t, repo.Create(context.Background(), &model.Exception{RunID: "run-1", Service: "tradeharness", Message: "boom"}))

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT * FROM "exceptions" WHERE run_id = $1 ORDER BY created_at DESC, id DESC`)).
		WithArgs("run-1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "run_id", "message"}).AddRow(3, "run-1", "boom"))
	out, err := repo.FindByRun(context.Background(), "run-1")
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "boom", out[0].Message)

	require.NoError(t, mock.ExpectationsWereMet())
}

func newMockDB(t *testing.T) (*gorm.DB, sqlmock.Sqlmock) {
	t.Helper()
	sqlDB, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	t.Cleanup(func() { sqlDB.Close() })

	dialector := postgres.New(postgres.Config{
		DSN:                  "sqlmock_db_0",
		Conn:                 sqlDB,
		PreferSimpleProtocol: true,
	})

	gdb, err := gorm.Open(dialector, &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open gorm DB with sqlmock: %v", err)
	}

	return gdb, mock
}
