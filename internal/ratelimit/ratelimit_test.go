package ratelimit

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
)

func TestAllow_GrantsAndInsertsWhenNoPriorAction(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery("INSERT INTO user_rate_limits").
		WithArgs("user-1", "portfolio_refresh", float64(300)).
		WillReturnRows(sqlmock.NewRows([]string{"granted"}).AddRow(true))

	l := New(db, 300*time.Second)
	allowed, err := l.Allow(context.Background(), "user-1", "portfolio_refresh")

	assert.NoError(t, err)
	assert.True(t, allowed)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAllow_DeniedWhenWithinWindow(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery("INSERT INTO user_rate_limits").
		WithArgs("user-1", "portfolio_refresh", float64(300)).
		WillReturnError(sql.ErrNoRows)

	l := New(db, 300*time.Second)
	allowed, err := l.Allow(context.Background(), "user-1", "portfolio_refresh")

	assert.NoError(t, err)
	assert.False(t, allowed)
}

func TestAllow_PropagatesUnexpectedDatabaseErrors(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery("INSERT INTO user_rate_limits").
		WillReturnError(assert.AnError)

	l := New(db, 300*time.Second)
	allowed, err := l.Allow(context.Background(), "user-1", "portfolio_refresh")

	assert.Error(t, err)
	assert.False(t, allowed, "a failure must fail closed, never grant the action")
}
