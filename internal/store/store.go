package store

import (
	"context"
	"errors"
	"time"

	"cajaclara/backend/internal/domain"
)

var (
	ErrInvalidInput  = errors.New("invalid input")
	ErrInvalidID     = errors.New("invalid id")
	ErrDuplicate     = errors.New("duplicate record")
	ErrNotFound      = errors.New("not found")
	ErrProtected     = errors.New("provider is protected")
	ErrHasDependents = errors.New("provider has expenses")
)

type Repository interface {
	CreateProvider(ctx context.Context, provider domain.Provider) (*domain.Provider, error)
	ListProviders(ctx context.Context) ([]domain.Provider, error)
	FindProviderByID(ctx context.Context, id string) (*domain.Provider, error)
	DeleteProvider(ctx context.Context, id string) error
	CountExpensesByProvider(ctx context.Context, providerID string) (int, error)

	CreateSale(ctx context.Context, sale domain.Sale) (*domain.Sale, error)
	ListSales(ctx context.Context) ([]domain.Sale, error)
	FindSalesByDayRange(ctx context.Context, from time.Time, to time.Time) ([]domain.Sale, error)
	FindSaleByID(ctx context.Context, id string) (*domain.Sale, error)
	FindSaleByDay(ctx context.Context, day time.Time) (*domain.Sale, error)
	DeleteSale(ctx context.Context, id string) error

	CreateExpense(ctx context.Context, expense domain.Expense) (*domain.Expense, error)
	ListExpenses(ctx context.Context) ([]domain.ExpenseRow, error)
	FindExpensesByDayRange(ctx context.Context, from time.Time, to time.Time) ([]domain.ExpenseRow, error)
	DeleteExpensesByDay(ctx context.Context, day time.Time) (int, error)
	DeleteExpensesBySale(ctx context.Context, saleID string) (int, error)
	// DeleteExpensesForSale removes every expense referencing saleID or
	// falling on day, counting each matched row once.
	DeleteExpensesForSale(ctx context.Context, saleID string, day time.Time) (int, error)

	CreateAuditLog(ctx context.Context, entry domain.AuditLog) error
	ListAuditLogs(ctx context.Context, from time.Time, to time.Time, limit int) ([]domain.AuditLog, error)

	CreateUser(ctx context.Context, user domain.UserAccount) error
	ListUsers(ctx context.Context) ([]domain.UserAccount, error)
	UpdateUserPassword(ctx context.Context, username string, password string) error
}
