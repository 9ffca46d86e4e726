package postgres

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"cajaclara/backend/internal/daybucket"
	"cajaclara/backend/internal/domain"
	"cajaclara/backend/internal/store"
	"cajaclara/backend/internal/xid"
)

// Store persists the ledgers in PostgreSQL. Uniqueness of provider names
// and of one sale per day is enforced by UNIQUE constraints on
// providers(name) and sales(day); violations surface as store.ErrDuplicate.
type Store struct {
	db *sql.DB
}

func New(ctx context.Context, databaseURL string) (*Store, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, err
	}

	db.SetMaxIdleConns(8)
	db.SetMaxOpenConns(30)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 6*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) CreateProvider(ctx context.Context, provider domain.Provider) (*domain.Provider, error) {
	if provider.Name == "" {
		return nil, store.ErrInvalidInput
	}
	if provider.ID == "" {
		provider.ID = xid.New("prov")
	}
	if provider.Protection == "" {
		provider.Protection = domain.ProtectionNone
	}
	if provider.CreatedAt.IsZero() {
		provider.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO providers (id, name, protection, created_at)
		VALUES ($1,$2,$3,$4)
	`, provider.ID, provider.Name, string(provider.Protection), provider.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, store.ErrDuplicate
		}
		return nil, err
	}

	created := provider
	return &created, nil
}

func (s *Store) ListProviders(ctx context.Context) ([]domain.Provider, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, protection, created_at
		FROM providers
		ORDER BY name
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	providers := make([]domain.Provider, 0, 32)
	for rows.Next() {
		provider, err := scanProvider(rows)
		if err != nil {
			return nil, err
		}
		providers = append(providers, provider)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return providers, nil
}

func (s *Store) FindProviderByID(ctx context.Context, id string) (*domain.Provider, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, protection, created_at
		FROM providers
		WHERE id = $1
	`, id)
	provider, err := scanProvider(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &provider, nil
}

func (s *Store) DeleteProvider(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM providers WHERE id = $1`, id)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) CountExpensesByProvider(ctx context.Context, providerID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT count(*) FROM expenses WHERE provider_id = $1
	`, providerID).Scan(&count)
	if err != nil {
		return 0, err
	}
	return count, nil
}

func (s *Store) CreateSale(ctx context.Context, sale domain.Sale) (*domain.Sale, error) {
	if sale.Day.IsZero() {
		return nil, store.ErrInvalidInput
	}
	sale.Day = daybucket.Normalize(sale.Day)
	if sale.ID == "" {
		sale.ID = xid.New("sale")
	}
	if sale.CreatedAt.IsZero() {
		sale.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sales (id, day, cash_register_cents, debit_card_cents, bank_transfer_cents,
			water_cents, rent_cents, payroll_cents, misc_cents, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
	`, sale.ID, sale.Day, sale.CashRegisterCents, sale.DebitCardCents, sale.BankTransferCents,
		sale.WaterCents, sale.RentCents, sale.PayrollCents, sale.MiscCents, sale.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, store.ErrDuplicate
		}
		return nil, err
	}

	created := sale
	return &created, nil
}

func (s *Store) ListSales(ctx context.Context) ([]domain.Sale, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, day, cash_register_cents, debit_card_cents, bank_transfer_cents,
			water_cents, rent_cents, payroll_cents, misc_cents, created_at
		FROM sales
		ORDER BY day DESC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	sales := make([]domain.Sale, 0, 64)
	for rows.Next() {
		sale, err := scanSale(rows)
		if err != nil {
			return nil, err
		}
		sales = append(sales, sale)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return sales, nil
}

func (s *Store) FindSalesByDayRange(ctx context.Context, from time.Time, to time.Time) ([]domain.Sale, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, day, cash_register_cents, debit_card_cents, bank_transfer_cents,
			water_cents, rent_cents, payroll_cents, misc_cents, created_at
		FROM sales
		WHERE day >= $1 AND day <= $2
		ORDER BY day DESC
	`, daybucket.Normalize(from), daybucket.EndOfDay(to))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	sales := make([]domain.Sale, 0, 32)
	for rows.Next() {
		sale, err := scanSale(rows)
		if err != nil {
			return nil, err
		}
		sales = append(sales, sale)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return sales, nil
}

func (s *Store) FindSaleByID(ctx context.Context, id string) (*domain.Sale, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, day, cash_register_cents, debit_card_cents, bank_transfer_cents,
			water_cents, rent_cents, payroll_cents, misc_cents, created_at
		FROM sales
		WHERE id = $1
	`, id)
	sale, err := scanSale(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &sale, nil
}

func (s *Store) FindSaleByDay(ctx context.Context, day time.Time) (*domain.Sale, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, day, cash_register_cents, debit_card_cents, bank_transfer_cents,
			water_cents, rent_cents, payroll_cents, misc_cents, created_at
		FROM sales
		WHERE day = $1
	`, daybucket.Normalize(day))
	sale, err := scanSale(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &sale, nil
}

func (s *Store) DeleteSale(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM sales WHERE id = $1`, id)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) CreateExpense(ctx context.Context, expense domain.Expense) (*domain.Expense, error) {
	if expense.Day.IsZero() || expense.ProviderID == "" || expense.AmountCents <= 0 {
		return nil, store.ErrInvalidInput
	}
	expense.Day = daybucket.Normalize(expense.Day)
	if expense.ID == "" {
		expense.ID = xid.New("exp")
	}
	if expense.CreatedAt.IsZero() {
		expense.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO expenses (id, day, provider_id, sale_id, amount_cents, method, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
	`, expense.ID, expense.Day, expense.ProviderID, nullIfEmpty(expense.SaleID),
		expense.AmountCents, expense.Method, expense.CreatedAt)
	if err != nil {
		return nil, err
	}

	created := expense
	return &created, nil
}

const expenseRowQuery = `
	SELECT e.id, e.day, e.provider_id, COALESCE(e.sale_id, ''), e.amount_cents, e.method, e.created_at,
		p.name
	FROM expenses e
	LEFT JOIN providers p ON p.id = e.provider_id
`

func (s *Store) ListExpenses(ctx context.Context) ([]domain.ExpenseRow, error) {
	rows, err := s.db.QueryContext(ctx, expenseRowQuery+`
		ORDER BY e.day DESC, e.created_at DESC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectExpenseRows(rows, domain.MissingProviderLabel)
}

func (s *Store) FindExpensesByDayRange(ctx context.Context, from time.Time, to time.Time) ([]domain.ExpenseRow, error) {
	rows, err := s.db.QueryContext(ctx, expenseRowQuery+`
		WHERE e.day >= $1 AND e.day <= $2
		ORDER BY e.day DESC, e.created_at DESC
	`, daybucket.Normalize(from), daybucket.EndOfDay(to))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectExpenseRows(rows, domain.UnknownProviderLabel)
}

func (s *Store) DeleteExpensesByDay(ctx context.Context, day time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM expenses WHERE day = $1
	`, daybucket.Normalize(day))
	if err != nil {
		return 0, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(affected), nil
}

func (s *Store) DeleteExpensesBySale(ctx context.Context, saleID string) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM expenses WHERE sale_id = $1
	`, saleID)
	if err != nil {
		return 0, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(affected), nil
}

func (s *Store) DeleteExpensesForSale(ctx context.Context, saleID string, day time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM expenses WHERE sale_id = $1 OR day = $2
	`, saleID, daybucket.Normalize(day))
	if err != nil {
		return 0, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(affected), nil
}

func (s *Store) CreateAuditLog(ctx context.Context, entry domain.AuditLog) error {
	if entry.ID == "" {
		entry.ID = xid.New("audit")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_logs (id, actor_username, actor_role, action, entity_type, entity_id, detail, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`, entry.ID, entry.ActorUsername, entry.ActorRole, entry.Action, entry.EntityType, entry.EntityID, entry.Detail, entry.CreatedAt)
	return err
}

func (s *Store) ListAuditLogs(ctx context.Context, from time.Time, to time.Time, limit int) ([]domain.AuditLog, error) {
	if limit < 1 {
		limit = 100
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, actor_username, actor_role, action, entity_type, entity_id, detail, created_at
		FROM audit_logs
		WHERE created_at >= $1 AND created_at < $2
		ORDER BY created_at DESC, id DESC
		LIMIT $3
	`, from, to, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	logs := make([]domain.AuditLog, 0, limit)
	for rows.Next() {
		var entry domain.AuditLog
		if err := rows.Scan(&entry.ID, &entry.ActorUsername, &entry.ActorRole, &entry.Action,
			&entry.EntityType, &entry.EntityID, &entry.Detail, &entry.CreatedAt); err != nil {
			return nil, err
		}
		entry.CreatedAt = entry.CreatedAt.UTC()
		logs = append(logs, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return logs, nil
}

func (s *Store) CreateUser(ctx context.Context, user domain.UserAccount) error {
	if user.Username == "" || user.Password == "" {
		return store.ErrInvalidInput
	}
	if user.Role == "" {
		user.Role = domain.RoleClerk
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (username, password, role, active, created_at)
		VALUES ($1,$2,$3,true,$4)
	`, user.Username, user.Password, user.Role, user.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return store.ErrDuplicate
		}
		return err
	}
	return nil
}

func (s *Store) ListUsers(ctx context.Context) ([]domain.UserAccount, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT username, password, role, active, created_at
		FROM users
		ORDER BY username
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	users := make([]domain.UserAccount, 0, 8)
	for rows.Next() {
		var user domain.UserAccount
		if err := rows.Scan(&user.Username, &user.Password, &user.Role, &user.Active, &user.CreatedAt); err != nil {
			return nil, err
		}
		user.CreatedAt = user.CreatedAt.UTC()
		users = append(users, user)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return users, nil
}

func (s *Store) UpdateUserPassword(ctx context.Context, username string, password string) error {
	if username == "" || password == "" {
		return store.ErrInvalidInput
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE users SET password = $2 WHERE username = $1
	`, username, password)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProvider(row rowScanner) (domain.Provider, error) {
	var provider domain.Provider
	var protection string
	err := row.Scan(&provider.ID, &provider.Name, &protection, &provider.CreatedAt)
	if err != nil {
		return domain.Provider{}, err
	}
	provider.Protection = domain.ProtectionReason(protection)
	provider.CreatedAt = provider.CreatedAt.UTC()
	return provider, nil
}

func scanSale(row rowScanner) (domain.Sale, error) {
	var sale domain.Sale
	err := row.Scan(&sale.ID, &sale.Day, &sale.CashRegisterCents, &sale.DebitCardCents, &sale.BankTransferCents,
		&sale.WaterCents, &sale.RentCents, &sale.PayrollCents, &sale.MiscCents, &sale.CreatedAt)
	if err != nil {
		return domain.Sale{}, err
	}
	sale.Day = daybucket.Normalize(sale.Day)
	sale.CreatedAt = sale.CreatedAt.UTC()
	return sale, nil
}

func collectExpenseRows(rows *sql.Rows, missingLabel string) ([]domain.ExpenseRow, error) {
	result := make([]domain.ExpenseRow, 0, 64)
	for rows.Next() {
		var row domain.ExpenseRow
		var providerName sql.NullString
		if err := rows.Scan(&row.ID, &row.Day, &row.ProviderID, &row.SaleID, &row.AmountCents,
			&row.Method, &row.CreatedAt, &providerName); err != nil {
			return nil, err
		}
		row.Day = daybucket.Normalize(row.Day)
		row.CreatedAt = row.CreatedAt.UTC()
		if providerName.Valid && providerName.String != "" {
			row.ProviderName = providerName.String
		} else {
			row.ProviderName = missingLabel
		}
		result = append(result, row)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

func nullIfEmpty(val string) any {
	if val == "" {
		return nil
	}
	return val
}
