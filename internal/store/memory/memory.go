package memory

import (
	"context"
	"log"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"

	"cajaclara/backend/internal/daybucket"
	"cajaclara/backend/internal/domain"
	"cajaclara/backend/internal/store"
	"cajaclara/backend/internal/xid"
)

type Store struct {
	mu              sync.RWMutex
	providersByID   map[string]domain.Provider
	salesByID       map[string]domain.Sale
	expensesByID    map[string]domain.Expense
	auditLogs       []domain.AuditLog
	usersByUsername map[string]domain.UserAccount
}

// seedUsers builds the initial in-memory user accounts for dev/demo mode.
// Credentials are read from SEED_ADMIN_PASSWORD and SEED_CLERK_PASSWORD
// environment variables. If unset, hardcoded dev defaults are used with a
// warning printed to stdout. These credentials are never used in production
// (the backend uses PostgreSQL when DATABASE_URL is set).
func seedUsers() map[string]domain.UserAccount {
	adminPwd := envOr("SEED_ADMIN_PASSWORD", "admin123")
	clerkPwd := envOr("SEED_CLERK_PASSWORD", "clerk123")
	if os.Getenv("SEED_ADMIN_PASSWORD") == "" || os.Getenv("SEED_CLERK_PASSWORD") == "" {
		log.Println("[memory-store] WARNING: using default dev credentials. Set SEED_ADMIN_PASSWORD and SEED_CLERK_PASSWORD to override.")
	}

	now := time.Now().UTC()
	users := map[string]domain.UserAccount{}
	for _, u := range []struct {
		username string
		password string
		role     string
	}{
		{"admin", adminPwd, domain.RoleAdmin},
		{"clerk", clerkPwd, domain.RoleClerk},
	} {
		hash, err := bcrypt.GenerateFromPassword([]byte(u.password), bcrypt.DefaultCost)
		if err != nil {
			log.Fatalf("[memory-store] failed to hash seed password for %s: %v", u.username, err)
		}
		users[u.username] = domain.UserAccount{
			Username:  u.username,
			Password:  string(hash),
			Role:      u.role,
			Active:    true,
			CreatedAt: now,
		}
	}
	return users
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func New() *Store {
	return &Store{
		providersByID:   make(map[string]domain.Provider),
		salesByID:       make(map[string]domain.Sale),
		expensesByID:    make(map[string]domain.Expense),
		auditLogs:       make([]domain.AuditLog, 0, 128),
		usersByUsername: seedUsers(),
	}
}

func (s *Store) CreateProvider(_ context.Context, provider domain.Provider) (*domain.Provider, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	name := strings.TrimSpace(provider.Name)
	if name == "" {
		return nil, store.ErrInvalidInput
	}
	for _, existing := range s.providersByID {
		if existing.Name == name {
			return nil, store.ErrDuplicate
		}
	}

	provider.Name = name
	if provider.ID == "" {
		provider.ID = xid.New("prov")
	}
	if provider.Protection == "" {
		provider.Protection = domain.ProtectionNone
	}
	if provider.CreatedAt.IsZero() {
		provider.CreatedAt = time.Now().UTC()
	}
	s.providersByID[provider.ID] = provider
	created := provider
	return &created, nil
}

func (s *Store) ListProviders(_ context.Context) ([]domain.Provider, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	providers := make([]domain.Provider, 0, len(s.providersByID))
	for _, p := range s.providersByID {
		providers = append(providers, p)
	}
	slices.SortFunc(providers, func(a, b domain.Provider) int {
		return cmpString(a.Name, b.Name)
	})
	return providers, nil
}

func (s *Store) FindProviderByID(_ context.Context, id string) (*domain.Provider, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	provider, exists := s.providersByID[id]
	if !exists {
		return nil, store.ErrNotFound
	}
	found := provider
	return &found, nil
}

func (s *Store) DeleteProvider(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.providersByID[id]; !exists {
		return store.ErrNotFound
	}
	delete(s.providersByID, id)
	return nil
}

func (s *Store) CountExpensesByProvider(_ context.Context, providerID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	count := 0
	for _, expense := range s.expensesByID {
		if expense.ProviderID == providerID {
			count++
		}
	}
	return count, nil
}

func (s *Store) CreateSale(_ context.Context, sale domain.Sale) (*domain.Sale, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if sale.Day.IsZero() {
		return nil, store.ErrInvalidInput
	}
	sale.Day = daybucket.Normalize(sale.Day)
	for _, existing := range s.salesByID {
		if existing.Day.Equal(sale.Day) {
			return nil, store.ErrDuplicate
		}
	}

	if sale.ID == "" {
		sale.ID = xid.New("sale")
	}
	if sale.CreatedAt.IsZero() {
		sale.CreatedAt = time.Now().UTC()
	}
	s.salesByID[sale.ID] = sale
	created := sale
	return &created, nil
}

func (s *Store) ListSales(_ context.Context) ([]domain.Sale, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sales := make([]domain.Sale, 0, len(s.salesByID))
	for _, sale := range s.salesByID {
		sales = append(sales, sale)
	}
	sortSalesDayDesc(sales)
	return sales, nil
}

func (s *Store) FindSalesByDayRange(_ context.Context, from time.Time, to time.Time) ([]domain.Sale, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	from = daybucket.Normalize(from)
	to = daybucket.EndOfDay(to)
	sales := make([]domain.Sale, 0, 32)
	for _, sale := range s.salesByID {
		if sale.Day.Before(from) || sale.Day.After(to) {
			continue
		}
		sales = append(sales, sale)
	}
	sortSalesDayDesc(sales)
	return sales, nil
}

func (s *Store) FindSaleByID(_ context.Context, id string) (*domain.Sale, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sale, exists := s.salesByID[id]
	if !exists {
		return nil, store.ErrNotFound
	}
	found := sale
	return &found, nil
}

func (s *Store) FindSaleByDay(_ context.Context, day time.Time) (*domain.Sale, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	day = daybucket.Normalize(day)
	for _, sale := range s.salesByID {
		if sale.Day.Equal(day) {
			found := sale
			return &found, nil
		}
	}
	return nil, store.ErrNotFound
}

func (s *Store) DeleteSale(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.salesByID[id]; !exists {
		return store.ErrNotFound
	}
	delete(s.salesByID, id)
	return nil
}

func (s *Store) CreateExpense(_ context.Context, expense domain.Expense) (*domain.Expense, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

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
	s.expensesByID[expense.ID] = expense
	created := expense
	return &created, nil
}

func (s *Store) ListExpenses(_ context.Context) ([]domain.ExpenseRow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows := make([]domain.ExpenseRow, 0, len(s.expensesByID))
	for _, expense := range s.expensesByID {
		rows = append(rows, s.denormalize(expense, domain.MissingProviderLabel))
	}
	sortExpenseRowsDayDesc(rows)
	return rows, nil
}

func (s *Store) FindExpensesByDayRange(_ context.Context, from time.Time, to time.Time) ([]domain.ExpenseRow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	from = daybucket.Normalize(from)
	to = daybucket.EndOfDay(to)
	rows := make([]domain.ExpenseRow, 0, 32)
	for _, expense := range s.expensesByID {
		if expense.Day.Before(from) || expense.Day.After(to) {
			continue
		}
		rows = append(rows, s.denormalize(expense, domain.UnknownProviderLabel))
	}
	sortExpenseRowsDayDesc(rows)
	return rows, nil
}

func (s *Store) DeleteExpensesByDay(_ context.Context, day time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	day = daybucket.Normalize(day)
	removed := 0
	for id, expense := range s.expensesByID {
		if expense.Day.Equal(day) {
			delete(s.expensesByID, id)
			removed++
		}
	}
	return removed, nil
}

func (s *Store) DeleteExpensesBySale(_ context.Context, saleID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for id, expense := range s.expensesByID {
		if expense.SaleID != "" && expense.SaleID == saleID {
			delete(s.expensesByID, id)
			removed++
		}
	}
	return removed, nil
}

func (s *Store) DeleteExpensesForSale(_ context.Context, saleID string, day time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	day = daybucket.Normalize(day)
	removed := 0
	for id, expense := range s.expensesByID {
		bySale := expense.SaleID != "" && expense.SaleID == saleID
		byDay := expense.Day.Equal(day)
		if bySale || byDay {
			delete(s.expensesByID, id)
			removed++
		}
	}
	return removed, nil
}

func (s *Store) CreateAuditLog(_ context.Context, entry domain.AuditLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entry.ID == "" {
		entry.ID = xid.New("audit")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	s.auditLogs = append(s.auditLogs, entry)
	return nil
}

func (s *Store) ListAuditLogs(_ context.Context, from time.Time, to time.Time, limit int) ([]domain.AuditLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.AuditLog, 0, 64)
	for _, entry := range s.auditLogs {
		if entry.CreatedAt.Before(from) || !entry.CreatedAt.Before(to) {
			continue
		}
		result = append(result, entry)
	}

	slices.SortFunc(result, func(a, b domain.AuditLog) int {
		if a.CreatedAt.Equal(b.CreatedAt) {
			return cmpString(b.ID, a.ID)
		}
		if a.CreatedAt.After(b.CreatedAt) {
			return -1
		}
		return 1
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (s *Store) CreateUser(_ context.Context, user domain.UserAccount) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	username := strings.ToLower(strings.TrimSpace(user.Username))
	if username == "" || strings.TrimSpace(user.Password) == "" {
		return store.ErrInvalidInput
	}
	if _, exists := s.usersByUsername[username]; exists {
		return store.ErrDuplicate
	}
	user.Username = username
	if user.Role == "" {
		user.Role = domain.RoleClerk
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}
	user.Active = true
	s.usersByUsername[user.Username] = user
	return nil
}

func (s *Store) ListUsers(_ context.Context) ([]domain.UserAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	users := make([]domain.UserAccount, 0, len(s.usersByUsername))
	for _, user := range s.usersByUsername {
		users = append(users, user)
	}
	slices.SortFunc(users, func(a, b domain.UserAccount) int {
		return cmpString(a.Username, b.Username)
	})
	return users, nil
}

func (s *Store) UpdateUserPassword(_ context.Context, username string, password string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	username = strings.ToLower(strings.TrimSpace(username))
	if username == "" || strings.TrimSpace(password) == "" {
		return store.ErrInvalidInput
	}
	user, exists := s.usersByUsername[username]
	if !exists {
		return store.ErrNotFound
	}
	user.Password = password
	s.usersByUsername[username] = user
	return nil
}

// denormalize requires s.mu held.
func (s *Store) denormalize(expense domain.Expense, missingLabel string) domain.ExpenseRow {
	row := domain.ExpenseRow{Expense: expense, ProviderName: missingLabel}
	if provider, exists := s.providersByID[expense.ProviderID]; exists {
		row.ProviderName = provider.Name
	}
	return row
}

func sortSalesDayDesc(sales []domain.Sale) {
	slices.SortFunc(sales, func(a, b domain.Sale) int {
		if a.Day.Equal(b.Day) {
			return cmpString(b.ID, a.ID)
		}
		if a.Day.After(b.Day) {
			return -1
		}
		return 1
	})
}

func sortExpenseRowsDayDesc(rows []domain.ExpenseRow) {
	slices.SortFunc(rows, func(a, b domain.ExpenseRow) int {
		if a.Day.Equal(b.Day) {
			if a.CreatedAt.Equal(b.CreatedAt) {
				return cmpString(b.ID, a.ID)
			}
			if a.CreatedAt.After(b.CreatedAt) {
				return -1
			}
			return 1
		}
		if a.Day.After(b.Day) {
			return -1
		}
		return 1
	})
}

func cmpString(a string, b string) int {
	if a == b {
		return 0
	}
	if a < b {
		return -1
	}
	return 1
}
