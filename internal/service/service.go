package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"slices"
	"strings"
	"time"

	"cajaclara/backend/internal/cache"
	"cajaclara/backend/internal/daybucket"
	"cajaclara/backend/internal/domain"
	"cajaclara/backend/internal/store"
	"cajaclara/backend/internal/xid"
)

// ErrAdminRequired rejects operations reserved for the admin role.
var ErrAdminRequired = errors.New("admin role required")

type actorContextKey struct{}

func WithActor(ctx context.Context, actor domain.Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

func ActorFromContext(ctx context.Context) (domain.Actor, bool) {
	actor, ok := ctx.Value(actorContextKey{}).(domain.Actor)
	return actor, ok
}

type Service struct {
	repo            store.Repository
	summaries       cache.SummaryCache
	summaryTTL      time.Duration
	cashAdvanceName string
	protectedNames  []string
}

func New(repo store.Repository, summaries cache.SummaryCache, summaryTTL time.Duration, cashAdvanceName string, protectedNames []string) *Service {
	if summaries == nil {
		summaries = cache.NoopSummaryCache{}
	}
	if summaryTTL <= 0 {
		summaryTTL = 60 * time.Second
	}
	cashAdvanceName = strings.TrimSpace(cashAdvanceName)

	return &Service{
		repo:            repo,
		summaries:       summaries,
		summaryTTL:      summaryTTL,
		cashAdvanceName: cashAdvanceName,
		protectedNames:  protectedNames,
	}
}

func (s *Service) CreateProvider(ctx context.Context, req domain.ProviderCreateRequest) (domain.Provider, error) {
	name := strings.TrimSpace(req.Name)
	if name == "" {
		return domain.Provider{}, store.ErrInvalidInput
	}

	created, err := s.repo.CreateProvider(ctx, domain.Provider{
		Name:       name,
		Protection: domain.ProtectionNone,
	})
	if err != nil {
		return domain.Provider{}, err
	}

	s.logAudit(ctx, "provider_create", "provider", created.ID, fmt.Sprintf("name=%s", created.Name))
	return *created, nil
}

func (s *Service) ListProviders(ctx context.Context) ([]domain.Provider, error) {
	return s.repo.ListProviders(ctx)
}

func (s *Service) DeleteProvider(ctx context.Context, id string) error {
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.Role != domain.RoleAdmin {
		return ErrAdminRequired
	}

	id = strings.TrimSpace(id)
	if id == "" {
		return store.ErrInvalidID
	}

	provider, err := s.repo.FindProviderByID(ctx, id)
	if err != nil {
		return err
	}
	if provider.Protection != domain.ProtectionNone {
		return fmt.Errorf("provider %s (%s): %w", provider.Name, provider.Protection, store.ErrProtected)
	}

	dependents, err := s.repo.CountExpensesByProvider(ctx, id)
	if err != nil {
		return err
	}
	if dependents > 0 {
		return fmt.Errorf("provider %s has %d expenses: %w", provider.Name, dependents, store.ErrHasDependents)
	}

	if err := s.repo.DeleteProvider(ctx, id); err != nil {
		return err
	}

	s.logAudit(ctx, "provider_delete", "provider", id, fmt.Sprintf("name=%s", provider.Name))
	return nil
}

// SeedProtectedProviders creates the configured reserved providers that do
// not exist yet. Safe to call repeatedly.
func (s *Service) SeedProtectedProviders(ctx context.Context) (domain.ProviderSeedResult, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.Role != domain.RoleAdmin {
		return domain.ProviderSeedResult{}, ErrAdminRequired
	}

	result := domain.ProviderSeedResult{
		Created:  make([]string, 0, len(s.protectedNames)+1),
		Existing: make([]string, 0, len(s.protectedNames)+1),
	}

	seen := make(map[string]bool, len(s.protectedNames)+1)
	names := make([]string, 0, len(s.protectedNames)+1)
	if s.cashAdvanceName != "" {
		names = append(names, s.cashAdvanceName)
		seen[s.cashAdvanceName] = true
	}
	for _, name := range s.protectedNames {
		name = strings.TrimSpace(name)
		if name == "" || seen[name] {
			continue
		}
		names = append(names, name)
		seen[name] = true
	}

	for _, name := range names {
		protection := domain.ProtectionSystemReserved
		if name == s.cashAdvanceName {
			protection = domain.ProtectionCashAdvance
		}
		_, err := s.repo.CreateProvider(ctx, domain.Provider{Name: name, Protection: protection})
		switch {
		case err == nil:
			result.Created = append(result.Created, name)
		case isDuplicate(err):
			result.Existing = append(result.Existing, name)
		default:
			return domain.ProviderSeedResult{}, err
		}
	}

	s.logAudit(ctx, "provider_seed", "provider", "", fmt.Sprintf("created=%d,existing=%d", len(result.Created), len(result.Existing)))
	return result, nil
}

func (s *Service) CreateSale(ctx context.Context, req domain.SaleCreateRequest) (domain.Sale, error) {
	day, err := daybucket.ParseDay(req.Day)
	if err != nil {
		return domain.Sale{}, fmt.Errorf("day %q: %w", req.Day, store.ErrInvalidInput)
	}
	for _, amount := range []int64{
		req.CashRegisterCents, req.DebitCardCents, req.BankTransferCents,
		req.WaterCents, req.RentCents, req.PayrollCents, req.MiscCents,
	} {
		if amount < 0 {
			return domain.Sale{}, fmt.Errorf("negative amount: %w", store.ErrInvalidInput)
		}
	}

	created, err := s.repo.CreateSale(ctx, domain.Sale{
		Day:               day,
		CashRegisterCents: req.CashRegisterCents,
		DebitCardCents:    req.DebitCardCents,
		BankTransferCents: req.BankTransferCents,
		WaterCents:        req.WaterCents,
		RentCents:         req.RentCents,
		PayrollCents:      req.PayrollCents,
		MiscCents:         req.MiscCents,
	})
	if err != nil {
		return domain.Sale{}, err
	}

	s.invalidateSummaries(ctx)
	s.logAudit(ctx, "sale_create", "sale", created.ID, fmt.Sprintf("day=%s", daybucket.Key(created.Day)))
	return *created, nil
}

func (s *Service) ListSales(ctx context.Context) ([]domain.Sale, error) {
	return s.repo.ListSales(ctx)
}

func (s *Service) FindSaleByID(ctx context.Context, id string) (domain.Sale, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return domain.Sale{}, store.ErrInvalidID
	}
	sale, err := s.repo.FindSaleByID(ctx, id)
	if err != nil {
		return domain.Sale{}, err
	}
	return *sale, nil
}

func (s *Service) FindSaleByDay(ctx context.Context, date string) (domain.Sale, error) {
	day, err := daybucket.ParseDay(date)
	if err != nil {
		return domain.Sale{}, fmt.Errorf("day %q: %w", date, store.ErrInvalidInput)
	}
	sale, err := s.repo.FindSaleByDay(ctx, day)
	if err != nil {
		return domain.Sale{}, err
	}
	return *sale, nil
}

// DeleteSale removes a sale record together with every expense referencing
// it, whether by sale id or by falling on the sale's day. The two steps are
// not atomic; a failure between them leaves the expenses gone and the sale
// in place, which is logged as a partial failure.
func (s *Service) DeleteSale(ctx context.Context, id string) (domain.SaleDeleteResponse, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.Role != domain.RoleAdmin {
		return domain.SaleDeleteResponse{}, ErrAdminRequired
	}

	id = strings.TrimSpace(id)
	if id == "" {
		return domain.SaleDeleteResponse{}, store.ErrInvalidID
	}

	sale, err := s.repo.FindSaleByID(ctx, id)
	if err != nil {
		return domain.SaleDeleteResponse{}, err
	}

	removed, err := s.repo.DeleteExpensesForSale(ctx, sale.ID, sale.Day)
	if err != nil {
		return domain.SaleDeleteResponse{}, err
	}

	if err := s.repo.DeleteSale(ctx, sale.ID); err != nil {
		log.Printf("[service] ERROR: cascade partial failure sale=%s expenses_removed=%d: %v", sale.ID, removed, err)
		return domain.SaleDeleteResponse{}, fmt.Errorf("cascade partial failure: %w", err)
	}

	s.invalidateSummaries(ctx)
	s.logAudit(ctx, "sale_delete", "sale", sale.ID, fmt.Sprintf("day=%s,expenses_removed=%d", daybucket.Key(sale.Day), removed))
	return domain.SaleDeleteResponse{SaleID: sale.ID, ExpensesRemoved: removed}, nil
}

func (s *Service) CreateExpense(ctx context.Context, req domain.ExpenseCreateRequest) (domain.Expense, error) {
	day, err := daybucket.ParseDay(req.Day)
	if err != nil {
		return domain.Expense{}, fmt.Errorf("day %q: %w", req.Day, store.ErrInvalidInput)
	}
	providerID := strings.TrimSpace(req.ProviderID)
	if providerID == "" {
		return domain.Expense{}, fmt.Errorf("provider required: %w", store.ErrInvalidInput)
	}
	if req.AmountCents <= 0 {
		return domain.Expense{}, fmt.Errorf("amount must be positive: %w", store.ErrInvalidInput)
	}
	method := strings.ToUpper(strings.TrimSpace(req.Method))
	if method != domain.PaymentMethodCash && method != domain.PaymentMethodTransfer {
		return domain.Expense{}, fmt.Errorf("method %q: %w", req.Method, store.ErrInvalidInput)
	}

	if _, err := s.repo.FindProviderByID(ctx, providerID); err != nil {
		return domain.Expense{}, err
	}

	// The sale link stays empty here. Expenses attach to a day's sale only
	// through the day match during cascade deletion.
	created, err := s.repo.CreateExpense(ctx, domain.Expense{
		Day:         day,
		ProviderID:  providerID,
		AmountCents: req.AmountCents,
		Method:      method,
	})
	if err != nil {
		return domain.Expense{}, err
	}

	s.invalidateSummaries(ctx)
	s.logAudit(ctx, "expense_create", "expense", created.ID, fmt.Sprintf("day=%s,provider=%s,amount=%d", daybucket.Key(created.Day), providerID, created.AmountCents))
	return *created, nil
}

// DeleteExpensesByDay removes every expense on the given day and returns the
// count removed.
func (s *Service) DeleteExpensesByDay(ctx context.Context, date string) (int, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.Role != domain.RoleAdmin {
		return 0, ErrAdminRequired
	}
	day, err := daybucket.ParseDay(date)
	if err != nil {
		return 0, fmt.Errorf("day %q: %w", date, store.ErrInvalidInput)
	}

	removed, err := s.repo.DeleteExpensesByDay(ctx, day)
	if err != nil {
		return 0, err
	}
	if removed > 0 {
		s.invalidateSummaries(ctx)
	}
	s.logAudit(ctx, "expense_delete_by_day", "expense", "", fmt.Sprintf("day=%s,removed=%d", daybucket.Key(day), removed))
	return removed, nil
}

// DeleteExpensesBySale removes every expense linked to the given sale id and
// returns the count removed. Expenses with no sale link are untouched.
func (s *Service) DeleteExpensesBySale(ctx context.Context, saleID string) (int, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.Role != domain.RoleAdmin {
		return 0, ErrAdminRequired
	}
	saleID = strings.TrimSpace(saleID)
	if saleID == "" {
		return 0, store.ErrInvalidID
	}

	removed, err := s.repo.DeleteExpensesBySale(ctx, saleID)
	if err != nil {
		return 0, err
	}
	if removed > 0 {
		s.invalidateSummaries(ctx)
	}
	s.logAudit(ctx, "expense_delete_by_sale", "expense", saleID, fmt.Sprintf("removed=%d", removed))
	return removed, nil
}

// ListExpenses returns all expenses, or only those inside [from, to] when a
// range is given. A range needs both ends.
func (s *Service) ListExpenses(ctx context.Context, from string, to string) ([]domain.ExpenseRow, error) {
	from = strings.TrimSpace(from)
	to = strings.TrimSpace(to)
	if from == "" && to == "" {
		return s.repo.ListExpenses(ctx)
	}
	if from == "" || to == "" {
		return nil, fmt.Errorf("range needs both from and to: %w", store.ErrInvalidInput)
	}

	fromDay, toDay, err := parseRange(from, to)
	if err != nil {
		return nil, err
	}
	return s.repo.FindExpensesByDayRange(ctx, fromDay, toDay)
}

// BuildDailySummary reconciles sales and provider expenses per day over the
// inclusive range. Days where every figure is zero are dropped. Provider
// cash is folded into cash sales before the total is computed.
func (s *Service) BuildDailySummary(ctx context.Context, from string, to string) (domain.DailySummaryResponse, error) {
	from = strings.TrimSpace(from)
	to = strings.TrimSpace(to)
	if from == "" {
		from = daybucket.Key(daybucket.Today())
	}
	// A missing upper bound collapses the range to the single day at from.
	if to == "" {
		to = from
	}

	fromDay, toDay, err := parseRange(from, to)
	if err != nil {
		return domain.DailySummaryResponse{}, err
	}

	cacheKey := daybucket.Key(fromDay) + "_" + daybucket.Key(toDay)
	if cached, hit, err := s.summaries.Get(ctx, cacheKey); err != nil {
		log.Printf("[service] WARN: summary cache read failed key=%s: %v", cacheKey, err)
	} else if hit {
		return *cached, nil
	}

	sales, err := s.repo.FindSalesByDayRange(ctx, fromDay, toDay)
	if err != nil {
		return domain.DailySummaryResponse{}, err
	}

	buckets := make(map[string]*domain.DailySummary)
	for _, sale := range sales {
		key := daybucket.Key(sale.Day)
		buckets[key] = &domain.DailySummary{
			Day:               key,
			SaleID:            sale.ID,
			CashRegisterCents: sale.CashRegisterCents,
			DebitCardCents:    sale.DebitCardCents,
			BankTransferCents: sale.BankTransferCents,
			WaterCents:        sale.WaterCents,
			RentCents:         sale.RentCents,
			PayrollCents:      sale.PayrollCents,
			MiscCents:         sale.MiscCents,
			CashSalesCents:    sale.CashRegisterCents + sale.WaterCents + sale.RentCents + sale.PayrollCents + sale.MiscCents,
		}
	}

	expenses, err := s.repo.FindExpensesByDayRange(ctx, fromDay, toDay)
	if err != nil {
		return domain.DailySummaryResponse{}, err
	}
	for _, expense := range expenses {
		key := daybucket.Key(expense.Day)
		bucket, exists := buckets[key]
		if !exists {
			bucket = &domain.DailySummary{Day: key}
			buckets[key] = bucket
		}
		if expense.Method == domain.PaymentMethodCash {
			bucket.CashFromProvidersCents += expense.AmountCents
		} else {
			bucket.TransferFromProvidersCents += expense.AmountCents
		}
	}

	days := make([]domain.DailySummary, 0, len(buckets))
	for _, bucket := range buckets {
		if isAllZero(*bucket) {
			continue
		}
		bucket.CashSalesCents += bucket.CashFromProvidersCents
		bucket.TotalSalesCents = bucket.CashSalesCents + bucket.DebitCardCents + bucket.BankTransferCents
		days = append(days, *bucket)
	}
	slices.SortFunc(days, func(a, b domain.DailySummary) int {
		return strings.Compare(b.Day, a.Day)
	})

	resp := domain.DailySummaryResponse{
		From: daybucket.Key(fromDay),
		To:   daybucket.Key(toDay),
		Days: days,
	}
	if err := s.summaries.Set(ctx, cacheKey, &resp, s.summaryTTL); err != nil {
		log.Printf("[service] WARN: summary cache write failed key=%s: %v", cacheKey, err)
	}
	return resp, nil
}

// BuildProviderBreakdown groups expenses by day and provider over the
// inclusive range. Both ends are required.
func (s *Service) BuildProviderBreakdown(ctx context.Context, from string, to string) (domain.ProviderBreakdownResponse, error) {
	from = strings.TrimSpace(from)
	to = strings.TrimSpace(to)
	if from == "" || to == "" {
		return domain.ProviderBreakdownResponse{}, fmt.Errorf("from and to are required: %w", store.ErrInvalidInput)
	}

	fromDay, toDay, err := parseRange(from, to)
	if err != nil {
		return domain.ProviderBreakdownResponse{}, err
	}

	expenses, err := s.repo.FindExpensesByDayRange(ctx, fromDay, toDay)
	if err != nil {
		return domain.ProviderBreakdownResponse{}, err
	}

	type dayGroup struct {
		byProvider map[string]*domain.ProviderDayTotal
		totals     domain.ProviderBreakdownDay
	}
	groups := make(map[string]*dayGroup)
	for _, expense := range expenses {
		key := daybucket.Key(expense.Day)
		group, exists := groups[key]
		if !exists {
			group = &dayGroup{
				byProvider: make(map[string]*domain.ProviderDayTotal),
				totals:     domain.ProviderBreakdownDay{Day: key},
			}
			groups[key] = group
		}

		entry, exists := group.byProvider[expense.ProviderName]
		if !exists {
			entry = &domain.ProviderDayTotal{ProviderName: expense.ProviderName}
			group.byProvider[expense.ProviderName] = entry
		}
		if expense.Method == domain.PaymentMethodCash {
			entry.CashCents += expense.AmountCents
			group.totals.CashCents += expense.AmountCents
		} else {
			entry.TransferCents += expense.AmountCents
			group.totals.TransferCents += expense.AmountCents
		}
		entry.TotalCents += expense.AmountCents
		group.totals.TotalCents += expense.AmountCents
	}

	days := make([]domain.ProviderBreakdownDay, 0, len(groups))
	for _, group := range groups {
		day := group.totals
		day.Providers = make([]domain.ProviderDayTotal, 0, len(group.byProvider))
		for _, entry := range group.byProvider {
			day.Providers = append(day.Providers, *entry)
		}
		slices.SortFunc(day.Providers, func(a, b domain.ProviderDayTotal) int {
			return strings.Compare(a.ProviderName, b.ProviderName)
		})
		days = append(days, day)
	}
	slices.SortFunc(days, func(a, b domain.ProviderBreakdownDay) int {
		return strings.Compare(a.Day, b.Day)
	})

	return domain.ProviderBreakdownResponse{
		From: daybucket.Key(fromDay),
		To:   daybucket.Key(toDay),
		Days: days,
	}, nil
}

func (s *Service) ListAuditLogs(ctx context.Context, date string, limit int) ([]domain.AuditLog, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.Role != domain.RoleAdmin {
		return nil, ErrAdminRequired
	}
	if limit < 1 {
		limit = 100
	}

	var from time.Time
	if strings.TrimSpace(date) == "" {
		from = time.Now().UTC().Add(-24 * time.Hour)
	} else {
		parsed, err := daybucket.ParseDay(date)
		if err != nil {
			return nil, fmt.Errorf("date %q: %w", date, store.ErrInvalidInput)
		}
		from = parsed
	}
	to := from.Add(24 * time.Hour)

	return s.repo.ListAuditLogs(ctx, from, to, limit)
}

func (s *Service) invalidateSummaries(ctx context.Context) {
	if err := s.summaries.Invalidate(ctx); err != nil {
		log.Printf("[service] WARN: summary cache invalidation failed: %v", err)
	}
}

func (s *Service) logAudit(ctx context.Context, action string, entityType string, entityID string, detail string) {
	actor, ok := ActorFromContext(ctx)
	if !ok {
		actor = domain.Actor{Username: "system", Role: "system"}
	}

	if err := s.repo.CreateAuditLog(ctx, domain.AuditLog{
		ID:            xid.New("audit"),
		ActorUsername: actor.Username,
		ActorRole:     actor.Role,
		Action:        action,
		EntityType:    entityType,
		EntityID:      entityID,
		Detail:        detail,
		CreatedAt:     time.Now().UTC(),
	}); err != nil {
		log.Printf("[audit] WARN: failed to write audit log action=%s entity=%s/%s: %v", action, entityType, entityID, err)
	}
}

func parseRange(from string, to string) (time.Time, time.Time, error) {
	fromDay, err := daybucket.ParseDay(from)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("from %q: %w", from, store.ErrInvalidInput)
	}
	toDay, err := daybucket.ParseDay(to)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("to %q: %w", to, store.ErrInvalidInput)
	}
	if fromDay.After(toDay) {
		return time.Time{}, time.Time{}, fmt.Errorf("from after to: %w", store.ErrInvalidInput)
	}
	return fromDay, toDay, nil
}

func isAllZero(d domain.DailySummary) bool {
	return d.CashRegisterCents == 0 && d.DebitCardCents == 0 && d.BankTransferCents == 0 &&
		d.WaterCents == 0 && d.RentCents == 0 && d.PayrollCents == 0 && d.MiscCents == 0 &&
		d.CashSalesCents == 0 && d.CashFromProvidersCents == 0 && d.TransferFromProvidersCents == 0
}

func isDuplicate(err error) bool {
	return errors.Is(err, store.ErrDuplicate)
}
