package domain

import "time"

// ProtectionReason marks providers that may not be deleted. A provider with
// ReasonNone is an ordinary vendor; any other reason blocks deletion.
type ProtectionReason string

const (
	ProtectionNone           ProtectionReason = "none"
	ProtectionCashAdvance    ProtectionReason = "cash_advance"
	ProtectionSystemReserved ProtectionReason = "system_reserved"
)

const (
	PaymentMethodCash     = "CASH"
	PaymentMethodTransfer = "TRANSFER"
)

// Sentinel provider names rendered on denormalized expense rows and
// breakdown groups when a provider reference no longer resolves.
const (
	MissingProviderLabel = "no provider"
	UnknownProviderLabel = "unknown provider"
)

type Provider struct {
	ID         string           `json:"id"`
	Name       string           `json:"name"`
	Protection ProtectionReason `json:"protection"`
	CreatedAt  time.Time        `json:"created_at"`
}

type ProviderCreateRequest struct {
	Name string `json:"name"`
}

type ProviderListResponse struct {
	Providers []Provider `json:"providers"`
}

type ProviderSeedResult struct {
	Created  []string `json:"created"`
	Existing []string `json:"existing"`
}

// Sale is one point-of-sale closing record. At most one exists per UTC
// calendar day. Amounts are cents; sales are append-only.
type Sale struct {
	ID                string    `json:"id"`
	Day               time.Time `json:"day"`
	CashRegisterCents int64     `json:"cash_register_cents"`
	DebitCardCents    int64     `json:"debit_card_cents"`
	BankTransferCents int64     `json:"bank_transfer_cents"`
	WaterCents        int64     `json:"water_cents"`
	RentCents         int64     `json:"rent_cents"`
	PayrollCents      int64     `json:"payroll_cents"`
	MiscCents         int64     `json:"misc_cents"`
	CreatedAt         time.Time `json:"created_at"`
}

type SaleCreateRequest struct {
	Day               string `json:"day"`
	CashRegisterCents int64  `json:"cash_register_cents"`
	DebitCardCents    int64  `json:"debit_card_cents"`
	BankTransferCents int64  `json:"bank_transfer_cents"`
	WaterCents        int64  `json:"water_cents"`
	RentCents         int64  `json:"rent_cents"`
	PayrollCents      int64  `json:"payroll_cents"`
	MiscCents         int64  `json:"misc_cents"`
}

type SaleListResponse struct {
	Sales []Sale `json:"sales"`
}

// SaleDeleteResponse reports the cascade outcome for a sale removal.
type SaleDeleteResponse struct {
	SaleID          string `json:"sale_id"`
	ExpensesRemoved int    `json:"expenses_removed"`
}

// Expense is a vendor payment. ProviderID may dangle after a provider sweep;
// SaleID links the expense to the day's sale record and may be empty.
type Expense struct {
	ID          string    `json:"id"`
	Day         time.Time `json:"day"`
	ProviderID  string    `json:"provider_id"`
	SaleID      string    `json:"sale_id,omitempty"`
	AmountCents int64     `json:"amount_cents"`
	Method      string    `json:"method"`
	CreatedAt   time.Time `json:"created_at"`
}

type ExpenseCreateRequest struct {
	Day         string `json:"day"`
	ProviderID  string `json:"provider_id"`
	AmountCents int64  `json:"amount_cents"`
	Method      string `json:"method"`
}

// ExpenseRow is an Expense denormalized with its provider's name for
// listings. ProviderName carries the missing-provider sentinel when the
// reference is dangling.
type ExpenseRow struct {
	Expense
	ProviderName string `json:"provider_name"`
}

type ExpenseListResponse struct {
	Expenses []ExpenseRow `json:"expenses"`
}

// DailySummary is one reconciled day. It carries the raw sale figures next
// to the derived totals; SaleID is empty for expense-only days.
// CashSalesCents already includes CashFromProvidersCents; TotalSalesCents is
// cash + debit + transfer.
type DailySummary struct {
	Day                        string `json:"day"`
	SaleID                     string `json:"sale_id,omitempty"`
	CashRegisterCents          int64  `json:"cash_register_cents"`
	DebitCardCents             int64  `json:"debit_card_cents"`
	BankTransferCents          int64  `json:"bank_transfer_cents"`
	WaterCents                 int64  `json:"water_cents"`
	RentCents                  int64  `json:"rent_cents"`
	PayrollCents               int64  `json:"payroll_cents"`
	MiscCents                  int64  `json:"misc_cents"`
	CashSalesCents             int64  `json:"cash_sales_cents"`
	CashFromProvidersCents     int64  `json:"cash_from_providers_cents"`
	TransferFromProvidersCents int64  `json:"transfer_from_providers_cents"`
	TotalSalesCents            int64  `json:"total_sales_cents"`
}

type DailySummaryResponse struct {
	From string         `json:"from"`
	To   string         `json:"to"`
	Days []DailySummary `json:"days"`
}

type ProviderDayTotal struct {
	ProviderName  string `json:"provider_name"`
	CashCents     int64  `json:"cash_cents"`
	TransferCents int64  `json:"transfer_cents"`
	TotalCents    int64  `json:"total_cents"`
}

type ProviderBreakdownDay struct {
	Day           string             `json:"day"`
	Providers     []ProviderDayTotal `json:"providers"`
	CashCents     int64              `json:"cash_cents"`
	TransferCents int64              `json:"transfer_cents"`
	TotalCents    int64              `json:"total_cents"`
}

type ProviderBreakdownResponse struct {
	From string                 `json:"from"`
	To   string                 `json:"to"`
	Days []ProviderBreakdownDay `json:"days"`
}

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type LoginResponse struct {
	AccessToken string `json:"access_token"`
	Role        string `json:"role"`
	ExpiresAt   string `json:"expires_at"`
}

type Actor struct {
	Username string
	Role     string
}

type ClerkCreateRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type ClerkUser struct {
	Username  string    `json:"username"`
	Role      string    `json:"role"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
}

// UserAccount is an internal persistence model for auth credentials.
type UserAccount struct {
	Username  string
	Password  string
	Role      string
	Active    bool
	CreatedAt time.Time
}

type AuditLog struct {
	ID            string    `json:"id"`
	ActorUsername string    `json:"actor_username"`
	ActorRole     string    `json:"actor_role"`
	Action        string    `json:"action"`
	EntityType    string    `json:"entity_type"`
	EntityID      string    `json:"entity_id"`
	Detail        string    `json:"detail"`
	CreatedAt     time.Time `json:"created_at"`
}

const (
	RoleAdmin = "admin"
	RoleClerk = "clerk"
)
