/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the internal domain model from the external API contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

AMOUNTS:
  Every amount, price, rate and percentage travels as a decimal string
  ("1234.50"), never as a JSON number.

DATES:
  Calendar days are "YYYY-MM-DD"; instants are RFC 3339.

SEE ALSO:
  - handlers.go: Uses these types
  - factory/sale_kind.go: SaleKindJSON
*/
package api

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/commission-engine/commission"
	"github.com/warp/commission-engine/factory"
	"github.com/warp/commission-engine/generic"
)

// =============================================================================
// SALES
// =============================================================================

type PricesDTO struct {
	ListPrice           decimal.Decimal `json:"list_price"`
	DiscountRate        decimal.Decimal `json:"discount_rate"`
	DiscountedListPrice decimal.Decimal `json:"discounted_list_price"`
	ActivityPrice       decimal.Decimal `json:"activity_price"`
}

func (p PricesDTO) toSnapshot() commission.PriceSnapshot {
	return commission.PriceSnapshot{
		ListPrice:           generic.NewAmount(p.ListPrice),
		DiscountRate:        p.DiscountRate,
		DiscountedListPrice: generic.NewAmount(p.DiscountedListPrice),
		ActivityPrice:       generic.NewAmount(p.ActivityPrice),
	}
}

func toPricesDTO(p commission.PriceSnapshot) PricesDTO {
	return PricesDTO{
		ListPrice:           p.ListPrice.Value,
		DiscountRate:        p.DiscountRate,
		DiscountedListPrice: p.DiscountedListPrice.Value,
		ActivityPrice:       p.ActivityPrice.Value,
	}
}

// CreateSaleRequest is the body of POST /api/sales.
type CreateSaleRequest struct {
	SaleID         string    `json:"sale_id,omitempty"`
	ContractNumber string    `json:"contract_number"`
	CustomerName   string    `json:"customer_name"`
	Kind           string    `json:"kind"`
	Prices         PricesDTO `json:"prices"`
	SalespersonID  string    `json:"salesperson_id"`
	PeriodID       string    `json:"period_id,omitempty"`
	SaleDate       string    `json:"sale_date"` // YYYY-MM-DD
}

type ModifySaleRequest struct {
	Prices PricesDTO `json:"prices"`
	Reason string    `json:"reason"`
}

type CancelSaleRequest struct {
	Reason string     `json:"reason"`
	At     *time.Time `json:"at,omitempty"`
}

type RestoreSaleRequest struct {
	At *time.Time `json:"at,omitempty"`
}

type TransferSaleRequest struct {
	From string `json:"from"`
	To   string `json:"to"`
}

type ModificationDTO struct {
	PreviousPrices      PricesDTO `json:"previous_prices"`
	NewPrices           PricesDTO `json:"new_prices"`
	PreviousCommission  string    `json:"previous_commission"`
	NewCommission       string    `json:"new_commission"`
	CommissionDelta     string    `json:"commission_delta"`
	Reason              string    `json:"reason"`
	Actor               string    `json:"actor"`
	At                  time.Time `json:"at"`
	LinkedTransactionID string    `json:"linked_transaction_id,omitempty"`
}

// SaleDTO represents a sale in API responses.
type SaleDTO struct {
	ID             string            `json:"id"`
	ContractNumber string            `json:"contract_number,omitempty"`
	CustomerName   string            `json:"customer_name,omitempty"`
	Kind           string            `json:"kind"`
	Prices         PricesDTO         `json:"prices"`
	Status         string            `json:"status"`
	PrimStatus     string            `json:"prim_status"`
	SalespersonID  string            `json:"salesperson_id"`
	PeriodID       string            `json:"period_id"`
	SaleDate       string            `json:"sale_date"`
	Rate           string            `json:"rate"`
	Commission     string            `json:"commission"`
	History        []ModificationDTO `json:"history"`
	CancelCount    int               `json:"cancel_count"`
	PaidAt         *time.Time        `json:"paid_at,omitempty"`
	Version        int               `json:"version"`
}

func toSaleDTO(s commission.Sale) SaleDTO {
	dto := SaleDTO{
		ID:             string(s.ID),
		ContractNumber: s.ContractNumber,
		CustomerName:   s.CustomerName,
		Kind:           string(s.Kind),
		Prices:         toPricesDTO(s.Prices),
		Status:         string(s.Status),
		PrimStatus:     string(s.PrimStatus),
		SalespersonID:  string(s.SalespersonID),
		PeriodID:       string(s.PeriodID),
		SaleDate:       generic.FormatDay(s.SaleDate),
		Rate:           s.Rate.String(),
		Commission:     s.Commission.String(),
		History:        make([]ModificationDTO, 0, len(s.History)),
		CancelCount:    s.CancelCount,
		PaidAt:         s.PaidAt,
		Version:        s.Version,
	}
	for _, m := range s.History {
		dto.History = append(dto.History, ModificationDTO{
			PreviousPrices:      toPricesDTO(m.PreviousPrices),
			NewPrices:           toPricesDTO(m.NewPrices),
			PreviousCommission:  m.PreviousCommission.String(),
			NewCommission:       m.NewCommission.String(),
			CommissionDelta:     m.CommissionDelta.String(),
			Reason:              m.Reason,
			Actor:               m.Actor,
			At:                  m.At,
			LinkedTransactionID: string(m.LinkedTransactionID),
		})
	}
	return dto
}

// EventResultDTO is returned by every sale command.
type EventResultDTO struct {
	Sale         SaleDTO          `json:"sale"`
	Transactions []TransactionDTO `json:"transactions"`
}

func toEventResultDTO(res commission.EventResult) EventResultDTO {
	return EventResultDTO{Sale: toSaleDTO(res.Sale), Transactions: toTransactionDTOs(res.Transactions)}
}

// =============================================================================
// LEDGER
// =============================================================================

// TransactionDTO represents a ledger row in API responses.
type TransactionDTO struct {
	ID             string     `json:"id"`
	SalespersonID  string     `json:"salesperson_id"`
	PeriodID       string     `json:"period_id"`
	SaleID         string     `json:"sale_id,omitempty"`
	Kind           string     `json:"kind"`
	Amount         string     `json:"amount"`
	Description    string     `json:"description"`
	Origin         string     `json:"origin,omitempty"`
	Rate           string     `json:"rate"`
	DeductionState string     `json:"deduction_state,omitempty"`
	ResolvedBy     string     `json:"resolved_by,omitempty"`
	ResolvedAt     *time.Time `json:"resolved_at,omitempty"`
	ResolutionNote string     `json:"resolution_note,omitempty"`
	CarriedForward bool       `json:"carried_forward"`
	CarriedFromID  string     `json:"carried_from_id,omitempty"`
	Version        int        `json:"version"`
	CreatedBy      string     `json:"created_by,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
}

func toTransactionDTO(tx generic.Transaction) TransactionDTO {
	return TransactionDTO{
		ID:             string(tx.ID),
		SalespersonID:  string(tx.SalespersonID),
		PeriodID:       string(tx.PeriodID),
		SaleID:         string(tx.SaleID),
		Kind:           string(tx.Kind),
		Amount:         tx.Amount.String(),
		Description:    tx.Description,
		Origin:         string(tx.Origin),
		Rate:           tx.Rate.String(),
		DeductionState: string(tx.DeductionState),
		ResolvedBy:     tx.ResolvedBy,
		ResolvedAt:     tx.ResolvedAt,
		ResolutionNote: tx.ResolutionNote,
		CarriedForward: tx.CarriedForward,
		CarriedFromID:  string(tx.CarriedFromID),
		Version:        tx.Version,
		CreatedBy:      tx.CreatedBy,
		CreatedAt:      tx.CreatedAt,
	}
}

func toTransactionDTOs(txs []generic.Transaction) []TransactionDTO {
	out := make([]TransactionDTO, 0, len(txs))
	for _, tx := range txs {
		out = append(out, toTransactionDTO(tx))
	}
	return out
}

type TransactionPageDTO struct {
	Items    []TransactionDTO `json:"items"`
	Page     int              `json:"page"`
	PageSize int              `json:"page_size"`
	Total    int              `json:"total"`
}

// EarningsDTO is one (salesperson, period) earnings view.
type EarningsDTO struct {
	SalespersonID                 string         `json:"salesperson_id"`
	PeriodID                      string         `json:"period_id"`
	PaidAmount                    string         `json:"paid_amount"`
	UnpaidAmount                  string         `json:"unpaid_amount"`
	ApprovedDeductionsTotal       string         `json:"approved_deductions_total"`
	PendingDeductionsTotal        string         `json:"pending_deductions_total"`
	CarriedForwardDeductionsTotal string         `json:"carried_forward_deductions_total"`
	NetUnpaid                     string         `json:"net_unpaid"`
	VoidedAmount                  string         `json:"voided_amount"`
	Counts                        map[string]int `json:"counts"`
	CarryForwardMarkers           int            `json:"carry_forward_markers"`
}

func toEarningsDTO(v commission.EarningsView) EarningsDTO {
	counts := make(map[string]int, len(v.Counts))
	for k, n := range v.Counts {
		counts[string(k)] = n
	}
	return EarningsDTO{
		SalespersonID:                 string(v.SalespersonID),
		PeriodID:                      string(v.PeriodID),
		PaidAmount:                    v.PaidAmount.String(),
		UnpaidAmount:                  v.UnpaidAmount.String(),
		ApprovedDeductionsTotal:       v.ApprovedDeductionsTotal.String(),
		PendingDeductionsTotal:        v.PendingDeductionsTotal.String(),
		CarriedForwardDeductionsTotal: v.CarriedForwardDeductionsTotal.String(),
		NetUnpaid:                     v.NetUnpaid.String(),
		VoidedAmount:                  v.VoidedAmount.String(),
		Counts:                        counts,
		CarryForwardMarkers:           v.CarryForwardMarkers,
	}
}

// =============================================================================
// DEDUCTION WORKFLOW
// =============================================================================

type CancelDeductionRequest struct {
	Reason string `json:"reason"`
}

type CarryForwardRequest struct {
	PeriodID string `json:"period_id"`
}

type CarryForwardResultDTO struct {
	PeriodID string           `json:"period_id"`
	Written  []TransactionDTO `json:"written"`
	Existing int              `json:"existing"`
}

type CleanupRequest struct {
	Rule string `json:"rule,omitempty"`
}

type CleanupResultDTO struct {
	Rule        string   `json:"rule"`
	Count       int      `json:"count"`
	TotalAmount string   `json:"total_amount"`
	Cancelled   []string `json:"cancelled"`
}

func toCleanupResultDTO(res commission.CleanupResult) CleanupResultDTO {
	dto := CleanupResultDTO{
		Rule:        string(res.Rule),
		Count:       res.Count,
		TotalAmount: res.TotalAmount.String(),
		Cancelled:   make([]string, 0, len(res.Cancelled)),
	}
	for _, id := range res.Cancelled {
		dto.Cancelled = append(dto.Cancelled, string(id))
	}
	return dto
}

type ReassignRequest struct {
	PeriodID string `json:"period_id"`
}

type ReassignResultDTO struct {
	Transaction  TransactionDTO `json:"transaction"`
	Changed      bool           `json:"changed"`
	FromPeriodID string         `json:"from_period_id"`
	ToPeriodID   string         `json:"to_period_id"`
}

// =============================================================================
// SETTINGS
// =============================================================================

type PeriodDTO struct {
	ID         string     `json:"id"`
	Name       string     `json:"name"`
	Start      string     `json:"start"`
	End        string     `json:"end"`
	ArchivedAt *time.Time `json:"archived_at,omitempty"`
}

func toPeriodDTO(p generic.Period) PeriodDTO {
	return PeriodDTO{
		ID:         string(p.ID),
		Name:       p.Name,
		Start:      generic.FormatDay(p.Start),
		End:        generic.FormatDay(p.End),
		ArchivedAt: p.ArchivedAt,
	}
}

// CreatePeriodRequest creates either an explicit period (id, start, end) or
// the calendar month given by year and month.
type CreatePeriodRequest struct {
	ID    string `json:"id,omitempty"`
	Name  string `json:"name,omitempty"`
	Start string `json:"start,omitempty"`
	End   string `json:"end,omitempty"`
	Year  int    `json:"year,omitempty"`
	Month int    `json:"month,omitempty"`
}

type RateDTO struct {
	ID            string    `json:"id"`
	Percent       string    `json:"percent"`
	EffectiveFrom string    `json:"effective_from"`
	CreatedBy     string    `json:"created_by,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

func toRateDTO(r commission.Rate) RateDTO {
	return RateDTO{
		ID:            r.ID,
		Percent:       r.Percent.String(),
		EffectiveFrom: generic.FormatDay(r.EffectiveFrom),
		CreatedBy:     r.CreatedBy,
		CreatedAt:     r.CreatedAt,
	}
}

type AddRateRequest struct {
	Percent       decimal.Decimal `json:"percent"`
	EffectiveFrom string          `json:"effective_from"`
}

// SaleKindDTO wraps factory.SaleKindJSON with the fixed flag.
type SaleKindDTO struct {
	factory.SaleKindJSON
	Fixed bool `json:"fixed"`
}

type AuditEntryDTO struct {
	ID        string         `json:"id"`
	Timestamp time.Time      `json:"timestamp"`
	ActorID   string         `json:"actor_id"`
	Action    string         `json:"action"`
	SubjectID string         `json:"subject_id,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// =============================================================================
// SCENARIOS
// =============================================================================

// ScenarioDTO represents a demo scenario.
type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

type LoadScenarioRequest struct {
	ScenarioID string `json:"scenario_id"`
}

// ErrorResponse is the standard error response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details any    `json:"details,omitempty"`
}
