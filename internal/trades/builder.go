package trades

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	apperrors "tradejournal/internal/errors"
	"tradejournal/internal/logging"
	"tradejournal/internal/models"
	"tradejournal/internal/store"
)

// BuildResult carries the trades produced by one builder run together with
// any integrity warnings. Warnings never abort a run.
// SupersededTradeIDs lists previously persisted OPEN trades whose positions
// were continued by new executions; they are replaced when the result is
// persisted.
type BuildResult struct {
	Trades             []models.Trade
	SupersededTradeIDs []string
	Warnings           []apperrors.DataIntegrityWarning
}

// Builder reconstructs round-trip trades from committed executions with
// FIFO lot matching. One flat-to-flat episode per symbol becomes one trade.
type Builder struct {
	store    store.DataStore
	sessions *SessionClassifier
	logger   zerolog.Logger
}

// NewBuilder creates a trade builder.
func NewBuilder(dataStore store.DataStore, sessions *SessionClassifier, logger zerolog.Logger) *Builder {
	return &Builder{store: dataStore, sessions: sessions, logger: logger}
}

// ProcessUserOrders matches the user's not-yet-attributed executions into
// trades. Orders already linked to a trade are never reconsidered, so
// re-running on an unchanged order set produces no new trades.
func (b *Builder) ProcessUserOrders(ctx context.Context, userID string) (*BuildResult, error) {
	unused := false
	orders, err := b.store.GetOrders(ctx, store.OrderFilter{UserID: userID, UsedInTrade: &unused})
	if err != nil {
		return nil, fmt.Errorf("order query failed: %w", err)
	}
	if len(orders) == 0 {
		return &BuildResult{}, nil
	}

	// A new execution in a symbol that already has a persisted OPEN trade
	// continues that position rather than starting a fresh one. The open
	// trade's unconsumed lots seed the match, and the stale trade is
	// replaced when the result is persisted.
	open, err := b.store.GetTrades(ctx, store.TradeFilter{UserID: userID, Status: models.TradeOpen})
	if err != nil {
		return nil, fmt.Errorf("open trade query failed: %w", err)
	}

	touched := make(map[string]bool)
	for _, order := range orders {
		if order.Quantity != 0 {
			touched[order.Symbol] = true
		}
	}

	seeds := make(map[string]*episode)
	var superseded []string
	for _, trade := range open {
		if !trade.IsCalculated || !touched[trade.Symbol] {
			continue
		}
		seeds[trade.Symbol] = &episode{
			side:     trade.Side,
			openLots: []lot{{quantity: trade.Quantity, price: trade.EntryPrice}},
			orderIDs: append([]string(nil), trade.OrdersInTrade...),
			entryAt:  trade.EntryDate,
		}
		superseded = append(superseded, trade.ID)
	}

	result := b.matchSeeded(userID, orders, seeds)
	result.SupersededTradeIDs = superseded
	return result, nil
}

// PersistTrades writes the produced trades and attributes their constituent
// orders. Each trade's orders are linked in the same transaction as the mark,
// so a crash never leaves an order used without a trade. Superseded OPEN
// trades are removed only after their replacements are written.
func (b *Builder) PersistTrades(ctx context.Context, result *BuildResult) error {
	for i := range result.Trades {
		trade := &result.Trades[i]
		if err := b.store.InsertTrade(ctx, trade); err != nil {
			return fmt.Errorf("trade insert failed: %w", err)
		}
		if err := b.store.AttributeOrders(ctx, trade.ID, trade.OrdersInTrade); err != nil {
			return fmt.Errorf("order attribution failed: %w", err)
		}
	}
	if len(result.SupersededTradeIDs) > 0 {
		if err := b.store.DeleteTrades(ctx, result.SupersededTradeIDs); err != nil {
			return fmt.Errorf("superseded trade delete failed: %w", err)
		}
	}
	return nil
}

// Rebuild recomputes every calculated trade for a user from scratch: prior
// attribution is cleared first, then all executions are re-matched and the
// calculated trades replaced atomically. BLANK placeholder trades survive.
// This is the repair path for a journal whose trades are suspect, for
// example after a migration rollback.
func (b *Builder) Rebuild(ctx context.Context, userID string) (*BuildResult, error) {
	if err := b.store.ResetTradeAttribution(ctx, userID); err != nil {
		return nil, fmt.Errorf("attribution reset failed: %w", err)
	}

	orders, err := b.store.GetOrders(ctx, store.OrderFilter{UserID: userID})
	if err != nil {
		return nil, fmt.Errorf("order query failed: %w", err)
	}

	result := b.match(userID, orders)
	if err := b.store.ReplaceCalculatedTrades(ctx, userID, result.Trades); err != nil {
		return nil, fmt.Errorf("trade replace failed: %w", err)
	}
	for _, trade := range result.Trades {
		if err := b.store.AttributeOrders(ctx, trade.ID, trade.OrdersInTrade); err != nil {
			return nil, fmt.Errorf("order attribution failed: %w", err)
		}
	}
	return result, nil
}

// CreateBlankTrade inserts a zero-quantity placeholder anchoring journal
// notes to a date with no executions. It is never touched by Rebuild.
func (b *Builder) CreateBlankTrade(ctx context.Context, userID string, date time.Time) (*models.Trade, error) {
	trade := &models.Trade{
		ID:           uuid.NewString(),
		UserID:       userID,
		Status:       models.TradeBlank,
		EntryDate:    date,
		IsCalculated: false,
		CreatedAt:    time.Now().UTC(),
	}
	if err := b.store.InsertTrade(ctx, trade); err != nil {
		return nil, fmt.Errorf("blank trade insert failed: %w", err)
	}
	return trade, nil
}

// lot is an unconsumed opening execution slice in the FIFO queue.
type lot struct {
	quantity float64
	price    float64
}

// episode accumulates one flat-to-flat position in a single symbol.
type episode struct {
	side      models.OrderSide
	openLots  []lot
	exitQty   float64
	exitCost  float64
	entryCost float64 // consumed opening cost, accumulated as lots close
	orderIDs  []string
	entryAt   time.Time
}

// match runs FIFO matching per symbol over executions sorted by
// (executedAt, seq) and returns the resulting trades.
func (b *Builder) match(userID string, orders []models.Order) *BuildResult {
	return b.matchSeeded(userID, orders, nil)
}

// matchSeeded is match with optional per-symbol seed episodes carrying the
// open position left by a previous run.
func (b *Builder) matchSeeded(userID string, orders []models.Order, seeds map[string]*episode) *BuildResult {
	result := &BuildResult{}

	bySymbol := make(map[string][]models.Order)
	var symbols []string
	for _, order := range orders {
		if order.Quantity == 0 {
			continue
		}
		if _, seen := bySymbol[order.Symbol]; !seen {
			symbols = append(symbols, order.Symbol)
		}
		bySymbol[order.Symbol] = append(bySymbol[order.Symbol], order)
	}
	sort.Strings(symbols)

	for _, symbol := range symbols {
		group := bySymbol[symbol]
		sort.SliceStable(group, func(i, j int) bool {
			if !group[i].ExecutedAt.Equal(group[j].ExecutedAt) {
				return group[i].ExecutedAt.Before(group[j].ExecutedAt)
			}
			return group[i].Seq < group[j].Seq
		})
		b.matchSymbol(userID, symbol, group, seeds[symbol], result)
	}

	for _, trade := range result.Trades {
		result.Warnings = append(result.Warnings, CheckIntegrity(trade, orders)...)
	}
	for _, w := range result.Warnings {
		logging.LogIntegrityWarning(b.logger, w.TradeID, w.TradeSymbol, w.OrderID, w.OrderSymbol)
	}

	return result
}

func (b *Builder) matchSymbol(userID, symbol string, group []models.Order, ep *episode, result *BuildResult) {
	for _, order := range group {
		if ep == nil {
			ep = &episode{
				side:     order.Side,
				openLots: []lot{{quantity: order.Quantity, price: order.Price}},
				orderIDs: []string{order.ID},
				entryAt:  order.ExecutedAt,
			}
			continue
		}

		if order.Side == ep.side {
			// Scaling in: another opening lot on the FIFO queue.
			ep.openLots = append(ep.openLots, lot{quantity: order.Quantity, price: order.Price})
			ep.orderIDs = append(ep.orderIDs, order.ID)
			continue
		}

		// Opposite side: consume opening lots oldest-first.
		ep.orderIDs = append(ep.orderIDs, order.ID)
		remaining := order.Quantity
		for remaining > 0 && len(ep.openLots) > 0 {
			head := &ep.openLots[0]
			consumed := head.quantity
			if remaining < consumed {
				consumed = remaining
			}
			head.quantity -= consumed
			remaining -= consumed
			ep.entryCost += consumed * head.price
			ep.exitQty += consumed
			ep.exitCost += consumed * order.Price
			if head.quantity == 0 {
				ep.openLots = ep.openLots[1:]
			}
		}

		if len(ep.openLots) == 0 {
			exitAt := order.ExecutedAt
			result.Trades = append(result.Trades, b.closeEpisode(userID, symbol, ep, exitAt))
			ep = nil
			if remaining > 0 {
				// Position flipped through flat: the surplus opens a new
				// episode on the opposite side, and the flipping execution
				// belongs to both trades.
				ep = &episode{
					side:     order.Side,
					openLots: []lot{{quantity: remaining, price: order.Price}},
					orderIDs: []string{order.ID},
					entryAt:  order.ExecutedAt,
				}
			}
		}
	}

	if ep != nil {
		result.Trades = append(result.Trades, b.openTrade(userID, symbol, ep))
	}
}

// closeEpisode finalizes a fully flattened episode as a CLOSED trade.
func (b *Builder) closeEpisode(userID, symbol string, ep *episode, exitAt time.Time) models.Trade {
	entryPrice := ep.entryCost / ep.exitQty
	exitPrice := ep.exitCost / ep.exitQty

	pnl := (exitPrice - entryPrice) * ep.exitQty
	if ep.side == models.SideSell {
		pnl = (entryPrice - exitPrice) * ep.exitQty
	}

	return models.Trade{
		ID:            uuid.NewString(),
		UserID:        userID,
		Symbol:        symbol,
		Side:          ep.side,
		Quantity:      ep.exitQty,
		EntryPrice:    entryPrice,
		ExitPrice:     exitPrice,
		PnL:           pnl,
		EntryDate:     ep.entryAt,
		ExitDate:      &exitAt,
		HoldingPeriod: ClassifyHoldingPeriod(ep.entryAt, exitAt),
		MarketSession: b.sessions.Classify(ep.entryAt),
		Status:        models.TradeClosed,
		OrdersInTrade: ep.orderIDs,
		IsCalculated:  true,
		CreatedAt:     time.Now().UTC(),
	}
}

// openTrade finalizes an episode that never flattened as an OPEN trade. The
// quantity and entry price cover the still-open lots; no exit or P&L is
// reported until the position closes.
func (b *Builder) openTrade(userID, symbol string, ep *episode) models.Trade {
	var openQty, openCost float64
	for _, l := range ep.openLots {
		openQty += l.quantity
		openCost += l.quantity * l.price
	}

	var entryPrice float64
	if openQty > 0 {
		entryPrice = openCost / openQty
	}

	return models.Trade{
		ID:            uuid.NewString(),
		UserID:        userID,
		Symbol:        symbol,
		Side:          ep.side,
		Quantity:      openQty,
		EntryPrice:    entryPrice,
		EntryDate:     ep.entryAt,
		MarketSession: b.sessions.Classify(ep.entryAt),
		Status:        models.TradeOpen,
		OrdersInTrade: ep.orderIDs,
		IsCalculated:  true,
		CreatedAt:     time.Now().UTC(),
	}
}

// CheckIntegrity cross-checks a trade against its constituent orders and
// reports symbol mismatches. Reported, never silently dropped.
func CheckIntegrity(trade models.Trade, orders []models.Order) []apperrors.DataIntegrityWarning {
	if trade.Status == models.TradeBlank {
		return nil
	}

	byID := make(map[string]models.Order, len(orders))
	for _, o := range orders {
		byID[o.ID] = o
	}

	var warnings []apperrors.DataIntegrityWarning
	for _, orderID := range trade.OrdersInTrade {
		order, ok := byID[orderID]
		if !ok {
			continue
		}
		if order.Symbol != trade.Symbol {
			warnings = append(warnings, apperrors.DataIntegrityWarning{
				TradeID:     trade.ID,
				TradeSymbol: trade.Symbol,
				OrderID:     order.ID,
				OrderSymbol: order.Symbol,
			})
		}
	}
	return warnings
}
