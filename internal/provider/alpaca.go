package provider

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/alpacahq/alpaca-trade-api-go/v3/alpaca"
	"github.com/alpacahq/alpaca-trade-api-go/v3/marketdata"

	"saturn/internal/domain"
	"saturn/internal/util"
)

// Compile-time interface check.
var _ Provider = (*AlpacaProvider)(nil)

// feedOrder is the fallback order for market data feeds: consolidated SIP
// first, then the free IEX feed when the account lacks SIP access.
var feedOrder = []marketdata.Feed{marketdata.SIP, marketdata.IEX}

// AlpacaProvider implements Provider against the Alpaca market-data and
// trading APIs.
type AlpacaProvider struct {
	data      *marketdata.Client
	trading   *alpaca.Client
	batchSize int
	limiter   *util.RateLimiter
	log       *slog.Logger
}

// NewAlpacaProvider creates an AlpacaProvider with the given credentials and
// request pacing. dataURL and baseURL may be empty to use the SDK defaults.
func NewAlpacaProvider(apiKey, apiSecret, dataURL, baseURL string, batchSize, rateLimitPerMin int) *AlpacaProvider {
	dataOpts := marketdata.ClientOpts{
		APIKey:    apiKey,
		APISecret: apiSecret,
	}
	if dataURL != "" {
		dataOpts.BaseURL = dataURL
	}

	return &AlpacaProvider{
		data: marketdata.NewClient(dataOpts),
		trading: alpaca.NewClient(alpaca.ClientOpts{
			APIKey:    apiKey,
			APISecret: apiSecret,
			BaseURL:   baseURL,
		}),
		batchSize: batchSize,
		limiter:   util.NewRateLimiter(rateLimitPerMin),
		log:       slog.Default().With("component", "alpaca"),
	}
}

// DailyBars fetches daily bars in batches, falling back across feeds for
// symbols the primary feed cannot supply. Symbols still missing after the
// last feed are reported as unavailable, not as an error.
func (p *AlpacaProvider) DailyBars(ctx context.Context, symbols []string, start, end time.Time) (BarsResult, error) {
	result := BarsResult{Bars: make(map[string][]domain.Bar, len(symbols))}

	for i := 0; i < len(symbols); i += p.batchSize {
		batch := symbols[i:min(i+p.batchSize, len(symbols))]

		if err := p.limiter.Wait(ctx); err != nil {
			return result, err
		}

		missing, err := p.fetchBatch(ctx, batch, start, end, result.Bars)
		if err != nil {
			return result, err
		}
		result.Unavailable = append(result.Unavailable, missing...)
	}

	sort.Strings(result.Unavailable)
	return result, nil
}

// fetchBatch tries each feed in order for one batch and merges hits into
// dst. Returns the symbols no feed could supply.
func (p *AlpacaProvider) fetchBatch(ctx context.Context, batch []string, start, end time.Time, dst map[string][]domain.Bar) ([]string, error) {
	remaining := batch

	for _, feed := range feedOrder {
		if len(remaining) == 0 {
			break
		}

		var multiBars map[string][]marketdata.Bar
		err := util.Retry(ctx, 3, 2*time.Second, func() error {
			var ferr error
			multiBars, ferr = p.data.GetMultiBars(remaining, marketdata.GetBarsRequest{
				TimeFrame: marketdata.OneDay,
				Start:     start,
				End:       end,
				Feed:      feed,
			})
			return ferr
		})
		if err != nil {
			if feed == feedOrder[len(feedOrder)-1] {
				return nil, fmt.Errorf("GetMultiBars(%s): %w", feed, err)
			}
			p.log.Warn("feed failed, falling back", "feed", feed, "err", err)
			continue
		}

		var still []string
		for _, sym := range remaining {
			bars, ok := multiBars[sym]
			if !ok || len(bars) == 0 {
				still = append(still, sym)
				continue
			}
			for _, ab := range bars {
				dst[sym] = append(dst[sym], domain.Bar{
					Symbol:    strings.ToUpper(sym),
					Timestamp: ab.Timestamp,
					Open:      ab.Open,
					High:      ab.High,
					Low:       ab.Low,
					Close:     ab.Close,
					Volume:    int64(ab.Volume),
					VWAP:      ab.VWAP,
				})
			}
		}
		remaining = still
	}

	return remaining, nil
}

// MarketHolidays returns the weekdays in [start, end] on which the exchange
// is closed, derived from the Alpaca trading calendar. The calendar endpoint
// also reflects ad-hoc closures that no fixed holiday rule covers.
func (p *AlpacaProvider) MarketHolidays(ctx context.Context, start, end time.Time) ([]time.Time, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	var days []alpaca.CalendarDay
	err := util.Retry(ctx, 3, 2*time.Second, func() error {
		var cerr error
		days, cerr = p.trading.GetCalendar(alpaca.GetCalendarRequest{Start: start, End: end})
		return cerr
	})
	if err != nil {
		return nil, fmt.Errorf("GetCalendar: %w", err)
	}
	if len(days) == 0 {
		return nil, fmt.Errorf("no trading days between %s and %s",
			start.Format("2006-01-02"), end.Format("2006-01-02"))
	}

	open := make(map[string]bool, len(days))
	for _, d := range days {
		open[d.Date] = true
	}

	var holidays []time.Time
	for d := start; !d.After(end); d = d.AddDate(0, 0, 1) {
		if d.Weekday() == time.Saturday || d.Weekday() == time.Sunday {
			continue
		}
		if !open[d.Format("2006-01-02")] {
			holidays = append(holidays, time.Date(d.Year(), d.Month(), d.Day(), 0, 0, 0, 0, time.UTC))
		}
	}
	return holidays, nil
}

// Assets fetches reference data for the given symbols from the trading API.
// Unknown symbols are simply absent from the result.
func (p *AlpacaProvider) Assets(ctx context.Context, symbols []string) ([]domain.Asset, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	want := make(map[string]bool, len(symbols))
	for _, s := range symbols {
		want[strings.ToUpper(s)] = true
	}

	all, err := p.trading.GetAssets(alpaca.GetAssetsRequest{Status: "active"})
	if err != nil {
		return nil, fmt.Errorf("GetAssets: %w", err)
	}

	var assets []domain.Asset
	for _, a := range all {
		if !want[strings.ToUpper(a.Symbol)] {
			continue
		}
		assets = append(assets, domain.Asset{
			Symbol:   strings.ToUpper(a.Symbol),
			Name:     a.Name,
			Exchange: a.Exchange,
			Class:    string(a.Class),
			Tradable: a.Tradable,
		})
	}
	return assets, nil
}
