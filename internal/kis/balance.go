package kis

import (
	"context"
	"net/http"
	"net/url"
	"sync"
	"time"

	"kis-trading-bot/internal/models"
)

// balanceTTL bounds broker balance-call volume. Callers that know state just
// changed use InvalidateBalanceCache instead of waiting it out.
const balanceTTL = 30 * time.Second

// balanceCache serializes balance refreshes: the mutex is held across the
// fetch, so concurrent callers during a miss wait for the one in-flight
// refresh instead of issuing duplicate broker calls.
type balanceCache struct {
	client *Client

	mu        sync.Mutex
	snapshot  *models.Portfolio
	fetchedAt time.Time
}

func newBalanceCache(client *Client) *balanceCache {
	return &balanceCache{client: client}
}

func (b *balanceCache) get(ctx context.Context) (*models.Portfolio, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.snapshot != nil && time.Since(b.fetchedAt) < balanceTTL {
		return b.snapshot, nil
	}

	snapshot, err := b.client.fetchBalance(ctx)
	if err != nil {
		return nil, err
	}
	b.snapshot = snapshot
	b.fetchedAt = time.Now()
	return snapshot, nil
}

func (b *balanceCache) invalidate() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.snapshot = nil
	b.fetchedAt = time.Time{}
}

// GetBalance returns the merged multi-exchange balance snapshot, served from
// a 30s cache behind a single-flight lock.
func (c *Client) GetBalance(ctx context.Context) (*models.Portfolio, error) {
	return c.balances.get(ctx)
}

// InvalidateBalanceCache forces the next GetBalance to hit the broker. Called
// after a known state-changing event (order fill, cancellation).
func (c *Client) InvalidateBalanceCache() {
	c.balances.invalidate()
}

// fetchBalance queries each supported exchange code independently and merges
// the results. A missing balance on one exchange is not an error: the same
// account may be partially reported per exchange, so cash, total evaluation
// and total P&L take the maximum observed value, and positions are
// deduplicated by ticker keeping the first occurrence. A supplementary
// endpoint recovers cash the primary endpoint may report as zero.
func (c *Client) fetchBalance(ctx context.Context) (*models.Portfolio, error) {
	pf := &models.Portfolio{
		Currency:       models.CurrencyUSD,
		MarginRatioPct: 100,
		FetchedAt:      time.Now(),
	}

	seen := make(map[string]bool)
	queried := 0
	for _, exchange := range exchangeCodes {
		resp, err := c.fetchExchangeBalance(ctx, exchange)
		if err != nil {
			c.log.WithError(err).Warn("Balance query failed for exchange", "exchange", exchange)
			continue
		}
		queried++

		if cash := parseFloat(resp.Output2.CashAmount); cash > pf.Cash {
			pf.Cash = cash
		}
		if eval := parseFloat(resp.Output2.TotalEval); eval > pf.TotalValue {
			pf.TotalValue = eval
		}
		if pnl := parseFloat(resp.Output2.TotalPnL); pnl > pf.TotalPnL {
			pf.TotalPnL = pnl
		}

		for _, row := range resp.Output1 {
			qty := int(parseInt(row.Quantity))
			if qty <= 0 || seen[row.Ticker] {
				continue
			}
			seen[row.Ticker] = true
			pf.Positions = append(pf.Positions, models.Position{
				Ticker:       row.Ticker,
				Exchange:     row.Exchange,
				Quantity:     qty,
				AvgPrice:     parseFloat(row.AvgPrice),
				CurrentPrice: parseFloat(row.NowPrice),
			})
		}
	}

	if queried == 0 {
		return nil, &APIError{Msg: "balance unavailable on every exchange", Path: "inquire-balance"}
	}

	// The primary endpoint sometimes omits settled cash; recover it from the
	// present-balance endpoint before the capital checks see a zero.
	if present, err := c.fetchPresentBalance(ctx); err == nil {
		for _, row := range present.Output2 {
			if row.Currency != "USD" {
				continue
			}
			if cash := parseFloat(row.CashAmount); cash > pf.Cash {
				pf.Cash = cash
			}
		}
		if loan := parseFloat(present.Output3.TotalLoan); loan > 0 {
			asset := parseFloat(present.Output3.TotalAsset)
			if asset > 0 {
				pf.MarginRatioPct = (asset - loan) / asset * 100
			}
		}
	} else {
		c.log.WithError(err).Warn("Present-balance query failed, keeping primary cash figure")
	}

	if pf.TotalValue == 0 {
		pf.TotalValue = pf.Cash + pf.InvestedValue()
	}
	return pf, nil
}

func (c *Client) fetchExchangeBalance(ctx context.Context, exchange string) (*balanceResponse, error) {
	trID := trBalanceLive
	if c.paper {
		trID = trBalancePaper
	}

	query := url.Values{}
	query.Set("CANO", c.auth.creds.AccountNo)
	query.Set("ACNT_PRDT_CD", c.auth.creds.ProdCode)
	query.Set("OVRS_EXCG_CD", exchange)
	query.Set("TR_CRCY_CD", "USD")
	query.Set("CTX_AREA_FK200", "")
	query.Set("CTX_AREA_NK200", "")

	var resp balanceResponse
	err := c.do(ctx, c.auth, c.baseURL, http.MethodGet,
		"/uapi/overseas-stock/v1/trading/inquire-balance", trID, query, nil, &resp)
	if err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) fetchPresentBalance(ctx context.Context) (*presentBalanceResponse, error) {
	trID := trPresentBalanceLive
	if c.paper {
		trID = trPresentBalancePaper
	}

	query := url.Values{}
	query.Set("CANO", c.auth.creds.AccountNo)
	query.Set("ACNT_PRDT_CD", c.auth.creds.ProdCode)
	query.Set("WCRC_FRCR_DVSN_CD", "02")
	query.Set("NATN_CD", "840") // United States
	query.Set("TR_MKET_CD", "00")
	query.Set("INQR_DVSN_CD", "00")

	var resp presentBalanceResponse
	err := c.do(ctx, c.auth, c.baseURL, http.MethodGet,
		"/uapi/overseas-stock/v1/trading/inquire-present-balance", trID, query, nil, &resp)
	if err != nil {
		return nil, err
	}
	return &resp, nil
}
