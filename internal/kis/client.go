// Package kis implements the Korea Investment & Securities open-API client:
// token lifecycle, signed requests, retry/backoff, order placement and
// balance aggregation. It is the only package that talks to the brokerage.
package kis

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"kis-trading-bot/internal/logging"
	"kis-trading-bot/internal/models"
)

const (
	requestTimeout = 30 * time.Second

	maxAttempts      = 3
	retryBaseDelay   = time.Second
	paperMarkupPct   = 0.5 // paper market-order rewrite: buy at quote +0.5%
	paperDiscountPct = 0.5 // sell at quote -0.5%
)

// Client wraps authenticated KIS REST calls. Trading calls sign with the
// trading credential; quote calls always sign with the market-data
// credential because the paper venue serves no market data.
type Client struct {
	auth       *Auth
	marketAuth *Auth
	baseURL    string
	marketURL  string
	paper      bool
	httpClient *http.Client
	log        *logging.Logger

	balances *balanceCache
}

// NewClient creates a Client. marketAuth must sign against the live venue
// even when auth targets the paper venue.
func NewClient(auth, marketAuth *Auth, baseURL, marketURL string, paper bool) *Client {
	c := &Client{
		auth:       auth,
		marketAuth: marketAuth,
		baseURL:    baseURL,
		marketURL:  marketURL,
		paper:      paper,
		httpClient: &http.Client{Timeout: requestTimeout},
		log:        logging.WithComponent("kis"),
	}
	c.balances = newBalanceCache(c)
	return c
}

// Auth exposes the trading credential lifecycle for session preflight checks.
func (c *Client) Auth() *Auth { return c.auth }

// IsPaper reports whether trading targets the paper venue.
func (c *Client) IsPaper() bool { return c.paper }

// TokenValid reports whether the trading credential currently holds an
// unexpired access token.
func (c *Client) TokenValid() bool { return c.auth.Valid() }

// do is the single retrying request primitive every broker call routes
// through. Network errors and 5xx responses retry with exponential backoff;
// allow-listed business codes retry the same way; an expired-token rejection
// triggers one transparent refresh; every other non-zero business code is
// surfaced immediately as a deterministic *APIError.
func (c *Client) do(ctx context.Context, auth *Auth, base, method, path, trID string, query url.Values, body any, out apiResponse) error {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request body: %w", err)
		}
	}

	urlStr := base + path
	if len(query) > 0 {
		urlStr += "?" + query.Encode()
	}

	refreshed := false
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if attempt > 1 {
			delay := retryBaseDelay * time.Duration(1<<(attempt-2))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}

		err := c.doOnce(ctx, auth, method, urlStr, path, trID, payload, out)
		if err == nil {
			return nil
		}
		lastErr = err

		apiErr, ok := IsAPIError(err)
		if !ok {
			// Auth errors are fatal; everything else here is a network or
			// 5xx failure and retries.
			if IsAuthError(err) {
				return err
			}
			c.log.WithError(err).Warn("Broker call failed, retrying", "path", path, "attempt", attempt)
			continue
		}

		if apiErr.ExpiredToken() && !refreshed {
			refreshed = true
			auth.Invalidate()
			c.log.Warn("Gateway rejected token, refreshing", "path", path)
			attempt-- // the refresh retry does not consume an attempt
			continue
		}
		if apiErr.Retryable() {
			c.log.Warn("Transient business rejection, retrying", "path", path, "msg_cd", apiErr.MsgCd, "attempt", attempt)
			continue
		}
		return err
	}
	return lastErr
}

func (c *Client) doOnce(ctx context.Context, auth *Auth, method, urlStr, path, trID string, payload []byte, out apiResponse) error {
	var bodyReader io.Reader
	if payload != nil {
		bodyReader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, urlStr, bodyReader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}

	headers, err := auth.GetHeaders(ctx, trID)
	if err != nil {
		return err
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	if method == http.MethodPost && payload != nil {
		hash, err := auth.GetHashKey(ctx, payload)
		if err != nil {
			return err
		}
		req.Header.Set("hashkey", hash)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request %s: %w", path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response %s: %w", path, err)
	}

	if resp.StatusCode >= 500 {
		return fmt.Errorf("server error %s: status %d", path, resp.StatusCode)
	}

	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode response %s: %w", path, err)
	}

	if rtCd, msgCd, msg := out.retCode(); rtCd != "" && rtCd != "0" {
		return &APIError{Status: resp.StatusCode, RtCd: rtCd, MsgCd: msgCd, Msg: msg, Path: path}
	}
	if resp.StatusCode >= 400 {
		return &APIError{Status: resp.StatusCode, Msg: http.StatusText(resp.StatusCode), Path: path}
	}
	return nil
}

// GetQuote fetches the current price detail for a ticker. Always served by
// the market-data credential.
func (c *Client) GetQuote(ctx context.Context, ticker, exchange string) (*models.Quote, error) {
	query := url.Values{}
	query.Set("AUTH", "")
	query.Set("EXCD", exchangeShortCode(exchange))
	query.Set("SYMB", ticker)

	var resp priceDetailResponse
	err := c.do(ctx, c.marketAuth, c.marketURL, http.MethodGet,
		"/uapi/overseas-price/v1/quotations/price-detail", trPriceDetail, query, nil, &resp)
	if err != nil {
		return nil, err
	}

	last := parseFloat(resp.Output.Last)
	if last <= 0 {
		return nil, fmt.Errorf("quote %s: no last price in response", ticker)
	}
	return &models.Quote{
		Ticker:    ticker,
		Last:      last,
		Open:      parseFloat(resp.Output.Open),
		High:      parseFloat(resp.Output.High),
		Low:       parseFloat(resp.Output.Low),
		PrevClose: parseFloat(resp.Output.Base),
		Volume:    parseInt(resp.Output.Tvol),
		ChangePct: parseFloat(resp.Output.Rate),
	}, nil
}

// CurrentPrice returns just the last price for a ticker.
func (c *Client) CurrentPrice(ctx context.Context, ticker, exchange string) (float64, error) {
	q, err := c.GetQuote(ctx, ticker, exchange)
	if err != nil {
		return 0, err
	}
	return q.Last, nil
}

// GetDailyHistory fetches up to count daily OHLCV candles, newest first.
func (c *Client) GetDailyHistory(ctx context.Context, ticker, exchange string, count int) ([]models.Candle, error) {
	query := url.Values{}
	query.Set("AUTH", "")
	query.Set("EXCD", exchangeShortCode(exchange))
	query.Set("SYMB", ticker)
	query.Set("GUBN", "0") // daily
	query.Set("BYMD", "")  // through today
	query.Set("MODP", "1") // adjusted prices

	var resp dailyPriceResponse
	err := c.do(ctx, c.marketAuth, c.marketURL, http.MethodGet,
		"/uapi/overseas-price/v1/quotations/dailyprice", trDailyPrice, query, nil, &resp)
	if err != nil {
		return nil, err
	}

	candles := make([]models.Candle, 0, len(resp.Output2))
	for _, row := range resp.Output2 {
		if len(candles) >= count {
			break
		}
		date, err := time.Parse("20060102", row.Xymd)
		if err != nil {
			continue
		}
		candles = append(candles, models.Candle{
			Date:   date,
			Open:   parseFloat(row.Open),
			High:   parseFloat(row.High),
			Low:    parseFloat(row.Low),
			Close:  parseFloat(row.Clos),
			Volume: parseInt(row.Tvol),
		})
	}
	return candles, nil
}

// PlaceOrder submits an order and returns the broker acknowledgment. Market
// orders are rewritten into marketable limit orders at the current quote
// plus a fixed markup (buy) or discount (sell): the paper venue rejects
// market orders outright, and the live order row always requires a price.
// If no quote is available the call fails closed.
func (c *Client) PlaceOrder(ctx context.Context, order models.Order) (*OrderResult, error) {
	if err := order.Validate(); err != nil {
		return nil, &OrderError{Ticker: order.Ticker, Side: string(order.Side), Err: err}
	}

	if order.Type == models.OrderTypeMarket {
		rewritten, err := c.rewriteMarketOrder(ctx, order)
		if err != nil {
			return nil, &OrderError{Ticker: order.Ticker, Side: string(order.Side), Err: err}
		}
		order = rewritten
	}

	trID := c.orderTrID(order.Side)
	body := map[string]string{
		"CANO":            c.auth.creds.AccountNo,
		"ACNT_PRDT_CD":    c.auth.creds.ProdCode,
		"OVRS_EXCG_CD":    order.Exchange,
		"PDNO":            order.Ticker,
		"ORD_QTY":         strconv.Itoa(order.Quantity),
		"OVRS_ORD_UNPR":   formatPrice(order.Price),
		"ORD_SVR_DVSN_CD": "0",
		"ORD_DVSN":        "00", // limit
	}

	var resp orderResponse
	if err := c.do(ctx, c.auth, c.baseURL, http.MethodPost,
		"/uapi/overseas-stock/v1/trading/order", trID, nil, body, &resp); err != nil {
		return nil, &OrderError{Ticker: order.Ticker, Side: string(order.Side), Err: err}
	}
	if resp.Output.OrderNo == "" {
		return nil, &OrderError{Ticker: order.Ticker, Side: string(order.Side),
			Err: fmt.Errorf("broker acknowledged without an order number")}
	}

	c.log.Info("Order accepted", "ticker", order.Ticker, "side", string(order.Side),
		"quantity", order.Quantity, "price", order.Price, "order_id", resp.Output.OrderNo)
	return &OrderResult{OrderID: resp.Output.OrderNo, OrderTime: resp.Output.OrderTime}, nil
}

func (c *Client) rewriteMarketOrder(ctx context.Context, order models.Order) (models.Order, error) {
	price, err := c.CurrentPrice(ctx, order.Ticker, order.Exchange)
	if err != nil || price <= 0 {
		return order, ErrNoReferencePrice
	}

	if order.Side == models.OrderSideBuy {
		order.Price = roundPrice(price * (1 + paperMarkupPct/100))
	} else {
		order.Price = roundPrice(price * (1 - paperDiscountPct/100))
	}
	order.Type = models.OrderTypeLimit

	c.log.Debug("Rewrote market order into marketable limit", "ticker", order.Ticker,
		"side", string(order.Side), "limit_price", order.Price)
	return order, nil
}

// CancelOrder submits a cancel instruction referencing the original order.
func (c *Client) CancelOrder(ctx context.Context, ticker, exchange, orderID string, quantity int) error {
	trID := trCancelLive
	if c.paper {
		trID = trCancelPaper
	}

	body := map[string]string{
		"CANO":              c.auth.creds.AccountNo,
		"ACNT_PRDT_CD":      c.auth.creds.ProdCode,
		"OVRS_EXCG_CD":      exchange,
		"PDNO":              ticker,
		"ORGN_ODNO":         orderID,
		"RVSE_CNCL_DVSN_CD": "02", // cancel
		"ORD_QTY":           strconv.Itoa(quantity),
		"OVRS_ORD_UNPR":     "0",
	}

	var resp cancelResponse
	if err := c.do(ctx, c.auth, c.baseURL, http.MethodPost,
		"/uapi/overseas-stock/v1/trading/order-rvsecncl", trID, nil, body, &resp); err != nil {
		return &OrderError{Ticker: ticker, Side: "CANCEL", Err: err}
	}

	c.log.Info("Cancel accepted", "ticker", ticker, "order_id", orderID)
	return nil
}

// GetOrderHistory fetches fills between the given dates (inclusive).
func (c *Client) GetOrderHistory(ctx context.Context, start, end time.Time) ([]OrderHistoryItem, error) {
	trID := trOrderHistoryLive
	if c.paper {
		trID = trOrderHistoryPaper
	}

	query := url.Values{}
	query.Set("CANO", c.auth.creds.AccountNo)
	query.Set("ACNT_PRDT_CD", c.auth.creds.ProdCode)
	query.Set("PDNO", "%")
	query.Set("ORD_STRT_DT", start.Format("20060102"))
	query.Set("ORD_END_DT", end.Format("20060102"))
	query.Set("SLL_BUY_DVSN", "00")
	query.Set("CCLD_NCCS_DVSN", "00")
	query.Set("OVRS_EXCG_CD", "%")
	query.Set("SORT_SQN", "DS")
	query.Set("CTX_AREA_FK200", "")
	query.Set("CTX_AREA_NK200", "")

	var resp orderHistoryResponse
	err := c.do(ctx, c.auth, c.baseURL, http.MethodGet,
		"/uapi/overseas-stock/v1/trading/inquire-ccnl", trID, query, nil, &resp)
	if err != nil {
		return nil, err
	}

	items := make([]OrderHistoryItem, 0, len(resp.Output))
	for _, row := range resp.Output {
		side := "SELL"
		if row.SideCode == "02" {
			side = "BUY"
		}
		items = append(items, OrderHistoryItem{
			OrderID:    row.OrderNo,
			Ticker:     row.Ticker,
			Side:       side,
			OrderedQty: int(parseInt(row.OrderedQty)),
			FilledQty:  int(parseInt(row.FilledQty)),
			FillPrice:  parseFloat(row.FillPrice),
			Status:     row.StatusName,
		})
	}
	return items, nil
}

// FindOrder returns the history row for orderID within the last two days, or
// nil when the broker no longer reports it.
func (c *Client) FindOrder(ctx context.Context, orderID string) (*OrderHistoryItem, error) {
	now := time.Now()
	items, err := c.GetOrderHistory(ctx, now.AddDate(0, 0, -2), now)
	if err != nil {
		return nil, err
	}
	for i := range items {
		if items[i].OrderID == orderID {
			return &items[i], nil
		}
	}
	return nil, nil
}

// GetExchangeRate returns the first-published KRW/USD rate for the account.
func (c *Client) GetExchangeRate(ctx context.Context) (float64, error) {
	resp, err := c.fetchPresentBalance(ctx)
	if err != nil {
		return 0, err
	}
	rate := parseFloat(resp.Output3.ExchangeRate)
	if rate <= 0 {
		return 0, fmt.Errorf("exchange rate missing from present balance")
	}
	return rate, nil
}

func (c *Client) orderTrID(side models.OrderSide) string {
	if c.paper {
		if side == models.OrderSideBuy {
			return trOrderBuyPaper
		}
		return trOrderSellPaper
	}
	if side == models.OrderSideBuy {
		return trOrderBuyLive
	}
	return trOrderSellLive
}

// exchangeShortCode maps order-routing exchange codes to the quote
// endpoint's short codes.
func exchangeShortCode(exchange string) string {
	switch strings.ToUpper(exchange) {
	case "NASD":
		return "NAS"
	case "NYSE":
		return "NYS"
	case "AMEX":
		return "AMS"
	default:
		return exchange
	}
}

func parseFloat(s string) float64 {
	v, _ := strconv.ParseFloat(strings.TrimSpace(s), 64)
	return v
}

func parseInt(s string) int64 {
	v, _ := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	return v
}

func formatPrice(p float64) string {
	return strconv.FormatFloat(p, 'f', 2, 64)
}

func roundPrice(p float64) float64 {
	return float64(int64(p*100+0.5)) / 100
}
