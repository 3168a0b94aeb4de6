package kis

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"kis-trading-bot/internal/models"
)

// brokerStub is a stub KIS gateway. It serves the hashkey endpoint itself
// and delegates everything else to handle, counting requests per path.
type brokerStub struct {
	mu     sync.Mutex
	counts map[string]int
	handle http.HandlerFunc
	server *httptest.Server
}

func newBrokerStub(handle http.HandlerFunc) *brokerStub {
	b := &brokerStub{counts: make(map[string]int), handle: handle}
	b.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b.mu.Lock()
		b.counts[r.URL.Path]++
		b.mu.Unlock()

		if r.URL.Path == hashkeyPath {
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(`{"HASH":"stub-hash"}`))
			return
		}
		b.handle(w, r)
	}))
	return b
}

func (b *brokerStub) hits(path string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.counts[path]
}

// newTestClient builds a Client against the stub with pre-issued tokens, so
// client tests exercise the request path without the token round-trip.
func newTestClient(b *brokerStub, paper bool) *Client {
	creds := Credentials{AppKey: "key", AppSecret: "secret", AccountNo: "12345678", ProdCode: "01", Paper: paper}
	auth := NewAuth(creds, b.server.URL, "", "")
	auth.token = "test-token"
	auth.expiresAt = time.Now().Add(24 * time.Hour)

	marketAuth := NewAuth(creds, b.server.URL, "", "")
	marketAuth.token = "market-token"
	marketAuth.expiresAt = time.Now().Add(24 * time.Hour)

	return NewClient(auth, marketAuth, b.server.URL, b.server.URL, paper)
}

func writeJSON(w http.ResponseWriter, body string) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(body))
}

const quotePath = "/uapi/overseas-price/v1/quotations/price-detail"
const orderPath = "/uapi/overseas-stock/v1/trading/order"

// TestDeterministicRejectionNotRetried verifies a business rejection outside
// the transient allow-list surfaces after exactly one request.
func TestDeterministicRejectionNotRetried(t *testing.T) {
	b := newBrokerStub(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, `{"rt_cd":"1","msg_cd":"APBK0918","msg1":"market closed"}`)
	})
	defer b.server.Close()

	c := newTestClient(b, false)
	_, err := c.GetQuote(context.Background(), "TQQQ", "NASD")
	if err == nil {
		t.Fatal("expected rejection error")
	}
	apiErr, ok := IsAPIError(err)
	if !ok {
		t.Fatalf("error is not an APIError: %v", err)
	}
	if apiErr.MsgCd != "APBK0918" {
		t.Errorf("msg_cd = %q, want APBK0918", apiErr.MsgCd)
	}
	if got := b.hits(quotePath); got != 1 {
		t.Errorf("quote endpoint hit %d times, want 1 (no retry)", got)
	}
}

// TestTransientRejectionRetried verifies an allow-listed throughput rejection
// retries and eventually succeeds.
func TestTransientRejectionRetried(t *testing.T) {
	var mu sync.Mutex
	attempt := 0
	b := newBrokerStub(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		attempt++
		n := attempt
		mu.Unlock()
		if n == 1 {
			writeJSON(w, `{"rt_cd":"1","msg_cd":"EGW00201","msg1":"throughput exceeded"}`)
			return
		}
		writeJSON(w, `{"rt_cd":"0","msg_cd":"","msg1":"","output":{"last":"25.00","open":"24.80","high":"25.10","low":"24.70","base":"24.90","tvol":"1000","rate":"0.40"}}`)
	})
	defer b.server.Close()

	c := newTestClient(b, false)
	q, err := c.GetQuote(context.Background(), "TQQQ", "NASD")
	if err != nil {
		t.Fatalf("GetQuote after transient rejection: %v", err)
	}
	if q.Last != 25.00 {
		t.Errorf("last = %v, want 25.00", q.Last)
	}
	if got := b.hits(quotePath); got != 2 {
		t.Errorf("quote endpoint hit %d times, want 2", got)
	}
}

// TestExpiredTokenRefreshedOnce verifies the gateway expired-token rejection
// triggers one transparent token refresh followed by a retry.
func TestExpiredTokenRefreshedOnce(t *testing.T) {
	var mu sync.Mutex
	quoteCalls := 0
	b := newBrokerStub(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case tokenPath:
			writeJSON(w, `{"access_token":"fresh-token","token_type":"Bearer","expires_in":86400}`)
		case quotePath:
			mu.Lock()
			quoteCalls++
			n := quoteCalls
			mu.Unlock()
			if n == 1 {
				writeJSON(w, `{"rt_cd":"1","msg_cd":"EGW00123","msg1":"token expired"}`)
				return
			}
			if got := r.Header.Get("authorization"); got != "Bearer fresh-token" {
				t.Errorf("retry used authorization %q, want refreshed token", got)
			}
			writeJSON(w, `{"rt_cd":"0","output":{"last":"25.00"}}`)
		default:
			t.Errorf("unexpected request to %s", r.URL.Path)
		}
	})
	defer b.server.Close()

	c := newTestClient(b, false)
	if _, err := c.GetQuote(context.Background(), "TQQQ", "NASD"); err != nil {
		t.Fatalf("GetQuote after token refresh: %v", err)
	}
	if got := b.hits(tokenPath); got != 1 {
		t.Errorf("token endpoint hit %d times, want 1", got)
	}
	if got := b.hits(quotePath); got != 2 {
		t.Errorf("quote endpoint hit %d times, want 2", got)
	}
}

// TestPaperMarketOrderRewrittenToLimit verifies paper-venue market orders
// become limit orders priced off the live quote with the fixed buy markup
// and sell discount.
func TestPaperMarketOrderRewrittenToLimit(t *testing.T) {
	var mu sync.Mutex
	var placed []map[string]string
	b := newBrokerStub(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case quotePath:
			writeJSON(w, `{"rt_cd":"0","output":{"last":"20.00"}}`)
		case orderPath:
			var body map[string]string
			if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
				t.Errorf("decode order body: %v", err)
			}
			body["tr_id"] = r.Header.Get("tr_id")
			mu.Lock()
			placed = append(placed, body)
			mu.Unlock()
			writeJSON(w, `{"rt_cd":"0","output":{"ODNO":"0030089601","ORD_TMD":"093000"}}`)
		default:
			t.Errorf("unexpected request to %s", r.URL.Path)
		}
	})
	defer b.server.Close()

	c := newTestClient(b, true)
	ctx := context.Background()

	buy := models.Order{Ticker: "TQQQ", Exchange: "NASD", Side: models.OrderSideBuy,
		Type: models.OrderTypeMarket, Quantity: 10, Currency: models.CurrencyUSD}
	result, err := c.PlaceOrder(ctx, buy)
	if err != nil {
		t.Fatalf("paper market buy: %v", err)
	}
	if result.OrderID != "0030089601" {
		t.Errorf("order id = %q, want 0030089601", result.OrderID)
	}

	sell := buy
	sell.Side = models.OrderSideSell
	if _, err := c.PlaceOrder(ctx, sell); err != nil {
		t.Fatalf("paper market sell: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(placed) != 2 {
		t.Fatalf("placed %d orders, want 2", len(placed))
	}
	// 20.00 +0.5% = 20.10; -0.5% = 19.90.
	if placed[0]["OVRS_ORD_UNPR"] != "20.10" {
		t.Errorf("buy limit price = %q, want 20.10", placed[0]["OVRS_ORD_UNPR"])
	}
	if placed[1]["OVRS_ORD_UNPR"] != "19.90" {
		t.Errorf("sell limit price = %q, want 19.90", placed[1]["OVRS_ORD_UNPR"])
	}
	if placed[0]["ORD_DVSN"] != "00" || placed[1]["ORD_DVSN"] != "00" {
		t.Error("rewritten orders are not limit orders")
	}
	if placed[0]["tr_id"] != trOrderBuyPaper {
		t.Errorf("buy tr_id = %q, want %q", placed[0]["tr_id"], trOrderBuyPaper)
	}
	if placed[1]["tr_id"] != trOrderSellPaper {
		t.Errorf("sell tr_id = %q, want %q", placed[1]["tr_id"], trOrderSellPaper)
	}
}

// TestPaperMarketOrderFailsClosed verifies a market order against the paper
// venue is refused outright when no reference quote is available, rather
// than being sent at an arbitrary price.
func TestPaperMarketOrderFailsClosed(t *testing.T) {
	b := newBrokerStub(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case quotePath:
			writeJSON(w, `{"rt_cd":"1","msg_cd":"APBK0656","msg1":"no data"}`)
		default:
			t.Errorf("unexpected request to %s", r.URL.Path)
		}
	})
	defer b.server.Close()

	c := newTestClient(b, true)
	order := models.Order{Ticker: "TQQQ", Exchange: "NASD", Side: models.OrderSideBuy,
		Type: models.OrderTypeMarket, Quantity: 10, Currency: models.CurrencyUSD}
	_, err := c.PlaceOrder(context.Background(), order)
	if !errors.Is(err, ErrNoReferencePrice) {
		t.Fatalf("error = %v, want ErrNoReferencePrice", err)
	}
	if got := b.hits(orderPath); got != 0 {
		t.Errorf("order endpoint hit %d times, want 0", got)
	}
}

// TestBalanceMergeAcrossExchanges verifies cash and totals take the maximum
// observed value across exchange codes, positions dedupe by ticker keeping
// the first occurrence, and the present-balance endpoint supplies margin.
func TestBalanceMergeAcrossExchanges(t *testing.T) {
	b := newBrokerStub(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/uapi/overseas-stock/v1/trading/inquire-balance":
			switch r.URL.Query().Get("OVRS_EXCG_CD") {
			case "NASD":
				writeJSON(w, `{"rt_cd":"0","output1":[
					{"ovrs_pdno":"TQQQ","ovrs_cblc_qty":"5","pchs_avg_pric":"24.00","now_pric2":"25.00","ovrs_excg_cd":"NASD"}],
					"output2":{"frcr_dncl_amt1":"1000.00","tot_evlu_pfls_amt":"1125.00","ovrs_tot_pfls":"5.00"}}`)
			case "NYSE":
				writeJSON(w, `{"rt_cd":"0","output1":[
					{"ovrs_pdno":"TQQQ","ovrs_cblc_qty":"5","pchs_avg_pric":"24.00","now_pric2":"25.00","ovrs_excg_cd":"NYSE"},
					{"ovrs_pdno":"SOXL","ovrs_cblc_qty":"3","pchs_avg_pric":"30.00","now_pric2":"29.00","ovrs_excg_cd":"NYSE"}],
					"output2":{"frcr_dncl_amt1":"800.00","tot_evlu_pfls_amt":"1000.00","ovrs_tot_pfls":"2.00"}}`)
			default:
				writeJSON(w, `{"rt_cd":"1","msg_cd":"APBK0918","msg1":"no account on exchange"}`)
			}
		case "/uapi/overseas-stock/v1/trading/inquire-present-balance":
			writeJSON(w, `{"rt_cd":"0",
				"output2":[{"crcy_cd":"USD","frcr_dncl_amt_2":"1200.00"},{"crcy_cd":"KRW","frcr_dncl_amt_2":"500000"}],
				"output3":{"tot_asst_amt":"10000.00","tot_loan_amt":"2000.00","frst_bltn_exrt":"1350.50"}}`)
		default:
			t.Errorf("unexpected request to %s", r.URL.Path)
		}
	})
	defer b.server.Close()

	c := newTestClient(b, false)
	pf, err := c.GetBalance(context.Background())
	if err != nil {
		t.Fatalf("GetBalance: %v", err)
	}

	// Present-balance cash (1200) beats both exchange figures.
	if pf.Cash != 1200.00 {
		t.Errorf("cash = %v, want 1200", pf.Cash)
	}
	if pf.TotalValue != 1125.00 {
		t.Errorf("total value = %v, want max across exchanges 1125", pf.TotalValue)
	}
	if len(pf.Positions) != 2 {
		t.Fatalf("positions = %d, want 2 after dedup", len(pf.Positions))
	}
	if pf.Positions[0].Ticker != "TQQQ" || pf.Positions[0].Exchange != "NASD" {
		t.Errorf("first position = %s/%s, want TQQQ first seen on NASD",
			pf.Positions[0].Ticker, pf.Positions[0].Exchange)
	}
	if pf.Positions[1].Ticker != "SOXL" || pf.Positions[1].Quantity != 3 {
		t.Errorf("second position = %+v, want SOXL qty 3", pf.Positions[1])
	}
	// (10000-2000)/10000 = 80%.
	if pf.MarginRatioPct != 80 {
		t.Errorf("margin ratio = %v, want 80", pf.MarginRatioPct)
	}
}

// TestBalanceCacheServesAndInvalidates verifies repeated GetBalance calls
// within the cache window issue no extra broker requests, and invalidation
// forces a refetch.
func TestBalanceCacheServesAndInvalidates(t *testing.T) {
	const balancePath = "/uapi/overseas-stock/v1/trading/inquire-balance"
	b := newBrokerStub(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case balancePath:
			writeJSON(w, `{"rt_cd":"0","output1":[],"output2":{"frcr_dncl_amt1":"500.00","tot_evlu_pfls_amt":"500.00"}}`)
		case "/uapi/overseas-stock/v1/trading/inquire-present-balance":
			writeJSON(w, `{"rt_cd":"0","output2":[],"output3":{}}`)
		default:
			t.Errorf("unexpected request to %s", r.URL.Path)
		}
	})
	defer b.server.Close()

	c := newTestClient(b, false)
	ctx := context.Background()

	if _, err := c.GetBalance(ctx); err != nil {
		t.Fatalf("first GetBalance: %v", err)
	}
	first := b.hits(balancePath)
	if first == 0 {
		t.Fatal("no balance requests issued")
	}

	if _, err := c.GetBalance(ctx); err != nil {
		t.Fatalf("cached GetBalance: %v", err)
	}
	if got := b.hits(balancePath); got != first {
		t.Errorf("cached call issued %d extra requests", got-first)
	}

	c.InvalidateBalanceCache()
	if _, err := c.GetBalance(ctx); err != nil {
		t.Fatalf("GetBalance after invalidate: %v", err)
	}
	if got := b.hits(balancePath); got != 2*first {
		t.Errorf("invalidated call issued %d requests, want %d", got-first, first)
	}
}

// TestOrderHistoryMapping verifies fill rows map side code 02 to BUY and the
// Filled predicate requires no remaining quantity.
func TestOrderHistoryMapping(t *testing.T) {
	b := newBrokerStub(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, `{"rt_cd":"0","output":[
			{"odno":"0001","pdno":"TQQQ","sll_buy_dvsn_cd":"02","ft_ord_qty":"10","ft_ccld_qty":"10","ft_ccld_unpr3":"25.10","prcs_stat_name":"완료"},
			{"odno":"0002","pdno":"SOXL","sll_buy_dvsn_cd":"01","ft_ord_qty":"5","ft_ccld_qty":"2","ft_ccld_unpr3":"29.00","prcs_stat_name":"접수"}]}`)
	})
	defer b.server.Close()

	c := newTestClient(b, false)
	now := time.Now()
	items, err := c.GetOrderHistory(context.Background(), now.AddDate(0, 0, -1), now)
	if err != nil {
		t.Fatalf("GetOrderHistory: %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("items = %d, want 2", len(items))
	}
	if items[0].Side != "BUY" || items[1].Side != "SELL" {
		t.Errorf("sides = %s/%s, want BUY/SELL", items[0].Side, items[1].Side)
	}
	if !items[0].Filled() {
		t.Error("fully executed order not reported as filled")
	}
	if items[1].Filled() {
		t.Error("partially executed order reported as filled")
	}

	found, err := c.FindOrder(context.Background(), "0002")
	if err != nil {
		t.Fatalf("FindOrder: %v", err)
	}
	if found == nil || found.FillPrice != 29.00 {
		t.Errorf("FindOrder(0002) = %+v, want SOXL fill at 29.00", found)
	}
	missing, err := c.FindOrder(context.Background(), "9999")
	if err != nil {
		t.Fatalf("FindOrder missing: %v", err)
	}
	if missing != nil {
		t.Errorf("FindOrder(9999) = %+v, want nil", missing)
	}
}

// TestCancelOrderRequest verifies the cancel call references the original
// order number with the cancel division code.
func TestCancelOrderRequest(t *testing.T) {
	var mu sync.Mutex
	var body map[string]string
	var trID string
	b := newBrokerStub(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		json.NewDecoder(r.Body).Decode(&body)
		trID = r.Header.Get("tr_id")
		mu.Unlock()
		writeJSON(w, `{"rt_cd":"0","output":{"ODNO":"0030089601"}}`)
	})
	defer b.server.Close()

	c := newTestClient(b, true)
	if err := c.CancelOrder(context.Background(), "TQQQ", "NASD", "0030089601", 10); err != nil {
		t.Fatalf("CancelOrder: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if body["ORGN_ODNO"] != "0030089601" {
		t.Errorf("original order no = %q, want 0030089601", body["ORGN_ODNO"])
	}
	if body["RVSE_CNCL_DVSN_CD"] != "02" {
		t.Errorf("division code = %q, want 02 (cancel)", body["RVSE_CNCL_DVSN_CD"])
	}
	if trID != trCancelPaper {
		t.Errorf("tr_id = %q, want %q", trID, trCancelPaper)
	}
}

// TestExchangeShortCode verifies the routing-to-quote exchange code mapping.
func TestExchangeShortCode(t *testing.T) {
	cases := map[string]string{
		"NASD": "NAS",
		"nasd": "NAS",
		"NYSE": "NYS",
		"AMEX": "AMS",
		"NAS":  "NAS",
	}
	for in, want := range cases {
		if got := exchangeShortCode(in); got != want {
			t.Errorf("exchangeShortCode(%q) = %q, want %q", in, got, want)
		}
	}
}

// TestRoundPrice verifies half-up rounding to cents.
func TestRoundPrice(t *testing.T) {
	cases := []struct {
		in   float64
		want float64
	}{
		{25.125, 25.13},
		{24.875, 24.88},
		{10.001, 10.00},
		{10.999, 11.00},
	}
	for _, tc := range cases {
		if got := roundPrice(tc.in); got != tc.want {
			t.Errorf("roundPrice(%v) = %v, want %v", tc.in, got, tc.want)
		}
	}
}

// TestLiveMarketOrderPricedFromQuote verifies market orders on the live
// venue are also submitted as marketable limit orders priced off the quote:
// the order row always needs a real price, never 0.00.
func TestLiveMarketOrderPricedFromQuote(t *testing.T) {
	var mu sync.Mutex
	var placed []map[string]string
	b := newBrokerStub(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case quotePath:
			writeJSON(w, `{"rt_cd":"0","output":{"last":"20.00"}}`)
		case orderPath:
			var body map[string]string
			if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
				t.Errorf("decode order body: %v", err)
			}
			body["tr_id"] = r.Header.Get("tr_id")
			mu.Lock()
			placed = append(placed, body)
			mu.Unlock()
			writeJSON(w, `{"rt_cd":"0","output":{"ODNO":"0030089601","ORD_TMD":"093000"}}`)
		default:
			t.Errorf("unexpected request to %s", r.URL.Path)
		}
	})
	defer b.server.Close()

	c := newTestClient(b, false)
	ctx := context.Background()

	sell := models.Order{Ticker: "TQQQ", Exchange: "NASD", Side: models.OrderSideSell,
		Type: models.OrderTypeMarket, Quantity: 10, Currency: models.CurrencyUSD}
	if _, err := c.PlaceOrder(ctx, sell); err != nil {
		t.Fatalf("live market sell: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(placed) != 1 {
		t.Fatalf("placed %d orders, want 1", len(placed))
	}
	if placed[0]["OVRS_ORD_UNPR"] != "19.90" {
		t.Errorf("sell limit price = %q, want 19.90", placed[0]["OVRS_ORD_UNPR"])
	}
	if placed[0]["ORD_DVSN"] != "00" {
		t.Errorf("ORD_DVSN = %q, want 00", placed[0]["ORD_DVSN"])
	}
	if placed[0]["tr_id"] != trOrderSellLive {
		t.Errorf("sell tr_id = %q, want %q", placed[0]["tr_id"], trOrderSellLive)
	}
}

// TestLiveMarketOrderFailsClosed verifies a live market order without a
// reference quote is rejected instead of going out unpriced.
func TestLiveMarketOrderFailsClosed(t *testing.T) {
	b := newBrokerStub(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case quotePath:
			writeJSON(w, `{"rt_cd":"1","msg_cd":"EGW00121","msg1":"no data"}`)
		case orderPath:
			t.Error("order endpoint reached without a reference price")
		}
	})
	defer b.server.Close()

	c := newTestClient(b, false)
	sell := models.Order{Ticker: "TQQQ", Exchange: "NASD", Side: models.OrderSideSell,
		Type: models.OrderTypeMarket, Quantity: 10, Currency: models.CurrencyUSD}
	if _, err := c.PlaceOrder(context.Background(), sell); !errors.Is(err, ErrNoReferencePrice) {
		t.Fatalf("err = %v, want ErrNoReferencePrice", err)
	}
}

// TestConcurrentGetBalanceSingleFlight verifies concurrent GetBalance calls
// during a cache miss share one broker refresh: the single-flight lock is
// held across the fetch, so the window sees exactly one set of balance
// requests no matter how many callers race.
func TestConcurrentGetBalanceSingleFlight(t *testing.T) {
	const balancePath = "/uapi/overseas-stock/v1/trading/inquire-balance"
	b := newBrokerStub(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case balancePath:
			writeJSON(w, `{"rt_cd":"0","output1":[],"output2":{"frcr_dncl_amt1":"500.00","tot_evlu_pfls_amt":"500.00"}}`)
		case "/uapi/overseas-stock/v1/trading/inquire-present-balance":
			writeJSON(w, `{"rt_cd":"0","output2":[],"output3":{}}`)
		default:
			t.Errorf("unexpected request to %s", r.URL.Path)
		}
	})
	defer b.server.Close()

	c := newTestClient(b, false)
	ctx := context.Background()

	const callers = 8
	errs := make([]error, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = c.GetBalance(ctx)
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("caller %d: %v", i, err)
		}
	}
	// One refresh queries each supported exchange once.
	if got := b.hits(balancePath); got != len(exchangeCodes) {
		t.Errorf("balance endpoint hit %d times across %d concurrent callers, want %d",
			got, callers, len(exchangeCodes))
	}
	if got := b.hits("/uapi/overseas-stock/v1/trading/inquire-present-balance"); got != 1 {
		t.Errorf("present-balance endpoint hit %d times, want 1", got)
	}
}
