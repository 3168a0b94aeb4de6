package kis

// Transaction IDs for the KIS overseas-stock API. Trading tr_ids differ
// between the live and paper venues; market-data tr_ids are identical.
const (
	trPriceDetail = "HHDFS76200200"
	trDailyPrice  = "HHDFS76240000"

	trOrderBuyLive   = "TTTT1002U"
	trOrderSellLive  = "TTTT1006U"
	trOrderBuyPaper  = "VTTT1002U"
	trOrderSellPaper = "VTTT1001U"

	trCancelLive  = "TTTT1004U"
	trCancelPaper = "VTTT1004U"

	trBalanceLive  = "TTTS3012R"
	trBalancePaper = "VTTS3012R"

	trPresentBalanceLive  = "CTRP6504R"
	trPresentBalancePaper = "VTRP6504R"

	trOrderHistoryLive  = "TTTS3035R"
	trOrderHistoryPaper = "VTTS3035R"
)

// Exchange codes the balance aggregation queries. The same account may be
// reported partially under each code.
var exchangeCodes = []string{"NASD", "NYSE", "AMEX"}

// respHeader is the envelope every KIS response carries.
type respHeader struct {
	RtCd  string `json:"rt_cd"`
	MsgCd string `json:"msg_cd"`
	Msg1  string `json:"msg1"`
}

func (r respHeader) retCode() (string, string, string) {
	return r.RtCd, r.MsgCd, r.Msg1
}

// apiResponse is implemented by every decoded KIS response so the request
// primitive can translate business codes uniformly.
type apiResponse interface {
	retCode() (rtCd, msgCd, msg string)
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int    `json:"expires_in"`
}

type hashkeyResponse struct {
	Hash string `json:"HASH"`
}

type priceDetailResponse struct {
	respHeader
	Output struct {
		Last string `json:"last"`
		Open string `json:"open"`
		High string `json:"high"`
		Low  string `json:"low"`
		Base string `json:"base"` // previous close
		Tvol string `json:"tvol"`
		Rate string `json:"rate"` // change percent vs base
	} `json:"output"`
}

type dailyPriceResponse struct {
	respHeader
	Output2 []struct {
		Xymd string `json:"xymd"` // YYYYMMDD
		Clos string `json:"clos"`
		Open string `json:"open"`
		High string `json:"high"`
		Low  string `json:"low"`
		Tvol string `json:"tvol"`
	} `json:"output2"`
}

type orderResponse struct {
	respHeader
	Output struct {
		OrderNo   string `json:"ODNO"`
		OrderTime string `json:"ORD_TMD"`
	} `json:"output"`
}

type cancelResponse struct {
	respHeader
	Output struct {
		OrderNo string `json:"ODNO"`
	} `json:"output"`
}

type balanceResponse struct {
	respHeader
	Output1 []struct {
		Ticker     string `json:"ovrs_pdno"`
		Name       string `json:"ovrs_item_name"`
		Quantity   string `json:"ovrs_cblc_qty"`
		AvgPrice   string `json:"pchs_avg_pric"`
		NowPrice   string `json:"now_pric2"`
		EvalAmount string `json:"ovrs_stck_evlu_amt"`
		PnLAmount  string `json:"frcr_evlu_pfls_amt"`
		Exchange   string `json:"ovrs_excg_cd"`
	} `json:"output1"`
	Output2 struct {
		CashAmount  string `json:"frcr_dncl_amt1"`
		TotalEval   string `json:"tot_evlu_pfls_amt"`
		TotalPnL    string `json:"ovrs_tot_pfls"`
		RealizedPnL string `json:"ovrs_rlzt_pfls_amt"`
		TotalProfit string `json:"tot_pftrt"`
	} `json:"output2"`
}

type presentBalanceResponse struct {
	respHeader
	Output2 []struct {
		Currency   string `json:"crcy_cd"`
		CashAmount string `json:"frcr_dncl_amt_2"`
		UseAmount  string `json:"frcr_use_psbl_amt"`
	} `json:"output2"`
	Output3 struct {
		TotalAsset   string `json:"tot_asst_amt"`
		TotalLoan    string `json:"tot_loan_amt"`
		ExchangeRate string `json:"frst_bltn_exrt"`
	} `json:"output3"`
}

type orderHistoryResponse struct {
	respHeader
	Output []struct {
		OrderNo    string `json:"odno"`
		Ticker     string `json:"pdno"`
		SideCode   string `json:"sll_buy_dvsn_cd"` // 01 sell, 02 buy
		OrderedQty string `json:"ft_ord_qty"`
		FilledQty  string `json:"ft_ccld_qty"`
		FillPrice  string `json:"ft_ccld_unpr3"`
		StatusName string `json:"prcs_stat_name"`
		OrderDate  string `json:"ord_dt"`
	} `json:"output"`
}

// OrderResult is the normalized acknowledgment of an order call.
type OrderResult struct {
	OrderID   string
	OrderTime string
}

// OrderHistoryItem is one normalized fill-status row.
type OrderHistoryItem struct {
	OrderID    string
	Ticker     string
	Side       string
	OrderedQty int
	FilledQty  int
	FillPrice  float64
	Status     string
}

// Filled reports whether the order has no remaining quantity.
func (o OrderHistoryItem) Filled() bool {
	return o.OrderedQty > 0 && o.FilledQty >= o.OrderedQty
}
