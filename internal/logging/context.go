package logging

// OrderContext creates a logger context for order operations
func OrderContext(ticker, side string, quantity int, price float64) *Logger {
	return Default().WithFields(map[string]interface{}{
		"ticker":   ticker,
		"side":     side,
		"quantity": quantity,
		"price":    price,
	}).WithComponent("order")
}

// PositionContext creates a logger context for position operations
func PositionContext(ticker string, quantity int, avgPrice float64) *Logger {
	return Default().WithFields(map[string]interface{}{
		"ticker":    ticker,
		"quantity":  quantity,
		"avg_price": avgPrice,
	}).WithComponent("position")
}

// SafetyContext creates a logger context for safety checks
func SafetyContext(check, ticker string) *Logger {
	return Default().WithFields(map[string]interface{}{
		"check":  check,
		"ticker": ticker,
	}).WithComponent("safety")
}

// BrokerContext creates a logger context for broker API calls
func BrokerContext(trID, path string) *Logger {
	return Default().WithFields(map[string]interface{}{
		"tr_id": trID,
		"path":  path,
	}).WithComponent("kis")
}
