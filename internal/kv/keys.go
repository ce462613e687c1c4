package kv

// Circuit breaker key schema. Every key the breaker touches is built here so
// the storage layout stays a typed surface.

func CBState(botID string) string    { return "cb:state:" + botID }
func CBOrders(botID string) string   { return "cb:orders:" + botID }
func CBLoss(botID string) string     { return "cb:loss:" + botID }
func CBCooldown(botID string) string { return "cb:cooldown:" + botID }
func CBReason(botID string) string   { return "cb:reason:" + botID }
