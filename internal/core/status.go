package core

import "strings"

// OrderStatus is the normalized broker order status.
type OrderStatus string

const (
	StatusWorking    OrderStatus = "Working"
	StatusNew        OrderStatus = "New"
	StatusPendingNew OrderStatus = "PendingNew"
	StatusFilled     OrderStatus = "Filled"
	StatusCanceled   OrderStatus = "Canceled"
	StatusRejected   OrderStatus = "Rejected"
	StatusExpired    OrderStatus = "Expired"
	StatusUnknown    OrderStatus = "Unknown"
)

// NormalizeOrderStatus maps a raw broker status string onto the canonical set.
// Matching is case-insensitive and tolerates both "Canceled" and "Cancelled".
func NormalizeOrderStatus(raw string) OrderStatus {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "working":
		return StatusWorking
	case "new":
		return StatusNew
	case "pendingnew", "pending_new", "pending new":
		return StatusPendingNew
	case "filled", "completed":
		return StatusFilled
	case "canceled", "cancelled":
		return StatusCanceled
	case "rejected":
		return StatusRejected
	case "expired":
		return StatusExpired
	case "":
		return StatusUnknown
	default:
		return OrderStatus(strings.TrimSpace(raw))
	}
}

// Live reports whether the status means the order can still trade.
func (s OrderStatus) Live() bool {
	switch s {
	case StatusWorking, StatusNew, StatusPendingNew:
		return true
	default:
		return false
	}
}

// Terminal reports whether the order is finished. Every status outside the
// live set is treated as terminal so a stray bracket is replaced rather than
// trusted.
func (s OrderStatus) Terminal() bool {
	return !s.Live()
}
