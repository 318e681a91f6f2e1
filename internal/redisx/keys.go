package redisx

import "time"

const (
	// Cart of one storefront or register session: cart:{session} -> JSON lines
	KeyCart = "cart:%s"

	// Checkout in flight for a session: lock:checkout:{session} -> token
	KeyCheckoutLock = "lock:checkout:%s"

	// Cache order status: order_status:{order_id} -> {"status": "...", "payment_status": "..."}
	KeyOrderStatus = "order_status:%s"

	// Dedup event processing: dedup:{service}:{event_id}
	KeyDedup = "dedup:%s:%s"

	// Staff notification feed, newest first: notifications:staff -> JSON list
	KeyStaffNotifications = "notifications:staff"
	MaxStaffNotifications = 50
)

var (
	TTLCart         = 7 * 24 * time.Hour
	TTLCheckoutLock = 2 * time.Minute
	TTLStatusCache  = 5 * time.Minute
	TTLDedup        = 48 * time.Hour
)
