package httpx

import (
	"context"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/bodegonbc/bodegon-pos/internal/auth"
	"github.com/bodegonbc/bodegon-pos/internal/notify"
)

type NotificationFeed interface {
	Recent(ctx context.Context, n int64) ([]notify.Notification, error)
}

// NotificationsHandler serves the staff bell: latest new-order notices.
type NotificationsHandler struct {
	Feed NotificationFeed
}

func (h *NotificationsHandler) Register(r chi.Router, guard Guard) {
	r.With(guard(auth.RoleCashier, auth.RoleAdmin)).Get("/notifications", h.list)
}

func (h *NotificationsHandler) list(w http.ResponseWriter, r *http.Request) {
	n, _ := strconv.ParseInt(r.URL.Query().Get("limit"), 10, 64)
	ns, err := h.Feed.Recent(r.Context(), n)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ns)
}
