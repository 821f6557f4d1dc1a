package handler

import (
	"net/http"
	"strconv"

	"github.com/pavelanni/aiquiz/internal/model"
)

// UserHeader carries the acting user's ID. Authentication happens in front
// of this service.
const UserHeader = "X-User-ID"

var errUnauthorized = &apiError{http.StatusUnauthorized, "ErrUnauthorized"}

// identify is middleware that resolves the acting user from UserHeader.
func (h *Handler) identify(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, err := strconv.ParseInt(r.Header.Get(UserHeader), 10, 64)
		if err != nil || id <= 0 {
			fail(w, r, errUnauthorized)
			return
		}

		user, err := h.store.GetUserByID(id)
		if err != nil {
			fail(w, r, err)
			return
		}
		if user == nil {
			fail(w, r, errUnauthorized)
			return
		}

		ctx := model.ContextWithUser(r.Context(), user)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// requireRole returns middleware that checks the user has one of the allowed roles.
func requireRole(allowed ...model.UserRole) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			user := model.UserFromContext(r.Context())
			if user == nil {
				fail(w, r, errUnauthorized)
				return
			}
			for _, role := range allowed {
				if user.Role == role {
					next.ServeHTTP(w, r)
					return
				}
			}
			fail(w, r, errForbidden)
		})
	}
}
