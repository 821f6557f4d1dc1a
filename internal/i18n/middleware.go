package i18n

import (
	"net/http"

	"golang.org/x/text/language"
)

var matcher = language.NewMatcher(Supported)

// Middleware injects a localizer into every request context. The language is
// taken from the lang query parameter, then Accept-Language, then lang.
func Middleware(lang string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			loc := NewLocalizer(r.URL.Query().Get("lang"), Negotiate(r.Header.Get("Accept-Language")), lang)
			ctx := WithLocalizer(r.Context(), loc)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// Negotiate returns the supported base language best matching an
// Accept-Language header, or "" when nothing matches.
func Negotiate(header string) string {
	if header == "" {
		return ""
	}
	tags, _, err := language.ParseAcceptLanguage(header)
	if err != nil || len(tags) == 0 {
		return ""
	}
	_, idx, conf := matcher.Match(tags...)
	if conf == language.No {
		return ""
	}
	base, _ := Supported[idx].Base()
	return base.String()
}
