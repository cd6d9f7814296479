package handlers

import (
	"bytes"
	"embed"
	"html/template"
	"net/http"
)

//go:embed templates/*.html
var templateFS embed.FS

var pages = template.Must(template.ParseFS(templateFS, "templates/*.html"))

type loginPage struct {
	Title           string
	Error           string
	Identifier      string
	MinSecretLength int
}

type dashboardPage struct {
	Title        string
	DisplayName  string
	Role         string
	Signals      []string
	IdleMillis   int64
	PingMillis   int64
	ActivityPath string
}

// renderPage executes the named template into a buffer first so a template
// failure never leaves a half-written page.
func renderPage(w http.ResponseWriter, status int, name string, data any) {
	var buf bytes.Buffer
	if err := pages.ExecuteTemplate(&buf, name, data); err != nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_, _ = buf.WriteTo(w)
}
