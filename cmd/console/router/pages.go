package router

import (
	"bytes"
	"embed"
	"errors"
	"fmt"
	"html/template"
	"log/slog"
	"net/http"
	"slices"
	"strings"

	"github.com/HatiCode/fleetdash/pkg/auth"
	"github.com/HatiCode/fleetdash/pkg/httpx"
)

//go:embed templates/*.html
var templateFS embed.FS

type pages struct {
	vehicles     []string
	operatorName string
	bookingUIURL string
	verifier     auth.Verifier
	tokens       *auth.Tokens
	secureCookie bool
	logger       *slog.Logger

	login     *template.Template
	picker    *template.Template
	dashboard *template.Template
}

type loginView struct {
	Email string
	Error string
}

type pickerView struct {
	Operator string
	Vehicles []string
}

type dashboardView struct {
	Operator     string
	Vehicles     []string
	VehicleID    string
	BookingUIURL string
}

func newPages(opts Options) (*pages, error) {
	if opts.Verifier == nil || opts.Tokens == nil {
		return nil, errors.New("router: verifier and tokens are required")
	}

	parse := func(name string) (*template.Template, error) {
		t, err := template.ParseFS(templateFS, "templates/layout.html", "templates/"+name)
		if err != nil {
			return nil, fmt.Errorf("parse template %s: %w", name, err)
		}
		return t, nil
	}

	login, err := parse("login.html")
	if err != nil {
		return nil, err
	}
	picker, err := parse("vehicles.html")
	if err != nil {
		return nil, err
	}
	dashboard, err := parse("dashboard.html")
	if err != nil {
		return nil, err
	}

	return &pages{
		vehicles:     append([]string(nil), opts.Vehicles...),
		operatorName: opts.OperatorName,
		bookingUIURL: strings.TrimRight(opts.BookingUIURL, "/"),
		verifier:     opts.Verifier,
		tokens:       opts.Tokens,
		secureCookie: opts.SecureCookie,
		logger:       opts.Logger,
		login:        login,
		picker:       picker,
		dashboard:    dashboard,
	}, nil
}

func (p *pages) handleLoginForm(w http.ResponseWriter, r *http.Request) {
	if cookie, err := r.Cookie(auth.CookieName); err == nil {
		if _, err := p.tokens.Validate(cookie.Value); err == nil {
			http.Redirect(w, r, "/vehicles", http.StatusSeeOther)
			return
		}
	}
	p.render(w, p.login, http.StatusOK, loginView{})
}

func (p *pages) handleLogin(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		p.render(w, p.login, http.StatusBadRequest, loginView{Error: "Invalid form"})
		return
	}

	email := strings.TrimSpace(r.PostFormValue("email"))
	password := r.PostFormValue("password")

	if !p.verifier.Verify(email, password) {
		p.logger.Warn("login rejected", "email", email, "remote_addr", r.RemoteAddr)
		p.render(w, p.login, http.StatusUnauthorized, loginView{Email: email, Error: "Invalid credentials"})
		return
	}

	token, expires, err := p.tokens.Issue(email)
	if err != nil {
		p.logger.Error("failed to issue session token", "error", err)
		p.render(w, p.login, http.StatusInternalServerError, loginView{Email: email, Error: "Login failed"})
		return
	}

	auth.SetSessionCookie(w, token, expires, p.secureCookie)
	p.logger.Info("operator logged in", "email", email)
	http.Redirect(w, r, "/vehicles", http.StatusSeeOther)
}

func (p *pages) handleLogout(w http.ResponseWriter, r *http.Request) {
	auth.ClearSessionCookie(w, p.secureCookie)
	http.Redirect(w, r, "/", http.StatusSeeOther)
}

func (p *pages) handleVehicles(w http.ResponseWriter, r *http.Request) {
	p.render(w, p.picker, http.StatusOK, pickerView{
		Operator: p.operator(r),
		Vehicles: p.vehicles,
	})
}

func (p *pages) handleDashboard(w http.ResponseWriter, r *http.Request) {
	vehicleID := strings.TrimSpace(r.URL.Query().Get("vehicleId"))
	if vehicleID != "" && len(p.vehicles) > 0 && !slices.Contains(p.vehicles, vehicleID) {
		http.Error(w, fmt.Sprintf("unknown vehicle %q", vehicleID), http.StatusNotFound)
		return
	}

	p.render(w, p.dashboard, http.StatusOK, dashboardView{
		Operator:     p.operator(r),
		Vehicles:     p.vehicles,
		VehicleID:    vehicleID,
		BookingUIURL: p.bookingUIURL,
	})
}

func (p *pages) handleVehicleList(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{"vehicles": p.vehicles}
	if err := httpx.WriteJSON(w, http.StatusOK, resp); err != nil {
		p.logger.Error("failed to encode vehicle list", "error", err)
	}
}

// operator is the configured display name, falling back to the login email.
func (p *pages) operator(r *http.Request) string {
	if p.operatorName != "" {
		return p.operatorName
	}
	subject, _ := auth.SubjectFromContext(r.Context())
	return subject
}

// render buffers the page so a template error still yields a clean 500.
func (p *pages) render(w http.ResponseWriter, t *template.Template, status int, data any) {
	var buf bytes.Buffer
	if err := t.ExecuteTemplate(&buf, "layout", data); err != nil {
		p.logger.Error("failed to render page", "template", t.Name(), "error", err)
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	if _, err := buf.WriteTo(w); err != nil {
		p.logger.Debug("failed to write page", "error", err)
	}
}
