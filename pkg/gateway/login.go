package gateway

import (
	"encoding/json"
	"fmt"
	"html"
	"net/http"
	"net/url"
	"strings"

	"github.com/truthgate/truthgate/pkg/auth"
)

const loginPage = `<!doctype html>
<html>
<head><title>TruthGate</title></head>
<body>
<h1>Sign in</h1>
<form method="post" action="/auth/login">
<input type="hidden" name="returnUrl" value="%s">
<label>Username <input name="username" autocomplete="username"></label><br>
<label>Password <input name="password" type="password" autocomplete="current-password"></label><br>
<button type="submit">Sign in</button>
</form>
</body>
</html>
`

// serveLoginPage renders the minimal sign-in form. The surface is
// public-limited since it is reachable without credentials.
func (d *Dispatcher) serveLoginPage(w http.ResponseWriter, r *http.Request, ip string) {
	if dec := d.limiter.CheckPublic(ip); !dec.Allow {
		d.writeLimited(w, dec.Status, dec.RetryAfter)
		countRequest("public", dec.Status)
		return
	}
	returnURL := sanitizeReturnURL(r.URL.Query().Get("returnUrl"))
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	fmt.Fprintf(w, loginPage, html.EscapeString(returnURL))
	countRequest("public", http.StatusOK)
}

// serveAuth handles login and logout. Login accepts a form post or a
// JSON body.
func (d *Dispatcher) serveAuth(w http.ResponseWriter, r *http.Request, ip string) {
	if dec := d.limiter.CheckPublic(ip); !dec.Allow {
		d.writeLimited(w, dec.Status, dec.RetryAfter)
		countRequest("public", dec.Status)
		return
	}
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		countRequest("public", http.StatusMethodNotAllowed)
		return
	}

	if strings.HasSuffix(r.URL.Path, "/logout") {
		d.auth.Logout(r)
		auth.ClearSessionCookie(w)
		writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
		countRequest("public", http.StatusOK)
		return
	}

	username, password, returnURL := credentialsFromRequest(r)
	sess, err := d.auth.Login(username, password)
	if err != nil {
		writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "invalid credentials"})
		countRequest("public", http.StatusUnauthorized)
		return
	}
	auth.SetSessionCookie(w, sess)

	if returnURL != "" {
		http.Redirect(w, r, returnURL, http.StatusFound)
		countRequest("public", http.StatusFound)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"username": sess.Username})
	countRequest("public", http.StatusOK)
}

func credentialsFromRequest(r *http.Request) (username, password, returnURL string) {
	ct := r.Header.Get("Content-Type")
	if strings.Contains(ct, "application/json") {
		var req struct {
			Username  string `json:"username"`
			Password  string `json:"password"`
			ReturnURL string `json:"returnUrl"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err == nil {
			return req.Username, req.Password, sanitizeReturnURL(req.ReturnURL)
		}
		return "", "", ""
	}
	r.ParseForm()
	return r.PostFormValue("username"), r.PostFormValue("password"), sanitizeReturnURL(r.PostFormValue("returnUrl"))
}

// sanitizeReturnURL keeps redirects on-site: relative paths only.
func sanitizeReturnURL(raw string) string {
	if raw == "" || !strings.HasPrefix(raw, "/") || strings.HasPrefix(raw, "//") {
		return ""
	}
	if _, err := url.Parse(raw); err != nil {
		return ""
	}
	return raw
}
