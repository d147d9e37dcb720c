package smartmeter

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
)

// fakeProvider stands in for the identity provider, the portal frontend and
// the data gateway at once, the way the real deployment hangs them off
// different paths of the same login session.
type fakeProvider struct {
	srv *httptest.Server

	mu         sync.Mutex
	loginHits  int
	pageMethod string
	lastCode   string

	loginPageStatus int
	loginPageHTML   string
	// location builds the redirect Location for the credential POST;
	// returning "" answers 200 without a redirect.
	location    func(base string) string
	tokenStatus int
	tokenBody   string
	accessToken string
	scripts     []fakeScript

	gateway http.HandlerFunc
}

type fakeScript struct {
	name   string
	body   string
	status int
}

func newFakeProvider(t *testing.T) *fakeProvider {
	t.Helper()

	fp := &fakeProvider{
		loginPageStatus: http.StatusOK,
		tokenStatus:     http.StatusOK,
		accessToken:     "opaque-access-token",
		scripts: []fakeScript{
			{name: "runtime.js", body: "// nothing to see here"},
			{name: "main.js", body: `var config = {b2capikey: "KEY-FROM-SCRIPT"};`},
		},
	}
	fp.srv = httptest.NewServer(http.HandlerFunc(fp.handle))
	t.Cleanup(fp.srv.Close)
	return fp
}

func (fp *fakeProvider) handle(w http.ResponseWriter, r *http.Request) {
	fp.mu.Lock()
	defer fp.mu.Unlock()

	base := fp.srv.URL
	switch {
	case r.URL.Path == "/auth/auth":
		fp.loginHits++
		if fp.loginPageStatus != http.StatusOK {
			w.WriteHeader(fp.loginPageStatus)
			return
		}
		html := fp.loginPageHTML
		if html == "" {
			html = fmt.Sprintf(`<html><body><form id="kc-form-login" action=%q method="post"></form></body></html>`, base+"/auth/login")
		}
		fmt.Fprint(w, html)

	case r.URL.Path == "/auth/login":
		loc := base + "/#state=xyz&code=CODE-FROM-FRAGMENT"
		if fp.location != nil {
			loc = fp.location(base)
		}
		if loc == "" {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.Header().Set("Location", loc)
		w.WriteHeader(http.StatusFound)

	case r.URL.Path == "/auth/token":
		fp.lastCode = r.FormValue("code")
		if fp.tokenStatus != http.StatusOK {
			w.WriteHeader(fp.tokenStatus)
			return
		}
		body := fp.tokenBody
		if body == "" {
			body = fmt.Sprintf(`{"access_token":%q,"refresh_token":"refresh-token","token_type":"Bearer"}`, fp.accessToken)
		}
		fmt.Fprint(w, body)

	case r.URL.Path == "/page/":
		fp.pageMethod = r.Method
		var tags strings.Builder
		for _, s := range fp.scripts {
			fmt.Fprintf(&tags, `<script src=%q></script>`, s.name)
		}
		fmt.Fprintf(w, `<html><head>%s</head><body></body></html>`, tags.String())

	case strings.HasPrefix(r.URL.Path, "/page/"):
		name := strings.TrimPrefix(r.URL.Path, "/page/")
		for _, s := range fp.scripts {
			if s.name != name {
				continue
			}
			if s.status != 0 && s.status != http.StatusOK {
				w.WriteHeader(s.status)
				return
			}
			fmt.Fprint(w, s.body)
			return
		}
		http.NotFound(w, r)

	case strings.HasPrefix(r.URL.Path, "/api/") && fp.gateway != nil:
		fp.gateway(w, r)

	default:
		http.NotFound(w, r)
	}
}

func (fp *fakeProvider) config() Config {
	return Config{
		Username:    "user@example.com",
		Password:    "hunter2",
		Zaehlpunkt:  "AT0010000000000000001000004392265",
		CustomerID:  "1234567890",
		AuthBaseURL: fp.srv.URL + "/auth/",
		PageBaseURL: fp.srv.URL + "/page/",
		APIBase:     fp.srv.URL + "/api/",
	}
}

func (fp *fakeProvider) loginCount() int {
	fp.mu.Lock()
	defer fp.mu.Unlock()
	return fp.loginHits
}
