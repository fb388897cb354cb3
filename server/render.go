package server

import (
	"bytes"
	"encoding/json"
	"html/template"
	"log/slog"
	"net/http"
)

type discountOffer struct {
	Group   string
	Percent int
	Detail  string
}

var eligibilityOffers = []discountOffer{
	{Group: "Military & Veterans", Percent: 15, Detail: "Active duty, veterans, and their families"},
	{Group: "First Responders", Percent: 15, Detail: "Police, firefighters, and EMTs"},
	{Group: "Nurses & Medical Providers", Percent: 10, Detail: "Licensed nurses, doctors, and hospital staff"},
	{Group: "Teachers", Percent: 10, Detail: "K-12 and university educators"},
	{Group: "Students", Percent: 10, Detail: "Currently enrolled college students"},
}

type indexView struct {
	ProviderName string
	Offers       []discountOffer
}

type resultView struct {
	ProviderName string
	Subject      string
	Groups       []string
	TokensJSON   string
	ClaimsJSON   string
}

const pageStyle = `
body { font-family: 'Segoe UI', Tahoma, Geneva, Verdana, sans-serif; max-width: 960px; margin: 40px auto; padding: 0 20px; color: #1d1d1f; }
h1 { color: #2e3a8c; }
.offers { display: flex; flex-wrap: wrap; gap: 1rem; margin: 1.5rem 0; }
.offer { border: 1px solid #d0d0d5; border-radius: 8px; padding: 1rem; flex: 1 1 260px; }
.offer strong { display: block; font-size: 1.1rem; }
.percent { color: #1b7f3b; font-size: 1.6rem; font-weight: 700; }
.cta { display: inline-block; padding: 0.7rem 1.4rem; background: #2e3a8c; color: #fff; border-radius: 6px; text-decoration: none; }
pre { background: #f5f5f5; padding: 1rem; border-radius: 8px; white-space: pre-wrap; word-break: break-all; }
`

var indexTemplate = template.Must(template.New("index").Parse(`<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<title>Verified Discounts</title>
<style>` + pageStyle + `</style>
</head>
<body>
<h1>Exclusive discounts for the people who serve</h1>
<p>Verify your eligibility once with {{.ProviderName}} and unlock community pricing across our store.</p>
<div class="offers">
{{range .Offers}}
  <div class="offer">
    <span class="percent">{{.Percent}}% off</span>
    <strong>{{.Group}}</strong>
    <small>{{.Detail}}</small>
  </div>
{{end}}
</div>
<p><a class="cta" href="/login">Verify with {{.ProviderName}}</a></p>
</body>
</html>
`))

var resultTemplate = template.Must(template.New("result").Parse(`<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<title>Authentication Success</title>
<style>` + pageStyle + `</style>
</head>
<body>
<h1>Authentication Success</h1>
<p>Signed in with {{.ProviderName}} as <code>{{.Subject}}</code>.</p>
{{if .Groups}}<p>Verified groups: {{range $i, $g := .Groups}}{{if $i}}, {{end}}<strong>{{$g}}</strong>{{end}}</p>{{end}}
<h2>Tokens</h2>
<pre>{{.TokensJSON}}</pre>
<h2>ID Token Claims (verified)</h2>
<pre>{{.ClaimsJSON}}</pre>
<p><a href="/">Back</a></p>
</body>
</html>
`))

// renderHTML executes tmpl into a buffer first so a template failure never sends a partial page.
func renderHTML(w http.ResponseWriter, logger *slog.Logger, tmpl *template.Template, data any) {
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		logger.Error("render template", "template", tmpl.Name(), "error", err)
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(buf.Bytes())
}

func writeText(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(msg))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
