package runnerapi

import (
	"context"
	"html/template"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/automn-run/automn/internal/interp"
	"github.com/automn-run/automn/internal/packages"
	"github.com/automn-run/automn/internal/registration"
)

const uiRegisterTimeout = 30 * time.Second

var homeTemplate = template.Must(template.New("home").Parse(`<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<title>Automn Runner</title>
<style>
body { font-family: system-ui, sans-serif; max-width: 640px; margin: 2rem auto; padding: 0 1rem; }
h1 { font-size: 1.4rem; }
fieldset { margin: 1rem 0; border: 1px solid #ccc; border-radius: 4px; }
label { display: block; margin: 0.5rem 0 0.2rem; }
input[type=text], input[type=password] { width: 100%; padding: 0.3rem; }
table { border-collapse: collapse; }
td, th { text-align: left; padding: 0.2rem 0.8rem 0.2rem 0; }
.ok { color: #2a7d2a; }
.err { color: #b00020; }
</style>
</head>
<body>
<h1>Automn Runner</h1>

{{if .NeedsSecret}}
<p>This runner has no secret configured. Paste the secret issued by your Automn host.</p>
<form method="post" action="/ui/register">
  <fieldset>
    <legend>Register</legend>
    <label for="secret">Runner secret</label>
    <input type="password" id="secret" name="secret" autocomplete="off" required>
    <p><button type="submit">Save and register</button></p>
  </fieldset>
</form>
{{else}}
<table>
  <tr><th>Runner ID</th><td>{{.State.RunnerID}}</td></tr>
  <tr><th>Host</th><td>{{.State.HostURL}}</td></tr>
  <tr><th>Endpoint</th><td>{{.State.EndpointURL}}</td></tr>
  <tr><th>Secret source</th><td>{{.State.SecretSource}}</td></tr>
  <tr><th>Last registration</th><td>
    {{if eq .State.LastRegistrationStatus "ok"}}<span class="ok">ok</span>
    {{else if .State.LastRegistrationStatus}}<span class="err">{{.State.LastRegistrationStatus}}: {{.State.LastRegistrationError}}</span>
    {{else}}never attempted{{end}}
  </td></tr>
  {{if .State.LockedAt}}<tr><th>Locked since</th><td>{{.State.LockedAt.Format "2006-01-02 15:04:05 MST"}}</td></tr>{{end}}
  <tr><th>Active runs</th><td>{{.ActiveRuns}}</td></tr>
  <tr><th>Package cache</th><td>{{.Cache.Directories}} directories, {{.Cache.TotalBytes}} bytes</td></tr>
</table>

{{if .Locked}}
<p>This runner is registered and locked. Configuration changes require a reset.</p>
{{else}}
<form method="post" action="/ui/runtime-executables">
  <fieldset>
    <legend>Runtime executables</legend>
    <label for="node">Node</label>
    <input type="text" id="node" name="node" value="{{.Executables.Node}}" placeholder="auto">
    <label for="python">Python</label>
    <input type="text" id="python" name="python" value="{{.Executables.Python}}" placeholder="auto">
    <label for="powershell">PowerShell</label>
    <input type="text" id="powershell" name="powershell" value="{{.Executables.Powershell}}" placeholder="auto">
    <label for="shell">Shell</label>
    <input type="text" id="shell" name="shell" value="{{.Executables.Shell}}" placeholder="auto">
    <p><button type="submit">Save</button></p>
  </fieldset>
</form>
{{end}}

<form method="post" action="/ui/package-cache/clear">
  <fieldset>
    <legend>Package cache</legend>
    <p><button type="submit">Clear node_modules caches</button></p>
  </fieldset>
</form>
{{end}}
</body>
</html>
`))

type homeData struct {
	NeedsSecret bool
	Locked      bool
	State       registration.State
	Executables interp.Executables
	ActiveRuns  int64
	Cache       packages.CacheSummary
}

// handleHome renders the operator page: a registration form while no secret
// is configured, the status view afterwards.
func (s *Server) handleHome(w http.ResponseWriter, _ *http.Request) {
	data := homeData{
		NeedsSecret: !s.Registration.SecretConfigured() && !s.Registration.SecretEnvManaged(),
		Locked:      s.Registration.Locked(),
		State:       s.Registration.Snapshot(),
		Executables: s.Registration.Executables(),
		ActiveRuns:  s.activeRuns.Load(),
		Cache:       s.cacheSummary(),
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := homeTemplate.Execute(w, data); err != nil {
		slog.Error("render home page failed", "error", err)
	}
}

// handleUIRegister stores the submitted secret and immediately attempts a
// registration so the operator sees the outcome on the re-rendered page.
func (s *Server) handleUIRegister(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		errorJSON(w, "Invalid form", http.StatusBadRequest)
		return
	}
	if err := s.Registration.SetSecret(r.PostFormValue("secret")); err != nil {
		errorJSON(w, err.Error(), http.StatusBadRequest)
		return
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), uiRegisterTimeout)
	defer cancel()
	if err := s.Registration.Register(ctx, s.Config.StatusMessage); err != nil {
		slog.Error("registration state persist failed", "error", err)
	}

	http.Redirect(w, r, "/", http.StatusSeeOther)
}

// handleUIRuntimeExecutables updates interpreter paths. Refused once the
// runner is locked, and when all paths are pinned by the environment.
func (s *Server) handleUIRuntimeExecutables(w http.ResponseWriter, r *http.Request) {
	if allExecutablesEnvManaged() {
		errorJSON(w, "Runtime executables are managed by the environment", http.StatusForbidden)
		return
	}
	if err := r.ParseForm(); err != nil {
		errorJSON(w, "Invalid form", http.StatusBadRequest)
		return
	}

	exes := interp.Executables{
		Node:       r.PostFormValue("node"),
		Python:     r.PostFormValue("python"),
		Powershell: r.PostFormValue("powershell"),
		Shell:      r.PostFormValue("shell"),
	}
	if err := s.Registration.SetExecutables(exes); err != nil {
		errorJSON(w, err.Error(), http.StatusForbidden)
		return
	}

	http.Redirect(w, r, "/", http.StatusSeeOther)
}

// handleUIPackageCacheClear drops every cached node_modules tree.
func (s *Server) handleUIPackageCacheClear(w http.ResponseWriter, r *http.Request) {
	if err := s.Packages.ClearPackageCache(); err != nil {
		errorJSON(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if s.summaryCache != nil {
		s.summaryCache.Clear()
	}
	http.Redirect(w, r, "/", http.StatusSeeOther)
}

func allExecutablesEnvManaged() bool {
	return os.Getenv("AUTOMN_RUNNER_NODE_PATH") != "" &&
		os.Getenv("AUTOMN_RUNNER_PYTHON_PATH") != "" &&
		os.Getenv("AUTOMN_RUNNER_POWERSHELL_PATH") != ""
}
