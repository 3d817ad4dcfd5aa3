// Package doctor runs installation checks for `strata doctor`.
package doctor

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/basket/strata/internal/config"
	"github.com/basket/strata/internal/lock"
	"github.com/basket/strata/internal/persistence"
	"github.com/basket/strata/internal/summary"
	"github.com/basket/strata/internal/transcript"
)

const (
	StatusPass = "PASS"
	StatusFail = "FAIL"
	StatusWarn = "WARN"
	StatusSkip = "SKIP"
)

type CheckResult struct {
	Name    string `json:"name"`
	Status  string `json:"status"` // "PASS", "FAIL", "WARN", "SKIP"
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

type Diagnosis struct {
	Timestamp time.Time     `json:"timestamp"`
	System    SystemInfo    `json:"system"`
	Results   []CheckResult `json:"results"`
}

type SystemInfo struct {
	OS      string `json:"os"`
	Arch    string `json:"arch"`
	Go      string `json:"go_version"`
	Version string `json:"version"`
}

// Failed reports whether any check failed.
func (d Diagnosis) Failed() bool {
	for _, r := range d.Results {
		if r.Status == StatusFail {
			return true
		}
	}
	return false
}

// Options tune Run. The zero value runs every check.
type Options struct {
	// SkipNetwork disables the provider DNS lookup.
	SkipNetwork bool
}

// Run executes all diagnostic checks.
func Run(ctx context.Context, cfg *config.Config, version string, opts Options) Diagnosis {
	d := Diagnosis{
		Timestamp: time.Now().UTC(),
		System: SystemInfo{
			OS:      runtime.GOOS,
			Arch:    runtime.GOARCH,
			Go:      runtime.Version(),
			Version: version,
		},
	}

	checks := []func(context.Context, *config.Config) CheckResult{
		checkConfig,
		checkAPIKey,
		checkDatabase,
		checkPermissions,
		checkSessions,
		checkIndexes,
		checkLock,
	}
	if !opts.SkipNetwork {
		checks = append(checks, checkNetwork)
	}

	for _, check := range checks {
		d.Results = append(d.Results, check(ctx, cfg))
	}

	return d
}

func checkConfig(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Config", Status: StatusFail, Message: "Configuration not loaded"}
	}
	if err := cfg.Validate(); err != nil {
		return CheckResult{Name: "Config", Status: StatusFail, Message: "Configuration invalid", Detail: err.Error()}
	}
	if cfg.NeedsInit {
		return CheckResult{
			Name:    "Config",
			Status:  StatusWarn,
			Message: "config.yaml missing, using defaults",
			Detail:  fmt.Sprintf("Create %s to configure agents", config.ConfigPath(cfg.HomeDir)),
		}
	}
	if len(cfg.AgentIDs()) == 0 {
		return CheckResult{Name: "Config", Status: StatusWarn, Message: "No enabled agents; the daemon has nothing to schedule"}
	}
	return CheckResult{Name: "Config", Status: StatusPass, Message: fmt.Sprintf("Loaded from %s", cfg.HomeDir)}
}

var providerEnv = map[string]string{
	"google":            "GEMINI_API_KEY",
	"anthropic":         "ANTHROPIC_API_KEY",
	"openai":            "OPENAI_API_KEY",
	"openai_compatible": "OPENAI_API_KEY",
	"openrouter":        "OPENROUTER_API_KEY",
}

// llmProvider returns the provider whose credentials the configured
// backend needs, or "" for the static backend.
func llmProvider(cfg *config.Config) string {
	switch cfg.LLM.Backend {
	case "static":
		return ""
	case "anthropic":
		return "anthropic"
	default:
		return strings.ToLower(cfg.LLM.Provider)
	}
}

func checkAPIKey(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "API Key", Status: StatusSkip, Message: "Config missing"}
	}
	provider := llmProvider(cfg)
	if provider == "" {
		return CheckResult{Name: "API Key", Status: StatusSkip, Message: "Static backend needs no key"}
	}
	if cfg.ProviderAPIKey(provider) != "" {
		return CheckResult{Name: "API Key", Status: StatusPass, Message: fmt.Sprintf("Key configured for %s", provider)}
	}
	envVar := providerEnv[provider]
	return CheckResult{
		Name:    "API Key",
		Status:  StatusFail,
		Message: fmt.Sprintf("No API key for provider %q", provider),
		Detail:  fmt.Sprintf("Set %s or providers.%s.api_key in config.yaml", envVar, provider),
	}
}

func checkDatabase(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Database", Status: StatusSkip, Message: "Config missing"}
	}
	store, err := persistence.Open(filepath.Join(cfg.HomeDir, "strata.db"))
	if err != nil {
		return CheckResult{Name: "Database", Status: StatusFail, Message: fmt.Sprintf("Open failed: %v", err)}
	}
	defer store.Close()

	if _, err := store.ListRuns(ctx, "", 1); err != nil {
		return CheckResult{Name: "Database", Status: StatusFail, Message: fmt.Sprintf("Query failed: %v", err)}
	}
	return CheckResult{Name: "Database", Status: StatusPass, Message: "Run ledger schema valid"}
}

func checkPermissions(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Permissions", Status: StatusSkip, Message: "Config missing"}
	}
	for _, dir := range []string{cfg.HomeDir, cfg.MemoryDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return CheckResult{Name: "Permissions", Status: StatusFail, Message: fmt.Sprintf("Cannot create %s: %v", dir, err)}
		}
		testFile := filepath.Join(dir, ".write_test")
		if err := os.WriteFile(testFile, []byte("test"), 0o600); err != nil {
			return CheckResult{Name: "Permissions", Status: StatusFail, Message: fmt.Sprintf("%s unwritable: %v", dir, err)}
		}
		os.Remove(testFile)
	}
	return CheckResult{Name: "Permissions", Status: StatusPass, Message: "Home and memory directories writable"}
}

func checkSessions(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Sessions", Status: StatusSkip, Message: "Config missing"}
	}
	if _, err := os.Stat(cfg.SessionsDir); err != nil {
		return CheckResult{
			Name:    "Sessions",
			Status:  StatusWarn,
			Message: fmt.Sprintf("Sessions directory %s not found", cfg.SessionsDir),
			Detail:  "Set sessions_dir to where agent transcripts are written",
		}
	}
	dir := transcript.SessionDir{Root: cfg.SessionsDir}
	var missing []string
	agents := cfg.AgentIDs()
	for _, id := range agents {
		_, ok, err := dir.Current(id)
		if err != nil {
			return CheckResult{Name: "Sessions", Status: StatusFail, Message: fmt.Sprintf("Resolve session for %s: %v", id, err)}
		}
		if !ok {
			missing = append(missing, id)
		}
	}
	if len(missing) > 0 {
		return CheckResult{
			Name:    "Sessions",
			Status:  StatusWarn,
			Message: fmt.Sprintf("%d of %d agents have no session", len(missing), len(agents)),
			Detail:  strings.Join(missing, ", "),
		}
	}
	return CheckResult{Name: "Sessions", Status: StatusPass, Message: fmt.Sprintf("%d agents have a session", len(agents))}
}

func checkIndexes(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Indexes", Status: StatusSkip, Message: "Config missing"}
	}
	store := summary.NewIndexStore(cfg.MemoryDir)
	var corrupt, failing []string
	for _, id := range cfg.AgentIDs() {
		idx, err := store.Load(id)
		if err != nil {
			if errors.Is(err, summary.ErrCorruptIndex) {
				corrupt = append(corrupt, id)
				continue
			}
			return CheckResult{Name: "Indexes", Status: StatusFail, Message: fmt.Sprintf("Load index for %s: %v", id, err)}
		}
		if idx.Worker.LastError != nil {
			failing = append(failing, id)
		}
	}
	switch {
	case len(corrupt) > 0:
		return CheckResult{
			Name:    "Indexes",
			Status:  StatusFail,
			Message: fmt.Sprintf("%d corrupt index files", len(corrupt)),
			Detail:  "Inspect or move aside index.json for: " + strings.Join(corrupt, ", "),
		}
	case len(failing) > 0:
		return CheckResult{
			Name:    "Indexes",
			Status:  StatusWarn,
			Message: fmt.Sprintf("%d agents failed their last run", len(failing)),
			Detail:  "See `strata status <agent>` for: " + strings.Join(failing, ", "),
		}
	}
	return CheckResult{Name: "Indexes", Status: StatusPass, Message: "All agent indexes readable"}
}

func checkLock(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Lock", Status: StatusSkip, Message: "Config missing"}
	}
	if cfg.Lock.Backend != config.LockBackendPostgres {
		return CheckResult{Name: "Lock", Status: StatusPass, Message: "File locks under " + cfg.MemoryDir}
	}
	connectCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	l, err := lock.NewPostgresLocker(connectCtx, cfg.Lock.PostgresURL)
	if err != nil {
		return CheckResult{Name: "Lock", Status: StatusFail, Message: fmt.Sprintf("Postgres unreachable: %v", err)}
	}
	l.Close()
	return CheckResult{Name: "Lock", Status: StatusPass, Message: "Postgres advisory locks available"}
}

func checkNetwork(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Network", Status: StatusSkip, Message: "Config missing"}
	}
	provider := llmProvider(cfg)
	if provider == "" {
		return CheckResult{Name: "Network", Status: StatusSkip, Message: "Static backend makes no network calls"}
	}

	endpoints := map[string]string{
		"google":            "generativelanguage.googleapis.com",
		"anthropic":         "api.anthropic.com",
		"openai":            "api.openai.com",
		"openrouter":        "openrouter.ai",
		"openai_compatible": "api.openai.com",
	}
	host, ok := endpoints[provider]
	if !ok {
		host = "generativelanguage.googleapis.com"
	}
	if base := cfg.ProviderBaseURL(provider); base != "" {
		host = hostOf(base)
	}
	if provider == "openai_compatible" && cfg.LLM.OpenAICompatibleBaseURL != "" {
		host = hostOf(cfg.LLM.OpenAICompatibleBaseURL)
	}

	lookupCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	start := time.Now()
	addrs, err := net.DefaultResolver.LookupHost(lookupCtx, host)
	latency := time.Since(start)

	if err != nil {
		return CheckResult{
			Name:    "Network",
			Status:  StatusFail,
			Message: fmt.Sprintf("DNS lookup failed for %s: %v", host, err),
			Detail:  fmt.Sprintf("provider=%s, latency=%dms", provider, latency.Milliseconds()),
		}
	}

	return CheckResult{
		Name:    "Network",
		Status:  StatusPass,
		Message: fmt.Sprintf("DNS resolved %s (%d addresses, %dms)", host, len(addrs), latency.Milliseconds()),
		Detail:  fmt.Sprintf("provider=%s, addresses=%v", provider, addrs),
	}
}

// hostOf strips scheme, port and path from a base URL.
func hostOf(raw string) string {
	h := raw
	if i := strings.Index(h, "://"); i >= 0 {
		h = h[i+3:]
	}
	if i := strings.IndexAny(h, "/?"); i >= 0 {
		h = h[:i]
	}
	if host, _, err := net.SplitHostPort(h); err == nil {
		return host
	}
	return h
}
