package cmd

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/paywire/paywire/internal/config"
)

func TestVersionCommand(t *testing.T) {
	root := NewRootCmd("1.2.3")
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"version"})

	if err := root.Execute(); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if got := strings.TrimSpace(out.String()); got != "paywire 1.2.3" {
		t.Errorf("output = %q", got)
	}
}

func TestResolveConfigPath(t *testing.T) {
	dir := t.TempDir()
	present := filepath.Join(dir, "paywire.json")
	if err := os.WriteFile(present, []byte("{}"), 0600); err != nil {
		t.Fatal(err)
	}
	missing := filepath.Join(dir, "missing.json")

	t.Run("positional wins", func(t *testing.T) {
		root := NewRootCmd("test")
		if err := root.PersistentFlags().Set("config", "flag.json"); err != nil {
			t.Fatal(err)
		}
		if got := resolveConfigPath(root, []string{"arg.json"}, present); got != "arg.json" {
			t.Errorf("got %q, want arg.json", got)
		}
	})

	t.Run("flag", func(t *testing.T) {
		root := NewRootCmd("test")
		if err := root.PersistentFlags().Set("config", "flag.json"); err != nil {
			t.Fatal(err)
		}
		if got := resolveConfigPath(root, nil, present); got != "flag.json" {
			t.Errorf("got %q, want flag.json", got)
		}
	})

	t.Run("default file present", func(t *testing.T) {
		root := NewRootCmd("test")
		if got := resolveConfigPath(root, nil, present); got != present {
			t.Errorf("got %q, want %q", got, present)
		}
	})

	t.Run("environment only", func(t *testing.T) {
		root := NewRootCmd("test")
		if got := resolveConfigPath(root, nil, missing); got != "" {
			t.Errorf("got %q, want empty", got)
		}
	})
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger(config.LoggingConfig{Level: "warn", Format: "text"}, &buf)

	logger.Info("hidden")
	logger.Warn("shown")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Errorf("info record written at warn level: %q", out)
	}
	if !strings.Contains(out, "level=WARN") || !strings.Contains(out, "shown") {
		t.Errorf("unexpected output: %q", out)
	}

	buf.Reset()
	logger = newLogger(config.LoggingConfig{Level: "debug", Format: "json"}, &buf)
	if !logger.Enabled(context.Background(), slog.LevelDebug) {
		t.Error("debug level not enabled")
	}
	logger.Debug("hello")
	if !strings.HasPrefix(strings.TrimSpace(buf.String()), "{") {
		t.Errorf("expected JSON output, got %q", buf.String())
	}
}

func TestInitDefaultsWritesConfig(t *testing.T) {
	for _, k := range []string{"PAYWIRE_DIRECTORY_DRIVER", "PAYWIRE_DIRECTORY_DSN", "PAYWIRE_AUTH_PROVIDER",
		"PAYWIRE_PRICES", "STRIPE_WEBHOOK_SECRET", "PAYWIRE_BASE_URL", "PAYWIRE_ADDR"} {
		t.Setenv(k, "")
	}
	t.Setenv("STRIPE_SECRET_KEY", "sk_test_cmd")

	out := filepath.Join(t.TempDir(), "paywire.json")
	root := NewRootCmd("test")
	root.SetOut(&bytes.Buffer{})
	root.SetArgs([]string{"init", "--defaults", "-o", out})

	if err := root.Execute(); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if _, err := os.Stat(out); err != nil {
		t.Fatalf("config not written: %v", err)
	}
}
