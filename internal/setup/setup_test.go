package setup

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/njoerd114/placesync/internal/config"
)

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestPrompter(t *testing.T) {
	in := strings.NewReader("\nvalue\n\n\nyes\n a, ,b \n")
	var out bytes.Buffer
	p := NewPrompter(in, &out)

	if got := p.String("Name", ""); got != "value" {
		t.Errorf("String = %q, want value after re-prompt", got)
	}
	if !strings.Contains(out.String(), "a value is required") {
		t.Errorf("missing re-prompt in %q", out.String())
	}
	if got := p.String("Other", "def"); got != "def" {
		t.Errorf("String default = %q", got)
	}
	if got := p.Optional("Maybe"); got != "" {
		t.Errorf("Optional = %q", got)
	}
	if !p.Confirm("Sure?", false) {
		t.Error("Confirm(yes) = false")
	}
	if got := p.List("Items"); len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Errorf("List = %q", got)
	}
	// End of input falls back to defaults.
	if !p.Confirm("Again?", true) || p.String("Gone", "x") != "x" || p.Secret("Token") != "" {
		t.Error("EOF did not return defaults")
	}
}

func TestWizard_WritesConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	input := strings.Join([]string{
		"n",                            // eventkit
		"https://example.com/team.ics", // feed url
		"team",                         // feed name
		"",                             // finish feeds
		"",                             // nominatim default
		"me@example.com",               // contact
		"0 * * * *",                    // schedule
		"2",                            // days
		"y",                            // home assistant
		"http://ha.local:8123",         // url
		"tok",                          // token
		"",                             // only on changes, default yes
	}, "\n") + "\n"

	var pinged string
	ping := func(_ context.Context, url, token string) error {
		pinged = url + "|" + token
		return nil
	}
	var out bytes.Buffer
	wrote, err := NewWizard(strings.NewReader(input), &out, path, ping, discard()).Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v\n%s", err, out.String())
	}
	if !wrote {
		t.Fatal("wrote = false")
	}
	if pinged != "http://ha.local:8123|tok" {
		t.Errorf("ping = %q", pinged)
	}

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Calendar.EventKitEnabled() || len(cfg.Calendar.ICSFeeds) != 1 || cfg.Calendar.ICSFeeds[0].Name != "team" {
		t.Errorf("Calendar = %+v", cfg.Calendar)
	}
	if cfg.Geocoder.BaseURL != "" || cfg.Geocoder.UserAgent != "placesync/1.0 (me@example.com)" {
		t.Errorf("Geocoder = %+v", cfg.Geocoder)
	}
	if cfg.Schedule != "0 * * * *" || cfg.WindowDays != 2 {
		t.Errorf("Schedule = %q, WindowDays = %d", cfg.Schedule, cfg.WindowDays)
	}
	if cfg.HomeAssistant == nil || !cfg.HomeAssistant.OnlyOnChanges {
		t.Errorf("HomeAssistant = %+v", cfg.HomeAssistant)
	}
}

func TestWizard_KeepsExisting(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("schedule: \"@hourly\"\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	wrote, err := NewWizard(strings.NewReader("\n"), io.Discard, path, nil, discard()).Run(context.Background())
	if err != nil || wrote {
		t.Fatalf("Run = %v, %v", wrote, err)
	}
	data, _ := os.ReadFile(path)
	if string(data) != "schedule: \"@hourly\"\n" {
		t.Errorf("config modified: %q", data)
	}
}

func TestWizard_Errors(t *testing.T) {
	tests := []struct {
		name  string
		input string
		ping  PingFunc
		want  string
	}{
		{"no sources", "n\n\n", nil, "at least one calendar source"},
		{"bad days", "y\n\n\n\n\n\nlots\n", nil, "must be a number"},
		{"bad schedule", "y\n\n\n\n\nnope\n1\nn\n", nil, "schedule"},
		{
			"ha unreachable",
			"y\n\n\n\n\n\n\ny\nhttp://ha.local:8123\ntok\n\n",
			func(context.Context, string, string) error { return errors.New("connection refused") },
			"cannot reach Home Assistant",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "config.yaml")
			_, err := NewWizard(strings.NewReader(tt.input), io.Discard, path, tt.ping, discard()).Run(context.Background())
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("err = %v, want mention of %q", err, tt.want)
			}
			if _, statErr := os.Stat(path); !os.IsNotExist(statErr) {
				t.Error("config written despite error")
			}
		})
	}
}

func TestWizard_OfferInstall(t *testing.T) {
	var calls int
	install := func() error { calls++; return nil }

	if err := NewWizard(strings.NewReader("n\n"), io.Discard, "", nil, discard()).OfferInstall(install, "/logs"); err != nil {
		t.Fatal(err)
	}
	if calls != 0 {
		t.Error("installed after declining")
	}
	var out bytes.Buffer
	if err := NewWizard(strings.NewReader("\n"), &out, "", nil, discard()).OfferInstall(install, "/logs"); err != nil {
		t.Fatal(err)
	}
	if calls != 1 || !strings.Contains(out.String(), "/logs") {
		t.Errorf("calls = %d, out = %q", calls, out.String())
	}

	failing := func() error { return errors.New("denied") }
	if err := NewWizard(strings.NewReader("y\n"), io.Discard, "", nil, discard()).OfferInstall(failing, ""); err == nil {
		t.Error("expected install error")
	}
}

func TestAgent_RenderPlist(t *testing.T) {
	a := NewAgent("/Users/me", "/Users/me/.config/placesync/config.yaml")
	data, err := a.RenderPlist()
	if err != nil {
		t.Fatalf("RenderPlist: %v", err)
	}
	s := string(data)
	for _, want := range []string{
		"<string>" + AgentLabel + "</string>",
		"<string>" + BinaryInstallPath() + "</string>",
		"<string>daemon</string>",
		"<string>/Users/me/.config/placesync/config.yaml</string>",
		"/Users/me/Library/Logs/placesync/placesync.log",
	} {
		if !strings.Contains(s, want) {
			t.Errorf("plist missing %q", want)
		}
	}
}

func TestAgent_InstallAndUninstall(t *testing.T) {
	home := t.TempDir()
	a := NewAgent(home, filepath.Join(home, ".config", "placesync", "config.yaml"))
	var cmds []string
	a.run = func(name string, args ...string) ([]byte, error) {
		cmds = append(cmds, name+" "+args[0])
		return nil, nil
	}

	if err := a.Install(); err != nil {
		t.Fatalf("Install: %v", err)
	}
	if _, err := os.Stat(a.PlistPath()); err != nil {
		t.Errorf("plist not written: %v", err)
	}
	if _, err := os.Stat(a.LogDir()); err != nil {
		t.Errorf("log dir not created: %v", err)
	}
	// Plist already exists when Stop runs inside Install.
	if strings.Join(cmds, ",") != "launchctl bootout,launchctl bootstrap" {
		t.Errorf("commands = %v", cmds)
	}

	dataDir := filepath.Join(home, ".local", "share", "placesync")
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := a.Uninstall(true); err != nil {
		t.Fatalf("Uninstall: %v", err)
	}
	for _, p := range []string{a.PlistPath(), dataDir, a.LogDir()} {
		if _, err := os.Stat(p); !os.IsNotExist(err) {
			t.Errorf("%s still exists", p)
		}
	}
}

func TestAgent_StopWithoutPlist(t *testing.T) {
	a := NewAgent(t.TempDir(), "")
	a.run = func(string, ...string) ([]byte, error) {
		t.Fatal("launchctl called without plist")
		return nil, nil
	}
	if err := a.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}
