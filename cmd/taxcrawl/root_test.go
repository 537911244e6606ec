package main

import (
	"bytes"
	"strings"
	"testing"
)

func TestNewRootCmd(t *testing.T) {
	cmd := NewRootCmd()

	if cmd.Use != "taxcrawl" {
		t.Errorf("Use = %q, want taxcrawl", cmd.Use)
	}
	if cmd.Version == "" {
		t.Error("Version is empty")
	}

	for _, name := range []string{"config", "verbose", "upstream"} {
		if cmd.PersistentFlags().Lookup(name) == nil {
			t.Errorf("missing persistent flag --%s", name)
		}
	}

	want := map[string]bool{"serve": false, "run": false, "version": false}
	for _, sub := range cmd.Commands() {
		if _, ok := want[sub.Name()]; ok {
			want[sub.Name()] = true
		}
	}
	for name, found := range want {
		if !found {
			t.Errorf("missing subcommand %s", name)
		}
	}
}

func TestVersionCmd(t *testing.T) {
	cmd := NewRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"version"})

	if err := cmd.Execute(); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if !strings.HasPrefix(out.String(), "taxcrawl version ") {
		t.Errorf("output = %q", out.String())
	}
	if !strings.Contains(out.String(), "commit:") {
		t.Errorf("output missing commit: %q", out.String())
	}
}

func TestRunCmd_RequiredFlags(t *testing.T) {
	cmd := NewRootCmd()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"run", "--upstream", "https://portal.example.test"})

	err := cmd.Execute()
	if err == nil || !strings.Contains(err.Error(), "required flag") {
		t.Errorf("Execute() error = %v, want required flag error", err)
	}
}

func TestParseCookies(t *testing.T) {
	tests := []struct {
		name    string
		raw     []string
		want    int
		wantErr bool
	}{
		{"none", nil, 0, false},
		{"two", []string{"JSESSIONID=abc", "route=1=2"}, 2, false},
		{"empty value", []string{"flag="}, 1, false},
		{"no separator", []string{"broken"}, 0, true},
		{"no name", []string{"=value"}, 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseCookies(tt.raw)
			if (err != nil) != tt.wantErr {
				t.Fatalf("parseCookies() error = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && len(got) != tt.want {
				t.Errorf("parseCookies() = %d cookies, want %d", len(got), tt.want)
			}
		})
	}

	got, _ := parseCookies([]string{"route=1=2"})
	if got[0].Name != "route" || got[0].Value != "1=2" {
		t.Errorf("cookie = %s=%s, want route=1=2", got[0].Name, got[0].Value)
	}
}
