package app

import (
	"strings"
	"testing"
)

func TestParseCommand(t *testing.T) {
	tests := []struct {
		name string
		args []string
		want Command
	}{
		{"引数なしはserve", []string{}, CommandServe},
		{"nilはserve", nil, CommandServe},
		{"serve", []string{"serve"}, CommandServe},
		{"worker", []string{"worker"}, CommandWorker},
		{"migrate", []string{"migrate"}, CommandMigrate},
		{"healthcheck", []string{"healthcheck"}, CommandHealthcheck},
		{"後続の引数は無視する", []string{"worker", "--flag", "value"}, CommandWorker},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseCommand(tt.args)
			if err != nil {
				t.Fatalf("ParseCommand(%v) error = %v", tt.args, err)
			}
			if got != tt.want {
				t.Errorf("ParseCommand(%v) = %q, want %q", tt.args, got, tt.want)
			}
		})
	}
}

func TestParseCommand_UnknownReturnsUsage(t *testing.T) {
	for _, arg := range []string{"wroker", "Serve", "", "--help"} {
		cmd, err := ParseCommand([]string{arg})
		if err == nil {
			t.Errorf("ParseCommand([%q]) = %q, want error", arg, cmd)
			continue
		}
		if !strings.Contains(err.Error(), "unknown command") {
			t.Errorf("error should mention unknown command: %v", err)
		}
		if !strings.Contains(err.Error(), "usage: fitgate") {
			t.Errorf("error should include usage: %v", err)
		}
	}
}

func TestCommand_RequiresConfig(t *testing.T) {
	tests := []struct {
		cmd  Command
		want bool
	}{
		{CommandServe, true},
		{CommandWorker, true},
		{CommandMigrate, false},
		{CommandHealthcheck, false},
	}

	for _, tt := range tests {
		if got := tt.cmd.RequiresConfig(); got != tt.want {
			t.Errorf("%q.RequiresConfig() = %v, want %v", tt.cmd, got, tt.want)
		}
	}
}

func TestUsage_ListsEveryCommand(t *testing.T) {
	usage := Usage()
	for _, c := range commands {
		if !strings.Contains(usage, string(c)) {
			t.Errorf("Usage() should list %q:\n%s", c, usage)
		}
		if commandSummaries[c] == "" {
			t.Errorf("command %q has no summary", c)
		}
	}
}
