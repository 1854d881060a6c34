package app

import (
	"testing"
)

func TestParseCommand_DefaultsToBot(t *testing.T) {
	cmd := ParseCommand([]string{})
	if cmd != CommandBot {
		t.Errorf("ParseCommand([]) = %q, want %q", cmd, CommandBot)
	}
}

func TestParseCommand_Bot(t *testing.T) {
	cmd := ParseCommand([]string{"bot"})
	if cmd != CommandBot {
		t.Errorf("ParseCommand([bot]) = %q, want %q", cmd, CommandBot)
	}
}

func TestParseCommand_Migrate(t *testing.T) {
	cmd := ParseCommand([]string{"migrate"})
	if cmd != CommandMigrate {
		t.Errorf("ParseCommand([migrate]) = %q, want %q", cmd, CommandMigrate)
	}
}

func TestParseCommand_Healthcheck(t *testing.T) {
	cmd := ParseCommand([]string{"healthcheck"})
	if cmd != CommandHealthcheck {
		t.Errorf("ParseCommand([healthcheck]) = %q, want %q", cmd, CommandHealthcheck)
	}
}

func TestParseCommand_UnknownDefaultsToBot(t *testing.T) {
	for _, arg := range []string{"unknown", "serve", "worker"} {
		if cmd := ParseCommand([]string{arg}); cmd != CommandBot {
			t.Errorf("ParseCommand([%s]) = %q, want %q", arg, cmd, CommandBot)
		}
	}
}

func TestParseCommand_IgnoresExtraArgs(t *testing.T) {
	cmd := ParseCommand([]string{"migrate", "--flag", "value"})
	if cmd != CommandMigrate {
		t.Errorf("ParseCommand([migrate --flag value]) = %q, want %q", cmd, CommandMigrate)
	}
}

func TestCommandString(t *testing.T) {
	tests := []struct {
		cmd  Command
		want string
	}{
		{CommandBot, "bot"},
		{CommandMigrate, "migrate"},
		{CommandHealthcheck, "healthcheck"},
	}

	for _, tt := range tests {
		if got := string(tt.cmd); got != tt.want {
			t.Errorf("Command(%q) string = %q, want %q", tt.cmd, got, tt.want)
		}
	}
}
