package log

import (
	"os"
	"testing"

	"github.com/op/go-logging"
)

func TestParseLevel(t *testing.T) {
	if ParseLevel("DEBUG", logging.ERROR) != logging.DEBUG {
		t.Fatal("DEBUG not parsed")
	}
	if ParseLevel("", logging.NOTICE) != logging.NOTICE {
		t.Fatal("empty level should fall back to default")
	}
	if ParseLevel("verbose", logging.WARNING) != logging.WARNING {
		t.Fatal("unknown level should fall back to default")
	}
}

func TestLevelFromEnv(t *testing.T) {
	old := os.Getenv(LOG_LEVEL_ENV)
	defer os.Setenv(LOG_LEVEL_ENV, old)

	os.Setenv(LOG_LEVEL_ENV, "CRITICAL")
	if LevelFromEnv(logging.INFO) != logging.CRITICAL {
		t.Fatal("env level ignored")
	}
}

func TestSetupLoggingStderr(t *testing.T) {
	l := SetupLogging("vatrpc-test", logging.ERROR, false)
	if l == nil || l.Module != "vatrpc-test" {
		t.Fatal("unexpected logger")
	}
}
