package util

import (
	"strings"
	"testing"

	"github.com/op/go-logging"
)

func TestRecoverToLog(t *testing.T) {
	ran := false
	RecoverToLog(func() {
		ran = true
		panic("boom")
	}, logging.MustGetLogger("util-test"))
	if !ran {
		t.Fatal("function not run")
	}
}

func TestColorsKeepText(t *testing.T) {
	for _, s := range []string{Red("x"), Cyan("x")} {
		if !strings.Contains(s, "x") {
			t.Fatal("colored text lost its content")
		}
	}
}
