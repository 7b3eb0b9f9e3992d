package log

import (
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"
)

type capturedMsg struct {
	debug bool
	text  string
}

func captureLogger(name string, debug bool) (Logger, *[]capturedMsg) {
	var msgs []capturedMsg
	l := Logger{
		Out: FuncOutput(func(_ time.Time, debug bool, text string) {
			msgs = append(msgs, capturedMsg{debug, text})
		}, func() error { return nil }),
		Name:  name,
		Debug: debug,
	}
	return l, &msgs
}

func TestZapAdapter(t *testing.T) {
	l, msgs := captureLogger("pipeline", false)
	zl := l.Zap()

	zl.Info("connected", zap.String("channel", "email"))
	if len(*msgs) != 1 {
		t.Fatalf("messages written: want 1, got %d", len(*msgs))
	}
	got := (*msgs)[0]
	if got.debug {
		t.Error("info-level message written as debug")
	}
	if !strings.HasPrefix(got.text, "pipeline: connected") {
		t.Errorf("name prefix or message lost: %q", got.text)
	}
	if !strings.Contains(got.text, `"channel":"email"`) {
		t.Errorf("structured field lost: %q", got.text)
	}
}

func TestZapAdapterDebugGating(t *testing.T) {
	l, msgs := captureLogger("pipeline", false)
	l.Zap().Debug("suppressed")
	if len(*msgs) != 0 {
		t.Fatalf("debug message written with Debug=false: %v", *msgs)
	}

	l, msgs = captureLogger("pipeline", true)
	l.Zap().Debug("visible")
	if len(*msgs) != 1 || !(*msgs)[0].debug {
		t.Fatalf("debug message not passed through with Debug=true: %v", *msgs)
	}
}

func TestZapAdapterNamed(t *testing.T) {
	l, msgs := captureLogger("pipeline", false)
	l.Zap().Named("sub").Info("hello")
	if len(*msgs) != 1 {
		t.Fatalf("messages written: want 1, got %d", len(*msgs))
	}
	if !strings.HasPrefix((*msgs)[0].text, "pipeline/sub: hello") {
		t.Errorf("sublogger name not joined: %q", (*msgs)[0].text)
	}
}

func TestZapAdapterWith(t *testing.T) {
	l, msgs := captureLogger("", false)
	l.Zap().With(zap.String("component", "dedup")).Info("swept", zap.Int("removed", 3))
	if len(*msgs) != 1 {
		t.Fatalf("messages written: want 1, got %d", len(*msgs))
	}
	text := (*msgs)[0].text
	if !strings.Contains(text, `"component":"dedup"`) || !strings.Contains(text, `"removed":3`) {
		t.Errorf("fields not merged: %q", text)
	}
}
