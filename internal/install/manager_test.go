package install

import (
	"errors"
	"testing"
)

type fakeInstaller struct {
	err error
}

func (f fakeInstaller) Install(language string) error { return f.err }

func TestTryInstallSuccessEmitsProgressEvents(t *testing.T) {
	reg := NewRegistry(t.TempDir())
	if err := reg.Init(); err != nil {
		t.Fatalf("Init: %v", err)
	}
	m := NewManager(fakeInstaller{}, reg)

	result := m.TryInstall("lua")
	if result.Outcome != OutcomeSuccess {
		t.Fatalf("Outcome = %v, want OutcomeSuccess", result.Outcome)
	}
	if len(result.Events) != 2 || result.Events[0].Kind != EventProgressBegin || result.Events[1].Kind != EventProgressEnd {
		t.Fatalf("Events = %+v", result.Events)
	}
	if !result.Events[1].Success {
		t.Fatalf("expected EventProgressEnd.Success = true")
	}
	if reg.IsFailed("lua") {
		t.Fatalf("lua must not be marked failed after a successful install")
	}
}

func TestTryInstallFailureMarksFailedAndLogs(t *testing.T) {
	reg := NewRegistry(t.TempDir())
	if err := reg.Init(); err != nil {
		t.Fatalf("Init: %v", err)
	}
	m := NewManager(fakeInstaller{err: errors.New("network unreachable")}, reg)

	result := m.TryInstall("python")
	if result.Outcome != OutcomeFailed {
		t.Fatalf("Outcome = %v, want OutcomeFailed", result.Outcome)
	}
	if len(result.Events) != 3 {
		t.Fatalf("Events = %+v, want begin/log/end", result.Events)
	}
	if !reg.IsFailed("python") {
		t.Fatalf("python should be marked failed after install error")
	}
}

func TestTryInstallSkipsAlreadyFailedLanguage(t *testing.T) {
	reg := NewRegistry(t.TempDir())
	if err := reg.Init(); err != nil {
		t.Fatalf("Init: %v", err)
	}
	reg.MarkFailed("sql")
	m := NewManager(fakeInstaller{}, reg)

	result := m.TryInstall("sql")
	if result.Outcome != OutcomeParserFailed {
		t.Fatalf("Outcome = %v, want OutcomeParserFailed", result.Outcome)
	}
	if len(result.Events) != 0 {
		t.Fatalf("Events = %+v, want none", result.Events)
	}
}

func TestOutcomeShouldSkipParse(t *testing.T) {
	cases := map[Outcome]bool{
		OutcomeSuccess:           true,
		OutcomeAlreadyExists:     true,
		OutcomeAlreadyInstalling: true,
		OutcomeParserFailed:      false,
		OutcomeFailed:            false,
	}
	for outcome, want := range cases {
		if got := outcome.ShouldSkipParse(); got != want {
			t.Fatalf("Outcome(%d).ShouldSkipParse() = %v, want %v", outcome, got, want)
		}
	}
}

func TestIsParserFailedDelegatesToRegistry(t *testing.T) {
	reg := NewRegistry(t.TempDir())
	if err := reg.Init(); err != nil {
		t.Fatalf("Init: %v", err)
	}
	m := NewManager(fakeInstaller{}, reg)

	if m.IsParserFailed("lua") {
		t.Fatalf("lua should not be failed initially")
	}
	reg.MarkFailed("lua")
	if !m.IsParserFailed("lua") {
		t.Fatalf("IsParserFailed should reflect registry state")
	}
}
