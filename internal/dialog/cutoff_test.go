package dialog

import (
	"strings"
	"testing"
)

func TestCutoff_CompleteQuestion(t *testing.T) {
	c := NewCutoffClassifier(20, 400)

	if !c.ShouldCutoff("Are you the computer owner?") {
		t.Error("Expected cutoff on complete question")
	}
}

func TestCutoff_BelowMinLength(t *testing.T) {
	c := NewCutoffClassifier(20, 400)

	if c.ShouldCutoff("Yes, I am.") {
		t.Error("Expected no cutoff below minimum length")
	}
}

func TestCutoff_ForcedAboveMaxLength(t *testing.T) {
	c := NewCutoffClassifier(20, 400)

	long := strings.Repeat("This keeps going and going ", 20)
	if !c.ShouldCutoff(long) {
		t.Error("Expected forced cutoff above maximum length")
	}
}

func TestCutoff_TrailingConjunctionKeepsOpen(t *testing.T) {
	c := NewCutoffClassifier(20, 400)

	if c.ShouldCutoff("I can check that for you, and.") {
		t.Error("Expected no cutoff on trailing conjunction")
	}
}

func TestCutoff_Instruction(t *testing.T) {
	c := NewCutoffClassifier(20, 400)

	if !c.ShouldCutoff("Please hold on for just one moment.") {
		t.Error("Expected cutoff on complete instruction")
	}
}

func TestCutoff_TerminalStatement(t *testing.T) {
	c := NewCutoffClassifier(20, 400)

	if !c.ShouldCutoff("Your account has been updated successfully.") {
		t.Error("Expected cutoff on terminal statement")
	}
}

func TestCutoff_UnterminatedText(t *testing.T) {
	c := NewCutoffClassifier(20, 400)

	if c.ShouldCutoff("Let me look into that for you and see") {
		t.Error("Expected no cutoff without terminal punctuation")
	}
}
