package prompts

import (
	"strings"
	"testing"
)

func TestRenderIntentSystem(t *testing.T) {
	out, err := Render(IntentSystem, IntentData{
		CurrentTime:    "2026-08-25 14:00",
		Timezone:       "Europe/Moscow",
		ActiveGoals:    []string{"Выучить английский (прогресс 40%)"},
		UpcomingEvents: []string{"2026-08-26 10:00 Созвон с командой"},
		History: []HistoryLine{
			{Role: "user", Text: "Какие у меня цели?"},
			{Role: "assistant", Text: "Вот твои цели."},
		},
		DialogState:  "goal_clarification",
		StateContext: `{"draft":{"title":"Выучить английский"}}`,
	})
	if err != nil {
		t.Fatalf("Render failed: %v", err)
	}
	for _, want := range []string{
		"2026-08-25 14:00",
		"Europe/Moscow",
		"Выучить английский (прогресс 40%)",
		"Созвон с командой",
		"user: Какие у меня цели?",
		"**Текущий диалог:** goal_clarification",
		`"intent": "goal.update_step"`,
	} {
		if !strings.Contains(out, want) {
			t.Errorf("expected prompt to contain %q", want)
		}
	}
}

func TestRenderIntentSystemOmitsEmptySections(t *testing.T) {
	out, err := Render(IntentSystem, IntentData{CurrentTime: "2026-08-25 14:00", Timezone: "UTC"})
	if err != nil {
		t.Fatalf("Render failed: %v", err)
	}
	for _, absent := range []string{"Активные цели", "Ближайшие события", "История последних", "Текущий диалог"} {
		if strings.Contains(out, absent) {
			t.Errorf("expected empty section %q to be omitted", absent)
		}
	}
}

func TestRenderDecomposeSteps(t *testing.T) {
	out, err := Render(DecomposeSteps, DecomposeData{GoalTitle: "Выучить Go", UserLevel: "новичок"})
	if err != nil {
		t.Fatalf("Render failed: %v", err)
	}
	if !strings.Contains(out, `"Выучить Go"`) || !strings.Contains(out, "новичок") {
		t.Errorf("expected goal details in prompt, got:\n%s", out)
	}
	if !strings.Contains(out, "не указано") {
		t.Error("expected unset time commitment placeholder")
	}
}

func TestRenderSummarize(t *testing.T) {
	out, err := Render(Summarize, SummarizeData{CoreResultJSON: `{"intent":"goal.search","count":2}`})
	if err != nil {
		t.Fatalf("Render failed: %v", err)
	}
	if !strings.Contains(out, `{"intent":"goal.search","count":2}`) {
		t.Error("expected core result JSON embedded in prompt")
	}
}

func TestRenderUnknownTemplate(t *testing.T) {
	if _, err := Render("nope", nil); err == nil {
		t.Fatal("expected error for unknown template")
	}
}
