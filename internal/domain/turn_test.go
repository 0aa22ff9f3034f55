package domain

import "testing"

func TestConversationLogAppendAssignsIndexes(t *testing.T) {
	log := NewConversationLog()
	first := log.Append(RoleAssistant, "Hallo Max!")
	second := log.Append(RoleUser, "11:00:00 | Max | Guten Tag")

	if first.Index != 0 || second.Index != 1 {
		t.Fatalf("unexpected indexes %d, %d", first.Index, second.Index)
	}
	if log.Len() != 2 {
		t.Fatalf("expected 2 entries, got %d", log.Len())
	}
}

func TestConversationLogSinceReturnsCopy(t *testing.T) {
	log := NewConversationLog()
	log.Append(RoleUser, "a")
	log.Append(RoleUser, "b")

	got := log.Since(1)
	if len(got) != 1 || got[0].Content != "b" {
		t.Fatalf("unexpected entries: %+v", got)
	}
	got[0].Content = "mutated"
	if log.Entries()[1].Content != "b" {
		t.Fatal("log entry was mutated through returned slice")
	}
	if log.Since(5) != nil {
		t.Fatal("expected nil past the end")
	}
}

func TestConversationLogLast(t *testing.T) {
	log := NewConversationLog()
	for _, c := range []string{"a", "b", "c"} {
		log.Append(RoleUser, c)
	}
	last := log.Last(2)
	if len(last) != 2 || last[0].Content != "b" || last[1].Content != "c" {
		t.Fatalf("unexpected last entries: %+v", last)
	}
	if len(log.Last(10)) != 3 {
		t.Fatal("expected all entries when n exceeds length")
	}
}

func TestWorkerSpecWithEnvCopies(t *testing.T) {
	base := WorkerSpec{Env: map[string]string{"A": "1"}}
	next := base.WithEnv(EnvSystemPrompt, "be nice")
	if _, ok := base.Env[EnvSystemPrompt]; ok {
		t.Fatal("WithEnv mutated the original spec")
	}
	if next.Env[EnvSystemPrompt] != "be nice" || next.Env["A"] != "1" {
		t.Fatalf("unexpected env: %v", next.Env)
	}
	if same := base.WithEnv(EnvSpriteFolder, ""); len(same.Env) != 1 {
		t.Fatal("empty value should be skipped")
	}
}
