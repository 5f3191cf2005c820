package stt

import "testing"

func TestReconcilerOverwritesInterim(t *testing.T) {
	r := NewReconciler(InterimOverwrite)
	steps := []struct {
		frag      Fragment
		wantText  string
		wantFinal bool
		wantOK    bool
	}{
		{Fragment{Words: []string{"你"}}, "你", false, true},
		{Fragment{Words: []string{"你", "好"}}, "你好", false, true},
		{Fragment{Words: []string{"你好", "吗"}}, "你好吗", false, true},
		{Fragment{Words: []string{"你好吗", "？"}, Final: true}, "你好吗？", true, true},
		{Fragment{Words: []string{"再见"}}, "你好吗？", true, false},
		{Fragment{Words: []string{"再见"}, Final: true}, "你好吗？", true, false},
	}
	for i, step := range steps {
		text, final, ok := r.Apply(step.frag)
		if text != step.wantText || final != step.wantFinal || ok != step.wantOK {
			t.Fatalf("step %d: got (%q, %v, %v), want (%q, %v, %v)", i, text, final, ok, step.wantText, step.wantFinal, step.wantOK)
		}
	}
	if text, final := r.Transcript(); text != "你好吗？" || !final {
		t.Fatalf("unexpected transcript %q final=%v", text, final)
	}
}

func TestReconcilerAppendMode(t *testing.T) {
	r := NewReconciler(InterimAppend)
	r.Apply(Fragment{Words: []string{"打开"}})
	r.Apply(Fragment{Words: []string{"客厅"}})
	text, final, ok := r.Apply(Fragment{Words: []string{"的灯"}, Final: true})
	if text != "打开客厅的灯" || !final || !ok {
		t.Fatalf("got (%q, %v, %v)", text, final, ok)
	}
}

func TestReconcilerIgnoresEmptyInterimAndKeepsTextOnEmptyFinal(t *testing.T) {
	r := NewReconciler(InterimOverwrite)
	if _, _, ok := r.Apply(Fragment{}); ok {
		t.Fatal("empty interim should be ignored")
	}
	r.Apply(Fragment{Words: []string{"开灯"}})
	text, final, ok := r.Apply(Fragment{Final: true})
	if text != "开灯" || !final || !ok {
		t.Fatalf("got (%q, %v, %v)", text, final, ok)
	}
}

func TestParseInterimMode(t *testing.T) {
	if ParseInterimMode("append") != InterimAppend || ParseInterimMode(" APPEND ") != InterimAppend {
		t.Fatal("expected append")
	}
	if ParseInterimMode("") != InterimOverwrite || ParseInterimMode("overwrite") != InterimOverwrite {
		t.Fatal("expected overwrite")
	}
}
