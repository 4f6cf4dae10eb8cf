package transcript

import (
	"sync"
	"testing"
)

func TestAppendKeepsColumnsParallel(t *testing.T) {
	var l Log
	l.Append("uh hello", "Hello.", "안녕하세요.")
	l.Append("so hydrogen", "Hydrogen.", "수소.")

	en, ko := l.Columns()
	if len(en) != 2 || len(ko) != 2 {
		t.Fatalf("columns = %v / %v", en, ko)
	}
	if en[1] != "Hydrogen." || ko[1] != "수소." {
		t.Errorf("entry 1 = %q / %q", en[1], ko[1])
	}
	if got := l.Entries()[1].Index; got != 1 {
		t.Errorf("Index = %d, want 1", got)
	}
}

func TestClear(t *testing.T) {
	var l Log
	l.Append("a", "A", "에이")
	l.Clear()
	en, ko := l.Columns()
	if len(en) != 0 || len(ko) != 0 || l.Len() != 0 {
		t.Errorf("after Clear: %v / %v", en, ko)
	}
	if e := l.Append("b", "B", "비"); e.Index != 0 {
		t.Errorf("Index after Clear = %d, want 0", e.Index)
	}
}

func TestConcurrentAppend(t *testing.T) {
	var l Log
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			l.Append("x", "X", "엑스")
		}()
	}
	wg.Wait()
	en, ko := l.Columns()
	if len(en) != 50 || len(ko) != 50 {
		t.Errorf("len = %d/%d, want 50", len(en), len(ko))
	}
}
