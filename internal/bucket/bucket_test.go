package bucket

import "testing"

func TestRemoveTokensNeverNegativeOrOverBurst(t *testing.T) {
	b := New(1000, 100, nil)

	for i := 0; i < 50; i++ {
		b.RemoveTokens(10)
	}

	tokens := b.Tokens()
	if tokens < 0 {
		t.Errorf("tokens went negative: %v", tokens)
	}
	if tokens > 100 {
		t.Errorf("tokens exceeded max burst: %v", tokens)
	}
}

func TestParentCapBoundsChild(t *testing.T) {
	parent := New(10, 10, nil)
	child := New(1000, 1000, parent)

	// Child alone could supply this, but the parent cannot.
	if child.RemoveTokens(500) {
		t.Fatalf("expected parent cap to block an oversized child withdrawal")
	}
}

func TestFailedParentRefundsChild(t *testing.T) {
	parent := New(1, 1, nil)
	child := New(1000, 1000, parent)

	before := child.Tokens()
	ok := child.RemoveTokens(50)
	if ok {
		t.Fatalf("expected failure since parent burst is only 1 token")
	}
	after := child.Tokens()
	if after < before-0.01 {
		t.Errorf("child bucket was not refunded after parent rejection: before=%v after=%v", before, after)
	}
}

func TestSmallWithdrawalSucceeds(t *testing.T) {
	parent := New(100, 100, nil)
	child := New(100, 100, parent)

	if !child.RemoveTokens(10) {
		t.Fatalf("expected a small withdrawal under both caps to succeed")
	}
}
