package verify

import "testing"

func TestDecideDigestBothEmpty(t *testing.T) {
	if got := decideDigest(0, 0, nil, nil); got != VerdictMatch {
		t.Errorf("decideDigest(0,0,...) = %v, want VerdictMatch", got)
	}
}

func TestDecideDigestMatchingCountsAndDigests(t *testing.T) {
	digest := []byte{1, 2, 3}
	if got := decideDigest(5, 5, digest, append([]byte(nil), digest...)); got != VerdictMatch {
		t.Errorf("decideDigest equal counts/digests = %v, want VerdictMatch", got)
	}
}

func TestDecideDigestSameCountDifferentDigestIsMismatch(t *testing.T) {
	got := decideDigest(5, 5, []byte{1, 2, 3}, []byte{4, 5, 6})
	if got != VerdictMismatch {
		t.Errorf("decideDigest diverging digests = %v, want VerdictMismatch", got)
	}
}

func TestDecideDigestChainAheadIsIndexerBehind(t *testing.T) {
	got := decideDigest(3, 10, []byte{1}, []byte{2})
	if got != VerdictIndexerBehind {
		t.Errorf("decideDigest chain ahead = %v, want VerdictIndexerBehind", got)
	}
}

func TestDecideDigestChainHasRowsDbHasNoneIsIndexerBehind(t *testing.T) {
	got := decideDigest(0, 4, nil, []byte{9})
	if got != VerdictIndexerBehind {
		t.Errorf("decideDigest db empty chain ahead = %v, want VerdictIndexerBehind", got)
	}
}

func TestDecideDigestDbAheadIsPossibleReorg(t *testing.T) {
	got := decideDigest(10, 3, []byte{1}, []byte{2})
	if got != VerdictPossibleReorg {
		t.Errorf("decideDigest db ahead = %v, want VerdictPossibleReorg", got)
	}
}

func TestParseAgentAccountTooSmallForHeader(t *testing.T) {
	if _, err := parseAgentAccount(make([]byte, 10)); err == nil {
		t.Fatal("expected error for undersized account buffer")
	}
}

func TestParseAgentAccountTooSmallForChainState(t *testing.T) {
	// Header-sized buffer with wallet tag unset, but no room for the three
	// (digest, count) chain triplets that follow.
	buf := make([]byte, headerFixedLen)
	if _, err := parseAgentAccount(buf); err == nil {
		t.Fatal("expected error when chain state is missing")
	}
}

func TestParseAgentAccountValid(t *testing.T) {
	buf := make([]byte, headerFixedLen+3*chainTripleLen)
	// wallet presence tag stays zero: no optional wallet bytes.
	account, err := parseAgentAccount(buf)
	if err != nil {
		t.Fatalf("parseAgentAccount: %v", err)
	}
	if account.FeedbackCount != 0 || account.ResponseCount != 0 || account.RevokeCount != 0 {
		t.Errorf("expected all-zero counts, got %+v", account)
	}
}
