package app

import (
	"bytes"
	"testing"
)

func TestOpenBatch_AssignsSequentialIDsAndStampsModelVersion(t *testing.T) {
	a, _ := setupMarket(t)

	id := openBatch(t, a, testNow)
	if id != 1 {
		t.Fatalf("expected first batch id 1, got %d", id)
	}
	mustOk(t, a.deliverTx(txBytes(t, "market/close_batch", map[string]any{"caller": "owner"}), testHeight, testNow))

	mustOk(t, a.deliverTx(txBytes(t, "market/advance_model", map[string]any{"caller": "owner"}), testHeight, testNow))
	id = openBatch(t, a, testNow)
	if id != 2 {
		t.Fatalf("expected second batch id 2, got %d", id)
	}
	if got := a.st.Market.Batches[2].ModelVersion; got != 2 {
		t.Fatalf("expected batch 2 stamped with model version 2, got %d", got)
	}
	// Batch 1 keeps the version it opened under.
	if got := a.st.Market.Batches[1].ModelVersion; got != 1 {
		t.Fatalf("expected batch 1 stamped with model version 1, got %d", got)
	}
}

func TestOpenBatch_RejectsWhileBatchStillOpen(t *testing.T) {
	a, _ := setupMarket(t)
	openBatch(t, a, testNow)
	res := a.deliverTx(txBytes(t, "market/open_batch", map[string]any{"caller": "owner"}), testHeight, testNow)
	mustFail(t, res, "batch 1 still open")
}

func TestOpenBatch_RejectsNonOwner(t *testing.T) {
	a, _ := setupMarket(t)
	res := a.deliverTx(txBytes(t, "market/open_batch", map[string]any{"caller": "alice"}), testHeight, testNow)
	mustFail(t, res, "not owner")
}

func TestCloseBatch_LifecycleErrors(t *testing.T) {
	a, _ := setupMarket(t)

	res := a.deliverTx(txBytes(t, "market/close_batch", map[string]any{"caller": "owner"}), testHeight, testNow)
	mustFail(t, res, "no batch open")

	openBatch(t, a, testNow)
	closeRes := mustOk(t, a.deliverTx(txBytes(t, "market/close_batch", map[string]any{"caller": "owner"}), testHeight, testNow))
	ev := findEvent(closeRes.Events, "BatchClosed")
	if ev == nil || attr(ev, "batchId") != "1" {
		t.Fatalf("expected BatchClosed for batch 1, got %+v", closeRes.Events)
	}

	res = a.deliverTx(txBytes(t, "market/close_batch", map[string]any{"caller": "owner"}), testHeight, testNow)
	mustFail(t, res, "batch 1 already closed")
}

func TestSubmitCargo_CountsSubmissionsAndTracksProviders(t *testing.T) {
	a, orc := setupMarket(t)
	openBatch(t, a, testNow)

	res := mustOk(t, submitCargo(t, a, orc, "alice", 50, 20, 30, testNow))
	ev := findEvent(res.Events, "CargoSubmitted")
	if ev == nil {
		t.Fatalf("expected CargoSubmitted event")
	}
	if attr(ev, "submissions") != "1" || attr(ev, "provider") != "alice" {
		t.Fatalf("unexpected attrs: %+v", ev.Attributes)
	}
	if attr(ev, "demandRef") == "" {
		t.Fatalf("expected handle refs in event")
	}

	res = mustOk(t, submitCargo(t, a, orc, "bob", 30, 10, 15, testNow))
	if attr(findEvent(res.Events, "CargoSubmitted"), "submissions") != "2" {
		t.Fatalf("expected submissions=2 after second provider")
	}

	b := a.st.Market.Batches[1]
	if b.SubmissionCount != 2 || !b.HasSubmitted["alice"] || !b.HasSubmitted["bob"] {
		t.Fatalf("unexpected batch bookkeeping: %+v", b)
	}
}

func TestSubmitCargo_RejectsDoubleSubmissionAndKeepsTotals(t *testing.T) {
	a, orc := setupMarket(t)
	openBatch(t, a, testNow)

	mustOk(t, submitCargo(t, a, orc, "alice", 50, 20, 30, testNow))
	before := append([]byte(nil), a.st.Market.Batches[1].TotalDemand...)

	// Past the cooldown so the dedup check is what rejects.
	res := submitCargo(t, a, orc, "alice", 1, 1, 1, testNow+int64(defaultCooldownSecs))
	mustFail(t, res, "provider already submitted this batch")

	b := a.st.Market.Batches[1]
	if b.SubmissionCount != 1 {
		t.Fatalf("rejected submission must not count, got %d", b.SubmissionCount)
	}
	if !bytes.Equal(before, b.TotalDemand) {
		t.Fatalf("rejected submission must not change totals")
	}
}

func TestSubmitCargo_DedupResetsAcrossBatches(t *testing.T) {
	a, orc := setupMarket(t)
	openBatch(t, a, testNow)
	mustOk(t, submitCargo(t, a, orc, "alice", 5, 5, 5, testNow))
	mustOk(t, a.deliverTx(txBytes(t, "market/close_batch", map[string]any{"caller": "owner"}), testHeight, testNow))

	openBatch(t, a, testNow)
	mustOk(t, submitCargo(t, a, orc, "alice", 7, 7, 7, testNow+int64(defaultCooldownSecs)))
	if a.st.Market.Batches[2].SubmissionCount != 1 {
		t.Fatalf("expected fresh dedup set for new batch")
	}
}

func TestSubmitCargo_BatchGateErrors(t *testing.T) {
	a, orc := setupMarket(t)

	res := submitCargo(t, a, orc, "alice", 1, 1, 1, testNow)
	mustFail(t, res, "no batch open")

	openBatch(t, a, testNow)
	mustOk(t, a.deliverTx(txBytes(t, "market/close_batch", map[string]any{"caller": "owner"}), testHeight, testNow))
	res = submitCargo(t, a, orc, "alice", 1, 1, 1, testNow+int64(defaultCooldownSecs))
	mustFail(t, res, "batch closed")
}

func TestSubmitCargo_RejectsNonProviderAndPaused(t *testing.T) {
	a, orc := setupMarket(t)
	openBatch(t, a, testNow)

	res := submitCargo(t, a, orc, "mallory", 1, 1, 1, testNow)
	mustFail(t, res, "not a provider")

	mustOk(t, a.deliverTx(txBytes(t, "market/pause", map[string]any{"caller": "owner"}), testHeight, testNow))
	res = submitCargo(t, a, orc, "alice", 1, 1, 1, testNow)
	mustFail(t, res, "market is paused")

	mustOk(t, a.deliverTx(txBytes(t, "market/unpause", map[string]any{"caller": "owner"}), testHeight, testNow))
	mustOk(t, submitCargo(t, a, orc, "alice", 1, 1, 1, testNow))
}

func TestSubmitCargo_RejectsUninitializedHandle(t *testing.T) {
	a, orc := setupMarket(t)
	openBatch(t, a, testNow)

	res := a.deliverTx(txBytes(t, "market/submit_cargo", map[string]any{
		"provider": "alice",
		"demand":   encryptHandle(t, orc, 1),
		"supply":   []byte{},
		"profit":   encryptHandle(t, orc, 1),
	}), testHeight, testNow)
	mustFail(t, res, "uninitialized ciphertext: supply")
}

func TestSubmitCargo_RejectsMalformedHandle(t *testing.T) {
	a, orc := setupMarket(t)
	openBatch(t, a, testNow)

	res := a.deliverTx(txBytes(t, "market/submit_cargo", map[string]any{
		"provider": "alice",
		"demand":   encryptHandle(t, orc, 1),
		"supply":   encryptHandle(t, orc, 1),
		"profit":   []byte{1, 2, 3},
	}), testHeight, testNow)
	mustFail(t, res, "profit ciphertext invalid")
}

func TestSubmitCargo_FailedSubmitLeavesNoTrace(t *testing.T) {
	a, orc := setupMarket(t)
	openBatch(t, a, testNow)

	// Malformed profit handle fails after the cooldown stamp; staging must
	// discard the stamp along with everything else.
	res := a.deliverTx(txBytes(t, "market/submit_cargo", map[string]any{
		"provider": "alice",
		"demand":   encryptHandle(t, orc, 1),
		"supply":   encryptHandle(t, orc, 1),
		"profit":   []byte{1, 2, 3},
	}), testHeight, testNow)
	mustFail(t, res, "profit ciphertext invalid")

	if _, stamped := a.st.Market.LastAction["alice"]; stamped {
		t.Fatalf("failed submit must not stamp cooldown")
	}
	b := a.st.Market.Batches[1]
	if b.SubmissionCount != 0 || len(b.TotalDemand) != 0 || b.HasSubmitted["alice"] {
		t.Fatalf("failed submit must not touch batch state: %+v", b)
	}

	// Immediately retrying with good handles succeeds at the same timestamp.
	mustOk(t, submitCargo(t, a, orc, "alice", 1, 1, 1, testNow))
}

func TestSubmitCargo_RequiresInitializedMarket(t *testing.T) {
	a := newTestApp(t)
	res := a.deliverTx(txBytes(t, "market/submit_cargo", map[string]any{
		"provider": "alice",
	}), testHeight, testNow)
	mustFail(t, res, "market not initialized")
}
