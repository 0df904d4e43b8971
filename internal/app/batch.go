package app

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	abci "github.com/cometbft/cometbft/abci/types"

	"github.com/tiffany0xlapoinp/Railroad-FHE/internal/codec"
	"github.com/tiffany0xlapoinp/Railroad-FHE/internal/railcrypto"
	"github.com/tiffany0xlapoinp/Railroad-FHE/internal/state"
)

func marketOpenBatch(st *state.State, env codec.TxEnvelope, msg codec.MarketOpenBatchTx, nowUnix int64) (*abci.ExecTxResult, error) {
	if err := requireOwner(st, env, msg.Caller); err != nil {
		return nil, err
	}
	m := st.Market
	if cur := m.CurrentBatch(); cur != nil && cur.Active {
		return nil, fmt.Errorf("batch %d still open", cur.ID)
	}

	m.CurrentBatchID++
	b := &state.Batch{
		ID:           m.CurrentBatchID,
		Active:       true,
		ModelVersion: m.ModelVersion,
		OpenedAt:     nowUnix,
		HasSubmitted: map[string]bool{},
	}
	m.Batches[b.ID] = b

	return okEvent("BatchOpened", map[string]string{
		"batchId":      fmt.Sprintf("%d", b.ID),
		"modelVersion": fmt.Sprintf("%d", b.ModelVersion),
	}), nil
}

func marketCloseBatch(st *state.State, env codec.TxEnvelope, msg codec.MarketCloseBatchTx, nowUnix int64) (*abci.ExecTxResult, error) {
	if err := requireOwner(st, env, msg.Caller); err != nil {
		return nil, err
	}
	m := st.Market
	b := m.CurrentBatch()
	if b == nil {
		return nil, fmt.Errorf("no batch open")
	}
	if !b.Active {
		return nil, fmt.Errorf("batch %d already closed", b.ID)
	}
	b.Active = false
	b.ClosedAt = nowUnix

	return okEvent("BatchClosed", map[string]string{
		"batchId":     fmt.Sprintf("%d", b.ID),
		"submissions": fmt.Sprintf("%d", b.SubmissionCount),
	}), nil
}

func marketSubmitCargo(st *state.State, env codec.TxEnvelope, msg codec.MarketSubmitCargoTx, nowUnix int64) (*abci.ExecTxResult, error) {
	m := st.Market
	if err := requireInitialized(m); err != nil {
		return nil, err
	}
	if err := requireNotPaused(m); err != nil {
		return nil, err
	}
	if err := requireProvider(m, msg.Provider); err != nil {
		return nil, err
	}
	if err := requireActorAuth(st, env, msg.Provider); err != nil {
		return nil, err
	}
	if err := checkAndRecordCooldown(m, msg.Provider, nowUnix); err != nil {
		return nil, err
	}

	b := m.CurrentBatch()
	if b == nil {
		return nil, fmt.Errorf("no batch open")
	}
	if !b.Active {
		return nil, fmt.Errorf("batch closed")
	}
	if b.HasSubmitted[msg.Provider] {
		return nil, fmt.Errorf("provider already submitted this batch")
	}

	// Submissions must be explicit encrypted values: an empty handle is a
	// client bug, never an implicit zero.
	demand, err := decodeSubmittedHandle(msg.Demand, "demand")
	if err != nil {
		return nil, err
	}
	supply, err := decodeSubmittedHandle(msg.Supply, "supply")
	if err != nil {
		return nil, err
	}
	profit, err := decodeSubmittedHandle(msg.Profit, "profit")
	if err != nil {
		return nil, err
	}

	b.TotalDemand, err = accumulate(b.TotalDemand, demand)
	if err != nil {
		return nil, fmt.Errorf("accumulate demand: %w", err)
	}
	b.TotalSupply, err = accumulate(b.TotalSupply, supply)
	if err != nil {
		return nil, fmt.Errorf("accumulate supply: %w", err)
	}
	b.TotalProfit, err = accumulate(b.TotalProfit, profit)
	if err != nil {
		return nil, fmt.Errorf("accumulate profit: %w", err)
	}

	b.SubmissionCount++
	b.HasSubmitted[msg.Provider] = true

	// Handle references only; plaintext never appears in events.
	return okEvent("CargoSubmitted", map[string]string{
		"batchId":     fmt.Sprintf("%d", b.ID),
		"provider":    msg.Provider,
		"submissions": fmt.Sprintf("%d", b.SubmissionCount),
		"demandRef":   handleRef(msg.Demand),
		"supplyRef":   handleRef(msg.Supply),
		"profitRef":   handleRef(msg.Profit),
	}), nil
}

// decodeSubmittedHandle enforces the submission-path rule: every field must be
// a real, initialized ciphertext.
func decodeSubmittedHandle(handle []byte, field string) (railcrypto.Ciphertext, error) {
	if len(handle) == 0 {
		return railcrypto.Ciphertext{}, fmt.Errorf("uninitialized ciphertext: %s", field)
	}
	ct, err := railcrypto.DecodeCiphertext(handle)
	if err != nil {
		return railcrypto.Ciphertext{}, fmt.Errorf("%s ciphertext invalid: %w", field, err)
	}
	return ct, nil
}

// accumulate replaces a running total with the homomorphic sum of the old
// total and the newly submitted ciphertext. A nil total reads as encrypted
// zero. Purely an operation over opaque handles; no plaintext materializes.
func accumulate(total []byte, add railcrypto.Ciphertext) ([]byte, error) {
	cur := railcrypto.ZeroCiphertext()
	if len(total) != 0 {
		var err error
		cur, err = railcrypto.DecodeCiphertext(total)
		if err != nil {
			return nil, fmt.Errorf("stored total invalid: %w", err)
		}
	}
	return railcrypto.EncodeCiphertext(railcrypto.CiphertextAdd(cur, add)), nil
}

func handleRef(handle []byte) string {
	sum := sha256.Sum256(handle)
	return hex.EncodeToString(sum[:8])
}
