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

const stateHashDomainV0 = "rail/v1/state-hash"

// batchTotalHandles returns the batch's three totals for the decryption path,
// substituting encrypted zero for any field no submission ever touched. A
// zero-submission batch therefore decrypts to (0,0,0) instead of erroring.
func batchTotalHandles(b *state.Batch) (demand, supply, profit []byte) {
	zero := railcrypto.EncodeCiphertext(railcrypto.ZeroCiphertext())
	demand, supply, profit = zero, zero, zero
	if len(b.TotalDemand) != 0 {
		demand = b.TotalDemand
	}
	if len(b.TotalSupply) != 0 {
		supply = b.TotalSupply
	}
	if len(b.TotalProfit) != 0 {
		profit = b.TotalProfit
	}
	return demand, supply, profit
}

// computeStateHash commits to the exact ciphertext handles visible at request
// time, salted with the deployment's instance id. Finalization recomputes it
// from current state; any intervening submission changes the handles and
// therefore the hash.
func computeStateHash(instanceID string, batchID uint64, demand, supply, profit []byte) []byte {
	h := sha256.New()
	h.Write([]byte(stateHashDomainV0))
	h.Write([]byte{0})
	h.Write([]byte(instanceID))
	h.Write([]byte{0})
	var idLE [8]byte
	for i := 0; i < 8; i++ {
		idLE[i] = byte(batchID >> (8 * i))
	}
	h.Write(idLE[:])
	h.Write(demand)
	h.Write(supply)
	h.Write(profit)
	return h.Sum(nil)
}

func marketRequestDecryption(st *state.State, env codec.TxEnvelope, msg codec.MarketRequestDecryptionTx, nowUnix int64) (*abci.ExecTxResult, error) {
	m := st.Market
	if err := requireInitialized(m); err != nil {
		return nil, err
	}
	if err := requireNotPaused(m); err != nil {
		return nil, err
	}
	if msg.Requester == "" {
		return nil, fmt.Errorf("missing requester")
	}
	if err := requireActorAuth(st, env, msg.Requester); err != nil {
		return nil, err
	}
	if err := checkAndRecordCooldown(m, msg.Requester, nowUnix); err != nil {
		return nil, err
	}

	b := m.Batches[msg.BatchID]
	if b == nil {
		return nil, fmt.Errorf("unknown batch: %d", msg.BatchID)
	}
	// Downstream consumers key results by model version; a superseded batch
	// must never produce a fresh decryption.
	if b.ModelVersion != m.ModelVersion {
		return nil, fmt.Errorf("stale model version: batch has %d, current is %d", b.ModelVersion, m.ModelVersion)
	}

	demand, supply, profit := batchTotalHandles(b)
	stateHash := computeStateHash(m.InstanceID, b.ID, demand, supply, profit)

	id := m.NextRequestID
	m.NextRequestID++
	m.Requests[id] = &state.DecryptionRequest{
		BatchID:      b.ID,
		ModelVersion: b.ModelVersion,
		StateHash:    stateHash,
		Processed:    false,
		Requester:    msg.Requester,
	}

	// The state hash is public so anyone can tie a later finalization back to
	// the exact accumulator state it decrypts.
	return okEvent("DecryptionRequested", map[string]string{
		"requestId":    fmt.Sprintf("%d", id),
		"batchId":      fmt.Sprintf("%d", b.ID),
		"modelVersion": fmt.Sprintf("%d", b.ModelVersion),
		"requester":    msg.Requester,
		"stateHash":    hex.EncodeToString(stateHash),
		"demand":       hex.EncodeToString(demand),
		"supply":       hex.EncodeToString(supply),
		"profit":       hex.EncodeToString(profit),
	}), nil
}

func marketFinalizeDecryption(st *state.State, env codec.TxEnvelope, msg codec.MarketFinalizeDecryptionTx) (*abci.ExecTxResult, error) {
	m := st.Market
	if err := requireInitialized(m); err != nil {
		return nil, err
	}
	if err := requireNotPaused(m); err != nil {
		return nil, err
	}
	if msg.OracleID == "" || msg.OracleID != m.OracleID {
		return nil, fmt.Errorf("not the oracle")
	}
	if err := requireActorAuth(st, env, msg.OracleID); err != nil {
		return nil, err
	}

	reqCtx := m.Requests[msg.RequestID]
	if reqCtx == nil {
		return nil, fmt.Errorf("unknown request: %d", msg.RequestID)
	}
	if reqCtx.Processed {
		return nil, fmt.Errorf("request already processed")
	}
	if reqCtx.ModelVersion != m.ModelVersion {
		return nil, fmt.Errorf("stale model version: request has %d, current is %d", reqCtx.ModelVersion, m.ModelVersion)
	}

	b := m.Batches[reqCtx.BatchID]
	if b == nil {
		return nil, fmt.Errorf("unknown batch: %d", reqCtx.BatchID)
	}

	// Optimistic-concurrency check: the handles must still be exactly the ones
	// committed to at request time. Closing the batch in between is fine; a
	// totals change is not.
	demand, supply, profit := batchTotalHandles(b)
	current := computeStateHash(m.InstanceID, b.ID, demand, supply, profit)
	if hex.EncodeToString(current) != hex.EncodeToString(reqCtx.StateHash) {
		return nil, fmt.Errorf("state hash mismatch: batch totals changed since request")
	}

	oraclePK, err := railcrypto.PointFromBytesCanonical(m.OraclePubKey)
	if err != nil {
		return nil, fmt.Errorf("stored oracle key invalid: %w", err)
	}

	if err := verifyDecryptedField(oraclePK, demand, msg.Demand, "demand"); err != nil {
		return nil, err
	}
	if err := verifyDecryptedField(oraclePK, supply, msg.Supply, "supply"); err != nil {
		return nil, err
	}
	if err := verifyDecryptedField(oraclePK, profit, msg.Profit, "profit"); err != nil {
		return nil, err
	}

	reqCtx.Processed = true

	// The only place plaintext aggregates ever become visible.
	return okEvent("DecryptionCompleted", map[string]string{
		"requestId":    fmt.Sprintf("%d", msg.RequestID),
		"batchId":      fmt.Sprintf("%d", b.ID),
		"modelVersion": fmt.Sprintf("%d", reqCtx.ModelVersion),
		"demand":       fmt.Sprintf("%d", msg.Demand.Cleartext),
		"supply":       fmt.Sprintf("%d", msg.Supply.Cleartext),
		"profit":       fmt.Sprintf("%d", msg.Profit.Cleartext),
	}), nil
}

// verifyDecryptedField checks one aggregate end to end: the Chaum-Pedersen
// proof ties the share to the registered oracle key, and the share must
// decrypt the total to exactly the claimed cleartext (C2 - d == m*G).
func verifyDecryptedField(oraclePK railcrypto.Point, totalHandle []byte, f codec.DecryptedField, field string) error {
	ct, err := railcrypto.DecodeCiphertext(totalHandle)
	if err != nil {
		return fmt.Errorf("%s total invalid: %w", field, err)
	}
	share, err := railcrypto.PointFromBytesCanonical(f.Share)
	if err != nil {
		return fmt.Errorf("%s share invalid: %w", field, err)
	}
	proof, err := railcrypto.DecodeChaumPedersenProof(f.Proof)
	if err != nil {
		return fmt.Errorf("%s proof invalid: %w", field, err)
	}
	ok, err := railcrypto.ChaumPedersenVerify(oraclePK, ct.C1, share, proof)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("invalid decryption proof: %s", field)
	}
	plain := railcrypto.PointSub(ct.C2, share)
	if !railcrypto.PointEq(plain, railcrypto.MulBase(railcrypto.ScalarFromUint64(f.Cleartext))) {
		return fmt.Errorf("cleartext does not match decryption: %s", field)
	}
	return nil
}
