package codec

import (
	"encoding/json"
	"fmt"
)

// TxEnvelope is the v0 transaction container.
//
// CometBFT transactions are opaque bytes. For v0 localnet we use JSON-encoded
// txs to move fast; this is NOT the final protocol encoding.
type TxEnvelope struct {
	// Basic routing.
	Type  string          `json:"type"`
	Value json.RawMessage `json:"value"`

	// v0 tx auth (optional):
	// - Nonce: included in the signed message for replay protection (must increase per signer).
	// - Signer: logical signer id (actor id for market txs).
	// - Sig: Ed25519 signature over (type, nonce, signer, sha256(value)).
	//
	// Note: This is still a scaffold; it is NOT the final protocol encoding.
	Nonce  string `json:"nonce,omitempty"`
	Signer string `json:"signer,omitempty"`
	Sig    []byte `json:"sig,omitempty"`
}

func DecodeTxEnvelope(txBytes []byte) (TxEnvelope, error) {
	var env TxEnvelope
	if err := json.Unmarshal(txBytes, &env); err != nil {
		return TxEnvelope{}, fmt.Errorf("invalid tx json: %w", err)
	}
	if env.Type == "" {
		return TxEnvelope{}, fmt.Errorf("missing tx.type")
	}
	return env, nil
}

// ---- Market bootstrap ----

// MarketInitTx sets the market owner, the decryption oracle identity and its
// public key. Accepted exactly once, on an uninitialized market.
type MarketInitTx struct {
	Owner        string `json:"owner"`
	OracleID     string `json:"oracleId"`
	OraclePubKey []byte `json:"oraclePubKey"` // base64 (32-byte ristretto point)
}

// ---- Auth (v0) ----

// v0: actor pubkey registration for tx authentication.
type MarketRegisterKeyTx struct {
	Actor  string `json:"actor"`
	PubKey []byte `json:"pubKey"` // base64 (32 bytes)
}

// ---- Owner administration ----

type MarketAddProviderTx struct {
	Caller   string `json:"caller"`
	Provider string `json:"provider"`
}

type MarketRemoveProviderTx struct {
	Caller   string `json:"caller"`
	Provider string `json:"provider"`
}

type MarketPauseTx struct {
	Caller string `json:"caller"`
}

type MarketUnpauseTx struct {
	Caller string `json:"caller"`
}

type MarketSetCooldownTx struct {
	Caller       string `json:"caller"`
	IntervalSecs uint64 `json:"intervalSecs"`
}

// MarketAdvanceModelTx bumps the global model version. Batches and pending
// decryption requests stamped with an older version become stale. Optionally
// rotates the oracle key for the new model epoch.
type MarketAdvanceModelTx struct {
	Caller       string `json:"caller"`
	OraclePubKey []byte `json:"oraclePubKey,omitempty"` // base64 (32 bytes), optional rotation
}

type MarketOpenBatchTx struct {
	Caller string `json:"caller"`
}

type MarketCloseBatchTx struct {
	Caller string `json:"caller"`
}

// ---- Provider submissions ----

// MarketSubmitCargoTx carries one provider's encrypted cargo report. Each
// field is an opaque 64-byte ciphertext handle; the chain only ever adds them
// into the open batch's running totals.
type MarketSubmitCargoTx struct {
	Provider string `json:"provider"`
	Demand   []byte `json:"demand"` // base64 (64-byte ciphertext)
	Supply   []byte `json:"supply"` // base64 (64-byte ciphertext)
	Profit   []byte `json:"profit"` // base64 (64-byte ciphertext)
}

// ---- Decryption protocol ----

type MarketRequestDecryptionTx struct {
	Requester string `json:"requester"`
	BatchID   uint64 `json:"batchId"`
}

// DecryptedField is the oracle's answer for a single aggregate: the claimed
// cleartext, the decryption share d = x*C1, and a Chaum-Pedersen proof that
// the share was computed with the registered oracle key.
type DecryptedField struct {
	Cleartext uint64 `json:"cleartext"`
	Share     []byte `json:"share"` // base64 (32-byte point)
	Proof     []byte `json:"proof"` // base64 (96 bytes)
}

type MarketFinalizeDecryptionTx struct {
	OracleID  string         `json:"oracleId"`
	RequestID uint64         `json:"requestId"`
	Demand    DecryptedField `json:"demand"`
	Supply    DecryptedField `json:"supply"`
	Profit    DecryptedField `json:"profit"`
}
