package state

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
)

type State struct {
	Height int64 `json:"height"`

	AccountKeys map[string][]byte `json:"accountKeys,omitempty"` // actor -> ed25519 pubkey (32 bytes)
	NonceMax    map[string]uint64 `json:"nonceMax,omitempty"`    // signer -> last accepted tx.nonce (u64), for replay protection

	Market *Market `json:"market"`
}

// Market is the single top-level container for the confidential cargo market.
// All provider/cooldown/batch/request tables hang off it; nothing else in the
// app mutates them.
type Market struct {
	// Set once by market/init; Owner == "" means uninitialized.
	Owner        string `json:"owner,omitempty"`
	OracleID     string `json:"oracleId,omitempty"`
	OraclePubKey []byte `json:"oraclePubKey,omitempty"` // 32-byte ristretto point
	// InstanceID binds state hashes to this deployment so a decryption proof
	// generated for one chain cannot be replayed against another.
	InstanceID string `json:"instanceId,omitempty"`

	Paused       bool   `json:"paused,omitempty"`
	ModelVersion uint64 `json:"modelVersion,omitempty"`
	CooldownSecs uint64 `json:"cooldownSecs,omitempty"`

	Providers  map[string]bool  `json:"providers,omitempty"`
	LastAction map[string]int64 `json:"lastAction,omitempty"` // actor -> unix seconds of last throttled call

	CurrentBatchID uint64            `json:"currentBatchId,omitempty"`
	Batches        map[uint64]*Batch `json:"batches,omitempty"`

	NextRequestID uint64                        `json:"nextRequestId,omitempty"`
	Requests      map[uint64]*DecryptionRequest `json:"requests,omitempty"`
}

// Batch is one accumulation window. Totals are opaque 64-byte ciphertext
// handles (additively homomorphic); nil/empty means "uninitialized", which
// reads as encrypted zero on the decryption path.
type Batch struct {
	ID           uint64 `json:"id"`
	Active       bool   `json:"active"`
	ModelVersion uint64 `json:"modelVersion"`
	OpenedAt     int64  `json:"openedAt"`
	ClosedAt     int64  `json:"closedAt,omitempty"`

	SubmissionCount uint64 `json:"submissionCount"`

	TotalDemand []byte `json:"totalDemand,omitempty"`
	TotalSupply []byte `json:"totalSupply,omitempty"`
	TotalProfit []byte `json:"totalProfit,omitempty"`

	// One submission per provider per batch. Historical batches keep their
	// full submitter sets (known growth characteristic, no pruning).
	HasSubmitted map[string]bool `json:"hasSubmitted,omitempty"`
}

// DecryptionRequest is the pending half of the two-phase decrypt protocol.
// Created by market/request_decryption, flipped to Processed exactly once by
// market/finalize_decryption, never deleted (audit trail).
type DecryptionRequest struct {
	BatchID      uint64 `json:"batchId"`
	ModelVersion uint64 `json:"modelVersion"`
	StateHash    []byte `json:"stateHash"`
	Processed    bool   `json:"processed"`
	Requester    string `json:"requester"`
}

func NewState() *State {
	return &State{
		Height:      0,
		AccountKeys: map[string][]byte{},
		NonceMax:    map[string]uint64{},
		Market:      NewMarket(),
	}
}

func NewMarket() *Market {
	return &Market{
		Providers:     map[string]bool{},
		LastAction:    map[string]int64{},
		Batches:       map[uint64]*Batch{},
		NextRequestID: 1,
		Requests:      map[uint64]*DecryptionRequest{},
	}
}

func (m *Market) Initialized() bool {
	return m != nil && m.Owner != ""
}

// CurrentBatch returns the batch identified by CurrentBatchID, or nil if no
// batch has ever been opened.
func (m *Market) CurrentBatch() *Batch {
	if m == nil || m.CurrentBatchID == 0 {
		return nil
	}
	return m.Batches[m.CurrentBatchID]
}

func normalize(st *State) {
	if st.AccountKeys == nil {
		st.AccountKeys = map[string][]byte{}
	}
	if st.NonceMax == nil {
		st.NonceMax = map[string]uint64{}
	}
	if st.Market == nil {
		st.Market = NewMarket()
	}
	m := st.Market
	if m.Providers == nil {
		m.Providers = map[string]bool{}
	}
	if m.LastAction == nil {
		m.LastAction = map[string]int64{}
	}
	if m.Batches == nil {
		m.Batches = map[uint64]*Batch{}
	}
	if m.Requests == nil {
		m.Requests = map[uint64]*DecryptionRequest{}
	}
	if m.NextRequestID == 0 {
		m.NextRequestID = 1
	}
	for _, b := range m.Batches {
		if b != nil && b.HasSubmitted == nil {
			b.HasSubmitted = map[string]bool{}
		}
	}
}

func Load(home string) (*State, error) {
	path := filepath.Join(home, "state.json")
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return NewState(), nil
		}
		return nil, fmt.Errorf("read state: %w", err)
	}
	var st State
	if err := json.Unmarshal(b, &st); err != nil {
		return nil, fmt.Errorf("decode state: %w", err)
	}
	normalize(&st)
	return &st, nil
}

func (s *State) Save(home string) error {
	if err := os.MkdirAll(home, 0o755); err != nil {
		return fmt.Errorf("mkdir home: %w", err)
	}
	path := filepath.Join(home, "state.json")
	b, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("encode state: %w", err)
	}
	if err := os.WriteFile(path, b, 0o644); err != nil {
		return fmt.Errorf("write state: %w", err)
	}
	return nil
}

// Clone returns a deep copy of state suitable for staged tx execution.
func (s *State) Clone() (*State, error) {
	if s == nil {
		return nil, fmt.Errorf("state is nil")
	}
	b, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("encode state clone: %w", err)
	}
	var out State
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, fmt.Errorf("decode state clone: %w", err)
	}
	normalize(&out)
	return &out, nil
}

func (s *State) AppHash() []byte {
	// Deterministic JSON hash: marshal with stable key ordering by serializing
	// a normalized view.
	//
	// Note: encoding/json does NOT guarantee map key order, so we manually
	// normalize maps into slices.
	type accountKeyKV struct {
		Actor  string `json:"actor"`
		PubKey []byte `json:"pubKey"`
	}
	type nonceKV struct {
		Signer string `json:"signer"`
		Nonce  uint64 `json:"nonce"`
	}
	type providerKV struct {
		Provider string `json:"provider"`
		Member   bool   `json:"member"`
	}
	type actionKV struct {
		Actor string `json:"actor"`
		At    int64  `json:"at"`
	}
	type batchKV struct {
		ID        uint64   `json:"id"`
		Batch     *Batch   `json:"batch"`
		Submitted []string `json:"submitted"`
	}
	type requestKV struct {
		ID      uint64             `json:"id"`
		Request *DecryptionRequest `json:"request"`
	}

	accountKeys := make([]accountKeyKV, 0, len(s.AccountKeys))
	for k, v := range s.AccountKeys {
		accountKeys = append(accountKeys, accountKeyKV{Actor: k, PubKey: v})
	}
	sort.Slice(accountKeys, func(i, j int) bool { return accountKeys[i].Actor < accountKeys[j].Actor })

	nonces := make([]nonceKV, 0, len(s.NonceMax))
	for k, v := range s.NonceMax {
		nonces = append(nonces, nonceKV{Signer: k, Nonce: v})
	}
	sort.Slice(nonces, func(i, j int) bool { return nonces[i].Signer < nonces[j].Signer })

	m := s.Market
	if m == nil {
		m = NewMarket()
	}

	providers := make([]providerKV, 0, len(m.Providers))
	for k, v := range m.Providers {
		providers = append(providers, providerKV{Provider: k, Member: v})
	}
	sort.Slice(providers, func(i, j int) bool { return providers[i].Provider < providers[j].Provider })

	actions := make([]actionKV, 0, len(m.LastAction))
	for k, v := range m.LastAction {
		actions = append(actions, actionKV{Actor: k, At: v})
	}
	sort.Slice(actions, func(i, j int) bool { return actions[i].Actor < actions[j].Actor })

	batches := make([]batchKV, 0, len(m.Batches))
	for id, b := range m.Batches {
		submitted := make([]string, 0, len(b.HasSubmitted))
		for p := range b.HasSubmitted {
			submitted = append(submitted, p)
		}
		sort.Strings(submitted)
		batches = append(batches, batchKV{ID: id, Batch: b, Submitted: submitted})
	}
	sort.Slice(batches, func(i, j int) bool { return batches[i].ID < batches[j].ID })

	requests := make([]requestKV, 0, len(m.Requests))
	for id, r := range m.Requests {
		requests = append(requests, requestKV{ID: id, Request: r})
	}
	sort.Slice(requests, func(i, j int) bool { return requests[i].ID < requests[j].ID })

	normalized := struct {
		Height         int64          `json:"height"`
		AccountKeys    []accountKeyKV `json:"accountKeys,omitempty"`
		NonceMax       []nonceKV      `json:"nonceMax,omitempty"`
		Owner          string         `json:"owner,omitempty"`
		OracleID       string         `json:"oracleId,omitempty"`
		OraclePubKey   []byte         `json:"oraclePubKey,omitempty"`
		InstanceID     string         `json:"instanceId,omitempty"`
		Paused         bool           `json:"paused,omitempty"`
		ModelVersion   uint64         `json:"modelVersion,omitempty"`
		CooldownSecs   uint64         `json:"cooldownSecs,omitempty"`
		Providers      []providerKV   `json:"providers,omitempty"`
		LastAction     []actionKV     `json:"lastAction,omitempty"`
		CurrentBatchID uint64         `json:"currentBatchId,omitempty"`
		Batches        []batchKV      `json:"batches,omitempty"`
		NextRequestID  uint64         `json:"nextRequestId,omitempty"`
		Requests       []requestKV    `json:"requests,omitempty"`
	}{
		Height:         s.Height,
		AccountKeys:    accountKeys,
		NonceMax:       nonces,
		Owner:          m.Owner,
		OracleID:       m.OracleID,
		OraclePubKey:   m.OraclePubKey,
		InstanceID:     m.InstanceID,
		Paused:         m.Paused,
		ModelVersion:   m.ModelVersion,
		CooldownSecs:   m.CooldownSecs,
		Providers:      providers,
		LastAction:     actions,
		CurrentBatchID: m.CurrentBatchID,
		Batches:        batches,
		NextRequestID:  m.NextRequestID,
		Requests:       requests,
	}

	b, _ := json.Marshal(normalized)
	sum := sha256.Sum256(b)
	return sum[:]
}
