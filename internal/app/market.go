package app

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	abci "github.com/cometbft/cometbft/abci/types"

	"github.com/tiffany0xlapoinp/Railroad-FHE/internal/codec"
	"github.com/tiffany0xlapoinp/Railroad-FHE/internal/railcrypto"
	"github.com/tiffany0xlapoinp/Railroad-FHE/internal/state"
)

const instanceIDDomainV0 = "rail/v1/instance"

func requireInitialized(m *state.Market) error {
	if !m.Initialized() {
		return fmt.Errorf("market not initialized")
	}
	return nil
}

func requireOwner(st *state.State, env codec.TxEnvelope, caller string) error {
	m := st.Market
	if err := requireInitialized(m); err != nil {
		return err
	}
	if caller == "" {
		return fmt.Errorf("missing caller")
	}
	if caller != m.Owner {
		return fmt.Errorf("not owner")
	}
	return requireActorAuth(st, env, caller)
}

func requireProvider(m *state.Market, id string) error {
	if id == "" {
		return fmt.Errorf("missing provider")
	}
	if !m.Providers[id] {
		return fmt.Errorf("not a provider")
	}
	return nil
}

func requireNotPaused(m *state.Market) error {
	if m.Paused {
		return fmt.Errorf("market is paused")
	}
	return nil
}

func marketInit(st *state.State, msg codec.MarketInitTx, nowUnix int64) (*abci.ExecTxResult, error) {
	m := st.Market
	if m.Initialized() {
		return nil, fmt.Errorf("market already initialized")
	}
	if msg.Owner == "" {
		return nil, fmt.Errorf("missing owner")
	}
	if msg.OracleID == "" {
		return nil, fmt.Errorf("missing oracleId")
	}
	if _, err := railcrypto.PointFromBytesCanonical(msg.OraclePubKey); err != nil {
		return nil, fmt.Errorf("oraclePubKey invalid: %w", err)
	}

	m.Owner = msg.Owner
	m.OracleID = msg.OracleID
	m.OraclePubKey = append([]byte(nil), msg.OraclePubKey...)
	m.ModelVersion = 1
	m.CooldownSecs = defaultCooldownSecs

	// The instance id salts every state hash so decryption proofs cannot be
	// replayed across deployments.
	sum := sha256.Sum256(txAuthSignBytesV0(instanceIDDomainV0, msg.OraclePubKey,
		fmt.Sprintf("%d|%d", st.Height, nowUnix), msg.Owner+"|"+msg.OracleID))
	m.InstanceID = hex.EncodeToString(sum[:16])

	return okEvent("MarketInitialized", map[string]string{
		"owner":        m.Owner,
		"oracleId":     m.OracleID,
		"instanceId":   m.InstanceID,
		"modelVersion": fmt.Sprintf("%d", m.ModelVersion),
	}), nil
}

func marketRegisterKey(st *state.State, env codec.TxEnvelope, msg codec.MarketRegisterKeyTx) (*abci.ExecTxResult, error) {
	if err := requireRegisterKeyAuth(env, msg); err != nil {
		return nil, err
	}
	if existing := st.AccountKeys[msg.Actor]; len(existing) != 0 {
		// Re-registration must present the same key; rotation is not a v0 concern.
		if len(existing) != len(msg.PubKey) || string(existing) != string(msg.PubKey) {
			return nil, fmt.Errorf("actor pubKey mismatch for %q", msg.Actor)
		}
		return okEvent("KeyRegistered", map[string]string{
			"actor":    msg.Actor,
			"existing": "true",
		}), nil
	}
	if len(msg.PubKey) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("pubKey must be %d bytes", ed25519.PublicKeySize)
	}
	st.AccountKeys[msg.Actor] = append([]byte(nil), msg.PubKey...)
	return okEvent("KeyRegistered", map[string]string{
		"actor": msg.Actor,
	}), nil
}

func marketAddProvider(st *state.State, env codec.TxEnvelope, msg codec.MarketAddProviderTx) (*abci.ExecTxResult, error) {
	if err := requireOwner(st, env, msg.Caller); err != nil {
		return nil, err
	}
	if msg.Provider == "" {
		return nil, fmt.Errorf("missing provider")
	}
	m := st.Market
	if m.Providers[msg.Provider] {
		// Idempotent for operator scripts.
		return okEvent("ProviderAdded", map[string]string{
			"provider": msg.Provider,
			"existing": "true",
		}), nil
	}
	m.Providers[msg.Provider] = true
	return okEvent("ProviderAdded", map[string]string{
		"provider": msg.Provider,
	}), nil
}

func marketRemoveProvider(st *state.State, env codec.TxEnvelope, msg codec.MarketRemoveProviderTx) (*abci.ExecTxResult, error) {
	if err := requireOwner(st, env, msg.Caller); err != nil {
		return nil, err
	}
	if msg.Provider == "" {
		return nil, fmt.Errorf("missing provider")
	}
	m := st.Market
	if !m.Providers[msg.Provider] {
		return okEvent("ProviderRemoved", map[string]string{
			"provider": msg.Provider,
			"existing": "false",
		}), nil
	}
	delete(m.Providers, msg.Provider)
	return okEvent("ProviderRemoved", map[string]string{
		"provider": msg.Provider,
	}), nil
}

func marketPause(st *state.State, env codec.TxEnvelope, msg codec.MarketPauseTx) (*abci.ExecTxResult, error) {
	if err := requireOwner(st, env, msg.Caller); err != nil {
		return nil, err
	}
	m := st.Market
	if m.Paused {
		return nil, fmt.Errorf("already paused")
	}
	m.Paused = true
	return okEvent("MarketPaused", map[string]string{
		"by": msg.Caller,
	}), nil
}

func marketUnpause(st *state.State, env codec.TxEnvelope, msg codec.MarketUnpauseTx) (*abci.ExecTxResult, error) {
	if err := requireOwner(st, env, msg.Caller); err != nil {
		return nil, err
	}
	m := st.Market
	if !m.Paused {
		return nil, fmt.Errorf("not paused")
	}
	m.Paused = false
	return okEvent("MarketUnpaused", map[string]string{
		"by": msg.Caller,
	}), nil
}

func marketSetCooldown(st *state.State, env codec.TxEnvelope, msg codec.MarketSetCooldownTx) (*abci.ExecTxResult, error) {
	if err := requireOwner(st, env, msg.Caller); err != nil {
		return nil, err
	}
	if msg.IntervalSecs < minCooldownSecs {
		return nil, fmt.Errorf("cooldown below minimum: %d < %d", msg.IntervalSecs, minCooldownSecs)
	}
	st.Market.CooldownSecs = msg.IntervalSecs
	return okEvent("CooldownUpdated", map[string]string{
		"intervalSecs": fmt.Sprintf("%d", msg.IntervalSecs),
	}), nil
}

func marketAdvanceModel(st *state.State, env codec.TxEnvelope, msg codec.MarketAdvanceModelTx) (*abci.ExecTxResult, error) {
	if err := requireOwner(st, env, msg.Caller); err != nil {
		return nil, err
	}
	m := st.Market
	if len(msg.OraclePubKey) != 0 {
		if _, err := railcrypto.PointFromBytesCanonical(msg.OraclePubKey); err != nil {
			return nil, fmt.Errorf("oraclePubKey invalid: %w", err)
		}
		m.OraclePubKey = append([]byte(nil), msg.OraclePubKey...)
	}
	m.ModelVersion++
	return okEvent("ModelAdvanced", map[string]string{
		"modelVersion": fmt.Sprintf("%d", m.ModelVersion),
	}), nil
}
