package app

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/json"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"

	abci "github.com/cometbft/cometbft/abci/types"

	"github.com/tiffany0xlapoinp/Railroad-FHE/internal/codec"
	"github.com/tiffany0xlapoinp/Railroad-FHE/internal/oracle"
	"github.com/tiffany0xlapoinp/Railroad-FHE/internal/railcrypto"
)

func mustMarshal(t *testing.T, v any) []byte {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return b
}

func txBytes(t *testing.T, typ string, value any) []byte {
	t.Helper()
	return mustMarshal(t, map[string]any{
		"type":  typ,
		"value": value,
	})
}

var testNonceSeq atomic.Uint64

func testEd25519Key(id string) (ed25519.PublicKey, ed25519.PrivateKey) {
	seed := sha256.Sum256([]byte("rail-test-key|" + id))
	priv := ed25519.NewKeyFromSeed(seed[:])
	return priv.Public().(ed25519.PublicKey), priv
}

func txBytesSigned(t *testing.T, typ string, value any, signer string) []byte {
	t.Helper()
	valueBytes := mustMarshal(t, value)
	nonce := strconv.FormatUint(testNonceSeq.Add(1), 10)
	_, priv := testEd25519Key(signer)
	msg := txAuthSignBytesV0(typ, valueBytes, nonce, signer)
	sig := ed25519.Sign(priv, msg)
	return mustMarshal(t, codec.TxEnvelope{
		Type:   typ,
		Value:  valueBytes,
		Nonce:  nonce,
		Signer: signer,
		Sig:    sig,
	})
}

func findEvent(events []abci.Event, typ string) *abci.Event {
	for i := range events {
		if events[i].Type == typ {
			return &events[i]
		}
	}
	return nil
}

func attr(ev *abci.Event, key string) string {
	if ev == nil {
		return ""
	}
	for _, a := range ev.Attributes {
		if a.Key == key {
			return a.Value
		}
	}
	return ""
}

func parseU64(t *testing.T, s string) uint64 {
	t.Helper()
	n, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		t.Fatalf("parse uint64 %q: %v", s, err)
	}
	return n
}

func newTestApp(t *testing.T) *RailApp {
	t.Helper()
	a, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return a
}

func mustOk(t *testing.T, res *abci.ExecTxResult) *abci.ExecTxResult {
	t.Helper()
	if res.Code != 0 {
		t.Fatalf("expected ok, got code=%d log=%q", res.Code, res.Log)
	}
	return res
}

func mustFail(t *testing.T, res *abci.ExecTxResult, logSubstr string) {
	t.Helper()
	if res.Code == 0 {
		t.Fatalf("expected failure containing %q, got ok", logSubstr)
	}
	if !strings.Contains(res.Log, logSubstr) {
		t.Fatalf("expected log containing %q, got %q", logSubstr, res.Log)
	}
}

const (
	testHeight = int64(1)
	testNow    = int64(1_700_000_000)
)

// setupMarket initializes a market owned by "owner" with a fresh oracle
// registered as "oracle", and allowlists providers "alice" and "bob".
func setupMarket(t *testing.T) (*RailApp, *oracle.Oracle) {
	t.Helper()

	a := newTestApp(t)
	orc, err := oracle.Generate(rand.Reader)
	if err != nil {
		t.Fatalf("oracle.Generate: %v", err)
	}

	mustOk(t, a.deliverTx(txBytes(t, "market/init", map[string]any{
		"owner":        "owner",
		"oracleId":     "oracle",
		"oraclePubKey": orc.PublicKey(),
	}), testHeight, testNow))

	mustOk(t, a.deliverTx(txBytes(t, "market/add_provider", map[string]any{
		"caller": "owner", "provider": "alice",
	}), testHeight, testNow))
	mustOk(t, a.deliverTx(txBytes(t, "market/add_provider", map[string]any{
		"caller": "owner", "provider": "bob",
	}), testHeight, testNow))

	return a, orc
}

func openBatch(t *testing.T, a *RailApp, now int64) uint64 {
	t.Helper()
	res := mustOk(t, a.deliverTx(txBytes(t, "market/open_batch", map[string]any{
		"caller": "owner",
	}), testHeight, now))
	return parseU64(t, attr(findEvent(res.Events, "BatchOpened"), "batchId"))
}

func encryptHandle(t *testing.T, orc *oracle.Oracle, value uint64) []byte {
	t.Helper()
	pk, err := railcrypto.PointFromBytesCanonical(orc.PublicKey())
	if err != nil {
		t.Fatalf("oracle pk: %v", err)
	}
	r, err := railcrypto.RandomScalar(rand.Reader)
	if err != nil {
		t.Fatalf("randomness: %v", err)
	}
	ct, err := railcrypto.Encrypt(pk, value, r)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	return railcrypto.EncodeCiphertext(ct)
}

func submitCargo(t *testing.T, a *RailApp, orc *oracle.Oracle, provider string, demand, supply, profit uint64, now int64) *abci.ExecTxResult {
	t.Helper()
	return a.deliverTx(txBytes(t, "market/submit_cargo", map[string]any{
		"provider": provider,
		"demand":   encryptHandle(t, orc, demand),
		"supply":   encryptHandle(t, orc, supply),
		"profit":   encryptHandle(t, orc, profit),
	}), testHeight, now)
}

func TestInit_SetsOwnerOracleAndModelVersion(t *testing.T) {
	a := newTestApp(t)
	orc, err := oracle.Generate(rand.Reader)
	if err != nil {
		t.Fatalf("oracle.Generate: %v", err)
	}

	res := mustOk(t, a.deliverTx(txBytes(t, "market/init", map[string]any{
		"owner":        "owner",
		"oracleId":     "oracle",
		"oraclePubKey": orc.PublicKey(),
	}), testHeight, testNow))

	ev := findEvent(res.Events, "MarketInitialized")
	if ev == nil {
		t.Fatalf("expected MarketInitialized event")
	}
	if attr(ev, "owner") != "owner" || attr(ev, "oracleId") != "oracle" {
		t.Fatalf("unexpected init attrs: %+v", ev.Attributes)
	}
	if attr(ev, "instanceId") == "" {
		t.Fatalf("expected non-empty instanceId")
	}
	if a.st.Market.ModelVersion != 1 {
		t.Fatalf("expected modelVersion=1, got %d", a.st.Market.ModelVersion)
	}
	if a.st.Market.CooldownSecs != defaultCooldownSecs {
		t.Fatalf("expected default cooldown, got %d", a.st.Market.CooldownSecs)
	}
}

func TestInit_RejectsSecondInit(t *testing.T) {
	a, orc := setupMarket(t)
	res := a.deliverTx(txBytes(t, "market/init", map[string]any{
		"owner":        "mallory",
		"oracleId":     "oracle2",
		"oraclePubKey": orc.PublicKey(),
	}), testHeight, testNow)
	mustFail(t, res, "already initialized")
	if a.st.Market.Owner != "owner" {
		t.Fatalf("owner must not change")
	}
}

func TestInit_RejectsBadOracleKey(t *testing.T) {
	a := newTestApp(t)
	res := a.deliverTx(txBytes(t, "market/init", map[string]any{
		"owner":        "owner",
		"oracleId":     "oracle",
		"oraclePubKey": []byte{1, 2, 3},
	}), testHeight, testNow)
	mustFail(t, res, "oraclePubKey invalid")
}

func TestUnknownTxType(t *testing.T) {
	a, _ := setupMarket(t)
	res := a.deliverTx(txBytes(t, "market/no_such_op", map[string]any{}), testHeight, testNow)
	mustFail(t, res, "unknown tx type")
}

func TestQuery_MarketBatchAndRequestPaths(t *testing.T) {
	a, orc := setupMarket(t)
	batchID := openBatch(t, a, testNow)
	mustOk(t, submitCargo(t, a, orc, "alice", 5, 5, 5, testNow))
	mustOk(t, a.deliverTx(txBytes(t, "market/request_decryption", map[string]any{
		"requester": "watcher", "batchId": batchID,
	}), testHeight, testNow))

	res, err := a.Query(context.Background(), &abci.QueryRequest{Path: "/market"})
	if err != nil || res.Code != 0 {
		t.Fatalf("query /market: err=%v code=%d", err, res.Code)
	}
	var mkt map[string]any
	if err := json.Unmarshal(res.Value, &mkt); err != nil {
		t.Fatalf("unmarshal market: %v", err)
	}
	if mkt["owner"] != "owner" || mkt["currentBatchId"].(float64) != 1 {
		t.Fatalf("unexpected market view: %v", mkt)
	}

	res, err = a.Query(context.Background(), &abci.QueryRequest{Path: "/batch/1"})
	if err != nil || res.Code != 0 {
		t.Fatalf("query /batch/1: err=%v code=%d", err, res.Code)
	}

	res, err = a.Query(context.Background(), &abci.QueryRequest{Path: "/request/1"})
	if err != nil || res.Code != 0 {
		t.Fatalf("query /request/1: err=%v code=%d", err, res.Code)
	}

	res, err = a.Query(context.Background(), &abci.QueryRequest{Path: "/batch/notanumber"})
	if err != nil || res.Code == 0 {
		t.Fatalf("expected bad batch id to fail")
	}
	res, err = a.Query(context.Background(), &abci.QueryRequest{Path: "/nope"})
	if err != nil || res.Code == 0 {
		t.Fatalf("expected unknown path to fail")
	}
}
