package server

import (
	"bytes"
	"crypto/ed25519"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/mr-tron/base58"
	"github.com/shopspring/decimal"

	"solana-flywheel/internal/health"
	"solana-flywheel/internal/jobs"
	"solana-flywheel/internal/storage"
)

type testServer struct {
	srv  *Server
	db   *storage.DB
	pub  string
	priv ed25519.PrivateKey

	pendingCreated []string
	pendingClosed  []string
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	db, err := storage.NewDB(filepath.Join(t.TempDir(), "api.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	pubKey, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}

	ts := &testServer{db: db, pub: base58.Encode(pubKey), priv: priv}
	ts.srv = New("127.0.0.1", 0, Deps{
		DB:               db,
		Runner:           jobs.NewRunner(db),
		Checker:          health.NewChecker(nil, db, nil),
		AdminPubkeys:     []string{ts.pub},
		OnPendingCreated: func(addr string) { ts.pendingCreated = append(ts.pendingCreated, addr) },
		OnPendingClosed:  func(addr string) { ts.pendingClosed = append(ts.pendingClosed, addr) },
	})
	return ts
}

func (ts *testServer) do(t *testing.T, req *http.Request) *http.Response {
	t.Helper()
	resp, err := ts.srv.app.Test(req, 5000)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	return resp
}

// adminReq builds a request carrying a fresh signed nonce
func (ts *testServer) adminReq(t *testing.T, method, path string, body []byte) *http.Request {
	t.Helper()
	nonceResp := ts.do(t, httptest.NewRequest("GET", "/admin/nonce", nil))
	var n struct {
		Nonce string `json:"nonce"`
	}
	if err := json.NewDecoder(nonceResp.Body).Decode(&n); err != nil {
		t.Fatalf("decode nonce: %v", err)
	}

	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("x-admin-pubkey", ts.pub)
	req.Header.Set("x-admin-nonce", n.Nonce)
	req.Header.Set("x-admin-signature", base58.Encode(ed25519.Sign(ts.priv, []byte(n.Nonce))))
	return req
}

func TestAdminRoutes_RequireAuth(t *testing.T) {
	ts := newTestServer(t)

	resp := ts.do(t, httptest.NewRequest("GET", "/admin/jobs", nil))
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without auth headers, got %d", resp.StatusCode)
	}

	resp = ts.do(t, httptest.NewRequest("POST", "/lifecycle/tokens", nil))
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 on lifecycle without auth, got %d", resp.StatusCode)
	}
}

func TestSetConfig_AllowedAndUnknownKeys(t *testing.T) {
	ts := newTestServer(t)

	body, _ := json.Marshal(map[string]string{storage.KeyMaxTradesPerMinute: "12"})
	resp := ts.do(t, ts.adminReq(t, "POST", "/admin/config", body))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 for allowed key, got %d", resp.StatusCode)
	}
	if got := ts.db.PlatformInt(storage.KeyMaxTradesPerMinute, 30); got != 12 {
		t.Fatalf("expected persisted value 12, got %d", got)
	}

	body, _ = json.Marshal(map[string]string{"made_up_key": "1"})
	resp = ts.do(t, ts.adminReq(t, "POST", "/admin/config", body))
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown key, got %d", resp.StatusCode)
	}
}

func TestRegisterTokenAndPublicRead(t *testing.T) {
	ts := newTestServer(t)
	owner, err := ts.db.CreateOwner("tester")
	if err != nil {
		t.Fatalf("create owner: %v", err)
	}

	body, _ := json.Marshal(map[string]any{
		"owner_id":    owner.ID,
		"mint":        "MintAPI",
		"symbol":      "API",
		"decimals":    6,
		"source":      "launched",
		"dev_wallet":  "DevAPI",
		"ops_wallet":  "OpsAPI",
		"algorithm":   "simple",
		"min_buy_sol": "0.01",
		"max_buy_sol": "0.05",
		"fee_percent": 10,
	})
	resp := ts.do(t, ts.adminReq(t, "POST", "/lifecycle/tokens", body))
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201, got %d", resp.StatusCode)
	}

	// Registering the same mint again conflicts.
	resp = ts.do(t, ts.adminReq(t, "POST", "/lifecycle/tokens", body))
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409 for duplicate mint, got %d", resp.StatusCode)
	}

	resp = ts.do(t, httptest.NewRequest("GET", "/tokens/MintAPI", nil))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected public token detail 200, got %d", resp.StatusCode)
	}
	var detail struct {
		Token struct {
			Mint string `json:"Mint"`
		} `json:"token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&detail); err != nil {
		t.Fatalf("decode detail: %v", err)
	}
	if detail.Token.Mint != "MintAPI" {
		t.Fatalf("unexpected detail payload mint %q", detail.Token.Mint)
	}

	resp = ts.do(t, httptest.NewRequest("GET", "/tokens/NoSuchMint", nil))
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown mint, got %d", resp.StatusCode)
	}
}

func TestTokenConfigPatch_MMOnlyCannotAutoClaim(t *testing.T) {
	ts := newTestServer(t)
	owner, _ := ts.db.CreateOwner("tester")

	body, _ := json.Marshal(map[string]any{
		"owner_id":    owner.ID,
		"mint":        "MintMM",
		"source":      "mm_only",
		"algorithm":   "simple",
		"min_buy_sol": "0.01",
		"max_buy_sol": "0.05",
	})
	resp := ts.do(t, ts.adminReq(t, "POST", "/lifecycle/tokens", body))
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("register failed: %d", resp.StatusCode)
	}

	patch, _ := json.Marshal(map[string]any{"auto_claim_enabled": true})
	resp = ts.do(t, ts.adminReq(t, "POST", "/admin/tokens/MintMM/config", patch))
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 enabling auto-claim on mm_only, got %d", resp.StatusCode)
	}

	patch, _ = json.Marshal(map[string]any{"slippage_bps": 250})
	resp = ts.do(t, ts.adminReq(t, "POST", "/admin/tokens/MintMM/config", patch))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 for valid patch, got %d", resp.StatusCode)
	}
}

func TestPendingLifecycleCallbacks(t *testing.T) {
	ts := newTestServer(t)
	owner, _ := ts.db.CreateOwner("tester")

	body, _ := json.Marshal(map[string]any{
		"kind":            "mm_only",
		"deposit_address": "DepAddr1",
		"min_amount":      "0.5",
		"payload": map[string]any{
			"owner_id": owner.ID,
			"mint":     "MintPend",
		},
	})
	resp := ts.do(t, ts.adminReq(t, "POST", "/lifecycle/pending", body))
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201, got %d", resp.StatusCode)
	}
	if len(ts.pendingCreated) != 1 || ts.pendingCreated[0] != "DepAddr1" {
		t.Fatalf("expected deposit watch callback for DepAddr1, got %v", ts.pendingCreated)
	}

	var pending struct {
		ID string `json:"ID"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&pending); err != nil {
		t.Fatalf("decode pending: %v", err)
	}

	resp = ts.do(t, ts.adminReq(t, "DELETE", "/lifecycle/pending/"+pending.ID, nil))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 cancelling, got %d", resp.StatusCode)
	}
	if len(ts.pendingClosed) != 1 || ts.pendingClosed[0] != "DepAddr1" {
		t.Fatalf("expected unwatch callback, got %v", ts.pendingClosed)
	}

	// Cancelling twice conflicts.
	resp = ts.do(t, ts.adminReq(t, "DELETE", "/lifecycle/pending/"+pending.ID, nil))
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409 on double cancel, got %d", resp.StatusCode)
	}

	resp = ts.do(t, ts.adminReq(t, "POST", "/lifecycle/pending", []byte(`{"kind":"bogus"}`)))
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad kind, got %d", resp.StatusCode)
	}
}

func TestReactivateSuspendedToken(t *testing.T) {
	ts := newTestServer(t)
	owner, _ := ts.db.CreateOwner("tester")

	devPub, devPriv, _ := ed25519.GenerateKey(nil)
	opsPub, opsPriv, _ := ed25519.GenerateKey(nil)
	devAddr := base58.Encode(devPub)
	opsAddr := base58.Encode(opsPub)

	tok, err := ts.db.RegisterToken(storage.Token{
		OwnerID:   owner.ID,
		Mint:      "MintSusp",
		Decimals:  6,
		Source:    storage.SourceLaunched,
		DevWallet: devAddr,
		OpsWallet: opsAddr,
	}, storage.TokenConfig{
		FlywheelActive: true,
		Algorithm:      storage.AlgoSimple,
		MinBuySOL:      decimal.NewFromFloat(0.01),
		MaxBuySOL:      decimal.NewFromFloat(0.05),
		SlippageBps:    500,
		FeePercent:     10,
		Ext:            storage.DefaultExt(storage.AlgoSimple),
	})
	if err != nil {
		t.Fatalf("register token: %v", err)
	}
	if err := ts.db.DeactivateToken(tok.ID); err != nil {
		t.Fatalf("deactivate: %v", err)
	}

	message := "reactivate MintSusp"
	body, _ := json.Marshal(map[string]any{
		"message": message,
		"signatures": map[string]string{
			devAddr: base58.Encode(ed25519.Sign(devPriv, []byte(message))),
			opsAddr: base58.Encode(ed25519.Sign(opsPriv, []byte(message))),
		},
	})
	resp := ts.do(t, ts.adminReq(t, "POST", "/lifecycle/tokens/MintSusp/reactivate", body))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("suspended token must be reachable for reactivation, got %d", resp.StatusCode)
	}

	got, err := ts.db.GetTokenByMint("MintSusp")
	if err != nil || got == nil {
		t.Fatalf("token not active after reactivation: %v", err)
	}

	// Missing one wallet's signature fails closed.
	if err := ts.db.DeactivateToken(tok.ID); err != nil {
		t.Fatalf("deactivate: %v", err)
	}
	body, _ = json.Marshal(map[string]any{
		"message": message,
		"signatures": map[string]string{
			devAddr: base58.Encode(ed25519.Sign(devPriv, []byte(message))),
		},
	})
	resp = ts.do(t, ts.adminReq(t, "POST", "/lifecycle/tokens/MintSusp/reactivate", body))
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409 without both wallet signatures, got %d", resp.StatusCode)
	}
}

func TestRegisterToken_FeeDefaultsToPlatformValue(t *testing.T) {
	ts := newTestServer(t)
	owner, _ := ts.db.CreateOwner("tester")

	register := func(mint string) *storage.TokenConfig {
		body, _ := json.Marshal(map[string]any{
			"owner_id":    owner.ID,
			"mint":        mint,
			"source":      "launched",
			"algorithm":   "simple",
			"min_buy_sol": "0.01",
			"max_buy_sol": "0.05",
		})
		resp := ts.do(t, ts.adminReq(t, "POST", "/lifecycle/tokens", body))
		if resp.StatusCode != http.StatusCreated {
			t.Fatalf("register %s failed: %d", mint, resp.StatusCode)
		}
		tok, err := ts.db.GetTokenByMint(mint)
		if err != nil || tok == nil {
			t.Fatalf("token lookup failed: %v", err)
		}
		cfg, err := ts.db.GetTokenConfig(tok.ID)
		if err != nil || cfg == nil {
			t.Fatalf("config lookup failed: %v", err)
		}
		return cfg
	}

	// Omitted fee_percent picks up the platform default, never zero.
	if cfg := register("MintFeeA"); cfg.FeePercent != 10 {
		t.Fatalf("expected default fee 10, got %v", cfg.FeePercent)
	}

	if err := ts.db.SetPlatformValue(storage.KeyFeePercent, "12.5"); err != nil {
		t.Fatalf("set fee: %v", err)
	}
	if cfg := register("MintFeeB"); cfg.FeePercent != 12.5 {
		t.Fatalf("expected configured fee 12.5, got %v", cfg.FeePercent)
	}
}

func TestTradesCSVExport(t *testing.T) {
	ts := newTestServer(t)

	resp := ts.do(t, ts.adminReq(t, "GET", "/admin/trades.csv", nil))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "text/csv" {
		t.Fatalf("expected text/csv, got %q", ct)
	}
}
