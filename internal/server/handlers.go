package server

import (
	"bytes"
	"encoding/csv"
	"strconv"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"solana-flywheel/internal/storage"
)

// allowedConfigKeys is the set of platform settings writable over the API
var allowedConfigKeys = map[string]bool{
	storage.KeyFastClaimEnabled:    true,
	storage.KeyFlywheelEnabled:     true,
	storage.KeyDepositMonEnabled:   true,
	storage.KeyBalanceJobEnabled:   true,
	storage.KeyFeePercent:          true,
	storage.KeyFastClaimThreshold:  true,
	storage.KeyFastClaimInterval:   true,
	storage.KeyMaxTradesPerMinute:  true,
	storage.KeyFlywheelIntervalMin: true,
	storage.KeyWheelMinBuy:         true,
	storage.KeyWheelMaxBuy:         true,
}

func (s *Server) handleListJobs(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"jobs": s.runner.Snapshot()})
}

func (s *Server) handleTriggerJob(c *fiber.Ctx) error {
	name := c.Params("job")
	if err := s.runner.RunNow(name); err != nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": err.Error()})
	}
	log.Info().Str("job", name).Msg("job triggered via admin API")
	return c.JSON(fiber.Map{"status": "triggered", "job": name})
}

func (s *Server) handleSetConfig(c *fiber.Ctx) error {
	var values map[string]string
	if err := c.BodyParser(&values); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid payload"})
	}

	for key := range values {
		if !allowedConfigKeys[key] {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "unknown config key: " + key})
		}
	}
	for key, value := range values {
		if err := s.db.SetPlatformValue(key, value); err != nil {
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": err.Error()})
		}
		log.Info().Str("key", key).Str("value", value).Msg("platform config updated")
	}
	return c.JSON(fiber.Map{"status": "updated", "keys": len(values)})
}

func (s *Server) handleWheelConfig(c *fiber.Ctx) error {
	values, err := s.db.AllPlatformValues()
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": err.Error()})
	}
	return c.JSON(fiber.Map{"config": values})
}

func (s *Server) handleTradesCSV(c *fiber.Ctx) error {
	trades, err := s.db.AllTrades()
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": err.Error()})
	}

	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	w.Write([]string{"id", "token_id", "mint", "side", "amount", "signature", "status", "reason", "created_at"})
	for _, t := range trades {
		w.Write([]string{
			strconv.FormatInt(t.ID, 10),
			t.TokenID,
			t.Mint,
			string(t.Side),
			t.Amount.String(),
			t.Signature,
			string(t.Status),
			t.Reason,
			strconv.FormatInt(t.CreatedAt, 10),
		})
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": err.Error()})
	}

	c.Set(fiber.HeaderContentType, "text/csv")
	c.Set(fiber.HeaderContentDisposition, `attachment; filename="trades.csv"`)
	return c.Send(buf.Bytes())
}

type tokenConfigPatch struct {
	FlywheelActive   *bool    `json:"flywheel_active"`
	AutoClaimEnabled *bool    `json:"auto_claim_enabled"`
	Algorithm        *string  `json:"algorithm"`
	MinBuySOL        *string  `json:"min_buy_sol"`
	MaxBuySOL        *string  `json:"max_buy_sol"`
	MaxSellTokens    *string  `json:"max_sell_tokens"`
	SlippageBps      *int     `json:"slippage_bps"`
	FeePercent       *float64 `json:"fee_percent"`
	Ext              *storage.AlgoExt `json:"ext"`
}

func (s *Server) handleTokenConfig(c *fiber.Ctx) error {
	tok, err := s.db.GetTokenByMint(c.Params("mint"))
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": err.Error()})
	}
	if tok == nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "unknown token"})
	}

	cfg, err := s.db.GetTokenConfig(tok.ID)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": err.Error()})
	}

	var patch tokenConfigPatch
	if err := c.BodyParser(&patch); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid payload"})
	}

	if patch.FlywheelActive != nil {
		cfg.FlywheelActive = *patch.FlywheelActive
	}
	if patch.AutoClaimEnabled != nil {
		if tok.Source == storage.SourceMMOnly && *patch.AutoClaimEnabled {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "mm_only tokens cannot auto-claim"})
		}
		cfg.AutoClaimEnabled = *patch.AutoClaimEnabled
	}
	if patch.Algorithm != nil {
		cfg.Algorithm = storage.Algorithm(*patch.Algorithm)
		cfg.Ext = storage.DefaultExt(cfg.Algorithm)
	}
	if patch.Ext != nil {
		cfg.Ext = *patch.Ext
	}
	if patch.MinBuySOL != nil {
		d, err := decimal.NewFromString(*patch.MinBuySOL)
		if err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "bad min_buy_sol"})
		}
		cfg.MinBuySOL = d
	}
	if patch.MaxBuySOL != nil {
		d, err := decimal.NewFromString(*patch.MaxBuySOL)
		if err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "bad max_buy_sol"})
		}
		cfg.MaxBuySOL = d
	}
	if patch.MaxSellTokens != nil {
		d, err := decimal.NewFromString(*patch.MaxSellTokens)
		if err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "bad max_sell_tokens"})
		}
		cfg.MaxSellTokens = d
	}
	if patch.SlippageBps != nil {
		cfg.SlippageBps = *patch.SlippageBps
	}
	if patch.FeePercent != nil {
		cfg.FeePercent = *patch.FeePercent
	}

	if err := cfg.Validate(); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
	}
	if err := s.db.UpdateTokenConfig(*cfg); err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": err.Error()})
	}

	log.Info().Str("token", tok.ID).Msg("token config updated via admin API")
	return c.JSON(fiber.Map{"status": "updated", "token": tok.ID})
}

type createPendingRequest struct {
	Kind           string                    `json:"kind"`
	DepositAddress string                    `json:"deposit_address"`
	MinAmount      string                    `json:"min_amount"`
	Payload        storage.ActivationPayload `json:"payload"`
}

func (s *Server) handleCreatePending(c *fiber.Ctx) error {
	var req createPendingRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid payload"})
	}

	kind := storage.PendingKind(req.Kind)
	if kind != storage.KindLaunch && kind != storage.KindMMOnly {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "kind must be launch or mm_only"})
	}
	minAmount, err := decimal.NewFromString(req.MinAmount)
	if err != nil || minAmount.IsNegative() || minAmount.IsZero() {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "bad min_amount"})
	}
	if req.DepositAddress == "" || req.Payload.Mint == "" || req.Payload.OwnerID == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "missing fields"})
	}

	pending, err := s.db.CreatePendingActivation(kind, req.DepositAddress, minAmount, req.Payload)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": err.Error()})
	}

	if s.onPendingCreated != nil {
		s.onPendingCreated(pending.DepositAddress)
	}
	return c.Status(fiber.StatusCreated).JSON(pending)
}

func (s *Server) handleCancelPending(c *fiber.Ctx) error {
	id := c.Params("id")

	pending, err := s.db.GetPendingActivation(id)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": err.Error()})
	}
	if pending == nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "unknown pending activation"})
	}

	if err := s.db.CancelPendingActivation(id); err != nil {
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{"error": err.Error()})
	}

	if s.onPendingClosed != nil {
		s.onPendingClosed(pending.DepositAddress)
	}
	return c.JSON(fiber.Map{"status": "cancelled", "id": id})
}

type registerTokenRequest struct {
	OwnerID     string  `json:"owner_id"`
	Mint        string  `json:"mint"`
	Symbol      string  `json:"symbol"`
	Decimals    uint8   `json:"decimals"`
	Source      string  `json:"source"`
	DevWallet   string  `json:"dev_wallet"`
	OpsWallet   string  `json:"ops_wallet"`
	Algorithm   string  `json:"algorithm"`
	MinBuySOL   string  `json:"min_buy_sol"`
	MaxBuySOL   string  `json:"max_buy_sol"`
	SlippageBps int     `json:"slippage_bps"`
	FeePercent  float64 `json:"fee_percent"`
}

func (s *Server) handleRegisterToken(c *fiber.Ctx) error {
	var req registerTokenRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid payload"})
	}

	minBuy, err1 := decimal.NewFromString(req.MinBuySOL)
	maxBuy, err2 := decimal.NewFromString(req.MaxBuySOL)
	if err1 != nil || err2 != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "bad buy bounds"})
	}

	algo := storage.Algorithm(req.Algorithm)
	if algo == "" {
		algo = storage.AlgoSimple
	}
	source := storage.TokenSource(req.Source)

	slippage := req.SlippageBps
	if slippage == 0 {
		slippage = 500
	}
	fee := req.FeePercent
	if source == storage.SourcePlatform {
		fee = 0
	} else if fee == 0 {
		fee = s.db.PlatformFloat(storage.KeyFeePercent, 10)
	}

	cfg := storage.TokenConfig{
		FlywheelActive:   true,
		AutoClaimEnabled: source != storage.SourceMMOnly,
		Algorithm:        algo,
		MinBuySOL:        minBuy,
		MaxBuySOL:        maxBuy,
		SlippageBps:      slippage,
		FeePercent:       fee,
		Ext:              storage.DefaultExt(algo),
	}
	if err := cfg.Validate(); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
	}

	tok, err := s.db.RegisterToken(storage.Token{
		OwnerID:   req.OwnerID,
		Mint:      req.Mint,
		Symbol:    req.Symbol,
		Decimals:  req.Decimals,
		Source:    source,
		DevWallet: req.DevWallet,
		OpsWallet: req.OpsWallet,
		Active:    true,
	}, cfg)
	if err != nil {
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{"error": err.Error()})
	}

	log.Info().Str("token", tok.ID).Str("mint", tok.Mint).Msg("token registered via API")
	return c.Status(fiber.StatusCreated).JSON(tok)
}

type reactivateRequest struct {
	Message    string            `json:"message"`
	Signatures map[string]string `json:"signatures"` // wallet address -> base58 signature
}

func (s *Server) handleReactivate(c *fiber.Ctx) error {
	// Suspended tokens are invisible to the active-only lookup
	tok, err := s.db.GetLatestTokenByMint(c.Params("mint"))
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": err.Error()})
	}
	if tok == nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "unknown token"})
	}

	var req reactivateRequest
	if err := c.BodyParser(&req); err != nil || req.Message == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid payload"})
	}

	verifier := func(walletAddress string) bool {
		sig, ok := req.Signatures[walletAddress]
		return ok && VerifyDetached(walletAddress, []byte(req.Message), sig)
	}

	reactivated, err := s.db.ReactivateSuspended(tok.ID, verifier)
	if err != nil {
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{"error": err.Error()})
	}

	log.Info().Str("token", reactivated.ID).Msg("token reactivated")
	return c.JSON(reactivated)
}

func (s *Server) handleListTokens(c *fiber.Ctx) error {
	tokens, err := s.db.ListTokens()
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": err.Error()})
	}
	return c.JSON(fiber.Map{"tokens": tokens})
}

func (s *Server) handleTokenDetail(c *fiber.Ctx) error {
	tok, err := s.db.GetTokenByMint(c.Params("mint"))
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": err.Error()})
	}
	if tok == nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "unknown token"})
	}

	cfg, err := s.db.GetTokenConfig(tok.ID)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": err.Error()})
	}
	trades, err := s.db.RecentTrades(tok.ID, 50)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": err.Error()})
	}
	claims, err := s.db.RecentClaims(tok.ID, 50)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": err.Error()})
	}

	return c.JSON(fiber.Map{
		"token":  tok,
		"config": cfg,
		"trades": trades,
		"claims": claims,
	})
}

func (s *Server) handleClaimable(c *fiber.Ctx) error {
	tok, err := s.db.GetTokenByMint(c.Params("mint"))
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": err.Error()})
	}
	if tok == nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "unknown token"})
	}

	rewards, err := s.launchpad.ListClaimable(c.Context(), tok.DevWallet)
	if err != nil {
		return c.Status(fiber.StatusBadGateway).JSON(fiber.Map{"error": err.Error()})
	}

	var lamports uint64
	for _, r := range rewards {
		if r.Mint == tok.Mint {
			lamports = r.Lamports
			break
		}
	}
	return c.JSON(fiber.Map{
		"mint":     tok.Mint,
		"lamports": lamports,
	})
}
