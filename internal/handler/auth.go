package handler

import (
	"context"
	"crypto/ed25519"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/mr-tron/base58"

	"github.com/iliyamo/escrow-reservation/internal/escrow"
	"github.com/iliyamo/escrow-reservation/internal/ttlstore"
	"github.com/iliyamo/escrow-reservation/internal/utils"
)

// NonceTTL is how long a login nonce stays valid.
const NonceTTL = 5 * time.Minute

const noncePrefix = "auth:nonce:"

// AuthHandler implements wallet login: the client signs a one-time nonce
// with its wallet key and receives an access token for that wallet.
type AuthHandler struct {
	secret string
	ttlMin int
	nonces ttlstore.Store
}

func NewAuthHandler(jwtSecret string, accessTTLMin int, nonces ttlstore.Store) *AuthHandler {
	return &AuthHandler{secret: jwtSecret, ttlMin: accessTTLMin, nonces: nonces}
}

type nonceReq struct {
	WalletAddress string `json:"walletAddress"`
}

type verifyReq struct {
	WalletAddress string `json:"walletAddress"`
	Signature     string `json:"signature"` // base58 ed25519 signature of the message
	Nonce         string `json:"nonce"`
}

type tokenPart struct {
	Token   string    `json:"token"`
	Expires time.Time `json:"expires"`
}

// LoginMessage is the text a wallet signs to log in with nonce.
func LoginMessage(nonce string) string {
	return "Sign in to the reservation service.\nNonce: " + nonce
}

// Nonce handles POST /v1/auth/nonce.
func (h *AuthHandler) Nonce(c echo.Context) error {
	var req nonceReq
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid body"})
	}
	wallet := strings.TrimSpace(req.WalletAddress)
	if _, err := escrow.ParsePublicKey(wallet); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid wallet address"})
	}

	ctx, cancel := context.WithTimeout(c.Request().Context(), requestTimeout)
	defer cancel()
	nonce := uuid.NewString()
	ok, err := h.nonces.SetNX(ctx, noncePrefix+nonce, wallet, NonceTTL)
	if err != nil || !ok {
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "failed to issue nonce"})
	}
	return c.JSON(http.StatusOK, echo.Map{
		"nonce":     nonce,
		"message":   LoginMessage(nonce),
		"expiresAt": time.Now().UTC().Add(NonceTTL),
	})
}

// Verify handles POST /v1/auth/verify.  The nonce is consumed whether or
// not the signature checks out.
func (h *AuthHandler) Verify(c echo.Context) error {
	var req verifyReq
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid body"})
	}
	wallet := strings.TrimSpace(req.WalletAddress)
	pk, err := escrow.ParsePublicKey(wallet)
	if err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid wallet address"})
	}
	sig, err := base58.Decode(strings.TrimSpace(req.Signature))
	if err != nil || len(sig) != ed25519.SignatureSize {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid signature encoding"})
	}

	ctx, cancel := context.WithTimeout(c.Request().Context(), requestTimeout)
	defer cancel()
	nonce := strings.TrimSpace(req.Nonce)
	owner, found, err := h.nonces.Take(ctx, noncePrefix+nonce)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "nonce store unavailable"})
	}
	if !found || owner != wallet {
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "unknown or expired nonce"})
	}
	if !ed25519.Verify(ed25519.PublicKey(pk[:]), []byte(LoginMessage(nonce)), sig) {
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "invalid signature"})
	}

	at, err := utils.NewAccessToken(h.secret, wallet, h.ttlMin)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "failed to issue token"})
	}
	return c.JSON(http.StatusOK, echo.Map{
		"walletAddress": wallet,
		"access":        tokenPart{Token: at.Token, Expires: at.Exp},
	})
}
