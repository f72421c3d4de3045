package middleware

import "github.com/labstack/echo/v4"

// WalletKey is the context key under which JWTAuth stores the caller's
// wallet address.
const WalletKey = "wallet"

// Wallet returns the authenticated wallet, or "" for anonymous requests.
func Wallet(c echo.Context) string {
	if s, ok := c.Get(WalletKey).(string); ok {
		return s
	}
	return ""
}
