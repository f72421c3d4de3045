package router

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/mr-tron/base58"

	"github.com/iliyamo/escrow-reservation/internal/config"
	"github.com/iliyamo/escrow-reservation/internal/escrow"
	"github.com/iliyamo/escrow-reservation/internal/handler"
	"github.com/iliyamo/escrow-reservation/internal/ledger"
	"github.com/iliyamo/escrow-reservation/internal/middleware"
	"github.com/iliyamo/escrow-reservation/internal/model"
	"github.com/iliyamo/escrow-reservation/internal/reconcile"
	"github.com/iliyamo/escrow-reservation/internal/repository"
	"github.com/iliyamo/escrow-reservation/internal/service"
	"github.com/iliyamo/escrow-reservation/internal/settlement"
	"github.com/iliyamo/escrow-reservation/internal/ttlstore"
	"github.com/iliyamo/escrow-reservation/internal/utils"
)

const (
	jwtSecret     = "test-secret"
	webhookSecret = "hook-secret"
)

var (
	start       = time.Date(2030, 1, 6, 4, 0, 0, 0, time.UTC)
	appointment = time.Date(2030, 1, 7, 10, 0, 0, 0, time.UTC)

	clientKey      = ed25519.NewKeyFromSeed(bytes.Repeat([]byte{1}, ed25519.SeedSize))
	clientWallet   = base58.Encode(clientKey.Public().(ed25519.PublicKey))
	providerWallet = wallet("provider-owner")
	strangerWallet = wallet("stranger")
)

func wallet(label string) string {
	return escrow.PublicKey(sha256.Sum256([]byte(label))).String()
}

// stubLedger confirms the signatures it knows.
type stubLedger struct {
	txs map[string]*ledger.Transaction
}

func (l *stubLedger) Verify(ctx context.Context, ref string) (bool, error) {
	tx, err := l.GetTransaction(ctx, ref)
	return tx != nil && !tx.Failed, err
}

func (l *stubLedger) GetTransaction(_ context.Context, ref string) (*ledger.Transaction, error) {
	return l.txs[ref], nil
}

func (l *stubLedger) Subscribe(context.Context, string, func(ledger.LogBatch)) (ledger.Subscription, error) {
	return nil, ledger.ErrUnavailable
}

func (l *stubLedger) Ping(context.Context) error { return nil }

type api struct {
	t *testing.T
	e *echo.Echo
}

func newAPI(t *testing.T) *api {
	t.Helper()
	store := repository.NewMemoryStore()
	store.PutProvider(model.Provider{ID: "p1", Name: "Salon", WalletAddress: providerWallet, Timezone: "UTC"})
	store.PutService(model.Service{ID: "s1", ProviderID: "p1", Name: "Cut", PriceAmount: 100_000_000, DurationMinutes: 30, Active: true})
	var windows []model.AvailabilityWindow
	for d := 0; d < 7; d++ {
		windows = append(windows, model.AvailabilityWindow{ProviderID: "p1", DayOfWeek: d, StartTime: "09:00", EndTime: "17:00", Active: true})
	}
	store.PutWindows("p1", windows)

	deriver, err := escrow.NewDeriver(wallet("escrow-program"))
	if err != nil {
		t.Fatalf("deriver: %v", err)
	}
	engine, err := settlement.New(settlement.DefaultUnitRate, settlement.DefaultCommissionBps)
	if err != nil {
		t.Fatalf("engine: %v", err)
	}
	bt := start
	stub := &stubLedger{txs: map[string]*ledger.Transaction{
		"sig-fund": {Signature: "sig-fund", BlockTime: &bt},
	}}
	quiet := slog.New(slog.NewTextHandler(io.Discard, nil))
	svc := service.NewReservationService(store, store, deriver, engine).
		WithVerifier(stub).
		WithLogger(quiet).
		WithClock(func() time.Time { return start })
	ttl := ttlstore.NewMemoryStore(1000, time.Hour)
	rec := reconcile.New(stub, "program", store, svc, ttl).WithLogger(quiet)

	cacheCfg := config.CacheConfig{Enabled: true, Methods: map[string]bool{"GET": true}, TTL: time.Minute, Prefix: "slots"}
	gen := middleware.NewCacheGeneration(cacheCfg, nil)
	e := echo.New()
	RegisterRoutes(e, Handlers{
		Health:        handler.Health(nil),
		Auth:          handler.NewAuthHandler(jwtSecret, 15, ttl),
		Slots:         handler.NewSlotHandler(svc),
		Reservations:  handler.NewReservationHandler(svc),
		Webhooks:      handler.NewWebhookHandler(rec),
		SlotCache:     middleware.ResponseCache(cacheCfg, nil, gen),
		SlotCacheBust: middleware.InvalidateOnWrite(gen),
	}, Secrets{JWT: jwtSecret, Webhook: webhookSecret})
	return &api{t: t, e: e}
}

func bearer(t *testing.T, w string) http.Header {
	t.Helper()
	tok, err := utils.NewAccessToken(jwtSecret, w, 15)
	if err != nil {
		t.Fatalf("token: %v", err)
	}
	return http.Header{"Authorization": {"Bearer " + tok.Token}}
}

// do sends a JSON request and decodes the response into out when set.
func (a *api) do(method, path string, hdr http.Header, body any, out any) int {
	a.t.Helper()
	var rd io.Reader
	if body != nil {
		bs, err := json.Marshal(body)
		if err != nil {
			a.t.Fatalf("marshal: %v", err)
		}
		rd = bytes.NewReader(bs)
	}
	req := httptest.NewRequest(method, path, rd)
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	for k, v := range hdr {
		req.Header[k] = v
	}
	rec := httptest.NewRecorder()
	a.e.ServeHTTP(rec, req)
	if out != nil {
		if err := json.Unmarshal(rec.Body.Bytes(), out); err != nil {
			a.t.Fatalf("%s %s: decode %q: %v", method, path, rec.Body.String(), err)
		}
	}
	return rec.Code
}

type itemResp struct {
	Item model.Reservation `json:"item"`
}

func (a *api) create(hdr http.Header) model.Reservation {
	a.t.Helper()
	var out itemResp
	code := a.do(http.MethodPost, "/v1/reservations", hdr, map[string]string{
		"providerId": "p1", "serviceId": "s1", "appointmentTime": appointment.Format(time.RFC3339),
	}, &out)
	if code != http.StatusCreated {
		a.t.Fatalf("create: status %d", code)
	}
	return out.Item
}

func TestWalletLogin(t *testing.T) {
	a := newAPI(t)

	var nonce struct {
		Nonce   string `json:"nonce"`
		Message string `json:"message"`
	}
	if code := a.do(http.MethodPost, "/v1/auth/nonce", nil, map[string]string{"walletAddress": clientWallet}, &nonce); code != http.StatusOK {
		t.Fatalf("nonce: status %d", code)
	}
	if nonce.Message != handler.LoginMessage(nonce.Nonce) {
		t.Fatalf("message %q", nonce.Message)
	}
	sig := base58.Encode(ed25519.Sign(clientKey, []byte(nonce.Message)))
	body := map[string]string{"walletAddress": clientWallet, "signature": sig, "nonce": nonce.Nonce}

	var login struct {
		Access struct {
			Token string `json:"token"`
		} `json:"access"`
	}
	if code := a.do(http.MethodPost, "/v1/auth/verify", nil, body, &login); code != http.StatusOK || login.Access.Token == "" {
		t.Fatalf("verify: status %d token %q", code, login.Access.Token)
	}
	if code := a.do(http.MethodPost, "/v1/auth/verify", nil, body, nil); code != http.StatusUnauthorized {
		t.Fatalf("nonce replay: status %d", code)
	}

	var mine struct {
		Items []model.Reservation `json:"items"`
	}
	hdr := http.Header{"Authorization": {"Bearer " + login.Access.Token}}
	if code := a.do(http.MethodGet, "/v1/reservations/my", hdr, nil, &mine); code != http.StatusOK || mine.Items == nil {
		t.Fatalf("list: status %d items %v", code, mine.Items)
	}
}

func TestWalletLoginRejectsWrongSigner(t *testing.T) {
	a := newAPI(t)
	var nonce struct {
		Nonce   string `json:"nonce"`
		Message string `json:"message"`
	}
	a.do(http.MethodPost, "/v1/auth/nonce", nil, map[string]string{"walletAddress": clientWallet}, &nonce)

	other := ed25519.NewKeyFromSeed(bytes.Repeat([]byte{2}, ed25519.SeedSize))
	sig := base58.Encode(ed25519.Sign(other, []byte(nonce.Message)))
	code := a.do(http.MethodPost, "/v1/auth/verify", nil, map[string]string{"walletAddress": clientWallet, "signature": sig, "nonce": nonce.Nonce}, nil)
	if code != http.StatusUnauthorized {
		t.Fatalf("status %d", code)
	}
	if code := a.do(http.MethodPost, "/v1/auth/nonce", nil, map[string]string{"walletAddress": "not-a-key"}, nil); code != http.StatusBadRequest {
		t.Fatalf("bad wallet: status %d", code)
	}
}

func TestBookingRefreshesCachedSlots(t *testing.T) {
	a := newAPI(t)
	tenOClock := func() bool {
		var out struct {
			Slots []struct {
				Time      string `json:"time"`
				Available bool   `json:"available"`
			} `json:"slots"`
		}
		if code := a.do(http.MethodGet, "/v1/providers/p1/slots?serviceId=s1&date=2030-01-07", nil, nil, &out); code != http.StatusOK {
			t.Fatalf("slots: status %d", code)
		}
		if len(out.Slots) < 3 || out.Slots[2].Time != "10:00" {
			t.Fatalf("slots = %+v", out.Slots)
		}
		return out.Slots[2].Available
	}

	if !tenOClock() || !tenOClock() {
		t.Fatal("10:00 should be free before booking")
	}
	a.create(bearer(t, clientWallet))
	if tenOClock() {
		t.Fatal("booked slot still listed as available")
	}
}

func TestReservationLifecycle(t *testing.T) {
	a := newAPI(t)
	client := bearer(t, clientWallet)
	r := a.create(client)
	if r.Status != model.StatusPending {
		t.Fatalf("status %s", r.Status)
	}

	var slots struct {
		Slots []struct {
			Time      string `json:"time"`
			Available bool   `json:"available"`
		} `json:"slots"`
	}
	if code := a.do(http.MethodGet, "/v1/providers/p1/slots?serviceId=s1&date=2030-01-07", nil, nil, &slots); code != http.StatusOK {
		t.Fatalf("slots: status %d", code)
	}
	if len(slots.Slots) != 16 || slots.Slots[2].Time != "10:00" || slots.Slots[2].Available {
		t.Fatalf("slots = %+v", slots.Slots)
	}

	if code := a.do(http.MethodPost, "/v1/reservations/"+r.ID+"/cancel", client, nil, nil); code != http.StatusConflict {
		t.Fatalf("cancel pending: status %d", code)
	}
	if code := a.do(http.MethodPost, "/v1/reservations/"+r.ID+"/confirm", client, map[string]string{"settlementTxRef": "sig-unknown"}, nil); code != http.StatusBadRequest {
		t.Fatalf("confirm unverified: status %d", code)
	}
	var confirmed struct {
		Reservation model.Reservation `json:"reservation"`
	}
	if code := a.do(http.MethodPost, "/v1/reservations/"+r.ID+"/confirm", client, map[string]string{"settlementTxRef": "sig-fund"}, &confirmed); code != http.StatusOK {
		t.Fatalf("confirm: status %d", code)
	}
	if confirmed.Reservation.Status != model.StatusConfirmed {
		t.Fatalf("confirmed status %s", confirmed.Reservation.Status)
	}

	if code := a.do(http.MethodGet, "/v1/reservations/"+r.ID, bearer(t, strangerWallet), nil, nil); code != http.StatusForbidden {
		t.Fatalf("stranger get: status %d", code)
	}
	if code := a.do(http.MethodGet, "/v1/reservations/"+r.ID, bearer(t, providerWallet), nil, nil); code != http.StatusOK {
		t.Fatalf("provider get: status %d", code)
	}

	var cancelled struct {
		Reservation model.Reservation `json:"reservation"`
		Settlement  struct {
			RefundAmount          string `json:"refundAmount"`
			ProviderFee           string `json:"providerFee"`
			PlatformCommission    string `json:"platformCommission"`
			RefundPercentage      int    `json:"refundPercentage"`
			HoursUntilAppointment int    `json:"hoursUntilAppointment"`
		} `json:"settlement"`
	}
	if code := a.do(http.MethodPost, "/v1/reservations/"+r.ID+"/cancel", client, nil, &cancelled); code != http.StatusOK {
		t.Fatalf("cancel: status %d", code)
	}
	s := cancelled.Settlement
	if s.RefundAmount != "80000000" || s.ProviderFee != "19400000" || s.PlatformCommission != "600000" || s.RefundPercentage != 80 || s.HoursUntilAppointment != 30 {
		t.Fatalf("settlement = %+v", s)
	}
	if code := a.do(http.MethodPost, "/v1/reservations/"+r.ID+"/cancel", client, nil, nil); code != http.StatusConflict {
		t.Fatalf("second cancel: status %d", code)
	}

	var listed struct {
		Items []model.Reservation `json:"items"`
	}
	if code := a.do(http.MethodGet, "/v1/providers/p1/reservations?status=cancelled", bearer(t, providerWallet), nil, &listed); code != http.StatusOK || len(listed.Items) != 1 {
		t.Fatalf("provider list: status %d items %d", code, len(listed.Items))
	}
	if code := a.do(http.MethodGet, "/v1/providers/p1/reservations", client, nil, nil); code != http.StatusForbidden {
		t.Fatalf("client listing provider: status %d", code)
	}
}

func TestRequestErrors(t *testing.T) {
	a := newAPI(t)
	client := bearer(t, clientWallet)

	cases := []struct {
		name   string
		method string
		path   string
		hdr    http.Header
		body   any
		want   int
	}{
		{"no token", http.MethodPost, "/v1/reservations", nil, map[string]string{}, http.StatusUnauthorized},
		{"bad time", http.MethodPost, "/v1/reservations", client, map[string]string{"providerId": "p1", "serviceId": "s1", "appointmentTime": "tomorrow"}, http.StatusBadRequest},
		{"unknown provider", http.MethodPost, "/v1/reservations", client, map[string]string{"providerId": "nope", "serviceId": "s1", "appointmentTime": appointment.Format(time.RFC3339)}, http.StatusNotFound},
		{"off grid", http.MethodPost, "/v1/reservations", client, map[string]string{"providerId": "p1", "serviceId": "s1", "appointmentTime": appointment.Add(10 * time.Minute).Format(time.RFC3339)}, http.StatusBadRequest},
		{"unknown reservation", http.MethodGet, "/v1/reservations/missing", client, nil, http.StatusNotFound},
		{"bad status", http.MethodGet, "/v1/reservations/my?status=LOST", client, nil, http.StatusBadRequest},
		{"slots without date", http.MethodGet, "/v1/providers/p1/slots?serviceId=s1", nil, nil, http.StatusBadRequest},
		{"slots bad date", http.MethodGet, "/v1/providers/p1/slots?serviceId=s1&date=07-01-2030", nil, nil, http.StatusBadRequest},
	}
	for _, tc := range cases {
		if code := a.do(tc.method, tc.path, tc.hdr, tc.body, nil); code != tc.want {
			t.Errorf("%s: status %d, want %d", tc.name, code, tc.want)
		}
	}

	a.create(client)
	var conflict map[string]string
	code := a.do(http.MethodPost, "/v1/reservations", bearer(t, strangerWallet), map[string]string{
		"providerId": "p1", "serviceId": "s1", "appointmentTime": appointment.Format(time.RFC3339),
	}, &conflict)
	if code != http.StatusConflict || conflict["error"] == "" {
		t.Fatalf("taken slot: status %d body %v", code, conflict)
	}
}

func TestWebhooks(t *testing.T) {
	a := newAPI(t)
	r := a.create(bearer(t, clientWallet))
	secret := http.Header{middleware.WebhookSecretHeader: {webhookSecret}}
	delivery := map[string]string{"eventType": "TRANSACTION", "transactionRef": "sig-fund", "escrowAddress": r.EscrowAddress}

	if code := a.do(http.MethodPost, "/v1/webhooks/ledger", nil, delivery, nil); code != http.StatusUnauthorized {
		t.Fatalf("no secret: status %d", code)
	}

	var out struct {
		Outcomes []reconcile.Outcome `json:"outcomes"`
	}
	if code := a.do(http.MethodPost, "/v1/webhooks/ledger", secret, delivery, &out); code != http.StatusOK {
		t.Fatalf("webhook: status %d", code)
	}
	if len(out.Outcomes) != 1 || out.Outcomes[0].Status != model.StatusConfirmed {
		t.Fatalf("outcomes = %+v", out.Outcomes)
	}

	if code := a.do(http.MethodPost, "/v1/webhooks/sync/"+r.ID, secret, nil, &out); code != http.StatusOK {
		t.Fatalf("sync: status %d", code)
	}
	if code := a.do(http.MethodPost, "/v1/webhooks/sync/missing", secret, nil, nil); code != http.StatusNotFound {
		t.Fatalf("sync unknown: status %d", code)
	}
	if code := a.do(http.MethodPost, "/v1/webhooks/ledger", secret, map[string]string{"eventType": "TRANSACTION", "transactionRef": "sig-unknown"}, nil); code != http.StatusBadRequest {
		t.Fatalf("unverified delivery: status %d", code)
	}
}

func TestHealth(t *testing.T) {
	a := newAPI(t)
	var out map[string]any
	if code := a.do(http.MethodGet, "/healthz", nil, nil, &out); code != http.StatusOK || out["status"] != "ok" {
		t.Fatalf("health: status %d body %v", code, out)
	}
}
