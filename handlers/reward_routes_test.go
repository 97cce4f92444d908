package handlers

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"game-reward-ledger/config"
	"game-reward-ledger/ledger/ledgertest"
	"game-reward-ledger/logger"
	"game-reward-ledger/metrics"
	"game-reward-ledger/middleware"
	"game-reward-ledger/models"
	"game-reward-ledger/repository"
	"game-reward-ledger/repository/repotest"
	"game-reward-ledger/services"

	"github.com/gofiber/fiber/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
)

const testToken = "gateway-secret"

type testApp struct {
	app    *fiber.App
	gw     *ledgertest.Gateway
	failed *repository.FailedAttemptStore
	svc    *services.SettlementService
}

func newTestApp(t *testing.T) *testApp {
	t.Helper()
	db := repotest.Open(t)
	log := logger.NewNop()
	reg := prometheus.NewRegistry()
	rec := metrics.New(reg)
	gw := ledgertest.New()

	rewards := repository.NewRewardStore(db)
	balances := repository.NewBalanceStore(db)
	failed := repository.NewFailedAttemptStore(db)
	wallets := repository.NewWalletStore(db)
	broadcast := services.NewBroadcaster()

	schedule, err := services.NewRewardSchedule(config.RewardsConfig{PvP: "100", Bot: "50"})
	require.NoError(t, err)
	submitter := services.NewSubmitter(gw, rewards, balances, "rewardPlayer", rec, log)
	settlement, err := services.NewSettlementService(services.SettlementDeps{
		Rewards: rewards, Balances: balances, Failed: failed, Wallets: wallets,
		Schedule: schedule, Submitter: submitter, Notifier: broadcast, Metrics: rec, Log: log, Workers: 2,
	})
	require.NoError(t, err)
	t.Cleanup(settlement.Close)

	supervisor, err := services.NewRetrySupervisor(services.RetryDeps{
		Failed: failed, Rewards: rewards, Balances: balances, Submitter: submitter,
		Metrics: rec, Log: log, Workers: 1,
		Defaults: services.DrainOptions{MaxBatch: 10, MaxAge: time.Hour, MaxAttempts: 3},
	})
	require.NoError(t, err)
	t.Cleanup(supervisor.Close)

	app := fiber.New()
	app.Use(middleware.GatewayAuthMiddleware(testToken, log))
	SetupRewardRoutes(app, RewardRoutes{
		Settlement:  settlement,
		Balances:    services.NewBalanceService(balances, rewards, gw),
		Supervisor:  supervisor,
		Repair:      services.NewRepairService(rewards, balances, failed, rec, log),
		Failed:      failed,
		Broadcaster: broadcast,
		Gatherer:    reg,
		Log:         log,
	})
	return &testApp{app: app, gw: gw, failed: failed, svc: settlement}
}

func (a *testApp) do(t *testing.T, method, path, body string, headers map[string]string) (int, []byte) {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	req.Header.Set("Authorization", "Bearer "+testToken)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := a.app.Test(req, -1)
	require.NoError(t, err)
	defer resp.Body.Close()
	out, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, out
}

func asUser(id string) map[string]string { return map[string]string{"X-User-ID": id} }

func TestGatewayTokenRequired(t *testing.T) {
	a := newTestApp(t)

	req := httptest.NewRequest(http.MethodGet, "/user/balance", nil)
	resp, err := a.app.Test(req, -1)
	require.NoError(t, err)
	require.Equal(t, fiber.StatusUnauthorized, resp.StatusCode)

	req.Header.Set("Authorization", "Bearer wrong")
	resp, err = a.app.Test(req, -1)
	require.NoError(t, err)
	require.Equal(t, fiber.StatusUnauthorized, resp.StatusCode)
}

func TestSettleEndpointThenBalance(t *testing.T) {
	a := newTestApp(t)

	status, body := a.do(t, http.MethodPost, "/internal/matches/settle",
		`{"game_session_id":"g1","winner_id":"u1","wallet_address":"0xABC","match_type":"PvP","result":"win"}`, nil)
	require.Equal(t, fiber.StatusAccepted, status, string(body))
	var res map[string]interface{}
	require.NoError(t, json.Unmarshal(body, &res))
	require.Equal(t, "created", res["status"])
	require.Equal(t, "100", res["amount"])

	status, body = a.do(t, http.MethodPost, "/internal/matches/settle",
		`{"game_session_id":"g1","winner_id":"u1","wallet_address":"0xABC","match_type":"PvP"}`, nil)
	require.Equal(t, fiber.StatusAccepted, status)
	require.Contains(t, string(body), `"duplicate"`)
	a.svc.Drain()

	status, body = a.do(t, http.MethodGet, "/user/balance", "", asUser("u1"))
	require.Equal(t, fiber.StatusOK, status)
	var view services.BalanceView
	require.NoError(t, json.Unmarshal(body, &view))
	require.Equal(t, "100", view.Pending.String())
	require.Equal(t, "100", view.Total.String())
	require.Equal(t, 1, view.PendingCount)

	status, body = a.do(t, http.MethodGet, "/user/rewards/pending", "", asUser("u1"))
	require.Equal(t, fiber.StatusOK, status)
	var entries []models.PendingEntry
	require.NoError(t, json.Unmarshal(body, &entries))
	require.Len(t, entries, 1)

	status, body = a.do(t, http.MethodGet, "/user/rewards?limit=5", "", asUser("u1"))
	require.Equal(t, fiber.StatusOK, status)
	var history []models.RewardRecord
	require.NoError(t, json.Unmarshal(body, &history))
	require.Len(t, history, 1)
	require.Equal(t, "g1", history[0].GameSessionID)
}

func TestSettleEndpointRejectsBadOutcome(t *testing.T) {
	a := newTestApp(t)

	status, body := a.do(t, http.MethodPost, "/internal/matches/settle", `{"winner_id":"u1","match_type":"ranked"}`, nil)
	require.Equal(t, fiber.StatusBadRequest, status)
	require.Contains(t, string(body), "rejected")

	status, _ = a.do(t, http.MethodPost, "/internal/matches/settle", `{not json`, nil)
	require.Equal(t, fiber.StatusBadRequest, status)
}

func TestSettleWithoutWalletIsAccepted(t *testing.T) {
	a := newTestApp(t)

	status, body := a.do(t, http.MethodPost, "/internal/matches/settle",
		`{"game_session_id":"g1","winner_id":"u1","match_type":"bot"}`, nil)
	require.Equal(t, fiber.StatusAccepted, status)
	require.Contains(t, string(body), "no_wallet")
}

func TestUserRoutesNeedUser(t *testing.T) {
	a := newTestApp(t)

	status, _ := a.do(t, http.MethodGet, "/user/balance", "", nil)
	require.Equal(t, fiber.StatusUnauthorized, status)
}

func TestOnchainBalance(t *testing.T) {
	a := newTestApp(t)

	status, _ := a.do(t, http.MethodGet, "/user/balance/onchain", "", asUser("u1"))
	require.Equal(t, fiber.StatusNotFound, status)

	a.do(t, http.MethodPost, "/internal/matches/settle",
		`{"game_session_id":"g1","winner_id":"u1","wallet_address":"0xabc","match_type":"pvp"}`, nil)
	a.svc.Drain()
	a.gw.SetBalance("0xabc", models.NewAmount(500))

	status, body := a.do(t, http.MethodGet, "/user/balance/onchain", "", asUser("u1"))
	require.Equal(t, fiber.StatusOK, status)
	require.JSONEq(t, `{"wallet":"0xabc","balance":"500"}`, string(body))
}

func TestAdminFailedAttemptsAndDrain(t *testing.T) {
	a := newTestApp(t)
	a.gw.FailSubmit(1)

	a.do(t, http.MethodPost, "/internal/matches/settle",
		`{"game_session_id":"g1","winner_id":"u1","wallet_address":"0xabc","match_type":"pvp"}`, nil)
	a.svc.Drain()

	admin := map[string]string{"X-User-ID": "ops", "X-User-Roles": "gamer, admin"}

	status, _ := a.do(t, http.MethodGet, "/admin/rewards/failed", "", asUser("u1"))
	require.Equal(t, fiber.StatusForbidden, status)

	status, body := a.do(t, http.MethodGet, "/admin/rewards/failed?status=pending", "", admin)
	require.Equal(t, fiber.StatusOK, status)
	var rows []models.FailedAttempt
	require.NoError(t, json.Unmarshal(body, &rows))
	require.Len(t, rows, 1)

	status, body = a.do(t, http.MethodPost, "/admin/rewards/failed/drain", `{"max_age":"1h"}`, admin)
	require.Equal(t, fiber.StatusOK, status)
	var report services.DrainReport
	require.NoError(t, json.Unmarshal(body, &report))
	require.Equal(t, 1, report.Resolved)

	status, _ = a.do(t, http.MethodPost, "/admin/rewards/failed/drain", `{"max_age":"soon"}`, admin)
	require.Equal(t, fiber.StatusBadRequest, status)

	status, body = a.do(t, http.MethodPost, "/admin/rewards/repair?grace=1h", "", admin)
	require.Equal(t, fiber.StatusOK, status)
	require.Contains(t, string(body), `"scanned":0`)
}

func TestMetricsEndpoint(t *testing.T) {
	a := newTestApp(t)
	a.do(t, http.MethodPost, "/internal/matches/settle",
		`{"game_session_id":"g1","winner_id":"u1","wallet_address":"0xabc","match_type":"pvp"}`, nil)
	a.svc.Drain()

	status, body := a.do(t, http.MethodGet, "/metrics", "", nil)
	require.Equal(t, fiber.StatusOK, status)
	require.Contains(t, string(body), "reward_ledger_rewards_created_total")
}
