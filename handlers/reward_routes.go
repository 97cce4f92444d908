// handlers/reward_routes.go
package handlers

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"game-reward-ledger/logger"
	"game-reward-ledger/middleware"
	"game-reward-ledger/models"
	"game-reward-ledger/repository"
	"game-reward-ledger/services"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const streamKeepAlive = 15 * time.Second

// RewardRoutes bundles what the reward endpoints need.
type RewardRoutes struct {
	Settlement  *services.SettlementService
	Balances    *services.BalanceService
	Supervisor  *services.RetrySupervisor
	Repair      *services.RepairService
	Failed      *repository.FailedAttemptStore
	Broadcaster *services.Broadcaster
	Gatherer    prometheus.Gatherer
	Validator   middleware.TokenValidator // optional, for EventSource clients
	Log         *logger.Logger
}

func SetupRewardRoutes(app *fiber.App, r RewardRoutes) {
	log := r.Log.Named("http")

	if r.Gatherer != nil {
		app.Get("/metrics", adaptor.HTTPHandler(promhttp.HandlerFor(r.Gatherer, promhttp.HandlerOpts{})))
	}

	// match-completion collaborator
	app.Post("/internal/matches/settle", func(c *fiber.Ctx) error {
		var outcome models.MatchOutcome
		if err := c.BodyParser(&outcome); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": "invalid JSON",
				"cause": err.Error(),
			})
		}
		if outcome.EndedAt.IsZero() {
			outcome.EndedAt = time.Now()
		}

		res := r.Settlement.Settle(c.UserContext(), outcome)
		body := fiber.Map{
			"status":    res.Status,
			"reward_id": res.RewardID,
			"amount":    res.Amount,
		}
		if res.Err != nil {
			body["error"] = res.Err.Error()
		}
		if res.Status == services.SettleRejected {
			return c.Status(fiber.StatusBadRequest).JSON(body)
		}
		return c.Status(fiber.StatusAccepted).JSON(body)
	})

	// Registered ahead of the /user group so EventSource clients can
	// authenticate from the query string.
	app.Get("/user/balance/stream", middleware.SSEAuthMiddleware(r.Validator, r.Log), streamBalance(r, log))

	user := app.Group("/user", middleware.UserContextMiddleware(r.Log))

	user.Get("/balance", func(c *fiber.Ctx) error {
		view, err := r.Balances.GetBalance(c.UserContext(), middleware.UserID(c))
		if err != nil {
			return internalError(c, log, "failed to load balance", err)
		}
		return c.JSON(view)
	})

	user.Get("/balance/onchain", func(c *fiber.Ctx) error {
		wallet, amount, err := r.Balances.GetLedgerBalance(c.UserContext(), middleware.UserID(c))
		switch {
		case errors.Is(err, repository.ErrNotFound), errors.Is(err, services.ErrNoWallet):
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "no wallet on record"})
		case err != nil:
			return c.Status(fiber.StatusBadGateway).JSON(fiber.Map{
				"error": "ledger unavailable",
				"cause": err.Error(),
			})
		}
		return c.JSON(fiber.Map{"wallet": wallet, "balance": amount})
	})

	user.Get("/rewards", func(c *fiber.Ctx) error {
		limit, _ := strconv.Atoi(c.Query("limit", "20"))
		history, err := r.Balances.GetHistory(c.UserContext(), middleware.UserID(c), limit)
		if err != nil {
			return internalError(c, log, "failed to load reward history", err)
		}
		return c.JSON(history)
	})

	user.Get("/rewards/pending", func(c *fiber.Ctx) error {
		entries, err := r.Balances.GetPendingEntries(c.UserContext(), middleware.UserID(c))
		if err != nil {
			return internalError(c, log, "failed to load pending rewards", err)
		}
		return c.JSON(entries)
	})

	admin := app.Group("/admin", middleware.UserContextMiddleware(r.Log), middleware.RequireRole("admin"))

	admin.Get("/rewards/failed", func(c *fiber.Ctx) error {
		limit, _ := strconv.Atoi(c.Query("limit", "100"))
		rows, err := r.Failed.List(c.UserContext(), models.FailedAttemptStatus(c.Query("status")), limit)
		if err != nil {
			return internalError(c, log, "failed to list failed attempts", err)
		}
		return c.JSON(rows)
	})

	admin.Post("/rewards/failed/drain", func(c *fiber.Ctx) error {
		var req struct {
			MaxBatch    int    `json:"max_batch"`
			MaxAge      string `json:"max_age"`
			MaxAttempts int    `json:"max_attempts"`
		}
		if len(c.Body()) > 0 {
			if err := c.BodyParser(&req); err != nil {
				return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid JSON", "cause": err.Error()})
			}
		}
		opts := services.DrainOptions{MaxBatch: req.MaxBatch, MaxAttempts: req.MaxAttempts}
		if req.MaxAge != "" {
			d, err := time.ParseDuration(req.MaxAge)
			if err != nil {
				return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid max_age", "cause": err.Error()})
			}
			opts.MaxAge = d
		}

		report, err := r.Supervisor.DrainFailed(c.UserContext(), opts)
		if err != nil {
			return internalError(c, log, "drain failed", err)
		}
		log.With(zap.String("user_id", middleware.UserID(c))).Info("manual drain: resolved=%d abandoned=%d", report.Resolved, report.Abandoned)
		return c.JSON(report)
	})

	admin.Post("/rewards/repair", func(c *fiber.Ctx) error {
		grace, err := time.ParseDuration(c.Query("grace", "2m"))
		if err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid grace", "cause": err.Error()})
		}
		report, err := r.Repair.RepairOrphans(c.UserContext(), grace)
		if err != nil {
			return internalError(c, log, "repair failed", err)
		}
		return c.JSON(report)
	})
}

// streamBalance pushes the player's balance as server-sent events: a snapshot
// first, then every change the broadcaster sees.
func streamBalance(r RewardRoutes, log *logger.Logger) fiber.Handler {
	return func(c *fiber.Ctx) error {
		userID := middleware.UserID(c)
		snapshot, err := r.Balances.GetBalance(c.UserContext(), userID)
		if err != nil {
			return internalError(c, log, "failed to load balance", err)
		}

		c.Set("Content-Type", "text/event-stream")
		c.Set("Cache-Control", "no-cache")
		c.Set("Connection", "keep-alive")
		c.Set("X-Accel-Buffering", "no")

		updates, cancel := r.Broadcaster.Subscribe(userID)
		c.Context().SetBodyStreamWriter(func(w *bufio.Writer) {
			defer cancel()
			ticker := time.NewTicker(streamKeepAlive)
			defer ticker.Stop()

			if err := writeEvent(w, "balance", snapshot); err != nil {
				return
			}
			for {
				select {
				case ev, ok := <-updates:
					if !ok {
						return
					}
					if err := writeEvent(w, "balance", ev); err != nil {
						return
					}
				case <-ticker.C:
					if _, err := w.WriteString(":\n\n"); err != nil {
						return
					}
					if err := w.Flush(); err != nil {
						// client disconnected
						return
					}
				}
			}
		})
		return nil
	}
}

func writeEvent(w *bufio.Writer, name string, v interface{}) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", name, payload); err != nil {
		return err
	}
	return w.Flush()
}

func internalError(c *fiber.Ctx, log *logger.Logger, msg string, err error) error {
	if errors.Is(err, context.Canceled) {
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"error": "request cancelled"})
	}
	log.Error("%s %s: %s: %v", c.Method(), c.Path(), msg, err)
	return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
		"error": msg,
		"cause": err.Error(),
	})
}
