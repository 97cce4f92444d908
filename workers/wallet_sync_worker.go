package workers

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"game-reward-ledger/config"
	"game-reward-ledger/logger"
	"game-reward-ledger/models"

	"go.uber.org/zap"
)

// WalletSink persists mirrored wallets.
type WalletSink interface {
	Upsert(ctx context.Context, wallets []models.WalletMirror) error
}

// WalletSyncClient pulls wallet changes from the wallet sync service so
// settlement can resolve a winner's payout address locally.
type WalletSyncClient struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client
	Store      WalletSink
	log        *logger.Logger
}

func NewWalletSyncClient(cfg config.SyncConfig, store WalletSink, log *logger.Logger) (*WalletSyncClient, error) {
	if cfg.ServiceURL == "" {
		return nil, fmt.Errorf("sync.service_url is required")
	}
	if cfg.Token == "" {
		return nil, fmt.Errorf("sync.token is required for wallet sync")
	}
	return &WalletSyncClient{
		BaseURL: strings.TrimRight(cfg.ServiceURL, "/"),
		Token:   cfg.Token,
		Store:   store,
		HTTPClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		log: log.Named("wallet_sync"),
	}, nil
}

func (c *WalletSyncClient) GetChangedWallets(ctx context.Context, since time.Time) ([]models.WalletMirror, error) {
	u, err := url.Parse(c.BaseURL + "/api/v1/public/wallets")
	if err != nil {
		return nil, fmt.Errorf("failed to parse base URL: %w", err)
	}
	q := u.Query()
	q.Set("since", since.UTC().Format(time.RFC3339))
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("X-Service-Token", c.Token)

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to call sync service: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("sync service returned status %d: %s", resp.StatusCode, string(body))
	}

	var response struct {
		Wallets []models.WalletMirror `json:"wallets"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&response); err != nil {
		return nil, fmt.Errorf("failed to decode sync service response: %w", err)
	}
	return response.Wallets, nil
}

// SyncOnce fetches and stores everything changed since `since`. It returns
// the cursor for the next call, unchanged on failure so the window is retried.
func (c *WalletSyncClient) SyncOnce(ctx context.Context, since time.Time) (time.Time, int, error) {
	started := time.Now().UTC()
	wallets, err := c.GetChangedWallets(ctx, since)
	if err != nil {
		return since, 0, err
	}
	if len(wallets) == 0 {
		return started, 0, nil
	}
	if err := c.Store.Upsert(ctx, wallets); err != nil {
		return since, 0, fmt.Errorf("upsert %d wallet(s): %w", len(wallets), err)
	}
	return started, len(wallets), nil
}

// PollWallets runs SyncOnce every pollInterval until ctx ends, starting with
// the last 24 hours of changes.
func PollWallets(ctx context.Context, client *WalletSyncClient, pollInterval time.Duration) {
	client.log.Info("starting wallet polling every %s", pollInterval)
	since := time.Now().UTC().Add(-24 * time.Hour)

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			client.log.Info("wallet polling stopped")
			return
		case <-ticker.C:
			next, n, err := client.SyncOnce(ctx, since)
			if err != nil {
				client.log.With(zap.Time("since", since)).Error("wallet sync failed: %v", err)
				continue
			}
			if n > 0 {
				client.log.Info("upserted %d wallet(s) into wallet_mirror", n)
			}
			since = next
		}
	}
}
