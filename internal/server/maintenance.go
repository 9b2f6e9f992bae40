package server

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"shop-backend/internal/db"
)

// MaintenanceResult reports what one sweep changed.
type MaintenanceResult struct {
	OrdersCancelled     int   `json:"orders_cancelled"`
	ProductsRestocked   int   `json:"products_restocked"`
	NotificationsPruned int64 `json:"notifications_pruned"`
	DurationMs          int64 `json:"duration_ms"`
}

// maxExpiredPerRun bounds how many stale orders one sweep cancels.
const maxExpiredPerRun = 500

// RunMaintenance cancels pending orders older than the configured expiry,
// returning their stock, and prunes old read notifications.
func (s *Server) RunMaintenance(ctx context.Context) (MaintenanceResult, error) {
	start := time.Now()
	log := s.log.With().Str("service", "maintenance").Logger()
	ctx = log.WithContext(ctx)
	var res MaintenanceResult

	cutoff := start.Add(-s.cfg.OrderExpiry)
	rows, err := s.db.QueryContext(ctx, `
		SELECT id FROM orders
		WHERE status = 'pending' AND created_at < $1
		ORDER BY created_at ASC
		LIMIT $2
	`, cutoff, maxExpiredPerRun)
	if err != nil {
		return res, fmt.Errorf("maintenance: stale orders: %w", err)
	}
	var stale []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return res, fmt.Errorf("maintenance: scan: %w", err)
		}
		stale = append(stale, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return res, fmt.Errorf("maintenance: rows: %w", err)
	}

	for _, id := range stale {
		var (
			restocked []string
			owner     sql.NullString
		)
		err := db.WithTx(ctx, s.db, func(tx *sql.Tx) error {
			err := tx.QueryRowContext(ctx, `
				UPDATE orders SET status = 'cancelled', updated_at = now()
				WHERE id = $1 AND status = 'pending'
				RETURNING user_id
			`, id).Scan(&owner)
			if err != nil {
				return err
			}
			restocked, err = restockOrder(ctx, tx, id)
			return err
		})
		if errors.Is(err, sql.ErrNoRows) {
			// Paid or removed since the scan.
			continue
		}
		if err != nil {
			log.Warn().Err(err).Str("order_id", id).Msg("cancel stale order failed")
			continue
		}

		res.OrdersCancelled++
		res.ProductsRestocked += len(restocked)
		for _, pid := range restocked {
			s.productEvent(ctx, "stock", pid)
		}
		o := Order{ID: id}
		if owner.Valid {
			o.Customer = &OrderCustomer{ID: owner.String}
			if err := s.notify(ctx, Notification{
				UserID:   owner.String,
				Kind:     KindOrderCancelled,
				Title:    "Order cancelled",
				Message:  fmt.Sprintf("Order %s was cancelled because it was not paid in time", shortID(id)),
				Resource: "/orders/" + id,
			}); err != nil {
				log.Warn().Err(err).Str("order_id", id).Msg("cancel notification failed")
			}
		}
		s.orderEvent(ctx, "cancelled", o)
	}

	pruned, err := s.db.ExecContext(ctx,
		`DELETE FROM notifications WHERE is_read AND created_at < $1`,
		start.Add(-s.cfg.NotificationRetention))
	if err != nil {
		return res, fmt.Errorf("maintenance: prune notifications: %w", err)
	}
	res.NotificationsPruned, _ = pruned.RowsAffected()
	res.DurationMs = time.Since(start).Milliseconds()

	s.metrics.RecordMaintenance("orders_cancelled", int64(res.OrdersCancelled))
	s.metrics.RecordMaintenance("notifications_pruned", res.NotificationsPruned)
	log.Info().
		Int("orders_cancelled", res.OrdersCancelled).
		Int("products_restocked", res.ProductsRestocked).
		Int64("notifications_pruned", res.NotificationsPruned).
		Int64("duration_ms", res.DurationMs).
		Msg("maintenance complete")
	return res, nil
}

// RunMaintenanceSchedule runs RunMaintenance on the configured cron schedule
// until ctx is cancelled. A sweep in progress is allowed to finish.
func (s *Server) RunMaintenanceSchedule(ctx context.Context) error {
	log := s.log.With().Str("service", "maintenance").Logger()
	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	_, err := c.AddFunc(s.cfg.MaintenanceSchedule, func() {
		if _, err := s.RunMaintenance(ctx); err != nil {
			log.Error().Err(err).Msg("maintenance run failed")
		}
	})
	if err != nil {
		return fmt.Errorf("maintenance schedule %q: %w", s.cfg.MaintenanceSchedule, err)
	}

	log.Info().Str("schedule", s.cfg.MaintenanceSchedule).Dur("order_expiry", s.cfg.OrderExpiry).Msg("starting")
	c.Start()
	<-ctx.Done()
	<-c.Stop().Done()
	log.Info().Msg("shutting down")
	return nil
}

func (s *Server) handleMaintenance(w http.ResponseWriter, r *http.Request) {
	res, err := s.RunMaintenance(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	zerolog.Ctx(r.Context()).Info().Int("orders_cancelled", res.OrdersCancelled).Msg("maintenance run by admin")
	writeJSON(w, http.StatusOK, res)
}
