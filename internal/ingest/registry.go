package ingest

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/yangtao121/Bambu-consumables-management/internal/estimator"
	"github.com/yangtao121/Bambu-consumables-management/internal/metrics"
	"github.com/yangtao121/Bambu-consumables-management/internal/model"
	"github.com/yangtao121/Bambu-consumables-management/internal/secretcrypto"
	"github.com/yangtao121/Bambu-consumables-management/internal/store"
)

// Registry owns one subscriber goroutine per registered printer and
// tracks each one's connection health, generalized from a connector
// registry that kept one client per upstream endpoint.
type Registry struct {
	mu       sync.RWMutex
	printers map[string]*subscription

	client    Client
	codec     *secretcrypto.Codec
	pipeline  *Pipeline
	estimator *estimator.Client
	repo      store.PrinterRepository
	metrics   *metrics.Metrics
	logger    zerolog.Logger
}

type subscription struct {
	printer model.Printer
	cancel  context.CancelFunc
	online  bool
}

func NewRegistry(
	client Client,
	codec *secretcrypto.Codec,
	pipeline *Pipeline,
	est *estimator.Client,
	repo store.PrinterRepository,
	m *metrics.Metrics,
	logger zerolog.Logger,
) *Registry {
	return &Registry{
		printers:  make(map[string]*subscription),
		client:    client,
		codec:     codec,
		pipeline:  pipeline,
		estimator: est,
		repo:      repo,
		metrics:   m,
		logger:    logger.With().Str("component", "printer_registry").Logger(),
	}
}

// Sync reconciles the registry's live subscriptions against the
// current printer list in the repository, starting subscribers for
// newly-registered printers and stopping ones that were removed.
func (r *Registry) Sync(ctx context.Context) error {
	printers, err := r.repo.List(ctx)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	seen := make(map[string]bool, len(printers))
	for _, p := range printers {
		seen[p.ID] = true
		if _, ok := r.printers[p.ID]; ok {
			continue
		}
		r.startLocked(ctx, p)
	}
	for id, sub := range r.printers {
		if !seen[id] {
			sub.cancel()
			delete(r.printers, id)
		}
	}
	return nil
}

func (r *Registry) startLocked(parent context.Context, p model.Printer) {
	ctx, cancel := context.WithCancel(parent)
	sub := &subscription{printer: p, cancel: cancel}
	r.printers[p.ID] = sub

	go r.runSubscriber(ctx, sub)
}

// runSubscriber maintains the connect/subscribe/wait loop for one
// printer with exponential backoff between reconnect attempts,
// adapted from the reference MQTT consumer's ConsumeLoop.
func (r *Registry) runSubscriber(ctx context.Context, sub *subscription) {
	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if err := r.connectOnce(ctx, sub); err != nil {
			r.setOnline(sub.printer.ID, false)
			r.logger.Warn().Err(err).Str("printer_id", sub.printer.ID).Dur("retry_in", backoff).Msg("printer subscriber disconnected")
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}
		backoff = time.Second
	}
}

func (r *Registry) connectOnce(ctx context.Context, sub *subscription) error {
	accessCode, err := r.codec.Decrypt(sub.printer.AccessCodeEncrypted)
	if err != nil {
		return err
	}

	session, err := r.client.Connect(ctx)
	if err != nil {
		return err
	}
	defer session.Close()

	topic := ReportTopic(sub.printer.Serial)
	printerID := sub.printer.ID
	err = session.Subscribe(ctx, topic, func(_ context.Context, payload []byte) error {
		r.pipeline.Submit(Frame{
			PrinterID:  printerID,
			Topic:      topic,
			Payload:    payload,
			ReceivedAt: time.Now().UTC(),
		})
		return nil
	})
	if err != nil {
		return err
	}

	r.setOnline(printerID, true)
	// The decrypted code is not passed to the MQTT session, which
	// connects with the client's own configured credentials; a decrypt
	// failure still aborts this attempt. ScheduleEstimate decrypts again
	// for the FTP leg.
	_ = accessCode
	return session.WaitForDisconnect(ctx)
}

func (r *Registry) setOnline(printerID string, online bool) {
	r.mu.Lock()
	if sub, ok := r.printers[printerID]; ok {
		sub.online = online
	}
	r.mu.Unlock()
	r.metrics.TrackPrinterHealth(printerID, online)
}

// ScheduleEstimate adapts estimator.Client.MaybeSchedule to the
// Ingestor's ScheduleEstimateFunc hook, resolving the printer's IP and
// decrypted access code from the registry's current snapshot.
func (r *Registry) ScheduleEstimate(jobKey, printerID, subtaskName, gcodeFile string) {
	r.mu.RLock()
	sub, ok := r.printers[printerID]
	r.mu.RUnlock()
	if !ok {
		return
	}
	accessCode, err := r.codec.Decrypt(sub.printer.AccessCodeEncrypted)
	if err != nil {
		r.logger.Warn().Err(err).Str("printer_id", printerID).Msg("decrypt access code for estimate")
		return
	}
	r.estimator.MaybeSchedule(jobKey, sub.printer.IP, accessCode, subtaskName, gcodeFile)
}

// Health returns a snapshot of each tracked printer's connection state.
func (r *Registry) Health() map[string]bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]bool, len(r.printers))
	for id, sub := range r.printers {
		out[id] = sub.online
	}
	return out
}

// Stop cancels every live subscriber.
func (r *Registry) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, sub := range r.printers {
		sub.cancel()
	}
	r.printers = make(map[string]*subscription)
}
