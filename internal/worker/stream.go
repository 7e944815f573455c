package worker

import (
	"context"
	"time"

	"CryptoSettle/internal/chain"
	"CryptoSettle/internal/models"
	"CryptoSettle/internal/store"

	"go.uber.org/zap"
)

const streamReconnectDelay = 3 * time.Second

// Stream feeds unconfirmed BTC transactions from a websocket into the
// reconciler. Polling stays authoritative; the stream only settles earlier.
type Stream struct {
	Endpoint   string
	Store      store.OrderStore
	Reconciler Reconciler
	Refresh    time.Duration
	Log        *zap.Logger
}

func (s *Stream) Run(ctx context.Context) error {
	if s.Endpoint == "" {
		s.Log.Info("btc stream disabled: ws_endpoint is empty")
		return nil
	}
	for {
		if err := s.session(ctx); err != nil && ctx.Err() == nil {
			s.Log.Warn("btc stream session ended", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(streamReconnectDelay):
		}
	}
}

func (s *Stream) session(ctx context.Context) error {
	client := chain.NewWSClient(s.Endpoint)
	if err := client.Connect(ctx); err != nil {
		return err
	}
	defer client.Close()
	s.Log.Info("btc stream connected", zap.String("endpoint", s.Endpoint))

	// closing the connection unblocks the reader on shutdown
	sessionCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		<-sessionCtx.Done()
		client.Close()
	}()

	msgs := make(chan []byte)
	readErr := make(chan error, 1)
	go func() {
		for {
			msg, err := client.Read()
			if err != nil {
				readErr <- err
				return
			}
			select {
			case msgs <- msg:
			case <-sessionCtx.Done():
				return
			}
		}
	}()

	watched := map[string]struct{}{}
	if err := s.subscribeNew(ctx, client, watched); err != nil {
		return err
	}

	ticker := time.NewTicker(s.Refresh)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-readErr:
			return err
		case <-ticker.C:
			if err := s.subscribeNew(ctx, client, watched); err != nil {
				return err
			}
			if err := client.Ping(); err != nil {
				return err
			}
		case msg := <-msgs:
			s.handle(ctx, msg, watched)
		}
	}
}

func (s *Stream) subscribeNew(ctx context.Context, client *chain.WSClient, watched map[string]struct{}) error {
	addrs, err := s.Store.ListWatchedAddresses(ctx, models.AssetBTC)
	if err != nil {
		s.Log.Warn("btc stream address refresh failed", zap.Error(err))
		return nil
	}
	for _, addr := range addrs {
		if _, ok := watched[addr]; ok {
			continue
		}
		if err := client.Subscribe(addr); err != nil {
			return err
		}
		watched[addr] = struct{}{}
	}
	return nil
}

func (s *Stream) handle(ctx context.Context, msg []byte, watched map[string]struct{}) {
	receipts, err := chain.ParseWSReceipts(msg, watched)
	if err != nil {
		s.Log.Debug("btc stream parse failed", zap.Error(err))
		return
	}
	for _, rc := range receipts {
		id, err := s.Reconciler.Reconcile(ctx, rc)
		if err != nil {
			s.Log.Warn("btc stream reconcile failed", zap.String("tx_id", rc.TxID), zap.Error(err))
			continue
		}
		if id != "" {
			s.Log.Info("btc stream settled order", zap.String("order_id", id), zap.String("tx_id", rc.TxID))
		}
	}
}
