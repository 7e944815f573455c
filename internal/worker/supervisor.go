package worker

import (
	"context"
	"sync"
	"time"

	"CryptoSettle/internal/chain"
	"CryptoSettle/internal/metrics"
	"CryptoSettle/internal/store"

	"go.uber.org/zap"
)

// Supervisor keeps one poll loop running per address that has pending
// orders for its asset. Loops share nothing but the store.
type Supervisor struct {
	Monitor    chain.Monitor
	Store      store.OrderStore
	Reconciler Reconciler
	Poll       PollConfig
	Refresh    time.Duration
	Lease      Lease
	Metrics    *metrics.Metrics
	Log        *zap.Logger

	mu      sync.Mutex
	running map[string]context.CancelFunc
	wg      sync.WaitGroup
}

func (s *Supervisor) Run(ctx context.Context) error {
	log := s.Log.With(zap.String("asset", string(s.Monitor.Asset())))
	log.Info("supervisor started", zap.Duration("interval", s.Poll.Interval), zap.Duration("refresh", s.Refresh))

	ticker := time.NewTicker(s.Refresh)
	defer ticker.Stop()
	defer s.stopAll()

	for {
		if err := s.sync(ctx); err != nil {
			log.Warn("refresh watched addresses failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// sync starts loops for new addresses and stops loops whose address no
// longer has pending orders.
func (s *Supervisor) sync(ctx context.Context) error {
	asset := s.Monitor.Asset()
	addrs, err := s.Store.ListWatchedAddresses(ctx, asset)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running == nil {
		s.running = map[string]context.CancelFunc{}
	}

	want := make(map[string]struct{}, len(addrs))
	for _, addr := range addrs {
		want[addr] = struct{}{}
		if _, ok := s.running[addr]; ok {
			continue
		}
		pctx, cancel := context.WithCancel(ctx)
		s.running[addr] = cancel
		p := &poller{
			monitor:    s.Monitor,
			reconciler: s.Reconciler,
			address:    addr,
			cfg:        s.Poll,
			lease:      s.Lease,
			metrics:    s.Metrics,
			log:        s.Log.With(zap.String("asset", string(asset)), zap.String("address", addr)),
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			p.run(pctx)
		}()
		s.Log.Info("monitor started", zap.String("asset", string(asset)), zap.String("address", addr))
	}
	for addr, cancel := range s.running {
		if _, ok := want[addr]; ok {
			continue
		}
		cancel()
		delete(s.running, addr)
		s.Log.Info("monitor stopped", zap.String("asset", string(asset)), zap.String("address", addr))
	}
	s.Metrics.ActiveMonitors.WithLabelValues(string(asset)).Set(float64(len(s.running)))
	return nil
}

func (s *Supervisor) active() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.running))
	for addr := range s.running {
		out = append(out, addr)
	}
	return out
}

func (s *Supervisor) stopAll() {
	s.mu.Lock()
	for addr, cancel := range s.running {
		cancel()
		delete(s.running, addr)
	}
	s.mu.Unlock()
	s.wg.Wait()
	s.Metrics.ActiveMonitors.WithLabelValues(string(s.Monitor.Asset())).Set(0)
}
