package server

import (
	"context"
	"fmt"
	"time"

	"github.com/mbd888/escrowd/internal/chainclock"
	"github.com/mbd888/escrowd/internal/circuitbreaker"
	"github.com/mbd888/escrowd/internal/config"
)

// clockPollInterval is how often the server looks for height changes to
// announce on the event stream.
const clockPollInterval = 5 * time.Second

// clockSet is the clock chosen by configuration plus the handles the server
// needs beyond Height.
type clockSet struct {
	source  chainclock.Source
	manual  *chainclock.Manual  // non-nil only in manual mode
	guarded *chainclock.Guarded // non-nil only in ethereum mode
	close   func()
}

func buildClock(ctx context.Context, cfg *config.Config) (*clockSet, error) {
	switch cfg.ClockMode {
	case config.ClockManual:
		m := chainclock.NewManual(0)
		return &clockSet{source: m, manual: m, close: func() {}}, nil

	case config.ClockTicker:
		t, err := chainclock.NewTicker(cfg.ClockGenesis, cfg.BlockInterval)
		if err != nil {
			return nil, err
		}
		return &clockSet{source: t, close: func() {}}, nil

	case config.ClockEthereum:
		dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		eth, err := chainclock.DialEthereum(dialCtx, cfg.RPCURL)
		if err != nil {
			return nil, err
		}
		guarded := chainclock.NewGuarded(eth, circuitbreaker.New(5, 30*time.Second), "ethereum_rpc")
		return &clockSet{source: guarded, guarded: guarded, close: eth.Close}, nil
	}
	return nil, fmt.Errorf("unknown clock mode %q", cfg.ClockMode)
}

// watchClock announces height changes on the realtime hub.
func (s *Server) watchClock(ctx context.Context) {
	ticker := time.NewTicker(clockPollInterval)
	defer ticker.Stop()

	var last uint64
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h, err := s.clock.Height(ctx)
			if err != nil {
				s.logger.Warn("clock read failed", "error", err)
				continue
			}
			if h != last {
				last = h
				s.realtimeHub.BroadcastHeight(h)
			}
		}
	}
}
