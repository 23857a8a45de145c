package optimizer

import (
	"testing"

	"go.uber.org/zap"

	"github.com/atlas-desktop/perpbot/internal/backtester"
)

func TestRunRobustnessCheckEmptyTrades(t *testing.T) {
	a := NewAdvisors(zap.NewNop())
	res := a.RunRobustnessCheck(nil)
	if res.Iterations != 0 {
		t.Fatalf("expected zero-iteration result for no trades, got %+v", res)
	}
}

func TestRunRobustnessCheckBootstrapsTradeSequence(t *testing.T) {
	a := NewAdvisors(zap.NewNop())
	trades := []backtester.CompletedTrade{
		{PnL: 10}, {PnL: -5}, {PnL: 8}, {PnL: -3}, {PnL: 12},
	}
	res := a.RunRobustnessCheck(trades)
	if res.Iterations == 0 {
		t.Fatalf("expected a populated simulation, got %+v", res)
	}
	if res.P5Return > res.P95Return {
		t.Fatalf("expected P5 <= P95, got p5=%f p95=%f", res.P5Return, res.P95Return)
	}
}
