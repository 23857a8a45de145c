package candles

import (
	"fmt"

	"github.com/atlas-desktop/perpbot/internal/config"
)

// DefaultSymbolTable implements SymbolTable for the recognized sources.
type DefaultSymbolTable struct{}

func (DefaultSymbolTable) Symbol(source config.StreamSource, coin string) (string, error) {
	switch source {
	case config.SourceBinance:
		return coin + "USDT", nil
	case config.SourceHyperliquid:
		return coin, nil
	default:
		return "", fmt.Errorf("%w: %s", ErrUnsupportedSource, source)
	}
}
