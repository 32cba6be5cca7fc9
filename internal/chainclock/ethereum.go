package chainclock

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/ethclient"
)

// Ethereum reads block heights from a JSON-RPC endpoint.
type Ethereum struct {
	client *ethclient.Client
}

// DialEthereum connects to rpcURL.
func DialEthereum(ctx context.Context, rpcURL string) (*Ethereum, error) {
	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("dial rpc: %w", err)
	}
	return &Ethereum{client: client}, nil
}

func (e *Ethereum) Height(ctx context.Context) (uint64, error) {
	n, err := e.client.BlockNumber(ctx)
	if err != nil {
		return 0, fmt.Errorf("block number: %w", err)
	}
	return n, nil
}

// Close releases the underlying RPC connection.
func (e *Ethereum) Close() {
	e.client.Close()
}
