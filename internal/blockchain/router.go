package blockchain

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/matrixise/compose-pay/internal/calldata"
	"github.com/matrixise/compose-pay/internal/swap"
)

// RouterQuoter is the quote port backed by the DEX router's getAmountsOut
type RouterQuoter struct {
	client  *Client
	router  common.Address
	builder *calldata.Builder
}

// NewRouterQuoter creates a quoter against the builder's router address
func NewRouterQuoter(client *Client, builder *calldata.Builder) *RouterQuoter {
	return &RouterQuoter{client: client, router: builder.Router(), builder: builder}
}

// AmountsOut returns the router's output amount after each hop
func (q *RouterQuoter) AmountsOut(ctx context.Context, amountIn *big.Int, route []swap.Hop) ([]*big.Int, error) {
	data, err := q.builder.AmountsOutCalldata(amountIn, route)
	if err != nil {
		return nil, err
	}

	var raw []byte
	err = q.client.withClient(ctx, func(ctx context.Context, ec *ethclient.Client) error {
		var err error
		raw, err = ec.CallContract(ctx, ethereum.CallMsg{To: &q.router, Data: data}, nil)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("getAmountsOut on %s: %w", q.router.Hex(), err)
	}
	return q.builder.UnpackAmountsOut(raw)
}
