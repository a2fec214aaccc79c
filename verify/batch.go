package verify

import (
	"context"

	"github.com/agentregistry/indexer/infrastructure/chainrpc"
)

const batchChunkSize = 100

// batchVerify checks existence for every address in addresses, chunked to
// batchChunkSize per getMultipleAccountsInfo call. A chunk failure falls back
// to per-address getAccountInfo up to maxRetries; Unknown never causes a
// state transition.
func batchVerify(ctx context.Context, rpc *chainrpc.Client, addresses []string, maxRetries int) map[string]chainrpc.AccountExistence {
	out := make(map[string]chainrpc.AccountExistence, len(addresses))

	for i := 0; i < len(addresses); i += batchChunkSize {
		end := i + batchChunkSize
		if end > len(addresses) {
			end = len(addresses)
		}
		chunk := addresses[i:end]

		result, err := rpc.GetMultipleAccountsInfo(ctx, chunk)
		if err == nil {
			for addr, ex := range result {
				out[addr] = ex
			}
			continue
		}

		for _, addr := range chunk {
			out[addr] = perAddressFallback(ctx, rpc, addr, maxRetries)
		}
	}
	return out
}

func perAddressFallback(ctx context.Context, rpc *chainrpc.Client, addr string, maxRetries int) chainrpc.AccountExistence {
	var last chainrpc.AccountExistence = chainrpc.AccountUnknown
	for attempt := 0; attempt <= maxRetries; attempt++ {
		ex, _, err := rpc.GetAccountInfo(ctx, addr)
		if err == nil {
			return ex
		}
		last = chainrpc.AccountUnknown
	}
	return last
}
