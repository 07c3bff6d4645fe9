package solana

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"

	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/gagliardetto/solana-go/rpc/jsonrpc"
	log "github.com/sirupsen/logrus"

	"numerusx/internal/errs"
	"numerusx/internal/trace"
)

// SignatureStatus is what the chain knows about a submitted signature.
type SignatureStatus struct {
	Found     bool
	Confirmed bool
	Slot      uint64
	Err       string
}

// Settlement is the raw token delta of the wallet for one transaction.
type Settlement struct {
	InputAmount  uint64
	OutputAmount uint64
}

// Chain submits and tracks transactions through a Solana RPC node.
type Chain struct {
	client *rpc.Client
}

// NewChain wraps an RPC client.
func NewChain(client *rpc.Client) *Chain {
	return &Chain{client: client}
}

// NewChainFromEndpoint dials rpcEndpoint lazily.
func NewChainFromEndpoint(rpcEndpoint string) *Chain {
	return &Chain{client: rpc.New(rpcEndpoint)}
}

// DecodeTransaction parses a wire-format transaction.
func DecodeTransaction(raw []byte) (*solana.Transaction, error) {
	tx, err := solana.TransactionFromDecoder(bin.NewBinDecoder(raw))
	if err != nil {
		return nil, fmt.Errorf("failed to decode transaction: %w", err)
	}
	return tx, nil
}

// Health fails when the node cannot be reached or reports unhealthy.
func (c *Chain) Health(ctx context.Context) error {
	out, err := c.client.GetHealth(ctx)
	if err != nil {
		return classify("solana.health", errs.KindRPCUnreachable, err)
	}
	if out != rpc.HealthOk {
		return errs.New("solana.health", errs.KindRPCUnreachable, "node reports "+out)
	}
	return nil
}

// BlockHeight returns the confirmed block height.
func (c *Chain) BlockHeight(ctx context.Context) (uint64, error) {
	h, err := c.client.GetBlockHeight(ctx, rpc.CommitmentConfirmed)
	if err != nil {
		return 0, classify("solana.block_height", errs.KindRPCUnreachable, err)
	}
	return h, nil
}

// Simulate runs the signed transaction through preflight simulation.
func (c *Chain) Simulate(ctx context.Context, signedTx []byte) error {
	ctx, span := trace.StartSpan(ctx, "solana.simulate")
	defer span.End()

	tx, err := DecodeTransaction(signedTx)
	if err != nil {
		return errs.Wrap("solana.simulate", errs.KindInvalid, err)
	}
	out, err := c.client.SimulateTransaction(ctx, tx)
	if err != nil {
		return classify("solana.simulate", errs.KindSimulation, err)
	}
	if out != nil && out.Value != nil && out.Value.Err != nil {
		errJSON, _ := json.Marshal(out.Value.Err)
		log.WithFields(log.Fields{
			"error": string(errJSON),
			"logs":  out.Value.Logs,
		}).Warn("Transaction simulation rejected")
		return errs.New("solana.simulate", errs.KindSimulation, string(errJSON))
	}
	return nil
}

// Submit broadcasts the signed transaction and returns its signature.
// Preflight is skipped because Simulate already ran.
func (c *Chain) Submit(ctx context.Context, signedTx []byte) (string, error) {
	ctx, span := trace.StartSpan(ctx, "solana.submit")
	defer span.End()

	tx, err := DecodeTransaction(signedTx)
	if err != nil {
		return "", errs.Wrap("solana.submit", errs.KindInvalid, err)
	}
	maxRetries := uint(0)
	sig, err := c.client.SendTransactionWithOpts(ctx, tx, rpc.TransactionOpts{
		SkipPreflight:       true,
		PreflightCommitment: rpc.CommitmentConfirmed,
		MaxRetries:          &maxRetries,
	})
	if err != nil {
		if isTimeout(err) {
			return "", errs.Wrap("solana.submit", errs.KindSubmitUnknown, err)
		}
		return "", classify("solana.submit", errs.KindBroadcast, err)
	}
	return sig.String(), nil
}

// SignatureStatus checks a signature, searching history for older ones.
func (c *Chain) SignatureStatus(ctx context.Context, signature string) (SignatureStatus, error) {
	sig, err := solana.SignatureFromBase58(signature)
	if err != nil {
		return SignatureStatus{}, errs.Wrap("solana.status", errs.KindInvalid, err)
	}

	res, err := c.client.GetSignatureStatuses(ctx, true, sig)
	if err != nil {
		return SignatureStatus{}, classify("solana.status", errs.KindRPCUnreachable, err)
	}
	if res == nil || len(res.Value) == 0 || res.Value[0] == nil {
		return SignatureStatus{}, nil
	}

	status := res.Value[0]
	out := SignatureStatus{Found: true, Slot: status.Slot}
	if status.Err != nil {
		errJSON, _ := json.Marshal(status.Err)
		out.Err = string(errJSON)
		return out, nil
	}
	switch status.ConfirmationStatus {
	case rpc.ConfirmationStatusFinalized, rpc.ConfirmationStatusConfirmed:
		out.Confirmed = true
	}
	return out, nil
}

// Settlement reads the owner's balance changes for inputMint and outputMint
// from a confirmed transaction. Native SOL is read from lamport balances.
func (c *Chain) Settlement(ctx context.Context, signature, owner, inputMint, outputMint string) (Settlement, error) {
	sig, err := solana.SignatureFromBase58(signature)
	if err != nil {
		return Settlement{}, err
	}
	ownerKey, err := solana.PublicKeyFromBase58(owner)
	if err != nil {
		return Settlement{}, err
	}
	version := uint64(0)
	res, err := c.client.GetTransaction(ctx, sig, &rpc.GetTransactionOpts{
		Encoding:                       solana.EncodingBase64,
		Commitment:                     rpc.CommitmentConfirmed,
		MaxSupportedTransactionVersion: &version,
	})
	if err != nil {
		return Settlement{}, fmt.Errorf("get transaction: %w", err)
	}
	if res == nil || res.Meta == nil {
		return Settlement{}, fmt.Errorf("transaction %s has no meta", signature)
	}

	delta := func(mint string) int64 {
		if mint == solana.SolMint.String() {
			if len(res.Meta.PreBalances) == 0 || len(res.Meta.PostBalances) == 0 {
				return 0
			}
			// fee payer is account 0; add the fee back so only the swap shows
			return int64(res.Meta.PostBalances[0]) - int64(res.Meta.PreBalances[0]) + int64(res.Meta.Fee)
		}
		return tokenBalance(res.Meta.PostTokenBalances, ownerKey, mint) - tokenBalance(res.Meta.PreTokenBalances, ownerKey, mint)
	}

	in, out := delta(inputMint), delta(outputMint)
	if in >= 0 || out <= 0 {
		return Settlement{}, fmt.Errorf("transaction %s shows no swap for owner", signature)
	}
	return Settlement{InputAmount: uint64(-in), OutputAmount: uint64(out)}, nil
}

func tokenBalance(balances []rpc.TokenBalance, owner solana.PublicKey, mint string) int64 {
	var total int64
	for _, b := range balances {
		if b.Owner == nil || !b.Owner.Equals(owner) || b.Mint.String() != mint || b.UiTokenAmount == nil {
			continue
		}
		var v int64
		if _, err := fmt.Sscan(b.UiTokenAmount.Amount, &v); err == nil {
			total += v
		}
	}
	return total
}

// classify maps transport failures to KindRPCUnreachable and everything else to kind.
func classify(op string, kind errs.Kind, err error) error {
	if isTransportError(err) {
		return errs.Wrap(op, errs.KindRPCUnreachable, err)
	}
	return errs.Wrap(op, kind, err)
}

// isTimeout reports a request that was sent but not answered in time.
func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "deadline exceeded") || strings.Contains(msg, "client.timeout exceeded")
}

func isTransportError(err error) bool {
	if err == nil {
		return false
	}
	var rpcErr *jsonrpc.RPCError
	if errors.As(err, &rpcErr) {
		return false
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) && !urlErr.Timeout() {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "connection refused") || strings.Contains(msg, "no such host")
}
