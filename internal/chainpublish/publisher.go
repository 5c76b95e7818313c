// Package chainpublish carries each new Merkle root to the configured
// smart-contract address with bounded retry and gas-price escalation,
// the concrete treatment of spec.md's "publish new root" step. It is a
// fire-and-forget worker: the registration path never blocks on chain
// confirmation, it only enqueues.
package chainpublish

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"log"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/rarimo/census-identity-service/internal/field"
)

// newRootABI describes the single entry point this package ever calls:
// newRoot(bytes32 root, uint256 leafCount).
const newRootABI = `[{
	"inputs": [
		{"internalType": "bytes32", "name": "root", "type": "bytes32"},
		{"internalType": "uint256", "name": "leafCount", "type": "uint256"}
	],
	"name": "newRoot",
	"outputs": [],
	"stateMutability": "nonpayable",
	"type": "function"
}]`

// ErrNotConfigured is returned when Publish is called on a Publisher with no
// chain RPC URL or contract address configured; the caller is expected to
// treat chain publishing as optional in that case.
var ErrNotConfigured = errors.New("chainpublish: no RPC URL or contract address configured")

// Job describes one root update awaiting publication.
type Job struct {
	Root      field.Element
	LeafCount uint64
}

// Publisher signs and sends newRoot transactions against a single
// contract address, retrying with escalating gas price on the errors the
// teacher's client treats as transient.
type Publisher struct {
	client       *ethclient.Client
	contractABI  abi.ABI
	contractAddr common.Address
	chainID      *big.Int
	privateKey   *ecdsa.PrivateKey
	fromAddress  common.Address

	maxRetries  int
	gasLimit    uint64
	backoffBase time.Duration

	log *log.Logger
	// onOutcome, if set, is called after every publish attempt (including
	// retries) so callers can feed it into metrics.
	onOutcome func(outcome string)
}

// Option configures a Publisher at construction time.
type Option func(*Publisher)

// WithLogger overrides the default logger.
func WithLogger(l *log.Logger) Option {
	return func(p *Publisher) { p.log = l }
}

// WithMaxRetries overrides the default budget of send attempts (4), the
// first attempt included.
func WithMaxRetries(n int) Option {
	return func(p *Publisher) { p.maxRetries = n }
}

// WithGasLimit overrides the default gas limit (200000).
func WithGasLimit(limit uint64) Option {
	return func(p *Publisher) { p.gasLimit = limit }
}

// WithOutcomeHook registers a callback invoked with "success", "retry" or
// "failure" after each attempt, for metrics wiring.
func WithOutcomeHook(fn func(outcome string)) Option {
	return func(p *Publisher) { p.onOutcome = fn }
}

// New dials rpcURL and prepares a Publisher that signs with operatorKeyHex
// and calls newRoot on contractAddrHex.
func New(rpcURL, contractAddrHex, operatorKeyHex string, chainID int64, opts ...Option) (*Publisher, error) {
	if rpcURL == "" || contractAddrHex == "" {
		return nil, ErrNotConfigured
	}

	client, err := ethclient.Dial(rpcURL)
	if err != nil {
		return nil, fmt.Errorf("chainpublish: dialing rpc: %w", err)
	}

	parsedABI, err := abi.JSON(strings.NewReader(newRootABI))
	if err != nil {
		return nil, fmt.Errorf("chainpublish: parsing abi: %w", err)
	}

	privateKey, err := crypto.HexToECDSA(strings.TrimPrefix(operatorKeyHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("chainpublish: parsing operator key: %w", err)
	}
	publicKeyECDSA, ok := privateKey.Public().(*ecdsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("chainpublish: operator key has no ECDSA public key")
	}

	p := &Publisher{
		client:       client,
		contractABI:  parsedABI,
		contractAddr: common.HexToAddress(contractAddrHex),
		chainID:      big.NewInt(chainID),
		privateKey:   privateKey,
		fromAddress:  crypto.PubkeyToAddress(*publicKeyECDSA),
		maxRetries:   4,
		gasLimit:     200000,
		backoffBase:  2 * time.Second,
		log:          log.New(log.Writer(), "[ChainPublish] ", log.LstdFlags),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Publish sends one newRoot transaction, making at most p.maxRetries
// attempts with 20%-per-attempt gas price escalation on the errors that indicate a
// stuck or underpriced transaction, mirroring the escalation policy the
// teacher's Ethereum client uses for anchor transactions.
func (p *Publisher) Publish(ctx context.Context, job Job) (*types.Receipt, error) {
	rootBytes := job.Root.Bytes()
	var root32 [32]byte
	copy(root32[:], rootBytes[:])
	leafCount := new(big.Int).SetUint64(job.LeafCount)

	callData, err := p.contractABI.Pack("newRoot", root32, leafCount)
	if err != nil {
		return nil, fmt.Errorf("chainpublish: packing call: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt < p.maxRetries; attempt++ {
		receipt, err := p.sendOnce(ctx, callData, attempt)
		if err == nil {
			p.notify("success")
			return receipt, nil
		}
		lastErr = err
		if !isRetryable(err) || attempt == p.maxRetries-1 {
			p.notify("failure")
			return nil, fmt.Errorf("chainpublish: publishing root after %d attempts: %w", attempt+1, err)
		}
		p.notify("retry")
		p.log.Printf("attempt %d failed, retrying: %v", attempt+1, err)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(p.backoffBase << uint(attempt)):
		}
	}
	return nil, lastErr
}

func (p *Publisher) sendOnce(ctx context.Context, callData []byte, attempt int) (*types.Receipt, error) {
	nonce, err := p.client.PendingNonceAt(ctx, p.fromAddress)
	if err != nil {
		return nil, fmt.Errorf("fetching nonce: %w", err)
	}

	gasPrice, err := p.client.SuggestGasPrice(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetching gas price: %w", err)
	}
	if attempt > 0 {
		multiplier := big.NewInt(int64(100 + 20*attempt))
		gasPrice = new(big.Int).Div(new(big.Int).Mul(gasPrice, multiplier), big.NewInt(100))
	}

	tx := types.NewTransaction(nonce, p.contractAddr, big.NewInt(0), p.gasLimit, gasPrice, callData)
	signedTx, err := types.SignTx(tx, types.NewEIP155Signer(p.chainID), p.privateKey)
	if err != nil {
		return nil, fmt.Errorf("signing transaction: %w", err)
	}

	if err := p.client.SendTransaction(ctx, signedTx); err != nil {
		return nil, err
	}

	return p.waitForReceipt(ctx, signedTx)
}

func (p *Publisher) waitForReceipt(ctx context.Context, tx *types.Transaction) (*types.Receipt, error) {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for {
		receipt, err := p.client.TransactionReceipt(ctx, tx.Hash())
		if err == nil {
			return receipt, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (p *Publisher) notify(outcome string) {
	if p.onOutcome != nil {
		p.onOutcome(outcome)
	}
}

func isRetryable(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "replacement transaction underpriced") ||
		strings.Contains(msg, "nonce too low") ||
		strings.Contains(msg, "already known")
}

// Worker drains a channel of Jobs and publishes each one in turn, logging
// (rather than propagating) failures since callers enqueue fire-and-forget:
// a failed chain publish never blocks or rolls back local registration or
// proof-verification state.
type Worker struct {
	publisher *Publisher
	jobs      chan Job
	log       *log.Logger
}

// NewWorker wraps publisher with a bounded job queue of the given size.
func NewWorker(publisher *Publisher, queueSize int) *Worker {
	return &Worker{
		publisher: publisher,
		jobs:      make(chan Job, queueSize),
		log:       log.New(log.Writer(), "[ChainPublishWorker] ", log.LstdFlags),
	}
}

// Enqueue submits a job without blocking on chain confirmation. It returns
// false if the queue is full, in which case the caller should log and move
// on rather than retry synchronously.
func (w *Worker) Enqueue(job Job) bool {
	select {
	case w.jobs <- job:
		return true
	default:
		return false
	}
}

// Run drains the job queue until stop is closed, publishing each job with
// a fresh context bounded by timeout.
func (w *Worker) Run(stop <-chan struct{}, timeout time.Duration) {
	for {
		select {
		case <-stop:
			return
		case job := <-w.jobs:
			ctx, cancel := context.WithTimeout(context.Background(), timeout)
			if _, err := w.publisher.Publish(ctx, job); err != nil {
				w.log.Printf("failed to publish root for leafCount=%d: %v", job.LeafCount, err)
			}
			cancel()
		}
	}
}
