// Package facilitator holds the gas-paying ledger identities and turns
// payment intents into chain-ready transactions.
package facilitator

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/trace"

	x402 "github.com/x402-foundation/x402-tabs"
	"github.com/x402-foundation/x402-tabs/internal/telemetry"
	"github.com/x402-foundation/x402-tabs/mechanisms/evm"
	"github.com/x402-foundation/x402-tabs/mechanisms/svm"
)

// DefaultVerifyTimeout bounds how long VerifyTransfer waits for a
// client-broadcast transaction to land.
const DefaultVerifyTimeout = 15 * time.Second

// Asset describes the token a family settles in.
type Asset struct {
	Address  string `json:"address"`
	Symbol   string `json:"symbol"`
	Name     string `json:"name,omitempty"`
	Decimals int    `json:"decimals"`
}

// NetworkInfo describes one configured ledger family.
type NetworkInfo struct {
	Network x402.Network `json:"network"`
	Name    string       `json:"name"`
	Family  x402.Family  `json:"family"`
	ChainID string       `json:"chainId,omitempty"`
	Address string       `json:"address"`
	Asset   Asset        `json:"asset"`
}

// Facilitator is constructed once at startup and shared. Either family may
// be left unconfigured; its operations then fail with x402.ErrNotConfigured.
type Facilitator struct {
	evmSigner  evm.FacilitatorEvmSigner
	evmNetwork x402.Network
	evmConfig  evm.NetworkConfig

	svmSigner  svm.FacilitatorSvmSigner
	svmNetwork x402.Network
	svmConfig  svm.NetworkConfig

	url           string
	permitWindow  time.Duration
	verifyTimeout time.Duration

	logger  zerolog.Logger
	tracer  trace.Tracer
	metrics *telemetry.Metrics
	now     func() time.Time

	mu                   sync.RWMutex
	beforeSubmitHooks    []BeforeSubmitHook
	afterSubmitHooks     []AfterSubmitHook
	onSubmitFailureHooks []OnSubmitFailureHook
}

// Option configures a Facilitator.
type Option func(*Facilitator) error

// WithEVM configures the EVM identity for a known CAIP-2 network.
func WithEVM(signer evm.FacilitatorEvmSigner, network x402.Network) Option {
	return func(f *Facilitator) error {
		if signer == nil {
			return nil
		}
		cfg, ok := evm.LookupNetwork(string(network))
		if !ok {
			return fmt.Errorf("unsupported evm network %s", network)
		}
		f.evmSigner, f.evmNetwork, f.evmConfig = signer, network, cfg
		return nil
	}
}

// WithSVM configures the Solana fee payer for a known CAIP-2 network.
func WithSVM(signer svm.FacilitatorSvmSigner, network x402.Network) Option {
	return func(f *Facilitator) error {
		if signer == nil {
			return nil
		}
		cfg, ok := svm.LookupNetwork(string(network))
		if !ok {
			return fmt.Errorf("unsupported solana network %s", network)
		}
		f.svmSigner, f.svmNetwork, f.svmConfig = signer, network, cfg
		return nil
	}
}

// WithURL sets the public URL advertised in payment challenges.
func WithURL(url string) Option {
	return func(f *Facilitator) error {
		f.url = url
		return nil
	}
}

// WithPermitWindow sets how long generated permits stay valid.
func WithPermitWindow(d time.Duration) Option {
	return func(f *Facilitator) error {
		if d <= 0 {
			return fmt.Errorf("permit window must be positive, got %s", d)
		}
		f.permitWindow = d
		return nil
	}
}

// WithVerifyTimeout bounds how long transfer verification waits for a receipt.
func WithVerifyTimeout(d time.Duration) Option {
	return func(f *Facilitator) error {
		f.verifyTimeout = d
		return nil
	}
}

func WithLogger(logger zerolog.Logger) Option {
	return func(f *Facilitator) error {
		f.logger = logger.With().Str("component", "facilitator").Logger()
		return nil
	}
}

func WithMetrics(m *telemetry.Metrics) Option {
	return func(f *Facilitator) error {
		f.metrics = m
		return nil
	}
}

func WithTracer(t trace.Tracer) Option {
	return func(f *Facilitator) error {
		f.tracer = t
		return nil
	}
}

// WithClock overrides the time source used for deadlines.
func WithClock(now func() time.Time) Option {
	return func(f *Facilitator) error {
		f.now = now
		return nil
	}
}

// New creates a facilitator.
func New(opts ...Option) (*Facilitator, error) {
	f := &Facilitator{
		permitWindow:  evm.DefaultPermitWindow,
		verifyTimeout: DefaultVerifyTimeout,
		logger:        zerolog.Nop(),
		tracer:        telemetry.Tracer("facilitator"),
		now:           time.Now,
	}
	for _, opt := range opts {
		if err := opt(f); err != nil {
			return nil, err
		}
	}
	return f, nil
}

// URL returns the advertised facilitator URL.
func (f *Facilitator) URL() string {
	return f.url
}

// Network describes the configured network of a family.
func (f *Facilitator) Network(family x402.Family) (NetworkInfo, error) {
	switch family {
	case x402.FamilyEVM:
		if f.evmSigner == nil {
			return NetworkInfo{}, x402.NewNotConfiguredError("evm facilitator is not configured")
		}
		asset := f.evmConfig.DefaultAsset
		return NetworkInfo{
			Network: f.evmNetwork,
			Name:    f.evmConfig.Name,
			Family:  x402.FamilyEVM,
			ChainID: f.evmConfig.ChainID.String(),
			Address: f.evmSigner.Address(),
			Asset:   Asset{Address: asset.Address, Symbol: asset.Symbol, Name: asset.Name, Decimals: asset.Decimals},
		}, nil
	case x402.FamilySVM:
		if f.svmSigner == nil {
			return NetworkInfo{}, x402.NewNotConfiguredError("solana fee payer is not configured")
		}
		asset := f.svmConfig.DefaultAsset
		return NetworkInfo{
			Network: f.svmNetwork,
			Name:    f.svmConfig.Name,
			Family:  x402.FamilySVM,
			Address: f.svmSigner.Address().String(),
			Asset:   Asset{Address: asset.Mint, Symbol: asset.Symbol, Decimals: asset.Decimals},
		}, nil
	default:
		return NetworkInfo{}, x402.NewValidationError("unknown ledger family %q", family)
	}
}

// NetworkFor resolves a CAIP-2 network to the configured family serving it.
func (f *Facilitator) NetworkFor(network x402.Network) (NetworkInfo, error) {
	info, err := f.Network(network.Family())
	if err != nil {
		return NetworkInfo{}, err
	}
	if info.Network != network {
		return NetworkInfo{}, x402.NewValidationError("network %s is not served, facilitator is on %s", network, info.Network)
	}
	return info, nil
}

func (f *Facilitator) requireEVM() error {
	if f.evmSigner == nil {
		return x402.NewNotConfiguredError("evm facilitator is not configured")
	}
	return nil
}

func (f *Facilitator) requireSVM() error {
	if f.svmSigner == nil {
		return x402.NewNotConfiguredError("solana fee payer is not configured")
	}
	return nil
}
