// Package onchaintest provides an in-memory chain.Caller for adapter tests.
package onchaintest

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"sync/atomic"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

// ErrReverted is returned for calls without a registered handler.
var ErrReverted = errors.New("execution reverted")

// Handler receives decoded inputs and returns output values to pack.
type Handler func(args []any) ([]any, error)

type handlerKey struct {
	to       common.Address
	selector [4]byte
}

type registered struct {
	method  abi.Method
	handler Handler
}

// Fake dispatches eth_call by (contract, selector).
type Fake struct {
	mu       sync.RWMutex
	handlers map[handlerKey]registered
	failAll  error
	calls    atomic.Int64
}

// New returns an empty fake.
func New() *Fake {
	return &Fake{handlers: make(map[handlerKey]registered)}
}

// On registers a handler for method on contract at to.
func (f *Fake) On(to common.Address, contract *abi.ABI, method string, h Handler) {
	m, ok := contract.Methods[method]
	if !ok {
		panic("onchaintest: unknown method " + method)
	}
	var sel [4]byte
	copy(sel[:], m.ID)
	f.mu.Lock()
	f.handlers[handlerKey{to: to, selector: sel}] = registered{method: m, handler: h}
	f.mu.Unlock()
}

// Return registers a handler that always returns values.
func (f *Fake) Return(to common.Address, contract *abi.ABI, method string, values ...any) {
	f.On(to, contract, method, func([]any) ([]any, error) { return values, nil })
}

// FailAll makes every call fail with err, simulating an unreachable node.
func (f *Fake) FailAll(err error) {
	f.mu.Lock()
	f.failAll = err
	f.mu.Unlock()
}

// Calls is the number of eth_call requests served.
func (f *Fake) Calls() int64 { return f.calls.Load() }

// CallContract implements ethereum.ContractCaller.
func (f *Fake) CallContract(ctx context.Context, msg ethereum.CallMsg, block *big.Int) ([]byte, error) {
	f.calls.Add(1)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.mu.RLock()
	failAll := f.failAll
	f.mu.RUnlock()
	if failAll != nil {
		return nil, failAll
	}
	if msg.To == nil || len(msg.Data) < 4 {
		return nil, ErrReverted
	}
	var sel [4]byte
	copy(sel[:], msg.Data[:4])

	f.mu.RLock()
	reg, ok := f.handlers[handlerKey{to: *msg.To, selector: sel}]
	f.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: no handler for %x on %s", ErrReverted, sel, msg.To.Hex())
	}

	args, err := reg.method.Inputs.Unpack(msg.Data[4:])
	if err != nil {
		return nil, fmt.Errorf("onchaintest: unpack %s: %w", reg.method.Name, err)
	}
	values, err := reg.handler(args)
	if err != nil {
		return nil, err
	}
	return reg.method.Outputs.Pack(values...)
}

// BlockNumber implements chain.Caller.
func (f *Fake) BlockNumber(ctx context.Context) (uint64, error) {
	return 1, nil
}

// Addr is a shorthand for common.HexToAddress.
func Addr(hex string) common.Address { return common.HexToAddress(hex) }
