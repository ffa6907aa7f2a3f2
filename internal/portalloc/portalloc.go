// Package portalloc implements the three-source port allocator: a free
// port is one absent from the registry's ledger, from every port the
// runtime currently publishes, and from the host's listening socket
// table.
//
// The allocation algorithm (ascending scan with parity preference and
// fallback) is this package's own, built directly from the controller's
// port-range and blue/green-convention rules; only the general shape of
// checking allocation state against more than one independent source
// before deciding a port is free follows prior art in this codebase's
// lineage.
package portalloc

import (
	"context"
	"fmt"
	"net"

	"github.com/tidewayhq/tideway/internal/platform/apperr"
	"github.com/tidewayhq/tideway/internal/runtime"
	"github.com/tidewayhq/tideway/internal/slotmodel"
)

// LedgerSource reports ports currently held according to the registry's
// port ledger.
type LedgerSource interface {
	HeldPorts(ctx context.Context) (map[int]struct{}, error)
}

// Allocator allocates ports for a scope's slots, consulting the ledger,
// the runtime, and the OS listen table.
type Allocator struct {
	ledger    LedgerSource
	driver    runtime.Driver
	isListening func(port int) bool
}

// New builds an Allocator backed by the given ledger and runtime driver.
func New(ledger LedgerSource, driver runtime.Driver) *Allocator {
	return &Allocator{ledger: ledger, driver: driver, isListening: IsListening}
}

// Allocate returns a free port in env's range for the given slot,
// preferring the slot's conventional parity and falling back to the
// other parity before failing with ports_exhausted.
func (a *Allocator) Allocate(ctx context.Context, env slotmodel.Environment, rng slotmodel.PortRange, slot slotmodel.Name) (int, error) {
	claimed, err := a.claimedPorts(ctx)
	if err != nil {
		return 0, err
	}

	preferred := slotmodel.PreferredParity(slot)
	if port, ok := a.scanRange(rng, claimed, preferred); ok {
		return port, nil
	}
	if port, ok := a.scanRange(rng, claimed, 1-preferred); ok {
		return port, nil
	}
	return 0, apperr.New(apperr.KindPortsExhausted, fmt.Sprintf("no free port in range [%d,%d) for %s/%s", rng.Start, rng.End, env, slot))
}

// claimedPorts combines the ledger and runtime-published port sets. The
// third source, the OS listen table, is checked per-candidate during the
// scan itself rather than pre-enumerated, since there is no portable way
// to bulk-list every listening socket without parsing /proc; a point
// bind-probe per candidate achieves the same authoritative-for-absence
// property spec.md §4.2 asks of it.
func (a *Allocator) claimedPorts(ctx context.Context) (map[int]struct{}, error) {
	claimed := make(map[int]struct{})

	ledgerPorts, err := a.ledger.HeldPorts(ctx)
	if err != nil {
		return nil, fmt.Errorf("read port ledger: %w", err)
	}
	for p := range ledgerPorts {
		claimed[p] = struct{}{}
	}

	runtimePorts, err := a.driver.PublishedPorts(ctx)
	if err != nil {
		// Runtime enumeration failing does not abort allocation; the
		// ledger and the per-candidate listen check are still
		// authoritative-for-absence on their own, and requiring all
		// three to succeed would make allocation fail whenever the
		// runtime is briefly unreachable.
		runtimePorts = nil
	}
	for p := range runtimePorts {
		claimed[p] = struct{}{}
	}

	return claimed, nil
}

// scanRange scans rng in ascending order for the lowest port of the
// given parity (0=even, 1=odd) absent from claimed and not already
// listening on the host.
func (a *Allocator) scanRange(rng slotmodel.PortRange, claimed map[int]struct{}, parity int) (int, bool) {
	for port := rng.Start; port < rng.End; port++ {
		if port%2 != parity {
			continue
		}
		if _, taken := claimed[port]; taken {
			continue
		}
		if a.isListening(port) {
			continue
		}
		return port, true
	}
	return 0, false
}

// IsListening reports whether some process already holds a listening
// TCP socket on port, on any interface. This is the OS listen-table
// source: binding and immediately releasing is the portable way to
// query "is anything listening here" without parsing /proc/net/tcp.
func IsListening(port int) bool {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return true
	}
	_ = ln.Close()
	return false
}
