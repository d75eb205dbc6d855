package sim

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/ardnew/softfpga/device/hal"
	"github.com/ardnew/softfpga/pkg"
)

// dmaQueueSize bounds the commands a unit accepts before Issue blocks.
const dmaQueueSize = 64

// dmaUnit moves chunks between host buffers and the device memory window of
// a register space, one at a time in issue order, and raises a completion
// for each.
type dmaUnit struct {
	engine  int
	regs    hal.RegisterSpace
	window  uint64 // Engine register window
	memBase uint64
	memSize uint64
	raise   func(source uint32)

	queue  chan hal.DMACommand
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once
}

func newDMAUnit(engine int, regs hal.RegisterSpace, window, memBase, memSize uint64, raise func(uint32)) *dmaUnit {
	ctx, cancel := context.WithCancel(context.Background())
	u := &dmaUnit{
		engine:  engine,
		regs:    regs,
		window:  window,
		memBase: memBase,
		memSize: memSize,
		raise:   raise,
		queue:   make(chan hal.DMACommand, dmaQueueSize),
		ctx:     ctx,
		cancel:  cancel,
	}
	u.wg.Add(1)
	go u.run()
	return u
}

// Issue implements [hal.DMAUnit].
func (u *dmaUnit) Issue(cmd hal.DMACommand) error {
	select {
	case <-u.ctx.Done():
		return fmt.Errorf("dma%d issue seq %d: %w", u.engine, cmd.Seq, pkg.ErrClosed)
	default:
	}
	select {
	case u.queue <- cmd:
		return nil
	case <-u.ctx.Done():
		return fmt.Errorf("dma%d issue seq %d: %w", u.engine, cmd.Seq, pkg.ErrClosed)
	}
}

// Close stops the unit. Queued commands are dropped without completion.
func (u *dmaUnit) Close() error {
	u.once.Do(func() {
		u.cancel()
		u.wg.Wait()
	})
	return nil
}

func (u *dmaUnit) run() {
	defer u.wg.Done()
	for {
		select {
		case cmd := <-u.queue:
			st := u.transfer(cmd)
			if st == pkg.StatusCancelled {
				return
			}
			u.raise(DMASource(u.engine, cmd.Dir, st != pkg.StatusOK))
		case <-u.ctx.Done():
			return
		}
	}
}

func (u *dmaUnit) transfer(cmd hal.DMACommand) pkg.Status {
	// Device addresses are offsets into the memory window and never reach
	// the register file.
	if cmd.DevAddr > u.memSize || uint64(len(cmd.Data)) > u.memSize-cmd.DevAddr {
		pkg.LogWarn(pkg.ComponentDMA, "chunk outside device memory",
			"engine", u.engine, "dir", cmd.Dir.String(), "seq", cmd.Seq,
			"addr", cmd.DevAddr, "len", len(cmd.Data))
		return pkg.StatusFault
	}
	addr := u.memBase + cmd.DevAddr
	var err error
	switch cmd.Dir {
	case hal.ToDevice:
		err = u.regs.WriteCtl(u.ctx, addr, cmd.Data)
	case hal.FromDevice:
		err = u.regs.ReadCtl(u.ctx, addr, cmd.Data)
	default:
		err = fmt.Errorf("direction %v: %w", cmd.Dir, pkg.ErrInvalidParameter)
	}
	if err != nil {
		if u.ctx.Err() != nil || errors.Is(err, pkg.ErrInterrupted) {
			return pkg.StatusCancelled
		}
		pkg.LogWarn(pkg.ComponentDMA, "chunk failed",
			"engine", u.engine, "dir", cmd.Dir.String(), "seq", cmd.Seq, "error", err)
		return pkg.StatusFault
	}

	seq := binary.LittleEndian.AppendUint64(nil, cmd.Seq)
	if err := u.regs.WriteCtl(u.ctx, u.window+DMALastSeq, seq); err != nil && u.ctx.Err() == nil {
		pkg.LogDebug(pkg.ComponentDMA, "update last sequence", "engine", u.engine, "error", err)
	}
	return pkg.StatusOK
}
