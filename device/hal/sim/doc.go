// Package sim provides simulated accelerators for development and testing.
//
// A [Model] implements the device side: a register space with a status
// region, one window per processing element, one window per DMA engine, an
// interrupt controller window and a device memory window. A [Backend] is the
// host side that the device core drives through [hal.Backend].
//
// # Processing Elements
//
// Writing an argument to PEArg and then [PEStart] to PECtl launches a
// processing element. After Config.Latency it stores arg+1 in PEResult,
// increments PECount, clears PEStart and raises [PESource] of its index.
//
// # DMA
//
// DMA units run on the host side and copy chunks through the device memory
// window. Each chunk raises a [DMASource] completion carrying the engine,
// the direction and whether the device failed it. [Model.FailNext] injects
// failures.
//
// # Remote Models
//
// A model can be served to other processes with a wire server:
//
//	m, _ := sim.NewModel(cfg)
//	srv := wire.NewServer(m)
//	m.Subscribe(srv.Raise)
//	go srv.Serve(ctx, listener)
//
// A backend whose Config.Remote names that listener drives the model over
// the connection. Interrupts raised by the model arrive as pushed frames.
package sim
