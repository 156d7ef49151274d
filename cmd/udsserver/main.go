// Command udsserver is a demo integrator for the uds dispatcher: it wires an
// in-memory stand-in for the DEM/NVM/application callbacks against a
// .dcf-loaded ServiceTable, then reads UDS request frames as hex strings
// from stdin and prints the resulting wire response.
package main

import (
	"bufio"
	"context"
	"encoding/hex"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	log "github.com/sirupsen/logrus"

	uds "github.com/tinyecu/udsdiag"
	"github.com/tinyecu/udsdiag/pkg/config"
	"github.com/tinyecu/udsdiag/pkg/control"
	"github.com/tinyecu/udsdiag/pkg/data"
	"github.com/tinyecu/udsdiag/pkg/dtc"
	"github.com/tinyecu/udsdiag/pkg/ioctrl"
	"github.com/tinyecu/udsdiag/pkg/routine"
	"github.com/tinyecu/udsdiag/pkg/security"
	"github.com/tinyecu/udsdiag/pkg/session"
	"github.com/tinyecu/udsdiag/pkg/transfer"
)

// demoECU is the in-memory stand-in for every out-of-scope collaborator: a
// flat memory image (RequestDownload/TransferData target), a DID store, a
// DTC store (DEM) and an always-idle NVM.
type demoECU struct {
	mu sync.Mutex

	memory  [1 << 20]byte
	did     map[uint16][]byte
	dtcs    []demoDTC
	enabled bool
}

type demoDTC struct {
	code   uint32
	status byte
}

func newDemoECU() *demoECU {
	e := &demoECU{
		did:     make(map[uint16][]byte),
		enabled: true,
	}
	e.did[0xF190] = []byte("WVWZZZ1JZXW000001") // VIN, 17 bytes
	e.did[0xF18C] = []byte("ECUSERIAL1")        // 10 bytes
	e.did[0x0100] = []byte{0x00}
	e.dtcs = []demoDTC{
		{code: 0x010203, status: 0x08},
		{code: 0x040506, status: 0x2F},
	}
	return e
}

func main() {
	log.SetLevel(log.DebugLevel)
	dcfPath := flag.String("dcf", "example.dcf", "path to the .dcf diagnostic configuration file")
	flag.Parse()

	f, err := config.Load(*dcfPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load %s: %v\n", *dcfPath, err)
		os.Exit(1)
	}

	ecu := newDemoECU()
	handlers := buildHandlers(f, ecu, log.WithField("service", "[MAIN]"))

	table, err := f.BuildServiceTable(handlers)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to build service table: %v\n", err)
		os.Exit(1)
	}

	logger := log.WithField("service", "[MAIN]")
	d, err := uds.NewDispatcher(table, f.Timing, f.ResponseCap, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to build dispatcher: %v\n", err)
		os.Exit(1)
	}
	d.OnSessionChange(func(old, new uint8) {
		logger.WithField("old", old).WithField("new", new).Info("session changed")
	})
	d.OnReset(func(kind uds.ResetType) {
		logger.WithField("kind", kind).Warn("ECU reset fired, exiting")
		os.Exit(0)
	})
	d.SetTransportSink(func(wire []byte) {
		fmt.Printf("< %s\n", hex.EncodeToString(wire))
	})

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	go func() {
		if err := d.Process(ctx); err != nil && ctx.Err() == nil {
			logger.WithError(err).Error("dispatcher loop exited")
		}
	}()

	logger.Info("udsserver ready, enter request frames as hex on stdin (e.g. 1003)")
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		frame, err := hex.DecodeString(line)
		if err != nil {
			fmt.Fprintf(os.Stderr, "invalid hex: %v\n", err)
			continue
		}
		d.Handle(frame, uds.AddressingPhysical)
	}
}

// buildHandlers wires one uds.Handler per SID the .dcf configures.
func buildHandlers(f *config.File, ecu *demoECU, logger *log.Entry) map[uint8]uds.Handler {
	handlers := make(map[uint8]uds.Handler)

	sessionHandler := session.New(f.SessionConfig(func(current, requested uint8) error {
		return nil // every configured session transition is permitted in this demo
	}), logger)
	handlers[0x10] = sessionHandler

	handlers[0x11] = control.NewResetHandler(control.ResetConfig{
		HardResetDelayTicks: 50,
		SoftResetDelayTicks: 20,
	}, logger)
	handlers[0x3E] = control.NewTesterPresentHandler(logger)
	handlers[0x85] = control.NewDTCSettingHandler(func(enable bool) error {
		ecu.mu.Lock()
		defer ecu.mu.Unlock()
		ecu.enabled = enable
		return nil
	}, logger)

	didTable := data.NewTable(logger, f.DIDConfigs(demoDIDReads(ecu), demoDIDWrites(ecu))...)
	handlers[0x22] = didTable.ReadHandler()
	handlers[0x2E] = didTable.WriteHandler()

	handlers[0x27] = security.New(logger, f.SecurityLevelConfigs(
		map[uint8]security.SeedFunc{1: demoSeed},
		map[uint8]security.CompareFunc{1: demoCompareKey},
	)...)

	handlers[0x31] = routine.New(logger, f.RoutineConfigs(
		map[uint16]routine.RoutineFunc{0x0203: demoRoutineStart(ecu)},
		nil,
		nil,
	)...)

	handlers[0x2F] = ioctrl.New(logger, f.IOControlConfigs(map[uint16][5]ioctrl.ActionFunc{
		0x0120: demoIOActions(ecu),
	})...)

	xfer := transfer.New(transfer.Config{
		RequestDownload: demoRequestTransfer(ecu),
		RequestUpload:   demoRequestTransfer(ecu),
		Write:           demoWriteMemory(ecu),
		Read:            demoReadMemory(ecu),
		Exit: func(op uds.OpStatus, checksum uint16) (uds.Result, error) {
			return uds.ResultOK, nil
		},
	}, logger)
	handlers[0x34] = xfer.Download()
	handlers[0x35] = xfer.Upload()
	handlers[0x36] = xfer.Data()
	handlers[0x37] = xfer.Exit()

	handlers[0x14] = dtc.NewClearHandler(dtc.ClearConfig{
		NVMStatus: func() dtc.NVMStatus { return dtc.NVMIdle },
		Clear: func(groupDTC uint32) (uds.Result, error) {
			ecu.mu.Lock()
			defer ecu.mu.Unlock()
			kept := ecu.dtcs[:0]
			for _, d := range ecu.dtcs {
				if groupDTC != 0xFFFFFF && d.code != groupDTC {
					kept = append(kept, d)
				}
			}
			ecu.dtcs = kept
			return uds.ResultOK, nil
		},
	}, logger)
	handlers[0x19] = dtc.NewReadHandler(dtc.ReadConfig{
		NumberByStatusMask: func(statusMask byte) (byte, uint16, error) {
			ecu.mu.Lock()
			defer ecu.mu.Unlock()
			var n uint16
			for _, d := range ecu.dtcs {
				if d.status&statusMask != 0 {
					n++
				}
			}
			return 0xFF, n, nil
		},
		DTCByStatusMask: func(statusMask byte) (byte, []dtc.FilteredDTC, error) {
			ecu.mu.Lock()
			defer ecu.mu.Unlock()
			var out []dtc.FilteredDTC
			for _, d := range ecu.dtcs {
				if d.status&statusMask != 0 {
					out = append(out, dtc.FilteredDTC{DTC: d.code, Status: d.status})
				}
			}
			return 0xFF, out, nil
		},
	}, logger)

	return handlers
}

func demoDIDReads(ecu *demoECU) map[uint16]data.ReadFunc {
	reads := make(map[uint16]data.ReadFunc)
	for id := range ecu.did {
		id := id
		reads[id] = func(out []byte) error {
			ecu.mu.Lock()
			defer ecu.mu.Unlock()
			copy(out, ecu.did[id])
			return nil
		}
	}
	return reads
}

func demoDIDWrites(ecu *demoECU) map[uint16]data.WriteFunc {
	return map[uint16]data.WriteFunc{
		0x0100: func(buf []byte, expectedLength int) error {
			ecu.mu.Lock()
			defer ecu.mu.Unlock()
			copy(ecu.did[0x0100], buf)
			return nil
		},
	}
}

func demoSeed(level uint8) ([]byte, error) {
	return []byte{0xDE, 0xAD, 0xBE, 0xEF}, nil
}

func demoCompareKey(level uint8, key []byte) (bool, error) {
	expected, _ := demoSeed(level)
	for i := range expected {
		expected[i] ^= 0xFF // toy transform: key is the seed's bitwise complement
	}
	return string(key) == string(expected), nil
}

func demoRoutineStart(ecu *demoECU) routine.RoutineFunc {
	return func(in []byte, op uds.OpStatus, out []byte) (int, uds.Result, error) {
		return copy(out, []byte{0x00}), uds.ResultOK, nil // 0x00 = routine completed
	}
}

func demoIOActions(ecu *demoECU) [5]ioctrl.ActionFunc {
	var actions [5]ioctrl.ActionFunc
	actions[ioctrl.ActionShortTermAdjust] = func(in []byte, out []byte) (int, error) {
		return copy(out, in), nil // echo the actuation command back as confirmation
	}
	actions[ioctrl.ActionReturnControlToECU] = func(in []byte, out []byte) (int, error) {
		return 0, nil
	}
	return actions
}

func demoRequestTransfer(ecu *demoECU) transfer.RequestFunc {
	return func(dataFormatID byte, addr, size uint32) (uint16, error) {
		if uint64(addr)+uint64(size) > uint64(len(ecu.memory)) {
			return 0, uds.NRCRequestOutOfRange
		}
		const maxBlockLen = 0x1000
		blockLen := size
		if blockLen > maxBlockLen {
			blockLen = maxBlockLen
		}
		return uint16(blockLen), nil
	}
}

func demoWriteMemory(ecu *demoECU) transfer.WriteFunc {
	return func(op uds.OpStatus, addr uint32, chunk []byte) (uds.Result, error) {
		ecu.mu.Lock()
		defer ecu.mu.Unlock()
		if uint64(addr)+uint64(len(chunk)) > uint64(len(ecu.memory)) {
			return 0, uds.NRCRequestOutOfRange
		}
		copy(ecu.memory[addr:], chunk)
		return uds.ResultOK, nil
	}
}

func demoReadMemory(ecu *demoECU) transfer.ReadFunc {
	return func(op uds.OpStatus, addr uint32, out []byte) (int, uds.Result, error) {
		ecu.mu.Lock()
		defer ecu.mu.Unlock()
		if uint64(addr)+uint64(len(out)) > uint64(len(ecu.memory)) {
			return 0, 0, uds.NRCRequestOutOfRange
		}
		n := copy(out, ecu.memory[addr:addr+uint32(len(out))])
		return n, uds.ResultOK, nil
	}
}
