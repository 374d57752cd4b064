// Copyright 2020 Sebastian Lehmann. All rights reserved.
// Use of this source code is governed by a GNU-style
// license that can be found in the LICENSE file.

package main

import (
	"bytes"
	"context"
	"os"
	"runtime"
	"strings"

	"github.com/bbnote/godap"
	"github.com/marcinbor85/gohex"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	flag "github.com/spf13/pflag"
	prefixed "github.com/x-cray/logrus-prefixed-formatter"
)

var (
	logger *logrus.Logger
)

// page data is staged right behind the algorithm region
const pageBuffer = godap.TrampolineBase + godap.TrampolineSize

func initLogger() {
	formatter := &prefixed.TextFormatter{
		DisableColors:   false,
		TimestampFormat: "15:04:05",
		FullTimestamp:   true,
		ForceFormatting: true,
	}

	logger = logrus.New()

	logger.SetFormatter(formatter)
	logger.SetOutput(os.Stdout)
}

type flasher struct {
	ram        *godap.Ram
	trampoline *godap.Trampoline
	erased     map[uint32]bool
}

func (f *flasher) call(ctx context.Context, pc uint32, r0, r1, r2 uint32) error {
	status, err := f.trampoline.Call(ctx, godap.EntryAddress(pc), r0, r1, r2)

	if err != nil {
		return err
	}

	if uint8(status) != godap.IpcStatusOk {
		return errors.Errorf("flash algorithm entry 0x%x(0x%x, 0x%x, 0x%x) failed with %d", pc, r0, r1, r2, status)
	}

	return nil
}

func (f *flasher) eraseSectors(ctx context.Context, addr uint32, length uint32) error {
	first := addr &^ (godap.FlashSectorSize - 1)

	for sector := first; sector < addr+length; sector += godap.FlashSectorSize {
		if f.erased[sector] {
			continue
		}

		logger.Debugf("Erasing sector 0x%08x", sector)

		if err := f.call(ctx, godap.PcEraseSector, sector, 0, 0); err != nil {
			return err
		}

		f.erased[sector] = true
	}

	return nil
}

func (f *flasher) programSegment(ctx context.Context, segment gohex.DataSegment) error {
	if err := f.eraseSectors(ctx, segment.Address, uint32(len(segment.Data))); err != nil {
		return err
	}

	for offset := 0; offset < len(segment.Data); offset += int(godap.FlashPageSize) {
		end := offset + int(godap.FlashPageSize)
		if end > len(segment.Data) {
			end = len(segment.Data)
		}

		page := segment.Data[offset:end]

		if err := f.ram.Write(pageBuffer, page); err != nil {
			return err
		}

		if err := f.call(ctx, godap.PcProgramPage, segment.Address+uint32(offset), uint32(len(page)), pageBuffer); err != nil {
			return err
		}
	}

	logger.Infof("Programmed %d bytes at 0x%08x", len(segment.Data), segment.Address)

	return nil
}

func verifySegment(updater *godap.FirmwareUpdater, segment gohex.DataSegment) error {
	offset, err := updater.Layout().MapAddress(segment.Address)

	if err != nil {
		return err
	}

	data := make([]byte, len(segment.Data))

	if err := updater.ReadFirmware(offset, data); err != nil {
		return err
	}

	if !bytes.Equal(data, segment.Data) {
		return errors.Errorf("verify failed for segment at 0x%08x", segment.Address)
	}

	return nil
}

func main() {
	initLogger()
	godap.SetLogger(logger)

	logger.Info("Welcome to the godap flash algorithm runner...")

	flagLogLevel := flag.Int("log-level", int(logrus.InfoLevel), "Logging verbosity [0 - 6]")
	flagImage := flag.StringP("image", "i", "flash.bin", "Flash image file to program")
	flagVerify := flag.Bool("verify", true, "Read back every segment after programming")
	flagBoard := flag.String("board", godap.DefaultBoard, "Probe board, one of "+strings.Join(godap.SupportedBoards(), ", "))

	flag.Parse()

	logger.SetLevel(logrus.Level(*flagLogLevel))

	if flag.NArg() != 1 {
		logger.Fatal("usage: hexflash [flags] <firmware.hex>")
	}

	file, err := os.Open(flag.Arg(0))

	if err != nil {
		logger.Fatal(err)
	}

	memory := gohex.NewMemory()
	err = memory.ParseIntelHex(file)
	file.Close()

	if err != nil {
		logger.Fatalf("could not parse %s: %v", flag.Arg(0), err)
	}

	segments := memory.GetDataSegments()

	if len(segments) == 0 {
		logger.Fatalf("%s holds no data", flag.Arg(0))
	}

	board := godap.GetBoardInformation(*flagBoard)

	if board == nil {
		logger.Fatalf("unknown board %s", *flagBoard)
	}

	flash, err := godap.OpenFileFlash(*flagImage, board.FlashSize)

	if err != nil {
		logger.Fatal(err)
	}

	defer flash.Close()

	updater, err := godap.NewFirmwareUpdater(flash, godap.DefaultPartitionLayout())

	if err != nil {
		logger.Fatal(err)
	}

	ram := godap.NewRam(board.RamStart, board.RamSize)
	ipc := godap.NewIpcMessage(ram)
	trampoline := godap.NewTrampoline(ram, ipc)

	if err := trampoline.Install(); err != nil {
		logger.Fatal(err)
	}

	lock := godap.FlashSpinlock()
	monitor := godap.NewFlashMonitor(ipc, ram, updater, lock)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	// the debugging core polls for requests until the run is over
	go func() {
		defer close(done)

		for ctx.Err() == nil {
			if !monitor.HandlePending() {
				runtime.Gosched()
			}
		}
	}()

	f := &flasher{ram: ram, trampoline: trampoline, erased: make(map[uint32]bool)}

	err = f.call(ctx, godap.PcInit, segments[0].Address, 0, uint32(godap.FlashOperationProgram))

	for _, segment := range segments {
		if err != nil {
			break
		}

		err = f.programSegment(ctx, segment)
	}

	if err == nil {
		err = f.call(ctx, godap.PcUninit, uint32(godap.FlashOperationProgram), 0, 0)
	}

	cancel()
	<-done

	if err != nil {
		logger.Fatal(err)
	}

	if *flagVerify {
		for _, segment := range segments {
			if err := verifySegment(updater, segment); err != nil {
				logger.Fatal(err)
			}
		}

		logger.Info("Verify ok")
	}

	state, err := updater.GetState()

	if err != nil {
		logger.Fatal(err)
	}

	logger.Infof("Programmed %d segments, %d requests, bootloader state %s", len(segments), monitor.Handled(), state)
}
