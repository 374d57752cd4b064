// Copyright 2020 Sebastian Lehmann. All rights reserved.
// Use of this source code is governed by a GNU-style
// license that can be found in the LICENSE file.

package main

import (
	"context"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/bbnote/godap"
	"github.com/bbnote/godap/swdsim"
	"github.com/sirupsen/logrus"
	flag "github.com/spf13/pflag"
	prefixed "github.com/x-cray/logrus-prefixed-formatter"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/host/v3"
)

var (
	logger *logrus.Logger
)

// frequencyValue adapts physic.Frequency to a pflag value.
type frequencyValue struct {
	frequency *physic.Frequency
}

func (v frequencyValue) String() string {
	return v.frequency.String()
}

func (v frequencyValue) Set(s string) error {
	return v.frequency.Set(s)
}

func (v frequencyValue) Type() string {
	return "frequency"
}

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

func main() {
	initLogger()
	godap.SetLogger(logger)
	swdsim.SetLogger(logger)

	logger.Info("Welcome to the godap CMSIS-DAP server...")

	coreFrequency := 1 * physic.MegaHertz

	flagLogLevel := flag.Int("log-level", int(logrus.InfoLevel), "Logging verbosity [0 - 6]")
	flagAddress := flag.StringP("address", "a", godap.DefaultServerAddress, "Address to accept debug hosts on")
	flagTimeout := flag.Duration("timeout", godap.DefaultServerTimeout, "End a session after this much host silence")
	flagV1 := flag.Bool("v1", false, "Limit responses to the CMSIS-DAP v1 packet size")
	flagVersion := flag.String("firmware-version", "VERSION", "Firmware version reported by DAP_Info")
	flagSimulate := flag.Bool("simulate", false, "Serve a simulated target instead of GPIO pins")
	flagSwclk := flag.String("swclk", "GPIO2", "SWCLK pin name")
	flagSwdio := flag.String("swdio", "GPIO3", "SWDIO pin name")
	flagNReset := flag.String("nreset", "", "nRESET pin name, none if empty")
	flagFlashImage := flag.String("flash-image", "", "Flash image file, kept in memory if empty")
	flagBoard := flag.String("board", godap.DefaultBoard, "Probe board, one of "+strings.Join(godap.SupportedBoards(), ", "))
	flag.Var(frequencyValue{&coreFrequency}, "core-frequency", "Fastest rate the pins can be toggled at")

	flag.Parse()

	logger.SetLevel(logrus.Level(*flagLogLevel))

	board := godap.GetBoardInformation(*flagBoard)

	if board == nil {
		logger.Fatalf("unknown board %s", *flagBoard)
	}

	ram := godap.NewRam(board.RamStart, board.RamSize)

	var pins godap.PinDriver

	if *flagSimulate {
		target := swdsim.NewTarget()
		swdsim.NewMemAP(ram).Attach(target)

		pins = target
		coreFrequency = 0

		logger.Infof("Simulating target with DPIDR 0x%08x", swdsim.DefaultIdcode)
	} else {
		if _, err := host.Init(); err != nil {
			logger.Fatalf("could not initialize periph host drivers: %v", err)
		}

		gpioPins, err := godap.NewGpioPins(*flagSwclk, *flagSwdio, *flagNReset)

		if err != nil {
			logger.Fatal(err)
		}

		pins = gpioPins
	}

	var flash godap.Flash

	if *flagFlashImage != "" {
		fileFlash, err := godap.OpenFileFlash(*flagFlashImage, board.FlashSize)

		if err != nil {
			logger.Fatal(err)
		}

		defer fileFlash.Close()

		flash = fileFlash
	} else {
		flash = godap.NewMemoryFlash(board.FlashSize)
	}

	updater, err := godap.NewFirmwareUpdater(flash, godap.DefaultPartitionLayout())

	if err != nil {
		logger.Fatal(err)
	}

	ipc := godap.NewIpcMessage(ram)

	if err := godap.NewTrampoline(ram, ipc).Install(); err != nil {
		logger.Fatal(err)
	}

	lock := godap.FlashSpinlock()

	monitor := godap.NewFlashMonitor(ipc, ram, updater, lock)
	monitor.SetResetHook(func() {
		logger.Warn("Firmware marked updated, reset to swap images")
	})

	status := &godap.DebugStatus{}
	signaler := godap.NewBootSuccessSignaler()
	marker := godap.NewBootSuccessMarker(signaler, updater, lock)

	dap := godap.NewDap(godap.NewSwj(pins, coreFrequency),
		godap.HostStatusReporters{godap.LoggingStatus{}, status, signaler}, *flagVersion)

	config := godap.NewServerConfig()
	config.Address = *flagAddress
	config.Timeout = *flagTimeout

	if *flagV1 {
		config.Version = godap.DapVersionV1
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	go func() {
		if err := marker.Run(ctx); err != nil && ctx.Err() == nil {
			logger.Errorf("could not confirm boot success: %v", err)
		}
	}()

	socket := godap.NewDebugSocket(config, dap, lock, monitor)

	if err := socket.ListenAndServe(ctx); err != nil && ctx.Err() == nil {
		logger.Fatal(err)
	}

	logger.Infof("Shutting down, host disconnected: %t", status.Disconnected())
}
