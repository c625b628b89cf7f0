// Command hostrunner boots a Controller against a kernel module, a
// boot command line, and an initrd, for local development and
// integration testing outside a browser page (SPEC_FULL.md §10).
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/wasmkernel/hostruntime/internal/controller"
	"github.com/wasmkernel/hostruntime/internal/relay"
)

func main() {
	kernelPath := flag.String("kernel", "", "path to the compiled kernel Wasm module")
	cmdline := flag.String("cmdline", "console=tty0", "boot command line passed to the kernel")
	initrdPath := flag.String("initrd", "", "path to the initial ramdisk image")
	programURL := flag.String("program-url", "local://hostrunner", "runner program URL reported to the controller")
	relayURL := flag.String("relay-url", "", "network relay channel URL (ws://host/channel); empty disables networking")
	relayToken := flag.String("relay-token", "", "optional relay authentication token")
	persistPath := flag.String("persist", "", "path to the bbolt persistence database; empty disables persistence")
	flag.Parse()

	if *kernelPath == "" {
		fmt.Fprintln(os.Stderr, "hostrunner: -kernel is required")
		os.Exit(1)
	}

	kernelModule, err := os.ReadFile(*kernelPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "hostrunner: read kernel module: %v\n", err)
		os.Exit(1)
	}

	var initrd []byte
	if *initrdPath != "" {
		initrd, err = os.ReadFile(*initrdPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "hostrunner: read initrd: %v\n", err)
			os.Exit(1)
		}
	}

	ctrl, err := controller.New(*programURL, kernelModule, *cmdline, initrd, os.Stdout, os.Stdout)
	if err != nil {
		fmt.Fprintf(os.Stderr, "hostrunner: boot failed: %v\n", err)
		os.Exit(1)
	}
	defer ctrl.Shutdown()

	fmt.Printf("hostrunner: booted, init_task=%#x\n", ctrl.InitTask())

	if *relayURL != "" {
		if err := ctrl.InitNetworkRelay(*relayURL, relay.Options{Token: *relayToken, PendingOpenTimeout: 10 * time.Second}); err != nil {
			fmt.Fprintf(os.Stderr, "hostrunner: init network relay: %v\n", err)
			os.Exit(1)
		}
		fmt.Println("hostrunner: network relay connected")
	}

	if *persistPath != "" {
		if err := ctrl.InitPersistence(*persistPath); err != nil {
			fmt.Fprintf(os.Stderr, "hostrunner: init persistence: %v\n", err)
			os.Exit(1)
		}
		fmt.Println("hostrunner: persistence store opened")
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	fmt.Println("hostrunner: shutting down")
}
