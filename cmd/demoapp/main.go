// Command demoapp is a minimal application for exercising the boundary:
// it shares a buffer with the console driver, prints a line through it,
// waits for the write-done upcall, and exits.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/hostemu/hostemu/pkg/appclient"
)

const (
	consoleDriver = 1
	writeBuffer   = 0x1000
	writeDonePC   = 0x4000
)

func main() {
	socket := flag.String("socket", "", "path to the syscall socket")
	flag.Int("id", 0, "slot index assigned by the supervisor")
	flag.Parse()

	if *socket == "" {
		fmt.Fprintln(os.Stderr, "demoapp: --socket is required")
		os.Exit(2)
	}

	if err := run(*socket); err != nil {
		fmt.Fprintf(os.Stderr, "demoapp: %v\n", err)
		os.Exit(1)
	}
}

func run(socket string) error {
	client, err := appclient.Dial(socket)
	if err != nil {
		return err
	}
	defer client.Close()

	if err := client.AwaitExec(); err != nil {
		return err
	}

	msg := []byte("hello from the other side of the boundary\n")
	if res, err := client.AllowReadWrite(consoleDriver, 1, writeBuffer, msg); err != nil {
		return err
	} else if !res.OK {
		return fmt.Errorf("allow failed with code %d", res.Code)
	}

	if res, err := client.Subscribe(consoleDriver, 1, writeDonePC, 0); err != nil {
		return err
	} else if !res.OK {
		return fmt.Errorf("subscribe failed with code %d", res.Code)
	}

	if res, err := client.Command(consoleDriver, 1, uint64(len(msg)), 0); err != nil {
		return err
	} else if !res.OK {
		return fmt.Errorf("write failed with code %d", res.Code)
	}

	// Wait for the write-done upcall.
	for {
		cb, err := client.Yield()
		if err != nil {
			return err
		}
		if cb != nil && cb.PC == writeDonePC {
			break
		}
	}

	return client.Exit(0)
}
