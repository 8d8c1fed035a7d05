// Command test-hotkey is a manual test for the global pause and stop
// hotkeys. Run it, then press Ctrl+Shift+P or Ctrl+Shift+X to see events.
// Press Ctrl+C to exit.
//
// Usage:
//
//	go run ./cmd/test-hotkey [--pause ctrl+shift+p] [--stop ctrl+shift+x]
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/chaz8081/byteflusher/internal/hotkey"
)

func main() {
	pause := flag.String("pause", "ctrl+shift+p", "pause/resume combo, keys joined by +")
	stop := flag.String("stop", "ctrl+shift+x", "stop combo, keys joined by +")
	flag.Parse()

	fmt.Printf("Listening for %s (pause/resume) and %s (stop)...\n", *pause, *stop)
	fmt.Println("Press Ctrl+C to exit.")

	listener := hotkey.NewListener(strings.Split(*pause, "+"), strings.Split(*stop, "+"))

	// Handle Ctrl+C
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sig
		fmt.Println("\nShutting down...")
		listener.Stop()
	}()

	// Read events
	go func() {
		for ev := range listener.Events() {
			switch ev.Type {
			case hotkey.EventTogglePause:
				fmt.Println("||  PAUSE/RESUME")
			case hotkey.EventStop:
				fmt.Println("[] STOP")
			}
		}
		fmt.Println("Event channel closed.")
	}()

	// Blocks until stopped
	listener.Start()
	fmt.Println("Done.")
}
